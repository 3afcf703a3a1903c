package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	// ErrNotFound means the id does not exist in the store.
	ErrNotFound = errors.New("not found")
	// ErrStatusConflict means a conditional update lost: the row's current
	// status was not in the expected set.
	ErrStatusConflict = errors.New("status conflict")
)

// RideStore defines persistence for rides. All mutation after creation goes
// through TransitionRide so concurrent writers serialize on the status field.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// OpenRidesByVehicleType returns pending/negotiating rides of the given
	// vehicle type, newest first, at most limit.
	OpenRidesByVehicleType(ctx context.Context, vt models.VehicleType, limit int) ([]*models.Ride, error)
	// TransitionRide applies upd only if the ride's current status is one of
	// from. Returns ErrStatusConflict when the compare fails.
	TransitionRide(ctx context.Context, id string, from []models.RideStatus, upd models.RideUpdate) (*models.Ride, error)
	// SetRidePaymentRef records the external payment hold reference.
	SetRidePaymentRef(ctx context.Context, id, paymentRef string) error
	// CompletedByDriverSince returns the driver's completed rides with
	// completed_at >= since, for earnings aggregation.
	CompletedByDriverSince(ctx context.Context, driverID string, since time.Time) ([]*models.Ride, error)
}

// OfferStore defines persistence for price offers.
type OfferStore interface {
	CreateOffer(ctx context.Context, o *models.PriceOffer) error
	GetOffer(ctx context.Context, id string) (*models.PriceOffer, error)
	OffersByRide(ctx context.Context, rideID string) ([]*models.PriceOffer, error)
	// PendingOfferByDriver returns the driver's pending offer on the ride,
	// or ErrNotFound.
	PendingOfferByDriver(ctx context.Context, rideID, driverID string) (*models.PriceOffer, error)
	// CompareAndSetOfferStatus atomically moves the offer from one status to
	// another. Returns false (and no error) when the compare fails, so
	// accept/expire races resolve to whichever caller wins.
	CompareAndSetOfferStatus(ctx context.Context, id string, from, to models.OfferStatus) (bool, error)
	// ExpirePendingBefore moves every pending offer with expires_at before
	// cutoff to expired, returning how many changed. Idempotent.
	ExpirePendingBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// LocationStore holds the latest known position per driver.
type LocationStore interface {
	UpsertLocation(ctx context.Context, loc *models.DriverLocation) error
	GetLocation(ctx context.Context, driverID string) (*models.DriverLocation, error)
}

func statusIn(s models.RideStatus, set []models.RideStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
