// Package rides owns the ride lifecycle state machine. Every status change
// goes through exactly one conditional store transition, so concurrent
// callers racing on the same ride resolve to a single winner.
package rides

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/fanout"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	// ErrRideAlreadyAssigned means another driver won the assignment race.
	// Expected and frequent, not a bug.
	ErrRideAlreadyAssigned = errors.New("ride already assigned")
	// ErrInvalidTransition means the ride's current status does not permit
	// the requested event.
	ErrInvalidTransition = errors.New("invalid ride transition")
	// ErrUnauthorizedAction means the caller is not a party allowed to
	// perform this transition.
	ErrUnauthorizedAction = errors.New("unauthorized action")
	// ErrInvalidRide means the creation request failed validation.
	ErrInvalidRide = errors.New("invalid ride request")
)

// Transition table: which statuses each event may move a ride from.
var (
	assignableFrom  = []models.RideStatus{models.RidePending, models.RideNegotiating}
	startableFrom   = []models.RideStatus{models.RideAccepted}
	completableFrom = []models.RideStatus{models.RideInProgress}
	cancellableFrom = []models.RideStatus{models.RidePending, models.RideNegotiating, models.RideAccepted}
)

// Actor identifies the authenticated party performing an action.
type Actor struct {
	ID   string
	Role string
}

const (
	RolePassenger = "passenger"
	RoleDriver    = "driver"
)

// Publisher is the fan-out gateway as seen by the state machine.
type Publisher interface {
	Publish(topic string, ev models.Event) int
}

// Sessions is the location tracker's session registry.
type Sessions interface {
	StartSession(rideID, driverID string)
	StopSession(rideID string)
}

// PaymentProvider is the hold/capture/release flow around a ride's fare:
// funds are held when the fare settles, captured on completion and released
// on cancellation.
type PaymentProvider interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, paymentRef string) error
	Cancel(ctx context.Context, paymentRef string) error
}

// Service is the ride state machine. Fields are wired at startup; Sessions,
// Notifier and Payments side effects are all optional and never fail a
// transition.
type Service struct {
	Store    storage.RideStore
	Fanout   Publisher
	Tracker  Sessions
	Notifier notify.Notifier
	Payments PaymentProvider
	Currency string // ISO code for payment holds, defaults to usd
	Logger   *slog.Logger
	Now      func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// CreateRideRequest is the passenger's ride creation payload.
type CreateRideRequest struct {
	PassengerID    string
	VehicleType    models.VehicleType
	Pickup         models.Coordinates
	Dropoff        models.Coordinates
	PickupAddress  string
	DropoffAddress string
	DistanceKm     float64
	PriceOffer     float64
	PaymentMethod  string
	PaymentRef     string
}

// Create validates the request, inserts the ride as pending and announces it
// on the vehicle-type feed topic.
func (s *Service) Create(ctx context.Context, req CreateRideRequest) (*models.Ride, error) {
	if req.PassengerID == "" {
		return nil, fmt.Errorf("%w: missing passenger", ErrInvalidRide)
	}
	if !req.VehicleType.Valid() {
		return nil, fmt.Errorf("%w: unknown vehicle type %q", ErrInvalidRide, req.VehicleType)
	}
	if req.PriceOffer <= 0 {
		return nil, fmt.Errorf("%w: price offer must be positive", ErrInvalidRide)
	}
	pickup, err := geo.Validate(req.Pickup.Lat, req.Pickup.Lng)
	if err != nil {
		return nil, err
	}
	dropoff, err := geo.Validate(req.Dropoff.Lat, req.Dropoff.Lng)
	if err != nil {
		return nil, err
	}
	distance := req.DistanceKm
	if distance <= 0 {
		distance = geo.DistanceKm(pickup, dropoff)
	}

	now := s.now()
	ride := &models.Ride{
		ID:                  uuid.NewString(),
		PassengerID:         req.PassengerID,
		VehicleType:         req.VehicleType,
		Pickup:              pickup,
		Dropoff:             dropoff,
		PickupAddress:       req.PickupAddress,
		DropoffAddress:      req.DropoffAddress,
		DistanceKm:          distance,
		PassengerPriceOffer: req.PriceOffer,
		PaymentMethod:       req.PaymentMethod,
		PaymentRef:          req.PaymentRef,
		Status:              models.RidePending,
		CreatedAt:           now,
	}
	if err := s.Store.CreateRide(ctx, ride); err != nil {
		return nil, err
	}
	observability.RidesCreated.Inc()
	s.publish(fanout.DriverFeedTopic(ride.VehicleType), models.Event{
		Type: models.EventRideAvailable, RideID: ride.ID, Status: ride.Status, Ride: ride, Timestamp: now,
	})
	s.logger().Info("ride created", "ride_id", ride.ID, "vehicle_type", ride.VehicleType, "price", ride.PassengerPriceOffer)
	return ride, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Ride, error) {
	return s.Store.GetRide(ctx, id)
}

// MarkNegotiating moves a pending ride to negotiating when its first
// counter-offer arrives. Losing the compare is fine as long as the ride is
// still open.
func (s *Service) MarkNegotiating(ctx context.Context, rideID string) error {
	_, err := s.Store.TransitionRide(ctx, rideID, []models.RideStatus{models.RidePending},
		models.RideUpdate{Status: models.RideNegotiating})
	if errors.Is(err, storage.ErrStatusConflict) {
		cur, gerr := s.Store.GetRide(ctx, rideID)
		if gerr != nil {
			return gerr
		}
		if cur.Status == models.RideNegotiating {
			return nil
		}
		return fmt.Errorf("%w: ride is %s", ErrInvalidTransition, cur.Status)
	}
	return err
}

// AssignDriver is the exclusive accepted-transition: only the first caller
// for a ride wins; the rest get ErrRideAlreadyAssigned.
func (s *Service) AssignDriver(ctx context.Context, rideID, driverID string, price float64) (*models.Ride, error) {
	ride, err := s.Store.TransitionRide(ctx, rideID, assignableFrom, models.RideUpdate{
		Status:     models.RideAccepted,
		DriverID:   &driverID,
		FinalPrice: &price,
	})
	if errors.Is(err, storage.ErrStatusConflict) {
		observability.AssignmentConflicts.Inc()
		return nil, ErrRideAlreadyAssigned
	}
	if err != nil {
		return nil, err
	}

	if s.Tracker != nil {
		s.Tracker.StartSession(ride.ID, driverID)
	}
	now := s.now()
	s.publish(fanout.RideTopic(ride.ID), models.Event{
		Type: models.EventRideStatus, RideID: ride.ID, Status: ride.Status, Ride: ride, Timestamp: now,
	})
	s.publish(fanout.DriverFeedTopic(ride.VehicleType), models.Event{
		Type: models.EventRideClosed, RideID: ride.ID, Status: ride.Status, Timestamp: now,
	})
	s.notifyUser(ride.PassengerID, "Driver on the way", "A driver accepted your ride", ride.ID)
	if s.Payments != nil && ride.PaymentMethod == "card" && ride.PaymentRef == "" {
		go s.holdPayment(ride)
	}
	s.logger().Info("ride assigned", "ride_id", ride.ID, "driver_id", driverID, "final_price", price)
	return ride, nil
}

// Start moves an accepted ride to in_progress. Only the assigned driver may
// start the trip.
func (s *Service) Start(ctx context.Context, actor Actor, rideID string) (*models.Ride, error) {
	cur, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if cur.DriverID == "" || cur.DriverID != actor.ID {
		return nil, fmt.Errorf("%w: only the assigned driver may start the trip", ErrUnauthorizedAction)
	}
	ride, err := s.Store.TransitionRide(ctx, rideID, startableFrom, models.RideUpdate{Status: models.RideInProgress})
	if errors.Is(err, storage.ErrStatusConflict) {
		return nil, s.transitionConflict(ctx, rideID)
	}
	if err != nil {
		return nil, err
	}
	s.publish(fanout.RideTopic(ride.ID), models.Event{
		Type: models.EventRideStatus, RideID: ride.ID, Status: ride.Status, Ride: ride, Timestamp: s.now(),
	})
	s.notifyUser(ride.PassengerID, "Ride started", "Your ride is under way", ride.ID)
	return ride, nil
}

// Complete moves an in_progress ride to completed. Either party may
// complete. Stops the tracking session and captures any held payment
// fire-and-forget.
func (s *Service) Complete(ctx context.Context, actor Actor, rideID string) (*models.Ride, error) {
	cur, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if actor.ID != cur.DriverID && actor.ID != cur.PassengerID {
		return nil, fmt.Errorf("%w: not a party to this ride", ErrUnauthorizedAction)
	}
	now := s.now()
	ride, err := s.Store.TransitionRide(ctx, rideID, completableFrom, models.RideUpdate{
		Status:      models.RideCompleted,
		CompletedAt: &now,
	})
	if errors.Is(err, storage.ErrStatusConflict) {
		return nil, s.transitionConflict(ctx, rideID)
	}
	if err != nil {
		return nil, err
	}

	if s.Tracker != nil {
		s.Tracker.StopSession(ride.ID)
	}
	s.publish(fanout.RideTopic(ride.ID), models.Event{
		Type: models.EventRideStatus, RideID: ride.ID, Status: ride.Status, Ride: ride, Timestamp: now,
	})
	other := ride.PassengerID
	if actor.ID == ride.PassengerID {
		other = ride.DriverID
	}
	s.notifyUser(other, "Ride completed", "Rate your experience", ride.ID)
	if s.Payments != nil && ride.PaymentRef != "" {
		go s.capturePayment(ride)
	}
	s.logger().Info("ride completed", "ride_id", ride.ID, "final_price", ride.FinalPrice)
	return ride, nil
}

// Cancel is a terminal transition reachable from pending, negotiating or
// accepted. Either party may cancel; an in-flight tracking session is
// released without the tracker knowing why.
func (s *Service) Cancel(ctx context.Context, actor Actor, rideID string) (*models.Ride, error) {
	cur, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if actor.ID != cur.PassengerID && (cur.DriverID == "" || actor.ID != cur.DriverID) {
		return nil, fmt.Errorf("%w: not a party to this ride", ErrUnauthorizedAction)
	}
	ride, err := s.Store.TransitionRide(ctx, rideID, cancellableFrom, models.RideUpdate{Status: models.RideCancelled})
	if errors.Is(err, storage.ErrStatusConflict) {
		return nil, s.transitionConflict(ctx, rideID)
	}
	if err != nil {
		return nil, err
	}

	if s.Tracker != nil {
		s.Tracker.StopSession(ride.ID)
	}
	now := s.now()
	s.publish(fanout.RideTopic(ride.ID), models.Event{
		Type: models.EventRideStatus, RideID: ride.ID, Status: ride.Status, Ride: ride, Timestamp: now,
	})
	s.publish(fanout.DriverFeedTopic(ride.VehicleType), models.Event{
		Type: models.EventRideClosed, RideID: ride.ID, Status: ride.Status, Timestamp: now,
	})
	if ride.DriverID != "" && actor.ID != ride.DriverID {
		s.notifyUser(ride.DriverID, "Ride cancelled", "The passenger cancelled the ride", ride.ID)
	} else if actor.ID != ride.PassengerID {
		s.notifyUser(ride.PassengerID, "Ride cancelled", "The driver cancelled the ride", ride.ID)
	}
	if s.Payments != nil && ride.PaymentRef != "" {
		go s.releasePayment(ride)
	}
	s.logger().Info("ride cancelled", "ride_id", ride.ID, "by", actor.ID)
	return ride, nil
}

// EarningsSummary aggregates a driver's completed rides since the cutoff.
type EarningsSummary struct {
	TotalEarnings  float64 `json:"total_earnings"`
	CompletedRides int     `json:"completed_rides"`
}

func (s *Service) DriverEarningsSince(ctx context.Context, driverID string, since time.Time) (EarningsSummary, error) {
	completed, err := s.Store.CompletedByDriverSince(ctx, driverID, since)
	if err != nil {
		return EarningsSummary{}, err
	}
	sum := EarningsSummary{CompletedRides: len(completed)}
	for _, r := range completed {
		sum.TotalEarnings += r.FinalPrice
	}
	return sum, nil
}

// transitionConflict re-reads the ride so the error names the status that
// actually won the race, not the one seen before the compare.
func (s *Service) transitionConflict(ctx context.Context, rideID string) error {
	cur, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return ErrInvalidTransition
	}
	return fmt.Errorf("%w: ride is %s", ErrInvalidTransition, cur.Status)
}

func (s *Service) publish(topic string, ev models.Event) {
	if s.Fanout != nil {
		s.Fanout.Publish(topic, ev)
	}
}

func (s *Service) notifyUser(userID, title, body, rideID string) {
	if s.Notifier == nil || userID == "" {
		return
	}
	s.Notifier.Notify(notify.Notification{
		UserID: userID,
		Title:  title,
		Body:   body,
		Data:   map[string]any{"ride_id": rideID},
	})
}

func (s *Service) capturePayment(ride *models.Ride) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Payments.Capture(ctx, ride.PaymentRef); err != nil {
		s.logger().Warn("payment capture failed", "ride_id", ride.ID, "payment_ref", ride.PaymentRef, "error", err)
	}
}

func (s *Service) holdPayment(ride *models.Ride) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	currency := s.Currency
	if currency == "" {
		currency = "usd"
	}
	amount := int64(math.Round(ride.FinalPrice * 100))
	ref, err := s.Payments.Hold(ctx, amount, currency, "")
	if err != nil {
		s.logger().Warn("payment hold failed", "ride_id", ride.ID, "error", err)
		return
	}
	if err := s.Store.SetRidePaymentRef(ctx, ride.ID, ref); err != nil {
		s.logger().Warn("storing payment ref failed", "ride_id", ride.ID, "payment_ref", ref, "error", err)
	}
}

func (s *Service) releasePayment(ride *models.Ride) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Payments.Cancel(ctx, ride.PaymentRef); err != nil {
		s.logger().Warn("payment release failed", "ride_id", ride.ID, "payment_ref", ride.PaymentRef, "error", err)
	}
}
