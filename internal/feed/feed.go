// Package feed computes the live set of open rides visible to a driver of a
// given vehicle type. The snapshot comes from the ride store; live deltas
// ride the fan-out topic fanout.DriverFeedTopic(vt), where the state machine
// publishes ride_available on creation and ride_closed the instant a ride is
// assigned or cancelled, so losing drivers see it disappear too.
package feed

import (
	"context"
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// DefaultLimit caps how many open rides a driver sees, newest first.
const DefaultLimit = 20

type Service struct {
	Rides storage.RideStore
	Limit int
}

func (s *Service) limit() int {
	if s.Limit > 0 {
		return s.Limit
	}
	return DefaultLimit
}

// Snapshot returns the current visible set for a vehicle type: rides with
// status pending or negotiating, newest first, capped.
func (s *Service) Snapshot(ctx context.Context, vt models.VehicleType) ([]*models.Ride, error) {
	if !vt.Valid() {
		return nil, fmt.Errorf("unknown vehicle type %q", vt)
	}
	return s.Rides.OpenRidesByVehicleType(ctx, vt, s.limit())
}
