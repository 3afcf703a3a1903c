// Package tracker ingests driver GPS samples. Every valid report updates the
// driver's single location record (last write wins); reports made inside an
// active tracking session additionally fan out to the ride's subscribers
// with a best-effort ETA.
package tracker

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fanout"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// DefaultFreshness is how old a location may be before consumers should
// treat the driver as offline. The record itself is never deleted.
const DefaultFreshness = 60 * time.Second

// Publisher is the fan-out gateway as seen by the tracker.
type Publisher interface {
	Publish(topic string, ev models.Event) int
}

// Service tracks driver positions and ride-scoped tracking sessions.
// Sessions start when a ride enters accepted and stop when it leaves
// in_progress; the tracker does not know or care why a session stopped.
type Service struct {
	Locations storage.LocationStore
	Rides     storage.RideStore
	ETA       eta.Client
	Fanout    Publisher
	Logger    *slog.Logger
	Freshness time.Duration
	Now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]string // ride id -> assigned driver id
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

func (s *Service) freshness() time.Duration {
	if s.Freshness > 0 {
		return s.Freshness
	}
	return DefaultFreshness
}

// StartSession begins ride-scoped fan-out for the assigned driver's reports.
func (s *Service) StartSession(rideID, driverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		s.sessions = make(map[string]string)
	}
	s.sessions[rideID] = driverID
}

// StopSession ends ride-scoped fan-out. Idempotent.
func (s *Service) StopSession(rideID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, rideID)
}

// ActiveSession returns the driver bound to the ride's session, if any.
func (s *Service) ActiveSession(rideID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	driverID, ok := s.sessions[rideID]
	return driverID, ok
}

// Report validates and persists one GPS sample. Reports outside an active
// session still update the latest-known position but emit no ride-scoped
// event. ETA provider failures only omit eta_minutes, never fail the report.
func (s *Service) Report(ctx context.Context, rep models.LocationReport) (*models.DriverLocation, error) {
	coords, err := geo.Validate(rep.Latitude, rep.Longitude)
	if err != nil {
		return nil, err
	}

	now := s.now()
	reportedAt := rep.ReportedAt
	if reportedAt.IsZero() {
		reportedAt = now
	}
	loc := &models.DriverLocation{
		DriverID:  rep.DriverID,
		RideID:    rep.RideID,
		Lat:       coords.Lat,
		Lng:       coords.Lng,
		Heading:   rep.Heading,
		Speed:     rep.Speed,
		Accuracy:  rep.Accuracy,
		UpdatedAt: reportedAt,
	}
	if err := s.Locations.UpsertLocation(ctx, loc); err != nil {
		return nil, err
	}
	observability.LocationReports.Inc()

	if rep.RideID != "" {
		if driverID, ok := s.ActiveSession(rep.RideID); ok && driverID == rep.DriverID {
			s.emitRideLocation(ctx, rep.RideID, loc, now)
		}
	}
	return loc, nil
}

func (s *Service) emitRideLocation(ctx context.Context, rideID string, loc *models.DriverLocation, now time.Time) {
	if s.Fanout == nil {
		return
	}
	ev := models.Event{
		Type:      models.EventDriverLocation,
		RideID:    rideID,
		Location:  loc,
		Timestamp: now,
	}
	if s.ETA != nil && s.Rides != nil {
		if ride, err := s.Rides.GetRide(ctx, rideID); err == nil {
			// Heading to the pickup until the trip starts, then the dropoff.
			dest := ride.Pickup
			if ride.Status == models.RideInProgress {
				dest = ride.Dropoff
			}
			from := models.Coordinates{Lat: loc.Lat, Lng: loc.Lng}
			if secs, err := s.ETA.EstimateSeconds(from, dest); err == nil {
				minutes := int(math.Ceil(secs / 60))
				ev.ETAMinutes = &minutes
			} else {
				s.logger().Debug("eta provider unavailable", "ride_id", rideID, "error", err)
			}
		}
	}
	s.Fanout.Publish(fanout.RideTopic(rideID), ev)
}

// Latest returns the driver's last known position and whether it is stale.
func (s *Service) Latest(ctx context.Context, driverID string) (*models.DriverLocation, bool, error) {
	loc, err := s.Locations.GetLocation(ctx, driverID)
	if err != nil {
		return nil, false, err
	}
	stale := s.now().Sub(loc.UpdatedAt) > s.freshness()
	return loc, stale, nil
}
