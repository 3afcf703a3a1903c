// Package offers holds the price-negotiation logic: drivers bid on open
// rides, offers expire after a TTL, and accepting one offer settles the
// ride's price through the state machine while rejecting every rival bid.
package offers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/fanout"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	// ErrRideNotNegotiable means the ride is no longer open for offers.
	ErrRideNotNegotiable = errors.New("ride not negotiable")
	// ErrOfferExpired means the offer's TTL passed before acceptance.
	ErrOfferExpired = errors.New("offer expired")
	// ErrOfferNotPending means the offer was already settled.
	ErrOfferNotPending = errors.New("offer not pending")
)

// DefaultTTL is how long a submitted offer stays acceptable.
const DefaultTTL = 5 * time.Minute

// Service implements the offer store contract on top of the shared stores.
type Service struct {
	Offers   storage.OfferStore
	Rides    *rides.Service
	Fanout   rides.Publisher
	Notifier notify.Notifier
	Logger   *slog.Logger
	TTL      time.Duration
	Now      func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) ttl() time.Duration {
	if s.TTL > 0 {
		return s.TTL
	}
	return DefaultTTL
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Submit records a driver's counter-offer on an open ride. A prior pending
// offer from the same driver is superseded (rejected), never duplicated. The
// ride moves pending -> negotiating on its first offer.
func (s *Service) Submit(ctx context.Context, rideID, driverID string, price float64, message string) (*models.PriceOffer, error) {
	ride, err := s.Rides.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !ride.Status.Open() {
		return nil, ErrRideNotNegotiable
	}

	if prev, err := s.Offers.PendingOfferByDriver(ctx, rideID, driverID); err == nil {
		if ok, cerr := s.Offers.CompareAndSetOfferStatus(ctx, prev.ID, models.OfferPending, models.OfferRejected); cerr == nil && ok {
			observability.OffersRejected.Inc()
			s.logger().Debug("superseded prior offer", "offer_id", prev.ID, "driver_id", driverID)
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	now := s.now()
	offer := &models.PriceOffer{
		ID:           uuid.NewString(),
		RideID:       rideID,
		DriverID:     driverID,
		OfferedPrice: price,
		Message:      message,
		Status:       models.OfferPending,
		ExpiresAt:    now.Add(s.ttl()),
		CreatedAt:    now,
	}
	if err := s.Offers.CreateOffer(ctx, offer); err != nil {
		return nil, err
	}

	// Re-check the ride after the insert: if it closed in between, withdraw.
	// For the pending case the negotiating transition itself is the re-check.
	if ride.Status == models.RidePending {
		if err := s.Rides.MarkNegotiating(ctx, rideID); err != nil {
			_, _ = s.Offers.CompareAndSetOfferStatus(ctx, offer.ID, models.OfferPending, models.OfferRejected)
			return nil, ErrRideNotNegotiable
		}
	} else {
		cur, err := s.Rides.Get(ctx, rideID)
		if err != nil {
			_, _ = s.Offers.CompareAndSetOfferStatus(ctx, offer.ID, models.OfferPending, models.OfferRejected)
			return nil, err
		}
		if !cur.Status.Open() {
			_, _ = s.Offers.CompareAndSetOfferStatus(ctx, offer.ID, models.OfferPending, models.OfferRejected)
			return nil, ErrRideNotNegotiable
		}
	}

	observability.OffersSubmitted.Inc()
	if s.Fanout != nil {
		s.Fanout.Publish(fanout.RideTopic(rideID), models.Event{
			Type: models.EventNewOffer, RideID: rideID, Offer: offer, Timestamp: now,
		})
	}
	if s.Notifier != nil {
		s.Notifier.Notify(notify.Notification{
			UserID: ride.PassengerID,
			Title:  "New price offer",
			Body:   "A driver sent a counter-offer for your ride",
			Data:   map[string]any{"ride_id": rideID, "offer_id": offer.ID, "offered_price": price},
		})
	}
	return offer, nil
}

// AcceptListed is the driver accepting the passenger's listed price. It is
// modeled as a degenerate offer equal to the listed price and settled
// through the same acceptance path as any counter-offer.
func (s *Service) AcceptListed(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	ride, err := s.Rides.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	offer, err := s.Submit(ctx, rideID, driverID, ride.PassengerPriceOffer, "Accepted at listed price")
	if err != nil {
		return nil, err
	}
	return s.Accept(ctx, offer.ID)
}

// Accept settles the ride on this offer's price. Expiry is re-validated here
// regardless of the sweep; the offer status compare-and-set makes the race
// between accept and expire resolve to exactly one winner. If the ride was
// assigned to someone else in the meantime the offer rolls back to rejected.
func (s *Service) Accept(ctx context.Context, offerID string) (*models.Ride, error) {
	offer, err := s.Offers.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if now.After(offer.ExpiresAt) {
		if ok, _ := s.Offers.CompareAndSetOfferStatus(ctx, offerID, models.OfferPending, models.OfferExpired); ok {
			observability.OffersExpired.Inc()
		}
		return nil, ErrOfferExpired
	}
	if offer.Status != models.OfferPending {
		return nil, ErrOfferNotPending
	}

	ok, err := s.Offers.CompareAndSetOfferStatus(ctx, offerID, models.OfferPending, models.OfferAccepted)
	if err != nil {
		return nil, err
	}
	if !ok {
		cur, gerr := s.Offers.GetOffer(ctx, offerID)
		if gerr == nil && cur.Status == models.OfferExpired {
			return nil, ErrOfferExpired
		}
		return nil, ErrOfferNotPending
	}

	ride, err := s.Rides.AssignDriver(ctx, offer.RideID, offer.DriverID, offer.OfferedPrice)
	if err != nil {
		// Lost the assignment race (or the ride vanished): roll back.
		_, _ = s.Offers.CompareAndSetOfferStatus(ctx, offerID, models.OfferAccepted, models.OfferRejected)
		observability.OffersRejected.Inc()
		return nil, err
	}

	s.rejectRivals(ctx, offer.RideID, offerID)

	observability.OffersAccepted.Inc()
	if s.Fanout != nil {
		offer.Status = models.OfferAccepted
		s.Fanout.Publish(fanout.RideTopic(offer.RideID), models.Event{
			Type: models.EventOfferAccepted, RideID: offer.RideID, Offer: offer, Ride: ride, Timestamp: now,
		})
	}
	if s.Notifier != nil {
		s.Notifier.Notify(notify.Notification{
			UserID: offer.DriverID,
			Title:  "Offer accepted",
			Body:   "Your price offer was accepted, head to the pickup",
			Data:   map[string]any{"ride_id": offer.RideID, "offer_id": offerID},
		})
	}
	s.logger().Info("offer accepted", "offer_id", offerID, "ride_id", offer.RideID, "price", offer.OfferedPrice)
	return ride, nil
}

func (s *Service) Get(ctx context.Context, offerID string) (*models.PriceOffer, error) {
	return s.Offers.GetOffer(ctx, offerID)
}

func (s *Service) ListByRide(ctx context.Context, rideID string) ([]*models.PriceOffer, error) {
	return s.Offers.OffersByRide(ctx, rideID)
}

// rejectRivals marks every other pending offer on the ride rejected.
// Compare-and-set per offer, so an offer that expired first stays expired.
func (s *Service) rejectRivals(ctx context.Context, rideID, winnerID string) {
	others, err := s.Offers.OffersByRide(ctx, rideID)
	if err != nil {
		s.logger().Warn("listing rival offers failed", "ride_id", rideID, "error", err)
		return
	}
	for _, o := range others {
		if o.ID == winnerID || o.Status != models.OfferPending {
			continue
		}
		if ok, err := s.Offers.CompareAndSetOfferStatus(ctx, o.ID, models.OfferPending, models.OfferRejected); err == nil && ok {
			observability.OffersRejected.Inc()
		}
	}
}

// ExpireStale sweeps pending offers past their TTL. Idempotent; safe to run
// concurrently with acceptance because both sides compare-and-set.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	n, err := s.Offers.ExpirePendingBefore(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		observability.OffersExpired.Add(float64(n))
		s.logger().Debug("expired stale offers", "count", n)
	}
	return n, nil
}

// RunSweeper expires stale offers on the given interval until ctx ends.
// Acceptance does not depend on it; it only keeps feeds and UIs fresh.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ExpireStale(ctx); err != nil {
				s.logger().Warn("offer sweep failed", "error", err)
			}
		}
	}
}
