package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore is the in-process fallback implementation of RideStore,
// OfferStore and LocationStore, used when no Postgres/Redis is configured
// and throughout the tests. The single mutex per store gives the same
// compare-and-set semantics the SQL implementation gets from conditional
// UPDATEs.
type MemoryStore struct {
	mu        sync.RWMutex
	rides     map[string]models.Ride
	offers    map[string]models.PriceOffer
	locations map[string]models.DriverLocation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:     make(map[string]models.Ride),
		offers:    make(map[string]models.PriceOffer),
		locations: make(map[string]models.DriverLocation),
	}
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *MemoryStore) OpenRidesByVehicleType(ctx context.Context, vt models.VehicleType, limit int) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if r.VehicleType != vt || !r.Status.Open() {
			continue
		}
		r := r
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) TransitionRide(ctx context.Context, id string, from []models.RideStatus, upd models.RideUpdate) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !statusIn(r.Status, from) {
		return nil, ErrStatusConflict
	}
	r.Status = upd.Status
	if upd.DriverID != nil {
		r.DriverID = *upd.DriverID
	}
	if upd.FinalPrice != nil {
		r.FinalPrice = *upd.FinalPrice
	}
	if upd.CompletedAt != nil {
		r.CompletedAt = *upd.CompletedAt
	}
	m.rides[id] = r
	return &r, nil
}

func (m *MemoryStore) SetRidePaymentRef(ctx context.Context, id, paymentRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return ErrNotFound
	}
	r.PaymentRef = paymentRef
	m.rides[id] = r
	return nil
}

func (m *MemoryStore) CompletedByDriverSince(ctx context.Context, driverID string, since time.Time) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if r.DriverID != driverID || r.Status != models.RideCompleted {
			continue
		}
		if r.CompletedAt.Before(since) {
			continue
		}
		r := r
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.After(out[j].CompletedAt) })
	return out, nil
}

func (m *MemoryStore) CreateOffer(ctx context.Context, o *models.PriceOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[o.ID] = *o
	return nil
}

func (m *MemoryStore) GetOffer(ctx context.Context, id string) (*models.PriceOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (m *MemoryStore) OffersByRide(ctx context.Context, rideID string) ([]*models.PriceOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.PriceOffer, 0)
	for _, o := range m.offers {
		if o.RideID != rideID {
			continue
		}
		o := o
		out = append(out, &o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) PendingOfferByDriver(ctx context.Context, rideID, driverID string) (*models.PriceOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.offers {
		if o.RideID == rideID && o.DriverID == driverID && o.Status == models.OfferPending {
			o := o
			return &o, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) CompareAndSetOfferStatus(ctx context.Context, id string, from, to models.OfferStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return false, ErrNotFound
	}
	if o.Status != from {
		return false, nil
	}
	o.Status = to
	m.offers[id] = o
	return true, nil
}

func (m *MemoryStore) ExpirePendingBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, o := range m.offers {
		if o.Status == models.OfferPending && o.ExpiresAt.Before(cutoff) {
			o.Status = models.OfferExpired
			m.offers[id] = o
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) UpsertLocation(ctx context.Context, loc *models.DriverLocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[loc.DriverID] = *loc
	return nil
}

func (m *MemoryStore) GetLocation(ctx context.Context, driverID string) (*models.DriverLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loc, ok := m.locations[driverID]
	if !ok {
		return nil, ErrNotFound
	}
	return &loc, nil
}
