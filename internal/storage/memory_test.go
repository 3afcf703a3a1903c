package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func TestTransitionRideCompareAndSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	ride := &models.Ride{ID: "r1", Status: models.RidePending, CreatedAt: time.Now()}
	if err := m.CreateRide(ctx, ride); err != nil {
		t.Fatal(err)
	}

	driver := "d1"
	price := 18.0
	got, err := m.TransitionRide(ctx, "r1",
		[]models.RideStatus{models.RidePending, models.RideNegotiating},
		models.RideUpdate{Status: models.RideAccepted, DriverID: &driver, FinalPrice: &price})
	if err != nil {
		t.Fatalf("first transition: %v", err)
	}
	if got.Status != models.RideAccepted || got.DriverID != "d1" || got.FinalPrice != 18.0 {
		t.Fatalf("unexpected ride %+v", got)
	}

	// Second accept must lose the compare and leave state unchanged.
	other := "d2"
	_, err = m.TransitionRide(ctx, "r1",
		[]models.RideStatus{models.RidePending, models.RideNegotiating},
		models.RideUpdate{Status: models.RideAccepted, DriverID: &other})
	if !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}
	cur, _ := m.GetRide(ctx, "r1")
	if cur.DriverID != "d1" {
		t.Fatalf("loser overwrote the winner: %+v", cur)
	}
}

func TestTransitionRideNotFound(t *testing.T) {
	m := NewMemoryStore()
	_, err := m.TransitionRide(context.Background(), "missing",
		[]models.RideStatus{models.RidePending}, models.RideUpdate{Status: models.RideCancelled})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOpenRidesByVehicleTypeFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	base := time.Now()
	add := func(id string, vt models.VehicleType, st models.RideStatus, age time.Duration) {
		m.CreateRide(ctx, &models.Ride{ID: id, VehicleType: vt, Status: st, CreatedAt: base.Add(-age)})
	}
	add("old", models.VehicleMoto, models.RidePending, time.Hour)
	add("new", models.VehicleMoto, models.RideNegotiating, time.Minute)
	add("wrong-type", models.VehicleSUV, models.RidePending, 0)
	add("taken", models.VehicleMoto, models.RideAccepted, 0)
	add("gone", models.VehicleMoto, models.RideCancelled, 0)

	out, err := m.OpenRidesByVehicleType(ctx, models.VehicleMoto, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 rides, got %d", len(out))
	}
	if out[0].ID != "new" || out[1].ID != "old" {
		t.Fatalf("wrong order: %s, %s", out[0].ID, out[1].ID)
	}
}

func TestCompareAndSetOfferStatus(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	m.CreateOffer(ctx, &models.PriceOffer{ID: "o1", RideID: "r1", Status: models.OfferPending})

	ok, err := m.CompareAndSetOfferStatus(ctx, "o1", models.OfferPending, models.OfferAccepted)
	if err != nil || !ok {
		t.Fatalf("expected cas to win, ok=%v err=%v", ok, err)
	}
	// The expire path must lose now.
	ok, err = m.CompareAndSetOfferStatus(ctx, "o1", models.OfferPending, models.OfferExpired)
	if err != nil || ok {
		t.Fatalf("expected cas to lose, ok=%v err=%v", ok, err)
	}
	o, _ := m.GetOffer(ctx, "o1")
	if o.Status != models.OfferAccepted {
		t.Fatalf("status clobbered: %s", o.Status)
	}
}

func TestExpirePendingBeforeIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now()
	m.CreateOffer(ctx, &models.PriceOffer{ID: "stale", Status: models.OfferPending, ExpiresAt: now.Add(-time.Minute)})
	m.CreateOffer(ctx, &models.PriceOffer{ID: "fresh", Status: models.OfferPending, ExpiresAt: now.Add(time.Minute)})

	n, err := m.ExpirePendingBefore(ctx, now)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 expired, got n=%d err=%v", n, err)
	}
	n, err = m.ExpirePendingBefore(ctx, now)
	if err != nil || n != 0 {
		t.Fatalf("second sweep should be a no-op, got n=%d err=%v", n, err)
	}
	fresh, _ := m.GetOffer(ctx, "fresh")
	if fresh.Status != models.OfferPending {
		t.Fatalf("fresh offer expired early")
	}
}

func TestUpsertLocationIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	first := &models.DriverLocation{DriverID: "d1", Lat: 1, Lng: 2, UpdatedAt: time.Now()}
	second := &models.DriverLocation{DriverID: "d1", Lat: 3, Lng: 4, UpdatedAt: time.Now().Add(time.Second)}
	m.UpsertLocation(ctx, first)
	m.UpsertLocation(ctx, second)

	got, err := m.GetLocation(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Lat != 3 || got.Lng != 4 {
		t.Fatalf("expected latest values, got %+v", got)
	}
	if len(m.locations) != 1 {
		t.Fatalf("expected a single record, got %d", len(m.locations))
	}
}
