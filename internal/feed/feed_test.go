package feed

import (
	"context"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

func seedRide(t *testing.T, store *storage.MemoryStore, id string, vt models.VehicleType, status models.RideStatus, createdAt time.Time) {
	t.Helper()
	ride := &models.Ride{
		ID:                  id,
		PassengerID:         "p1",
		VehicleType:         vt,
		Pickup:              models.Coordinates{Lat: -23.55, Lng: -46.63},
		Dropoff:             models.Coordinates{Lat: -23.56, Lng: -46.65},
		PassengerPriceOffer: 20.0,
		Status:              models.RidePending,
		CreatedAt:           createdAt,
	}
	if err := store.CreateRide(context.Background(), ride); err != nil {
		t.Fatal(err)
	}
	if status != models.RidePending {
		if _, err := store.TransitionRide(context.Background(), id,
			[]models.RideStatus{models.RidePending}, models.RideUpdate{Status: status}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSnapshotFiltersClosedAndOtherTypes(t *testing.T) {
	store := storage.NewMemoryStore()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	seedRide(t, store, "r-open", models.VehicleEconomy, models.RidePending, base)
	seedRide(t, store, "r-nego", models.VehicleEconomy, models.RideNegotiating, base.Add(time.Minute))
	seedRide(t, store, "r-taken", models.VehicleEconomy, models.RideAccepted, base.Add(2*time.Minute))
	seedRide(t, store, "r-gone", models.VehicleEconomy, models.RideCancelled, base.Add(3*time.Minute))
	seedRide(t, store, "r-moto", models.VehicleMoto, models.RidePending, base.Add(4*time.Minute))

	s := &Service{Rides: store}
	got, err := s.Snapshot(context.Background(), models.VehicleEconomy)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected the two open economy rides, got %d", len(got))
	}
	// Newest first.
	if got[0].ID != "r-nego" || got[1].ID != "r-open" {
		t.Fatalf("wrong order: %s, %s", got[0].ID, got[1].ID)
	}

	moto, err := s.Snapshot(context.Background(), models.VehicleMoto)
	if err != nil {
		t.Fatal(err)
	}
	if len(moto) != 1 || moto[0].ID != "r-moto" {
		t.Fatalf("moto feed: %+v", moto)
	}
}

func TestSnapshotCap(t *testing.T) {
	store := storage.NewMemoryStore()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		seedRide(t, store, string(rune('a'+i)), models.VehicleSUV, models.RidePending, base.Add(time.Duration(i)*time.Minute))
	}

	s := &Service{Rides: store, Limit: 3}
	got, err := s.Snapshot(context.Background(), models.VehicleSUV)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("cap not applied, got %d", len(got))
	}
	if got[0].ID != "e" {
		t.Fatalf("newest ride should lead, got %s", got[0].ID)
	}
}

func TestSnapshotRejectsUnknownVehicleType(t *testing.T) {
	s := &Service{Rides: storage.NewMemoryStore()}
	if _, err := s.Snapshot(context.Background(), "hovercraft"); err == nil {
		t.Fatal("expected an error for an unknown vehicle type")
	}
}
