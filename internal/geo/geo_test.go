package geo

import (
	"errors"
	"math"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestValidateBounds(t *testing.T) {
	cases := []struct {
		name     string
		lat, lng float64
		ok       bool
	}{
		{"origin", 0, 0, true},
		{"north pole", 90, 0, true},
		{"date line", 0, -180, true},
		{"lat too high", 90.01, 0, false},
		{"lat too low", -91, 0, false},
		{"lng too high", 0, 180.5, false},
		{"lng too low", 0, -181, false},
		{"nan lat", math.NaN(), 0, false},
	}
	for _, c := range cases {
		_, err := Validate(c.lat, c.lng)
		if c.ok && err != nil {
			t.Errorf("%s: unexpected error %v", c.name, err)
		}
		if !c.ok && !errors.Is(err, ErrInvalidCoordinates) {
			t.Errorf("%s: expected ErrInvalidCoordinates, got %v", c.name, err)
		}
	}
}

func TestDistanceZero(t *testing.T) {
	p := models.Coordinates{Lat: -23.55, Lng: -46.63}
	if d := DistanceMeters(p, p); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceKnown(t *testing.T) {
	// Sao Paulo center to Guarulhos airport, roughly 21-23 km.
	a := models.Coordinates{Lat: -23.5505, Lng: -46.6333}
	b := models.Coordinates{Lat: -23.4356, Lng: -46.4731}
	km := DistanceKm(a, b)
	if km < 19 || km > 25 {
		t.Fatalf("implausible distance %f km", km)
	}
}
