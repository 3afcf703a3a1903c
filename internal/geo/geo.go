package geo

import (
	"errors"
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrInvalidCoordinates is returned for positions outside the WGS84 range.
var ErrInvalidCoordinates = errors.New("invalid coordinates")

// Validate checks a lat/lng pair and returns it normalized into Coordinates.
// Pure function; every persistence path goes through it first.
func Validate(lat, lng float64) (models.Coordinates, error) {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return models.Coordinates{}, ErrInvalidCoordinates
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return models.Coordinates{}, ErrInvalidCoordinates
	}
	return models.Coordinates{Lat: lat, Lng: lng}, nil
}

// DistanceMeters is the haversine distance between two points.
func DistanceMeters(a, b models.Coordinates) float64 {
	const earthRadius = 6371000.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadius * c
}

// DistanceKm rounds to two decimals, the precision rides are quoted in.
func DistanceKm(a, b models.Coordinates) float64 {
	return math.Round(DistanceMeters(a, b)/10) / 100
}
