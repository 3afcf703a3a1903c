package eta

import (
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Client is the pluggable distance/ETA provider used by the location tracker.
type Client interface {
	EstimateSeconds(from, to models.Coordinates) (float64, error)
}

// Naive estimates travel time as straight-line distance over a fixed speed.
// Good enough as a fallback when no routing engine is configured.
type Naive struct {
	SpeedMps float64
}

func (n Naive) EstimateSeconds(from, to models.Coordinates) (float64, error) {
	speed := n.SpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h default city speed
	}
	return geo.DistanceMeters(from, to) / speed, nil
}

// Cached wraps a primary client with a TTL cache and an optional fallback
// used when the primary errors.
type Cached struct {
	Inner    Client
	Fallback Client
	Cache    *Cache
}

func (c *Cached) EstimateSeconds(from, to models.Coordinates) (float64, error) {
	if c.Cache != nil {
		if v, ok := c.Cache.Get(from, to); ok {
			return v, nil
		}
	}
	v, err := c.Inner.EstimateSeconds(from, to)
	if err != nil {
		if c.Fallback != nil {
			return c.Fallback.EstimateSeconds(from, to)
		}
		return 0, err
	}
	if c.Cache != nil {
		c.Cache.Set(from, to, v)
	}
	return v, nil
}
