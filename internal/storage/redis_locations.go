package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisLocationStore keeps the latest driver position in Redis: a GEO set for
// proximity queries plus a per-driver hash with the full sample. Writes are
// last-write-wins, matching the location ordering contract.
type RedisLocationStore struct {
	client *redis.Client
	geoKey string
}

func NewRedisLocationStore(addr, password, geoKey string) *RedisLocationStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisLocationStore{client: c, geoKey: geoKey}
}

// NewRedisLocationStoreFromClient is used by the consumer, which shares its
// client with the readiness probe.
func NewRedisLocationStoreFromClient(c *redis.Client, geoKey string) *RedisLocationStore {
	return &RedisLocationStore{client: c, geoKey: geoKey}
}

func (r *RedisLocationStore) UpsertLocation(ctx context.Context, loc *models.DriverLocation) error {
	if _, err := r.client.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{
		Longitude: loc.Lng,
		Latitude:  loc.Lat,
		Name:      loc.DriverID,
	}).Result(); err != nil {
		return err
	}
	return r.client.HSet(ctx, locationKey(loc.DriverID), map[string]interface{}{
		"ride_id":    loc.RideID,
		"lat":        strconv.FormatFloat(loc.Lat, 'f', 6, 64),
		"lng":        strconv.FormatFloat(loc.Lng, 'f', 6, 64),
		"heading":    strconv.FormatFloat(loc.Heading, 'f', 2, 64),
		"speed":      strconv.FormatFloat(loc.Speed, 'f', 2, 64),
		"accuracy":   strconv.FormatFloat(loc.Accuracy, 'f', 2, 64),
		"updated_at": loc.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}).Err()
}

func (r *RedisLocationStore) GetLocation(ctx context.Context, driverID string) (*models.DriverLocation, error) {
	m, err := r.client.HGetAll(ctx, locationKey(driverID)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	loc := &models.DriverLocation{DriverID: driverID, RideID: m["ride_id"]}
	loc.Lat, _ = strconv.ParseFloat(m["lat"], 64)
	loc.Lng, _ = strconv.ParseFloat(m["lng"], 64)
	loc.Heading, _ = strconv.ParseFloat(m["heading"], 64)
	loc.Speed, _ = strconv.ParseFloat(m["speed"], 64)
	loc.Accuracy, _ = strconv.ParseFloat(m["accuracy"], 64)
	if ts, err := time.Parse(time.RFC3339Nano, m["updated_at"]); err == nil {
		loc.UpdatedAt = ts
	}
	return loc, nil
}

func locationKey(driverID string) string { return "driver:loc:" + driverID }
