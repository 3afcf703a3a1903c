package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type flakyLocationStore struct {
	failures int
	calls    int
	last     *models.DriverLocation
}

func (s *flakyLocationStore) UpsertLocation(ctx context.Context, loc *models.DriverLocation) error {
	s.calls++
	if s.calls <= s.failures {
		return errors.New("connection reset")
	}
	cp := *loc
	s.last = &cp
	return nil
}

func (s *flakyLocationStore) GetLocation(ctx context.Context, driverID string) (*models.DriverLocation, error) {
	if s.last == nil || s.last.DriverID != driverID {
		return nil, errors.New("not found")
	}
	cp := *s.last
	return &cp, nil
}

func sampleReport() models.LocationReport {
	return models.LocationReport{
		DriverID:   "d1",
		RideID:     "r1",
		Latitude:   -23.553,
		Longitude:  -46.634,
		Speed:      9.5,
		ReportedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestUpsertWithRetrySucceedsAfterFailures(t *testing.T) {
	store := &flakyLocationStore{failures: 2}
	rep := sampleReport()

	if err := upsertWithRetry(context.Background(), store, &rep, 3, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if store.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", store.calls)
	}
	if store.last == nil || store.last.Lat != -23.553 || store.last.RideID != "r1" {
		t.Fatalf("stored location wrong: %+v", store.last)
	}
	if !store.last.UpdatedAt.Equal(rep.ReportedAt) {
		t.Fatalf("updated_at must come from the report, got %v", store.last.UpdatedAt)
	}
}

func TestUpsertWithRetryExhausted(t *testing.T) {
	store := &flakyLocationStore{failures: 10}
	rep := sampleReport()

	if err := upsertWithRetry(context.Background(), store, &rep, 3, time.Millisecond); err == nil {
		t.Fatal("expected the final error to surface")
	}
	if store.calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", store.calls)
	}
}

func TestSleepCtxReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if sleepCtx(ctx, 30*time.Second) {
		t.Fatal("cancelled context must cut the wait short")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("wait did not return promptly, took %v", time.Since(start))
	}

	if !sleepCtx(context.Background(), time.Millisecond) {
		t.Fatal("full wait should report true")
	}
}

func TestUpsertWithRetryFillsMissingTimestamp(t *testing.T) {
	store := &flakyLocationStore{}
	rep := sampleReport()
	rep.ReportedAt = time.Time{}

	if err := upsertWithRetry(context.Background(), store, &rep, 1, 0); err != nil {
		t.Fatal(err)
	}
	if store.last.UpdatedAt.IsZero() {
		t.Fatal("missing reported_at must default to the ingest time")
	}
}
