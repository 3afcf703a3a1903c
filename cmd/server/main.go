package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fanout"
	"github.com/example/ride-dispatch/internal/feed"
	"github.com/example/ride-dispatch/internal/httpapi"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/offers"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/tracker"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.PGDSN != "" && cfg.RunMigrations {
		if err := runMigrations(cfg.PGDSN, logger); err != nil {
			logger.Error("migrations failed", "error", err)
			os.Exit(1)
		}
	}

	// Ride/offer persistence: Postgres when configured, memory otherwise.
	var rideStore storage.RideStore
	var offerStore storage.OfferStore
	mem := storage.NewMemoryStore()
	rideStore, offerStore = mem, mem
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		rideStore, offerStore = pg, pg
	}

	var locationStore storage.LocationStore = mem
	if cfg.RedisAddr != "" {
		locationStore = storage.NewRedisLocationStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	}

	hub := fanout.NewHub()

	var notifier notify.Notifier = notify.Nop{}
	if cfg.PushEndpoint != "" {
		d := notify.NewPushDispatcher(cfg.PushEndpoint, logger)
		go d.Run(ctx)
		notifier = d
	}

	var etaClient eta.Client = eta.Naive{SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		etaClient = &eta.Cached{
			Inner:    eta.NewOSRMClient(cfg.OSRMEndpoint),
			Fallback: eta.Naive{SpeedMps: cfg.DefaultSpeedMps},
			Cache:    eta.NewCache(cfg.ETACacheTTL),
		}
	}

	trk := &tracker.Service{
		Locations: locationStore,
		Rides:     rideStore,
		ETA:       etaClient,
		Fanout:    hub,
		Logger:    logger,
		Freshness: cfg.LocationFreshness,
	}

	rideSvc := &rides.Service{
		Store:    rideStore,
		Fanout:   hub,
		Tracker:  trk,
		Notifier: notifier,
		Logger:   logger,
	}
	if cfg.StripeAPIKey != "" {
		rideSvc.Payments = payments.NewStripeClient(cfg.StripeAPIKey)
	}

	offerSvc := &offers.Service{
		Offers:   offerStore,
		Rides:    rideSvc,
		Fanout:   hub,
		Notifier: notifier,
		Logger:   logger,
		TTL:      cfg.OfferTTL,
	}
	if cfg.OfferSweepEvery > 0 {
		go offerSvc.RunSweeper(ctx, cfg.OfferSweepEvery)
	}

	feedSvc := &feed.Service{Rides: rideStore, Limit: cfg.FeedLimit}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
	}

	api := httpapi.NewServer(rideSvc, offerSvc, feedSvc, trk, hub, producer, httpapi.HeaderIdentity{}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
}

func runMigrations(dsn string, logger *slog.Logger) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	files, err := filepath.Glob(filepath.Join("migrations", "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := db.Exec(string(b)); err != nil {
			return err
		}
		logger.Info("migration applied", "file", f)
	}
	return nil
}
