package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"fleet-tracker/internal/bus"
	"fleet-tracker/internal/config"
	"fleet-tracker/internal/db"
	"fleet-tracker/internal/logging"
	"fleet-tracker/internal/metrics"
	"fleet-tracker/internal/reporter"
	"fleet-tracker/internal/routeindex"
	"fleet-tracker/internal/sim"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatalf("logging error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("simulator: %v", err)
	}
	log.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL or PGDATABASE is required to load routes")
	}

	// Metrics setup
	mcol := metrics.NewCollector("simulator")
	mcol.SetDuration("publish_interval", cfg.PublishInterval)
	mcol.SetDuration("routes_refresh_interval", cfg.RoutesRefreshInterval)
	mcol.Settings.WithLabelValues("speed_multiplier").Set(cfg.SpeedMultiplier)
	if cfg.MetricsAddr != "" {
		srv := mcol.Serve(cfg.MetricsAddr)
		defer func() {
			// Shutdown with timeout
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db open error: %w", err)
	}
	defer sqlDB.Close()
	if err := db.Ping(ctx, sqlDB); err != nil {
		return fmt.Errorf("db ping error: %w", err)
	}

	registry := routeindex.NewRegistry(mcol)
	store := db.NewRouteStore(sqlDB, "")
	if err := registry.Refresh(ctx, store); err != nil {
		return fmt.Errorf("initial route load: %w", err)
	}
	registry.StartRefresher(ctx, store, cfg.RoutesRefreshInterval)
	defer registry.Stop()

	// Reports go straight to the tracker over HTTP when SIM_INGEST_URL is
	// set, otherwise onto the positions subject.
	var sink reporter.Sink
	switch {
	case cfg.SimIngestURL != "":
		sink = reporter.NewHTTPSink(cfg.SimIngestURL, nil)
		log.Infof("reporting to %s", cfg.SimIngestURL)
	case cfg.NATSURL != "":
		nc, err := bus.Connect(cfg.NATSURL, "fleet-simulator", mcol.NATS())
		if err != nil {
			return fmt.Errorf("nats error: %w", err)
		}
		defer bus.Close(nc)
		prefix := positionsPrefix(cfg.NATSPositionsSubject)
		sink = bus.NewPositionSink(nc, prefix, cfg.LogNATSSubjects, mcol.NATS())
		log.Infof("publishing to %s.<vehicle>", prefix)
	default:
		return errors.New("set SIM_INGEST_URL or NATS_URL")
	}

	mgr := sim.NewManager(registry, sink, sim.Config{
		PublishInterval: cfg.PublishInterval,
		SpeedMultiplier: cfg.SpeedMultiplier,
		RefreshInterval: cfg.RoutesRefreshInterval,
		Metrics:         mcol,
	})
	// Periodic reconcile picks up vehicles assigned after startup
	mgr.StartRefresher(ctx)

	// Block until context cancelled
	<-ctx.Done()
	mgr.Stop()
	return nil
}

// positionsPrefix turns the listener's wildcard subject into the publish
// prefix, e.g. "positions.*" -> "positions".
func positionsPrefix(subject string) string {
	p := strings.TrimSuffix(strings.TrimSuffix(subject, ".>"), ".*")
	if p == "" || strings.ContainsAny(p, "*>") {
		return bus.DefaultPositionsPrefix
	}
	return p
}
