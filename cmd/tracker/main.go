package main

import (
	"context"
	"database/sql"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"fleet-tracker/internal/api"
	"fleet-tracker/internal/bus"
	"fleet-tracker/internal/config"
	"fleet-tracker/internal/db"
	"fleet-tracker/internal/eta"
	"fleet-tracker/internal/feed"
	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/ingest"
	"fleet-tracker/internal/logging"
	"fleet-tracker/internal/metrics"
	"fleet-tracker/internal/progress"
	"fleet-tracker/internal/routeindex"
	"fleet-tracker/internal/routing"
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
		log.Fatalf("tracker: %v", err)
	}
	log.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	mcol := metrics.NewCollector("tracker")
	mcol.SetDuration("stale_after", cfg.StaleAfter)
	mcol.SetDuration("sweep_interval", cfg.SweepInterval)
	mcol.SetDuration("eta_batch_interval", cfg.ETABatchInterval)
	mcol.SetDuration("eta_provider_timeout", cfg.ETAProviderTimeout)
	if cfg.MetricsAddr != "" {
		srv := mcol.Serve(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	registry := routeindex.NewRegistry(mcol)
	if cfg.DatabaseURL != "" {
		sqlDB, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer sqlDB.Close()
		store := db.NewRouteStore(sqlDB, "")
		if err := registry.Refresh(ctx, store); err != nil {
			return fmt.Errorf("initial route load: %w", err)
		}
		registry.StartRefresher(ctx, store, cfg.RoutesRefreshInterval)
		defer registry.Stop()
	} else {
		log.Warn("no database configured; tracking without route geometry")
	}

	hub := fleet.NewHub(fleet.Config{
		StaleAfter:    cfg.StaleAfter,
		SweepInterval: cfg.SweepInterval,
		Policy:        cfg.OrderPolicy,
		Routes:        registry,
		Metrics:       mcol,
	})
	ing := ingest.New(hub, ingest.WithFutureSkew(cfg.FutureSkew), ingest.WithMetrics(mcol))

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
	}

	estimator, err := newEstimator(cfg, rdb, mcol)
	if err != nil {
		return err
	}

	var nc *nats.Conn
	if cfg.NATSURL != "" {
		if nc, err = bus.Connect(cfg.NATSURL, "fleet-tracker", mcol.NATS()); err != nil {
			return fmt.Errorf("nats error: %w", err)
		}
		defer bus.Close(nc)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })

	if nc != nil {
		pub := bus.NewFleetPublisher(nc, cfg.NATSFleetPrefix, cfg.LogNATSSubjects, mcol.NATS())
		listener := bus.NewPositionListener(nc, cfg.NATSPositionsSubject, ing)
		g.Go(func() error { return hub.Forward(gctx, "nats", pub) })
		g.Go(func() error { return listener.Run(gctx) })
	}
	if rdb != nil {
		mirror := fleet.NewGeoMirror(rdb, fleet.DefaultGeoKey, cfg.StaleAfter)
		g.Go(func() error { return hub.Forward(gctx, "redis", mirror) })
	}
	if cfg.GTFSRTURL != "" {
		poller := feed.NewPoller(cfg.GTFSRTURL, cfg.GTFSRTPollInterval, ing, nil)
		g.Go(func() error { return poller.Run(gctx) })
	}

	server := api.NewServer(api.Deps{
		Hub:      hub,
		Ingest:   ing,
		Routes:   registry,
		Progress: progress.NewEstimator(cfg.OnRouteThreshold),
		ETA:      estimator,
		Metrics:  mcol.Handler(),
	})
	g.Go(func() error { return server.Run(gctx, cfg.HTTPAddr) })

	log.WithFields(log.Fields{
		"policy":   cfg.OrderPolicy.String(),
		"routing":  cfg.RoutingProvider,
		"nats":     nc != nil,
		"redis":    rdb != nil,
		"gtfs_rt":  cfg.GTFSRTURL != "",
		"routes":   len(registry.Routes()),
		"http":     cfg.HTTPAddr,
		"stale_in": cfg.StaleAfter.String(),
	}).Info("tracker started")

	return g.Wait()
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	sqlDB, err := db.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := db.Ping(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	return sqlDB, nil
}

// newEstimator picks the road-estimate provider and shares one request
// budget across every viewing session.
func newEstimator(cfg *config.Config, rdb *redis.Client, mcol *metrics.Collector) (*eta.Estimator, error) {
	var provider routing.Provider
	switch cfg.RoutingProvider {
	case "ors":
		p, err := routing.NewORS(cfg.ORSAPIKey)
		if err != nil {
			return nil, err
		}
		provider = p
	case "google":
		p, err := routing.NewGoogle(cfg.GoogleMapsAPIKey)
		if err != nil {
			return nil, err
		}
		provider = p
	}

	var cache eta.Cache
	if rdb != nil {
		cache = eta.NewRedisCache(rdb, 10*cfg.ETABatchInterval)
	}
	var limiter *rate.Limiter
	if n := cfg.ETAProviderRatePerMin; n > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
	}
	return eta.NewEstimator(eta.Config{
		Provider:      provider,
		Cache:         cache,
		Limiter:       limiter,
		Timeout:       cfg.ETAProviderTimeout,
		BatchInterval: cfg.ETABatchInterval,
		MaxBatch:      cfg.ETAMaxBatch,
		Metrics:       mcol,
	}), nil
}
