// Package eta estimates arrival times. Straight-line estimates are always
// available; road estimates come from periodic provider batches and are
// served from cache, never fetched on the query path.
package eta

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"fleet-tracker/internal/geo"
	"fleet-tracker/internal/routing"
	"fleet-tracker/internal/transit"
)

const (
	DefaultBatchInterval   = 30 * time.Second
	DefaultProviderTimeout = 5 * time.Second
)

type Metrics interface {
	ProviderRequest(provider string, d time.Duration, err error)
	EstimateServed(tier string, stale bool)
}

type Config struct {
	Provider      routing.Provider // nil disables road estimates
	Cache         Cache
	Limiter       *rate.Limiter // shared request budget across sessions
	Timeout       time.Duration
	BatchInterval time.Duration
	MaxBatch      int
	Metrics       Metrics
	Now           func() time.Time
}

type Estimator struct {
	provider      routing.Provider
	cache         Cache
	limiter       *rate.Limiter
	timeout       time.Duration
	batchInterval time.Duration
	maxBatch      int
	metrics       Metrics
	now           func() time.Time
}

func NewEstimator(cfg Config) *Estimator {
	e := &Estimator{
		provider:      cfg.Provider,
		cache:         cfg.Cache,
		limiter:       cfg.Limiter,
		timeout:       cfg.Timeout,
		batchInterval: cfg.BatchInterval,
		maxBatch:      cfg.MaxBatch,
		metrics:       cfg.Metrics,
		now:           cfg.Now,
	}
	if e.timeout <= 0 {
		e.timeout = DefaultProviderTimeout
	}
	if e.batchInterval <= 0 {
		e.batchInterval = DefaultBatchInterval
	}
	if e.cache == nil {
		e.cache = NewMemoryCache(0, 10*e.batchInterval)
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// RoadEnabled reports whether a provider is configured.
func (e *Estimator) RoadEnabled() bool { return e.provider != nil }

func (e *Estimator) BatchInterval() time.Duration { return e.batchInterval }

var errRateLimited = errors.New("request budget exhausted")

// Refresh runs one provider batch for dest and caches every returned row.
// Errors wrap transit.ErrProviderUnavailable; the cache keeps whatever the
// previous batch stored.
func (e *Estimator) Refresh(ctx context.Context, dest transit.Point, origins []routing.Origin) error {
	if e.provider == nil || len(origins) == 0 {
		return nil
	}
	if e.maxBatch > 0 && len(origins) > e.maxBatch {
		origins = origins[:e.maxBatch]
	}
	if e.limiter != nil && !e.limiter.Allow() {
		return e.fail(0, fmt.Errorf("%s: %w", e.provider.Name(), errRateLimited))
	}

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	start := time.Now()
	res, err := e.provider.Matrix(cctx, origins, dest)
	dur := time.Since(start)
	if err != nil {
		return e.fail(dur, fmt.Errorf("%s matrix: %w", e.provider.Name(), err))
	}
	if e.metrics != nil {
		e.metrics.ProviderRequest(e.provider.Name(), dur, nil)
	}

	fetched := e.now()
	entries := make(map[string]Entry, len(res))
	for key, r := range res {
		entries[key] = Entry{DistanceMeters: r.DistanceMeters, Duration: r.Duration, FetchedAt: fetched}
	}
	if err := e.cache.PutMany(ctx, dest, entries); err != nil {
		log.WithField("dest", DestKey(dest)).Warnf("eta cache write failed: %v", err)
	}
	log.WithFields(log.Fields{
		"provider": e.provider.Name(),
		"origins":  len(origins),
		"rows":     len(entries),
		"dur":      dur,
	}).Debug("eta batch refreshed")
	return nil
}

func (e *Estimator) fail(dur time.Duration, err error) error {
	if e.metrics != nil {
		e.metrics.ProviderRequest(e.provider.Name(), dur, err)
	}
	err = fmt.Errorf("%w: %w", transit.ErrProviderUnavailable, err)
	log.Warnf("eta provider: %v", err)
	return err
}

// ForVehicle returns the best estimate available right now. It never calls
// the provider and never fails.
func (e *Estimator) ForVehicle(ctx context.Context, dest transit.Point, vehicleID string, from transit.Point, speedKmh float64) Estimate {
	if e.provider != nil {
		entry, ok, err := e.cache.Get(ctx, dest, vehicleID)
		if err != nil {
			log.WithField("vehicle", vehicleID).Warnf("eta cache read failed: %v", err)
		}
		if ok {
			stale := e.now().Sub(entry.FetchedAt) > e.batchInterval
			e.served(TierRoad, stale)
			return Estimate{
				DistanceMeters: entry.DistanceMeters,
				Duration:       entry.Duration,
				Tier:           TierRoad,
				Stale:          stale,
				FetchedAt:      entry.FetchedAt,
			}
		}
	}
	e.served(TierStraightLine, false)
	return Tier0(geo.Distance(from, dest), speedKmh)
}

func (e *Estimator) served(t Tier, stale bool) {
	if e.metrics != nil {
		e.metrics.EstimateServed(t.String(), stale)
	}
}

// Batcher refreshes road estimates for one viewing session on a fixed
// interval. Origins is called on every tick to pick up the current fleet.
type Batcher struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (e *Estimator) StartBatcher(parent context.Context, dest transit.Point, origins func() []routing.Origin) *Batcher {
	ctx, cancel := context.WithCancel(parent)
	b := &Batcher{cancel: cancel}
	if e.provider == nil {
		return b
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		run := func() {
			// failure is already logged and counted; queries fall back to straight-line
			_ = e.Refresh(ctx, dest, origins())
		}
		run()
		ticker := time.NewTicker(e.batchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
	return b
}

// Stop cancels any in-flight batch and waits for the goroutine to exit.
func (b *Batcher) Stop() {
	b.once.Do(b.cancel)
	b.wg.Wait()
}
