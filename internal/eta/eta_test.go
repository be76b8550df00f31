package eta

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"fleet-tracker/internal/geo"
	"fleet-tracker/internal/routing"
	"fleet-tracker/internal/transit"
)

var (
	dest = transit.Point{Lat: -1.2921, Lon: 36.8219}
	from = transit.Point{Lat: -1.2800, Lon: 36.8100}
)

func TestTier0_FiniteAndNonNegative(t *testing.T) {
	for _, d := range []float64{0, 1, 1000, -5, math.NaN(), math.Inf(1)} {
		for _, s := range []float64{0, 4.9, 5, 5.1, 50, -1, math.NaN(), math.Inf(1)} {
			e := Tier0(d, s)
			assert.GreaterOrEqual(t, e.Duration, time.Duration(0), "d=%v s=%v", d, s)
			assert.False(t, math.IsNaN(e.DistanceMeters) || math.IsInf(e.DistanceMeters, 0))
			assert.Equal(t, TierStraightLine, e.Tier)
		}
	}
}

func TestTier0_SpeedFloor(t *testing.T) {
	// 1000 m at the 20 km/h fallback is 180 s
	assert.Equal(t, 180*time.Second, Tier0(1000, 0).Duration)
	assert.Equal(t, 180*time.Second, Tier0(1000, 5).Duration)
	assert.Equal(t, 60*time.Second, Tier0(1000, 60).Duration)
}

type recMetrics struct {
	mu     sync.Mutex
	errs   int
	oks    int
	served map[string]int
}

func (m *recMetrics) ProviderRequest(_ string, _ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.errs++
	} else {
		m.oks++
	}
}

func (m *recMetrics) EstimateServed(tier string, _ bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.served == nil {
		m.served = map[string]int{}
	}
	m.served[tier]++
}

func TestEstimator_NoProviderUsesTier0(t *testing.T) {
	e := NewEstimator(Config{})
	got := e.ForVehicle(context.Background(), dest, "v1", from, 30)
	assert.Equal(t, TierStraightLine, got.Tier)
	assert.InDelta(t, geo.Distance(from, dest), got.DistanceMeters, 1e-6)
	assert.NoError(t, e.Refresh(context.Background(), dest, []routing.Origin{{Key: "v1", Point: from}}))
}

func TestEstimator_ProviderTimeoutFallsBackToTier0(t *testing.T) {
	m := &recMetrics{}
	prov := &routing.Static{Delay: time.Second}
	e := NewEstimator(Config{Provider: prov, Timeout: 20 * time.Millisecond, Metrics: m})

	err := e.Refresh(context.Background(), dest, []routing.Origin{{Key: "v1", Point: from}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, transit.ErrProviderUnavailable))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	got := e.ForVehicle(context.Background(), dest, "v1", from, 0)
	assert.Equal(t, TierStraightLine, got.Tier)
	assert.Greater(t, got.Duration, time.Duration(0))
	assert.Equal(t, 1, m.errs)
	assert.Equal(t, 1, m.served[TierStraightLine.String()])
}

func TestEstimator_CachedRoadEstimateAndStaleness(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	prov := &routing.Static{}
	prov.Set("v1", routing.Result{DistanceMeters: 2500, Duration: 6 * time.Minute})
	e := NewEstimator(Config{Provider: prov, BatchInterval: 30 * time.Second, Now: clock})

	require.NoError(t, e.Refresh(context.Background(), dest, []routing.Origin{{Key: "v1", Point: from}}))

	got := e.ForVehicle(context.Background(), dest, "v1", from, 40)
	assert.Equal(t, TierRoad, got.Tier)
	assert.Equal(t, 2500.0, got.DistanceMeters)
	assert.Equal(t, 6*time.Minute, got.Duration)
	assert.False(t, got.Stale)

	now = now.Add(45 * time.Second)
	got = e.ForVehicle(context.Background(), dest, "v1", from, 40)
	assert.Equal(t, TierRoad, got.Tier)
	assert.True(t, got.Stale)

	// another destination is a different cache key
	other := e.ForVehicle(context.Background(), transit.Point{Lat: -1.3, Lon: 36.9}, "v1", from, 40)
	assert.Equal(t, TierStraightLine, other.Tier)

	// missing row for a vehicle falls back silently
	assert.Equal(t, TierStraightLine, e.ForVehicle(context.Background(), dest, "v9", from, 40).Tier)
}

func TestEstimator_FailedBatchKeepsPreviousEntries(t *testing.T) {
	prov := &routing.Static{}
	e := NewEstimator(Config{Provider: prov})
	origins := []routing.Origin{{Key: "v1", Point: from}}
	require.NoError(t, e.Refresh(context.Background(), dest, origins))

	prov.Err = errors.New("upstream 502")
	assert.ErrorIs(t, e.Refresh(context.Background(), dest, origins), transit.ErrProviderUnavailable)
	assert.Equal(t, TierRoad, e.ForVehicle(context.Background(), dest, "v1", from, 0).Tier)
}

func TestEstimator_RateLimited(t *testing.T) {
	prov := &routing.Static{}
	e := NewEstimator(Config{Provider: prov, Limiter: rate.NewLimiter(rate.Every(time.Hour), 1)})
	origins := []routing.Origin{{Key: "v1", Point: from}}

	require.NoError(t, e.Refresh(context.Background(), dest, origins))
	err := e.Refresh(context.Background(), dest, origins)
	assert.ErrorIs(t, err, transit.ErrProviderUnavailable)
	assert.Equal(t, 1, prov.Calls())
}

func TestEstimator_MaxBatchTruncates(t *testing.T) {
	e := NewEstimator(Config{Provider: &routing.Static{}, MaxBatch: 1})
	origins := []routing.Origin{{Key: "v1", Point: from}, {Key: "v2", Point: from}}
	require.NoError(t, e.Refresh(context.Background(), dest, origins))
	assert.Equal(t, TierRoad, e.ForVehicle(context.Background(), dest, "v1", from, 0).Tier)
	assert.Equal(t, TierStraightLine, e.ForVehicle(context.Background(), dest, "v2", from, 0).Tier)
}

func TestBatcher_RunsImmediatelyAndStops(t *testing.T) {
	prov := &routing.Static{}
	e := NewEstimator(Config{Provider: prov, BatchInterval: 10 * time.Millisecond})
	b := e.StartBatcher(context.Background(), dest, func() []routing.Origin {
		return []routing.Origin{{Key: "v1", Point: from}}
	})

	require.Eventually(t, func() bool { return prov.Calls() >= 2 }, time.Second, 5*time.Millisecond)
	b.Stop()
	calls := prov.Calls()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, prov.Calls())
	b.Stop()
}

func TestBatcher_StopCancelsInFlight(t *testing.T) {
	prov := &routing.Static{Delay: time.Minute}
	e := NewEstimator(Config{Provider: prov, Timeout: time.Hour})
	b := e.StartBatcher(context.Background(), dest, func() []routing.Origin {
		return []routing.Origin{{Key: "v1", Point: from}}
	})
	require.Eventually(t, func() bool { return prov.Calls() == 1 }, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() { b.Stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestRedisCache_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := NewRedisCache(client, time.Minute)
	ctx := context.Background()
	fetched := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	_, ok, err := c.Get(ctx, dest, "v1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.PutMany(ctx, dest, map[string]Entry{
		"v1": {DistanceMeters: 1200, Duration: 3 * time.Minute, FetchedAt: fetched},
	}))
	got, ok, err := c.Get(ctx, dest, "v1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3*time.Minute, got.Duration)
	assert.True(t, fetched.Equal(got.FetchedAt))
	assert.True(t, mr.Exists("eta:"+DestKey(dest)+":v1"))

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, dest, "v1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCache_Expires(t *testing.T) {
	c := NewMemoryCache(2, 20*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, c.PutMany(ctx, dest, map[string]Entry{"v1": {Duration: time.Minute}}))
	_, ok, _ := c.Get(ctx, dest, "v1")
	assert.True(t, ok)
	require.Eventually(t, func() bool {
		_, ok, _ := c.Get(ctx, dest, "v1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}
