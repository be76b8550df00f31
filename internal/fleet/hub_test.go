package fleet

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-tracker/internal/transit"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type routes map[string][]transit.RouteRef

func (r routes) RoutesForVehicle(id string) []transit.RouteRef { return r[id] }

func pos(id string, lat float64, ts time.Time) transit.VehiclePosition {
	return transit.VehiclePosition{VehicleID: id, Point: transit.Point{Lat: lat, Lon: 36.82}, SpeedKmh: 20, Timestamp: ts}
}

func nextWithin(t *testing.T, s *Subscription) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	evs, err := s.Next(ctx)
	require.NoError(t, err)
	return evs
}

func TestHub_ApplyAndSnapshot(t *testing.T) {
	c := newClock()
	h := NewHub(Config{Now: c.Now, Routes: routes{"v1": {{ID: "r1", Name: "CBD", Color: "red"}}}})

	require.True(t, h.Apply(pos("v2", -1.3, c.Now())))
	require.True(t, h.Apply(pos("v1", -1.2, c.Now())))

	snap := h.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "v1", snap[0].Position.VehicleID)
	assert.Equal(t, []transit.RouteRef{{ID: "r1", Name: "CBD", Color: "red"}}, snap[0].Routes)
	assert.Equal(t, c.Now(), snap[0].ReceivedAt)

	e, ok := h.Get("v2")
	require.True(t, ok)
	assert.Equal(t, -1.3, e.Position.Point.Lat)
	assert.Equal(t, 2, h.Len())
	assert.Equal(t, c.Now(), h.LastReport())
}

func TestHub_SubscribeSnapshotThenUpdates(t *testing.T) {
	c := newClock()
	h := NewHub(Config{Now: c.Now})
	h.Apply(pos("v1", -1.2, c.Now()))

	sub := h.Subscribe(context.Background())
	defer sub.Close()
	require.Len(t, sub.Snapshot(), 1)
	assert.Equal(t, 1, h.SubscriberCount())

	h.Apply(pos("v2", -1.25, c.Now()))
	evs := nextWithin(t, sub)
	require.Len(t, evs, 1)
	assert.Equal(t, EventUpdate, evs[0].Kind)
	assert.Equal(t, "v2", evs[0].VehicleID)
	require.NotNil(t, evs[0].Entry)
}

func TestSubscription_CoalescesPerVehicle(t *testing.T) {
	c := newClock()
	h := NewHub(Config{Now: c.Now})
	sub := h.Subscribe(context.Background())
	defer sub.Close()

	h.Apply(pos("v1", -1.20, c.Now()))
	h.Apply(pos("v2", -1.30, c.Now()))
	h.Apply(pos("v1", -1.21, c.Now()))
	h.Apply(pos("v1", -1.22, c.Now()))

	evs := nextWithin(t, sub)
	require.Len(t, evs, 2)
	assert.Equal(t, "v1", evs[0].VehicleID)
	assert.Equal(t, -1.22, evs[0].Entry.Position.Point.Lat)
	assert.Equal(t, "v2", evs[1].VehicleID)
}

func TestSweep_StaleVehicleRemovedForAllSubscribers(t *testing.T) {
	c := newClock()
	h := NewHub(Config{Now: c.Now, StaleAfter: 90 * time.Second})
	h.Apply(pos("quiet", -1.2, c.Now()))
	c.Advance(60 * time.Second)
	h.Apply(pos("chatty", -1.3, c.Now()))

	subs := []*Subscription{h.Subscribe(context.Background()), h.Subscribe(context.Background())}
	for _, s := range subs {
		defer s.Close()
		require.Len(t, s.Snapshot(), 2)
	}

	c.Advance(40 * time.Second)
	removed := h.Sweep(c.Now())
	assert.Equal(t, []string{"quiet"}, removed)

	for _, s := range subs {
		evs := nextWithin(t, s)
		require.Len(t, evs, 2)
		assert.Equal(t, EventRemove, evs[0].Kind)
		assert.Equal(t, "quiet", evs[0].VehicleID)
		assert.Equal(t, ReasonStale, evs[0].Reason)
		assert.Equal(t, EventHeartbeat, evs[1].Kind)
	}

	late := h.Subscribe(context.Background())
	defer late.Close()
	require.Len(t, late.Snapshot(), 1)
	assert.Equal(t, "chatty", late.Snapshot()[0].Position.VehicleID)
}

func TestRemove_ExplicitOffline(t *testing.T) {
	c := newClock()
	h := NewHub(Config{Now: c.Now})
	h.Apply(pos("v1", -1.2, c.Now()))
	sub := h.Subscribe(context.Background())
	defer sub.Close()

	assert.True(t, h.Remove("v1", ReasonOffline))
	assert.False(t, h.Remove("v1", ReasonOffline))
	evs := nextWithin(t, sub)
	require.Len(t, evs, 1)
	assert.Equal(t, EventRemove, evs[0].Kind)
	assert.Equal(t, ReasonOffline, evs[0].Reason)
	assert.Zero(t, h.Len())
}

func TestOrderPolicy_LastReceivedWins(t *testing.T) {
	c := newClock()
	h := NewHub(Config{Now: c.Now, Policy: LastReceivedWins})
	t1 := c.Now()
	require.True(t, h.Apply(pos("v1", -1.20, t1.Add(10*time.Second))))
	require.True(t, h.Apply(pos("v1", -1.10, t1)))

	e, _ := h.Get("v1")
	assert.Equal(t, -1.10, e.Position.Point.Lat)
	assert.Equal(t, t1, e.Position.Timestamp)
}

func TestOrderPolicy_LatestTimestampWins(t *testing.T) {
	c := newClock()
	h := NewHub(Config{Now: c.Now, Policy: LatestTimestampWins})
	sub := h.Subscribe(context.Background())
	defer sub.Close()
	t1 := c.Now()

	require.True(t, h.Apply(pos("v1", -1.20, t1.Add(10*time.Second))))
	assert.False(t, h.Apply(pos("v1", -1.10, t1)))
	// equal timestamps are not strictly older
	require.True(t, h.Apply(pos("v1", -1.30, t1.Add(10*time.Second))))

	e, _ := h.Get("v1")
	assert.Equal(t, -1.30, e.Position.Point.Lat)
	evs := nextWithin(t, sub)
	require.Len(t, evs, 1)
	assert.Equal(t, -1.30, evs[0].Entry.Position.Point.Lat)
}

func TestParseOrderPolicy(t *testing.T) {
	p, err := ParseOrderPolicy("")
	require.NoError(t, err)
	assert.Equal(t, LastReceivedWins, p)
	p, err = ParseOrderPolicy("Latest_Timestamp")
	require.NoError(t, err)
	assert.Equal(t, LatestTimestampWins, p)
	_, err = ParseOrderPolicy("random")
	assert.Error(t, err)
}

func TestSubscription_ContextCancelCloses(t *testing.T) {
	h := NewHub(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	sub := h.Subscribe(ctx)
	cancel()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not closed by context")
	}
	assert.Equal(t, StatusDisconnected, sub.Status(time.Now()))
	require.Eventually(t, func() bool { return h.SubscriberCount() == 0 }, time.Second, time.Millisecond)

	_, err := sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
	sub.Close()
}

func TestSubscription_NextHonoursContext(t *testing.T) {
	h := NewHub(Config{})
	sub := h.Subscribe(context.Background())
	defer sub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscription_Status(t *testing.T) {
	c := newClock()
	h := NewHub(Config{Now: c.Now, SweepInterval: 10 * time.Second})
	sub := h.Subscribe(context.Background())
	defer sub.Close()

	assert.Equal(t, StatusLive, sub.Status(c.Now()))
	c.Advance(25 * time.Second)
	assert.Equal(t, StatusStale, sub.Status(c.Now()))

	h.Sweep(c.Now())
	assert.Equal(t, StatusLive, sub.Status(c.Now()))
}

func TestHub_ConcurrentWritersAndReaders(t *testing.T) {
	h := NewHub(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var readers sync.WaitGroup
	for r := 0; r < 4; r++ {
		sub := h.Subscribe(ctx)
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				if _, err := sub.Next(ctx); err != nil {
					return
				}
			}
		}()
	}

	var writers sync.WaitGroup
	for w := 0; w < 8; w++ {
		writers.Add(1)
		go func(w int) {
			defer writers.Done()
			for i := 0; i < 200; i++ {
				h.Apply(pos(fmt.Sprintf("v%d", w), float64(i)/1000, time.Now()))
				_ = h.Snapshot()
			}
		}(w)
	}
	writers.Wait()
	h.Sweep(time.Now())
	cancel()
	readers.Wait()
	assert.Equal(t, 8, h.Len())
}

func TestEntry_Stale(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := Entry{ReceivedAt: at}
	assert.False(t, e.Stale(at.Add(90*time.Second), 90*time.Second))
	assert.True(t, e.Stale(at.Add(91*time.Second), 90*time.Second))
}
