package reporter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-tracker/internal/ingest"
)

type fixedSource struct{ id string }

func (s fixedSource) Position(now time.Time) (ingest.Report, bool) {
	return ingest.Report{VehicleID: s.id, Lat: -1.28, Lon: 36.82, Timestamp: now}, true
}

type noFix struct{}

func (noFix) Position(time.Time) (ingest.Report, bool) { return ingest.Report{}, false }

// slowSink blocks each send until release is closed and records whether the
// send context was cancelled underneath it.
type slowSink struct {
	started   chan struct{}
	release   chan struct{}
	sends     atomic.Int32
	cancelled atomic.Bool
	once      sync.Once
}

func (s *slowSink) Send(ctx context.Context, _ ingest.Report) error {
	s.sends.Add(1)
	s.once.Do(func() { close(s.started) })
	<-s.release
	if ctx.Err() != nil {
		s.cancelled.Store(true)
	}
	return nil
}

// gatedSource holds its first fix until resume is closed.
type gatedSource struct {
	sampling chan struct{}
	resume   chan struct{}
	once     sync.Once
}

func (s *gatedSource) Position(now time.Time) (ingest.Report, bool) {
	s.once.Do(func() {
		close(s.sampling)
		<-s.resume
	})
	return ingest.Report{VehicleID: "v1", Lat: -1.28, Lon: 36.82, Timestamp: now}, true
}

type countSink struct{ n atomic.Int32 }

func (c *countSink) Send(context.Context, ingest.Report) error { c.n.Add(1); return nil }

type sentMetrics struct{ ok, failed atomic.Int32 }

func (m *sentMetrics) ReportSent(err error) {
	if err != nil {
		m.failed.Add(1)
		return
	}
	m.ok.Add(1)
}

func TestReporter_SendsOnInterval(t *testing.T) {
	sink := &countSink{}
	m := &sentMetrics{}
	r := New(fixedSource{"v1"}, sink, WithInterval(5*time.Millisecond), WithMetrics(m))
	require.True(t, r.Start(context.Background()))
	assert.False(t, r.Start(context.Background()))
	assert.True(t, r.Running())

	require.Eventually(t, func() bool { return sink.n.Load() >= 3 }, time.Second, time.Millisecond)
	r.Stop()
	assert.False(t, r.Running())
	assert.GreaterOrEqual(t, m.ok.Load(), int32(3))

	after := sink.n.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, sink.n.Load())
	r.Stop()
}

func TestReporter_StopLetsInFlightSendFinish(t *testing.T) {
	sink := &slowSink{started: make(chan struct{}), release: make(chan struct{})}
	r := New(fixedSource{"v1"}, sink, WithInterval(time.Millisecond))
	r.Start(context.Background())
	<-sink.started

	stopped := make(chan struct{})
	go func() { r.Stop(); close(stopped) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight send finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(sink.release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	assert.False(t, sink.cancelled.Load())
	assert.Equal(t, int32(1), sink.sends.Load())
}

func TestReporter_NoSendAfterStopDuringSampling(t *testing.T) {
	src := &gatedSource{sampling: make(chan struct{}), resume: make(chan struct{})}
	sink := &countSink{}
	ctx, cancel := context.WithCancel(context.Background())
	r := New(src, sink, WithInterval(time.Hour))
	r.Start(ctx)
	<-src.sampling

	cancel()
	close(src.resume)
	r.Stop()
	assert.Zero(t, sink.n.Load())
}

func TestReporter_NoFixNoSend(t *testing.T) {
	sink := &countSink{}
	r := New(noFix{}, sink, WithInterval(time.Millisecond))
	r.Start(context.Background())
	time.Sleep(10 * time.Millisecond)
	r.Stop()
	assert.Zero(t, sink.n.Load())
}

func TestReporter_ParentCancelStopsLoop(t *testing.T) {
	sink := &countSink{}
	ctx, cancel := context.WithCancel(context.Background())
	r := New(fixedSource{"v1"}, sink, WithInterval(time.Millisecond))
	r.Start(ctx)
	require.Eventually(t, func() bool { return sink.n.Load() > 0 }, time.Second, time.Millisecond)
	cancel()
	time.Sleep(10 * time.Millisecond)
	n := sink.n.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, sink.n.Load())
	r.Stop()
}

func TestHTTPSink(t *testing.T) {
	var got ingest.Report
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.EscapedPath()
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if got.Lat > 90 {
			http.Error(w, "latitude out of range", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := NewHTTPSink(srv.URL+"/", nil)
	require.NoError(t, sink.Send(context.Background(), ingest.Report{VehicleID: "KBZ 001", Lat: -1.28, Lon: 36.82}))
	assert.Equal(t, "/api/vehicles/KBZ%20001/positions", path)
	assert.Equal(t, "KBZ 001", got.VehicleID)

	err := sink.Send(context.Background(), ingest.Report{VehicleID: "v2", Lat: 91})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, errors.Is(sink.Send(ctx, ingest.Report{VehicleID: "v3"}), context.Canceled))
}
