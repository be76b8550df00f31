// Package reporter is the device side of position ingestion: a loop that
// samples a position source on an interval and sends it to a sink while
// tracking is on.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"fleet-tracker/internal/ingest"
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultSendTimeout = 10 * time.Second
)

// Source yields the device's current fix. ok is false when no fix is
// available yet.
type Source interface {
	Position(now time.Time) (r ingest.Report, ok bool)
}

type Sink interface {
	Send(ctx context.Context, r ingest.Report) error
}

type Metrics interface {
	ReportSent(err error)
}

// Reporter runs one vehicle's reporting loop. Stop returns once the loop
// has exited; a send already in flight completes, nothing further is
// scheduled.
type Reporter struct {
	src         Source
	sink        Sink
	interval    time.Duration
	sendTimeout time.Duration
	metrics     Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Reporter)

func WithInterval(d time.Duration) Option    { return func(r *Reporter) { r.interval = d } }
func WithSendTimeout(d time.Duration) Option { return func(r *Reporter) { r.sendTimeout = d } }
func WithMetrics(m Metrics) Option           { return func(r *Reporter) { r.metrics = m } }

func New(src Source, sink Sink, opts ...Option) *Reporter {
	r := &Reporter{src: src, sink: sink, interval: DefaultInterval, sendTimeout: DefaultSendTimeout}
	for _, o := range opts {
		o(r)
	}
	if r.interval <= 0 {
		r.interval = DefaultInterval
	}
	return r
}

// Start turns tracking on. It reports false when already running.
func (r *Reporter) Start(parent context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return false
	}
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)
	return true
}

// Stop turns tracking off and waits for the loop to exit.
func (r *Reporter) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Reporter) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

func (r *Reporter) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.tick(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.tick(ctx, now)
		}
	}
}

func (r *Reporter) tick(ctx context.Context, now time.Time) {
	if ctx.Err() != nil {
		return
	}
	rep, ok := r.src.Position(now)
	if !ok {
		return
	}
	// Tracking may have been switched off while sampling.
	if ctx.Err() != nil {
		return
	}
	// Detached from ctx so Stop never aborts a send that already started.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.sendTimeout)
	err := r.sink.Send(sendCtx, rep)
	cancel()
	if r.metrics != nil {
		r.metrics.ReportSent(err)
	}
	if err != nil {
		log.WithFields(log.Fields{"vehicle": rep.VehicleID, "err": err}).Warn("position send failed")
	}
}

// HTTPSink posts reports to the tracker's ingestion endpoint.
type HTTPSink struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSink(baseURL string, client *http.Client) *HTTPSink {
	if client == nil {
		client = &http.Client{Timeout: DefaultSendTimeout}
	}
	return &HTTPSink{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (s *HTTPSink) Send(ctx context.Context, rep ingest.Report) error {
	body, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/api/vehicles/%s/positions", s.baseURL, url.PathEscape(rep.VehicleID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ingest %s: status %d: %s", rep.VehicleID, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
