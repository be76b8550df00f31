// Package fleet keeps the latest position of every live vehicle and fans
// changes out to subscribers. One RWMutex guards both the vehicle map and
// the subscriber set so a subscription's snapshot and its first event can
// never straddle an update.
package fleet

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"fleet-tracker/internal/transit"
)

const (
	DefaultStaleAfter    = 90 * time.Second
	DefaultSweepInterval = 10 * time.Second
)

// OrderPolicy decides what happens when a report carries an older capture
// time than the stored one for the same vehicle.
type OrderPolicy int

const (
	// LastReceivedWins applies every report in receipt order.
	LastReceivedWins OrderPolicy = iota
	// LatestTimestampWins discards reports strictly older than the stored one.
	LatestTimestampWins
)

func (p OrderPolicy) String() string {
	if p == LatestTimestampWins {
		return "latest_timestamp"
	}
	return "last_received"
}

func ParseOrderPolicy(s string) (OrderPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "last_received", "last-received":
		return LastReceivedWins, nil
	case "latest_timestamp", "latest-timestamp":
		return LatestTimestampWins, nil
	}
	return LastReceivedWins, fmt.Errorf("unknown order policy %q", s)
}

// Entry is the replace-on-update state of one live vehicle.
type Entry struct {
	Position   transit.VehiclePosition `json:"position"`
	Routes     []transit.RouteRef      `json:"routes"`
	ReceivedAt time.Time               `json:"receivedAt"`
}

// Stale reports whether the entry has outlived window at now.
func (e Entry) Stale(now time.Time, window time.Duration) bool {
	return now.Sub(e.ReceivedAt) > window
}

// RouteResolver maps a vehicle to the routes it services.
type RouteResolver interface {
	RoutesForVehicle(vehicleID string) []transit.RouteRef
}

type Metrics interface {
	LiveVehicleCount(n int)
	SubscriberCount(n int)
	EventsDeliveredAdd(n int)
	VehiclesExpiredAdd(n int)
}

type Config struct {
	StaleAfter    time.Duration
	SweepInterval time.Duration
	Policy        OrderPolicy
	Routes        RouteResolver
	Metrics       Metrics
	Now           func() time.Time
}

type Hub struct {
	staleAfter    time.Duration
	sweepInterval time.Duration
	policy        OrderPolicy
	routes        RouteResolver
	metrics       Metrics
	now           func() time.Time

	mu         sync.RWMutex
	entries    map[string]Entry
	subs       map[*Subscription]struct{}
	lastReport time.Time
}

func NewHub(cfg Config) *Hub {
	h := &Hub{
		staleAfter:    cfg.StaleAfter,
		sweepInterval: cfg.SweepInterval,
		policy:        cfg.Policy,
		routes:        cfg.Routes,
		metrics:       cfg.Metrics,
		now:           cfg.Now,
		entries:       make(map[string]Entry),
		subs:          make(map[*Subscription]struct{}),
	}
	if h.staleAfter <= 0 {
		h.staleAfter = DefaultStaleAfter
	}
	if h.sweepInterval <= 0 {
		h.sweepInterval = DefaultSweepInterval
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

func (h *Hub) StaleAfter() time.Duration    { return h.staleAfter }
func (h *Hub) SweepInterval() time.Duration { return h.sweepInterval }
func (h *Hub) Policy() OrderPolicy          { return h.policy }

// Apply stores pos as the vehicle's entry and notifies subscribers. It
// returns false when the order policy discarded the report.
func (h *Hub) Apply(pos transit.VehiclePosition) bool {
	var routes []transit.RouteRef
	if h.routes != nil {
		routes = h.routes.RoutesForVehicle(pos.VehicleID)
	}
	now := h.now()

	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.entries[pos.VehicleID]; ok && h.policy == LatestTimestampWins &&
		pos.Timestamp.Before(prev.Position.Timestamp) {
		log.WithFields(log.Fields{
			"vehicle": pos.VehicleID,
			"stored":  prev.Position.Timestamp,
			"got":     pos.Timestamp,
		}).Debug("discarding out-of-order report")
		return false
	}
	e := Entry{Position: pos, Routes: routes, ReceivedAt: now}
	_, existed := h.entries[pos.VehicleID]
	h.entries[pos.VehicleID] = e
	h.lastReport = now
	if !existed && h.metrics != nil {
		h.metrics.LiveVehicleCount(len(h.entries))
	}
	h.broadcastLocked(Event{Kind: EventUpdate, VehicleID: pos.VehicleID, Entry: &e, At: now})
	return true
}

// Remove drops a vehicle on an explicit offline signal.
func (h *Hub) Remove(vehicleID, reason string) bool {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.entries[vehicleID]; !ok {
		return false
	}
	delete(h.entries, vehicleID)
	if h.metrics != nil {
		h.metrics.LiveVehicleCount(len(h.entries))
	}
	h.broadcastLocked(Event{Kind: EventRemove, VehicleID: vehicleID, Reason: reason, At: now})
	return true
}

// Sweep removes entries older than the staleness window and sends every
// subscriber a heartbeat. It returns the removed vehicle IDs, sorted.
func (h *Hub) Sweep(now time.Time) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var expired []string
	for id, e := range h.entries {
		if e.Stale(now, h.staleAfter) {
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	for _, id := range expired {
		delete(h.entries, id)
		h.broadcastLocked(Event{Kind: EventRemove, VehicleID: id, Reason: ReasonStale, At: now})
	}
	for s := range h.subs {
		s.heartbeat(now)
	}
	if len(expired) > 0 {
		log.WithField("vehicles", expired).Info("expired stale vehicles")
		if h.metrics != nil {
			h.metrics.VehiclesExpiredAdd(len(expired))
			h.metrics.LiveVehicleCount(len(h.entries))
		}
	}
	return expired
}

// Run sweeps on every interval until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.Sweep(h.now())
		}
	}
}

// Snapshot returns all live entries ordered by vehicle ID.
func (h *Hub) Snapshot() []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snapshotLocked()
}

func (h *Hub) snapshotLocked() []Entry {
	out := make([]Entry, 0, len(h.entries))
	for _, e := range h.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position.VehicleID < out[j].Position.VehicleID })
	return out
}

func (h *Hub) Get(vehicleID string) (Entry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.entries[vehicleID]
	return e, ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// LastReport is the receipt time of the most recent accepted report.
func (h *Hub) LastReport() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastReport
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// broadcastLocked must be called with h.mu held for writing.
func (h *Hub) broadcastLocked(ev Event) {
	for s := range h.subs {
		s.offer(ev)
	}
}
