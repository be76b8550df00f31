package fleet

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventUpdate    EventKind = "update"
	EventRemove    EventKind = "remove"
	EventHeartbeat EventKind = "heartbeat"
)

const (
	ReasonStale   = "stale"
	ReasonOffline = "offline"
)

// Event is one change delivered to a subscriber. Entry is nil for removals
// and heartbeats.
type Event struct {
	Kind      EventKind `json:"kind"`
	VehicleID string    `json:"vehicleId,omitempty"`
	Entry     *Entry    `json:"entry,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// FeedStatus tells a consumer whether silence means quiet or disconnected.
type FeedStatus string

const (
	StatusLive         FeedStatus = "live"
	StatusStale        FeedStatus = "stale"
	StatusDisconnected FeedStatus = "disconnected"
)

var ErrSubscriptionClosed = errors.New("subscription closed")

// Subscription is a cancellable stream of fleet changes. Pending events
// are coalesced per vehicle, so a slow reader sees the latest state of each
// vehicle rather than a backlog.
type Subscription struct {
	ID string

	hub      *Hub
	snapshot []Entry
	notify   chan struct{}
	done     chan struct{}
	once     sync.Once

	mu         sync.Mutex
	stop       func() bool
	pending    map[string]Event
	order      []string
	beat       *Event
	lastSignal time.Time
}

// Subscribe registers a subscriber and captures the current fleet in the
// same critical section. The subscription closes itself when ctx is done.
func (h *Hub) Subscribe(ctx context.Context) *Subscription {
	s := &Subscription{
		ID:      uuid.NewString(),
		hub:     h,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		pending: make(map[string]Event),
	}
	h.mu.Lock()
	s.snapshot = h.snapshotLocked()
	s.lastSignal = h.now()
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.SubscriberCount(n)
	}
	stop := context.AfterFunc(ctx, s.Close)
	s.mu.Lock()
	s.stop = stop
	s.mu.Unlock()
	return s
}

// Snapshot is the fleet as it was when the subscription was opened.
func (s *Subscription) Snapshot() []Entry { return s.snapshot }

func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) offer(ev Event) {
	s.mu.Lock()
	if _, ok := s.pending[ev.VehicleID]; !ok {
		s.order = append(s.order, ev.VehicleID)
	}
	s.pending[ev.VehicleID] = ev
	s.lastSignal = ev.At
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) heartbeat(at time.Time) {
	s.mu.Lock()
	s.beat = &Event{Kind: EventHeartbeat, At: at}
	s.lastSignal = at
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 && s.beat == nil {
		return nil
	}
	out := make([]Event, 0, len(s.order)+1)
	for _, id := range s.order {
		out = append(out, s.pending[id])
	}
	if s.beat != nil {
		out = append(out, *s.beat)
		s.beat = nil
	}
	s.order = s.order[:0]
	clear(s.pending)
	return out
}

// Next blocks until at least one event is pending and returns all of them
// in first-arrival order, one per vehicle, followed by any heartbeat.
func (s *Subscription) Next(ctx context.Context) ([]Event, error) {
	for {
		if evs := s.drain(); len(evs) > 0 {
			if m := s.hub.metrics; m != nil {
				m.EventsDeliveredAdd(len(evs))
			}
			return evs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrSubscriptionClosed
		case <-s.notify:
		}
	}
}

// Status is Disconnected once closed and Stale when neither an event nor a
// heartbeat arrived within two sweep intervals.
func (s *Subscription) Status(now time.Time) FeedStatus {
	select {
	case <-s.done:
		return StatusDisconnected
	default:
	}
	s.mu.Lock()
	last := s.lastSignal
	s.mu.Unlock()
	if now.Sub(last) > 2*s.hub.sweepInterval {
		return StatusStale
	}
	return StatusLive
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		delete(h.subs, s)
		n := len(h.subs)
		h.mu.Unlock()
		if h.metrics != nil {
			h.metrics.SubscriberCount(n)
		}
		close(s.done)
		s.mu.Lock()
		stop := s.stop
		s.mu.Unlock()
		if stop != nil {
			stop()
		}
	})
}
