// Package session is the map-view side of the fleet stream: one viewer's
// subscription, optionally narrowed to a route and enriched with progress
// and arrival estimates for a passenger location.
package session

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"fleet-tracker/internal/eta"
	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/geo"
	"fleet-tracker/internal/nearest"
	"fleet-tracker/internal/progress"
	"fleet-tracker/internal/routeindex"
	"fleet-tracker/internal/routing"
	"fleet-tracker/internal/transit"
)

// Routes is the subset of the route registry a session reads.
type Routes interface {
	Get(routeID string) (*routeindex.Index, error)
	AllPassengerStages() []transit.Stage
}

type Deps struct {
	Hub      *fleet.Hub
	Routes   Routes
	Progress *progress.Estimator
	ETA      *eta.Estimator
}

type Options struct {
	RouteID   string
	Passenger *transit.Point
}

// VehicleView is one vehicle as a viewer sees it.
type VehicleView struct {
	fleet.Entry
	Stale    bool                    `json:"stale"`
	Progress *transit.ProgressResult `json:"progress,omitempty"`
	ETA      *eta.Estimate           `json:"eta,omitempty"`
}

type Removal struct {
	VehicleID string `json:"vehicleId"`
	Reason    string `json:"reason"`
}

// Frame is one batch of changes. A frame with only Heartbeat set carries
// no vehicle changes.
type Frame struct {
	Vehicles  []VehicleView    `json:"vehicles,omitempty"`
	Removed   []Removal        `json:"removed,omitempty"`
	Heartbeat bool             `json:"heartbeat,omitempty"`
	Status    fleet.FeedStatus `json:"status"`
	At        time.Time        `json:"at"`
}

func (f Frame) Empty() bool { return len(f.Vehicles) == 0 && len(f.Removed) == 0 && !f.Heartbeat }

type Session struct {
	deps    Deps
	sub     *fleet.Subscription
	route   *routeindex.Index
	pass    *transit.Point
	nearest transit.NearestStageResult
	hasNear bool
	dest    transit.Point
	batcher *eta.Batcher
	now     func() time.Time

	mu      sync.Mutex
	visible map[string]struct{}
	once    sync.Once
}

// Open subscribes to the hub. An unknown route returns an error wrapping
// transit.ErrNotFound and an unusable one wraps transit.ErrInvalidRoute.
// The session closes itself when ctx is done.
func Open(ctx context.Context, deps Deps, opts Options) (*Session, error) {
	s := &Session{deps: deps, now: time.Now, visible: make(map[string]struct{})}
	if opts.RouteID != "" {
		idx, err := deps.Routes.Get(opts.RouteID)
		if err != nil {
			return nil, err
		}
		if err := idx.Validate(); err != nil {
			return nil, err
		}
		s.route = idx
	}
	if opts.Passenger != nil {
		p := *opts.Passenger
		s.pass = &p
		s.dest = p
		var stages []transit.Stage
		if s.route != nil {
			stages = s.route.PassengerStages()
		} else if deps.Routes != nil {
			stages = deps.Routes.AllPassengerStages()
		}
		if res, ok := nearest.NewLinear(stages).Nearest(p); ok {
			s.nearest, s.hasNear = res, true
			s.dest = res.Stage.Point
		}
	}

	s.sub = deps.Hub.Subscribe(ctx)
	if s.pass != nil && deps.ETA != nil && deps.ETA.RoadEnabled() {
		s.batcher = deps.ETA.StartBatcher(ctx, s.dest, s.origins)
	}
	log.WithFields(log.Fields{
		"session":   s.sub.ID,
		"route":     opts.RouteID,
		"passenger": s.pass != nil,
		"road_eta":  s.batcher != nil,
	}).Debug("viewer session opened")
	return s, nil
}

func (s *Session) ID() string { return s.sub.ID }

// Nearest is the passenger's closest stage, when a passenger location was
// given and at least one stage exists.
func (s *Session) Nearest() (transit.NearestStageResult, bool) { return s.nearest, s.hasNear }

// Snapshot is the initial frame: every vehicle in view at subscribe time.
func (s *Session) Snapshot(ctx context.Context) Frame {
	now := s.now()
	f := Frame{Status: s.sub.Status(now), At: now}
	for _, e := range s.sub.Snapshot() {
		if v, ok := s.view(ctx, e, now); ok {
			f.Vehicles = append(f.Vehicles, v)
		}
	}
	return f
}

// Next blocks for the next batch of changes.
func (s *Session) Next(ctx context.Context) (Frame, error) {
	evs, err := s.sub.Next(ctx)
	if err != nil {
		return Frame{}, err
	}
	now := s.now()
	f := Frame{Status: s.sub.Status(now), At: now}
	for _, ev := range evs {
		switch ev.Kind {
		case fleet.EventHeartbeat:
			f.Heartbeat = true
		case fleet.EventRemove:
			if s.forget(ev.VehicleID) {
				f.Removed = append(f.Removed, Removal{VehicleID: ev.VehicleID, Reason: ev.Reason})
			}
		case fleet.EventUpdate:
			if ev.Entry == nil {
				continue
			}
			if v, ok := s.view(ctx, *ev.Entry, now); ok {
				f.Vehicles = append(f.Vehicles, v)
			} else if s.forget(ev.VehicleID) {
				// left the selected route
				f.Removed = append(f.Removed, Removal{VehicleID: ev.VehicleID, Reason: "route"})
			}
		}
	}
	return f, nil
}

func (s *Session) Status(now time.Time) fleet.FeedStatus { return s.sub.Status(now) }
func (s *Session) Done() <-chan struct{}                 { return s.sub.Done() }

// Close stops the batcher and the subscription. Safe to call more than once.
func (s *Session) Close() {
	s.once.Do(func() {
		if s.batcher != nil {
			s.batcher.Stop()
		}
		s.sub.Close()
		log.WithField("session", s.sub.ID).Debug("viewer session closed")
	})
}

func (s *Session) inView(e fleet.Entry) bool {
	if s.route == nil {
		return true
	}
	id := s.route.Ref().ID
	for _, r := range e.Routes {
		if r.ID == id {
			return true
		}
	}
	return false
}

func (s *Session) view(ctx context.Context, e fleet.Entry, now time.Time) (VehicleView, bool) {
	if !s.inView(e) {
		return VehicleView{}, false
	}
	v := VehicleView{Entry: e, Stale: e.Stale(now, s.deps.Hub.StaleAfter())}
	pos := e.Position
	if s.route != nil && s.deps.Progress != nil {
		res, err := s.deps.Progress.Estimate(s.route, pos.Point, pos.SpeedKmh)
		if err != nil {
			log.WithFields(log.Fields{"route": s.route.Ref().ID, "vehicle": pos.VehicleID}).Warnf("progress: %v", err)
		} else {
			v.Progress = &res
		}
	}
	if s.pass != nil {
		var est eta.Estimate
		if s.deps.ETA != nil {
			est = s.deps.ETA.ForVehicle(ctx, s.dest, pos.VehicleID, pos.Point, pos.SpeedKmh)
		} else {
			est = eta.Tier0(geo.Distance(pos.Point, s.dest), pos.SpeedKmh)
		}
		v.ETA = &est
	}
	s.mu.Lock()
	s.visible[pos.VehicleID] = struct{}{}
	s.mu.Unlock()
	return v, true
}

func (s *Session) forget(vehicleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.visible[vehicleID]; !ok {
		return false
	}
	delete(s.visible, vehicleID)
	return true
}

// origins lists the vehicles in view for the road-estimate batcher.
func (s *Session) origins() []routing.Origin {
	var out []routing.Origin
	for _, e := range s.deps.Hub.Snapshot() {
		if s.inView(e) {
			out = append(out, routing.Origin{Key: e.Position.VehicleID, Point: e.Position.Point})
		}
	}
	return out
}
