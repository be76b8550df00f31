package sim

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"fleet-tracker/internal/ingest"
	"fleet-tracker/internal/reporter"
	"fleet-tracker/internal/routeindex"
)

const DefaultSpeedKmh = 30

// Fleet supplies routes and vehicle assignments. *routeindex.Registry
// satisfies it.
type Fleet interface {
	Get(routeID string) (*routeindex.Index, error)
	VehicleRoutes() map[string][]string
}

type Metrics interface {
	ActiveVehicleCount(n int)
	TickObserve(d time.Duration)
	reporter.Metrics
}

type Config struct {
	PublishInterval time.Duration
	SpeedKmh        float64
	SpeedMultiplier float64
	RefreshInterval time.Duration
	Metrics         Metrics
}

// Manager runs one reporter per assigned vehicle and reconciles the set
// against the fleet on every refresh.
type Manager struct {
	fleet Fleet
	sink  reporter.Sink
	cfg   Config

	mu      sync.Mutex
	running map[string]*running // vehicleID -> reporter

	refreshCancel context.CancelFunc
	refreshWG     sync.WaitGroup
}

type running struct {
	routeID string
	rep     *reporter.Reporter
}

func NewManager(fleet Fleet, sink reporter.Sink, cfg Config) *Manager {
	if cfg.SpeedKmh <= 0 {
		cfg.SpeedKmh = DefaultSpeedKmh
	}
	if cfg.SpeedMultiplier <= 0 {
		cfg.SpeedMultiplier = 1
	}
	return &Manager{
		fleet:   fleet,
		sink:    sink,
		cfg:     cfg,
		running: make(map[string]*running),
	}
}

// RefreshActive starts reporters for newly assigned vehicles and stops those
// whose assignment disappeared or changed route.
func (m *Manager) RefreshActive(ctx context.Context) error {
	assignments := m.fleet.VehicleRoutes()

	m.mu.Lock()
	var stale []*running
	for id, r := range m.running {
		routes := assignments[id]
		if len(routes) == 0 || routes[0] != r.routeID {
			stale = append(stale, r)
			delete(m.running, id)
		}
	}
	m.mu.Unlock()
	for _, r := range stale {
		r.rep.Stop()
	}

	ids := make([]string, 0, len(assignments))
	for id := range assignments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if len(assignments[id]) == 0 {
			continue
		}
		if err := m.startVehicle(ctx, id, assignments[id][0]); err != nil {
			log.WithFields(log.Fields{"vehicle": id, "route": assignments[id][0]}).Warnf("not simulating: %v", err)
		}
	}
	m.observe()
	return nil
}

func (m *Manager) startVehicle(ctx context.Context, vehicleID, routeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.running[vehicleID]; exists {
		return nil
	}
	idx, err := m.fleet.Get(routeID)
	if err != nil {
		return err
	}
	if err := idx.Validate(); err != nil {
		return err
	}
	w := NewWalker(vehicleID, idx, m.cfg.SpeedKmh, m.cfg.SpeedMultiplier, time.Now(), startOffset(vehicleID, idx.Length()))
	opts := []reporter.Option{reporter.WithInterval(m.cfg.PublishInterval)}
	if m.cfg.Metrics != nil {
		opts = append(opts, reporter.WithMetrics(m.cfg.Metrics))
	}
	rep := reporter.New(timed{w, m.cfg.Metrics}, m.sink, opts...)
	rep.Start(ctx)
	m.running[vehicleID] = &running{routeID: routeID, rep: rep}
	log.WithFields(log.Fields{"vehicle": vehicleID, "route": routeID}).Info("simulating vehicle")
	return nil
}

// Active returns the simulated vehicle IDs, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.running))
	for id := range m.running {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) observe() {
	if m.cfg.Metrics == nil {
		return
	}
	m.mu.Lock()
	n := len(m.running)
	m.mu.Unlock()
	m.cfg.Metrics.ActiveVehicleCount(n)
}

// StartRefresher launches a background loop that periodically reconciles
// the running vehicles with the fleet.
func (m *Manager) StartRefresher(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	m.refreshCancel = cancel
	m.refreshWG.Add(1)
	go func() {
		defer m.refreshWG.Done()
		// immediate refresh on start
		_ = m.RefreshActive(ctx)
		if m.cfg.RefreshInterval <= 0 {
			return
		}
		ticker := time.NewTicker(m.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.RefreshActive(ctx); err != nil {
					log.Errorf("refresh simulated vehicles: %v", err)
				}
			}
		}
	}()
}

func (m *Manager) Stop() {
	if m.refreshCancel != nil {
		m.refreshCancel()
	}
	m.refreshWG.Wait()
	m.mu.Lock()
	all := make([]*running, 0, len(m.running))
	for _, r := range m.running {
		all = append(all, r)
	}
	m.running = make(map[string]*running)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range all {
		wg.Add(1)
		go func(r *running) {
			defer wg.Done()
			r.rep.Stop()
		}(r)
	}
	wg.Wait()
	m.observe()
}

// startOffset spreads vehicles sharing a route over the whole lap.
func startOffset(vehicleID string, length float64) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(vehicleID))
	return float64(h.Sum32()%1000) / 1000 * 2 * length
}

// timed records how long each position sample takes.
type timed struct {
	src     reporter.Source
	metrics Metrics
}

func (t timed) Position(now time.Time) (r ingest.Report, ok bool) {
	start := time.Now()
	r, ok = t.src.Position(now)
	if t.metrics != nil {
		t.metrics.TickObserve(time.Since(start))
	}
	return r, ok
}
