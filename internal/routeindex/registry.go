package routeindex

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"fleet-tracker/internal/transit"
)

// Provider supplies route geometry and the vehicle to route mapping.
type Provider interface {
	FetchRoutes(ctx context.Context) ([]transit.Route, error)
	FetchVehicleRoutes(ctx context.Context) (map[string][]string, error)
}

type RegistryMetrics interface {
	RoutesRefreshed(routes int, err error)
}

// Registry holds the current set of route indexes. Refresh builds a new
// generation off to the side and swaps it in under the lock.
type Registry struct {
	metrics RegistryMetrics

	mu            sync.RWMutex
	indexes       map[string]*Index
	vehicleRoutes map[string][]string // vehicleID -> routeIDs
	loadedAt      time.Time

	refreshCancel context.CancelFunc
	refreshWG     sync.WaitGroup
}

func NewRegistry(m RegistryMetrics) *Registry {
	return &Registry{
		metrics:       m,
		indexes:       make(map[string]*Index),
		vehicleRoutes: make(map[string][]string),
	}
}

// Load replaces the registry contents directly. Used by tests and by
// callers that already hold the routes in memory.
func (r *Registry) Load(routes []transit.Route, vehicleRoutes map[string][]string) {
	indexes := make(map[string]*Index, len(routes))
	for _, rt := range routes {
		idx := New(rt)
		if err := idx.Validate(); err != nil {
			log.WithField("route", rt.ID).Warnf("route unusable for progress: %v", err)
		}
		indexes[rt.ID] = idx
	}
	vr := make(map[string][]string, len(vehicleRoutes))
	for v, ids := range vehicleRoutes {
		vr[v] = append([]string(nil), ids...)
	}
	r.mu.Lock()
	r.indexes = indexes
	r.vehicleRoutes = vr
	r.loadedAt = time.Now()
	r.mu.Unlock()
}

// Refresh re-fetches everything from p. On error the previous generation
// stays in place.
func (r *Registry) Refresh(ctx context.Context, p Provider) error {
	routes, err := p.FetchRoutes(ctx)
	if err != nil {
		r.observe(0, err)
		return fmt.Errorf("fetch routes: %w", err)
	}
	vr, err := p.FetchVehicleRoutes(ctx)
	if err != nil {
		r.observe(0, err)
		return fmt.Errorf("fetch vehicle routes: %w", err)
	}
	r.Load(routes, vr)
	r.observe(len(routes), nil)
	log.WithFields(log.Fields{"routes": len(routes), "vehicles": len(vr)}).Info("route registry refreshed")
	return nil
}

func (r *Registry) observe(n int, err error) {
	if r.metrics != nil {
		r.metrics.RoutesRefreshed(n, err)
	}
}

// StartRefresher refreshes on every interval until Stop is called or parent
// is cancelled. A registry that has never been loaded is refreshed
// immediately as well.
func (r *Registry) StartRefresher(parent context.Context, p Provider, interval time.Duration) {
	ctx, cancel := context.WithCancel(parent)
	r.refreshCancel = cancel
	r.refreshWG.Add(1)
	go func() {
		defer r.refreshWG.Done()
		if r.LoadedAt().IsZero() {
			if err := r.Refresh(ctx, p); err != nil {
				log.Errorf("initial route refresh: %v", err)
			}
		}
		if interval <= 0 {
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Refresh(ctx, p); err != nil {
					log.Errorf("route refresh: %v", err)
				}
			}
		}
	}()
}

func (r *Registry) Stop() {
	if r.refreshCancel != nil {
		r.refreshCancel()
	}
	r.refreshWG.Wait()
}

// Get returns the index for routeID or an error wrapping transit.ErrNotFound.
func (r *Registry) Get(routeID string) (*Index, error) {
	r.mu.RLock()
	idx, ok := r.indexes[routeID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("route %q: %w", routeID, transit.ErrNotFound)
	}
	return idx, nil
}

// Routes returns all indexes ordered by route ID.
func (r *Registry) Routes() []*Index {
	r.mu.RLock()
	out := make([]*Index, 0, len(r.indexes))
	for _, idx := range r.indexes {
		out = append(out, idx)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].route.ID < out[j].route.ID })
	return out
}

// RoutesForVehicle returns the routes a vehicle services. Unknown route
// IDs in the mapping are skipped.
func (r *Registry) RoutesForVehicle(vehicleID string) []transit.RouteRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.vehicleRoutes[vehicleID]
	out := make([]transit.RouteRef, 0, len(ids))
	for _, id := range ids {
		if idx, ok := r.indexes[id]; ok {
			out = append(out, idx.Ref())
		}
	}
	return out
}

// VehicleServes reports whether vehicleID is mapped to routeID.
func (r *Registry) VehicleServes(vehicleID, routeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.vehicleRoutes[vehicleID] {
		if id == routeID {
			return true
		}
	}
	return false
}

// AllPassengerStages flattens every route's passenger stages, route by
// route in route ID order.
func (r *Registry) AllPassengerStages() []transit.Stage {
	var out []transit.Stage
	for _, idx := range r.Routes() {
		out = append(out, idx.PassengerStages()...)
	}
	return out
}

func (r *Registry) LoadedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loadedAt
}

// VehicleRoutes returns a copy of the vehicleID -> routeIDs mapping.
func (r *Registry) VehicleRoutes() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.vehicleRoutes))
	for v, ids := range r.vehicleRoutes {
		out[v] = append([]string(nil), ids...)
	}
	return out
}
