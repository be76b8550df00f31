// Package routeindex keeps per-route stage sequences sorted and measured so
// progress and nearest-stage queries can reuse them between computations.
package routeindex

import (
	"fmt"
	"sort"

	"fleet-tracker/internal/geo"
	"fleet-tracker/internal/transit"
)

// MinRouteLength is the passenger path length below which a route is
// degenerate.
const MinRouteLength = 1.0

// Index is immutable after New and safe for concurrent readers.
type Index struct {
	route     transit.Route
	stages    []transit.Stage // geometry, sorted by Order
	passenger []transit.Stage // stages offered to passengers
	cum       []float64       // cumulative meters at each stage
	first     int             // geometry index of the origin, -1 without passenger stages
	last      int             // geometry index of the terminus
	paxPath   float64         // meters stage to stage over passenger stages only
}

// New sorts a copy of the route's stages by Order. Equal orders keep their
// input order.
func New(route transit.Route) *Index {
	stages := make([]transit.Stage, len(route.Stages))
	copy(stages, route.Stages)
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].Order < stages[j].Order })
	for i := range stages {
		if stages[i].RouteID == "" {
			stages[i].RouteID = route.ID
		}
	}

	first, last := -1, -1
	passenger := make([]transit.Stage, 0, len(stages))
	for i, s := range stages {
		if s.WaypointOnly {
			continue
		}
		if first < 0 {
			first = i
		}
		last = i
		passenger = append(passenger, s)
	}
	var paxPath float64
	for i := 1; i < len(passenger); i++ {
		paxPath += geo.Distance(passenger[i-1].Point, passenger[i].Point)
	}

	cum := make([]float64, len(stages))
	for i := 1; i < len(stages); i++ {
		cum[i] = cum[i-1] + geo.Distance(stages[i-1].Point, stages[i].Point)
	}

	route.Stages = stages
	return &Index{route: route, stages: stages, passenger: passenger, cum: cum, first: first, last: last, paxPath: paxPath}
}

// Validate reports whether the route can support progress computation.
func (x *Index) Validate() error {
	if len(x.passenger) < 2 {
		return fmt.Errorf("route %q has %d usable stages: %w", x.route.ID, len(x.passenger), transit.ErrInvalidRoute)
	}
	// Waypoints can stretch the geometry between passenger stages that sit
	// on top of each other, so the check runs over passenger stages.
	if x.paxPath < MinRouteLength {
		return fmt.Errorf("route %q has degenerate length %.2fm: %w", x.route.ID, x.paxPath, transit.ErrInvalidRoute)
	}
	return nil
}

func (x *Index) Route() transit.Route             { return x.route }
func (x *Index) Ref() transit.RouteRef            { return x.route.Ref() }
func (x *Index) Stages() []transit.Stage          { return x.stages }
func (x *Index) PassengerStages() []transit.Stage { return x.passenger }
func (x *Index) NumSegments() int {
	if len(x.stages) < 2 {
		return 0
	}
	return len(x.stages) - 1
}

// Origin is the first passenger stage.
func (x *Index) Origin() (transit.Stage, bool) {
	if len(x.passenger) == 0 {
		return transit.Stage{}, false
	}
	return x.passenger[0], true
}

// Terminus is the last passenger stage.
func (x *Index) Terminus() (transit.Stage, bool) {
	if len(x.passenger) == 0 {
		return transit.Stage{}, false
	}
	return x.passenger[len(x.passenger)-1], true
}

// TerminusIndex is the geometry index of the terminus, or -1.
func (x *Index) TerminusIndex() int { return x.last }

// PassengerSpan returns the distances along the geometry at the origin and
// at the terminus. Leading and trailing waypoints fall outside it.
func (x *Index) PassengerSpan() (start, end float64) {
	if x.first < 0 {
		return 0, 0
	}
	return x.cum[x.first], x.cum[x.last]
}

// Segment returns stage i and stage i+1 of the geometry.
func (x *Index) Segment(i int) (a, b transit.Stage, ok bool) {
	if i < 0 || i+1 >= len(x.stages) {
		return transit.Stage{}, transit.Stage{}, false
	}
	return x.stages[i], x.stages[i+1], true
}

func (x *Index) SegmentLength(i int) float64 {
	if i < 0 || i+1 >= len(x.cum) {
		return 0
	}
	return x.cum[i+1] - x.cum[i]
}

// Cumulative returns the distance along the route at stage i.
func (x *Index) Cumulative(i int) float64 {
	if i < 0 || i >= len(x.cum) {
		return 0
	}
	return x.cum[i]
}

func (x *Index) Length() float64 {
	if len(x.cum) == 0 {
		return 0
	}
	return x.cum[len(x.cum)-1]
}

// NextPassengerStage returns the first passenger stage at or after geometry
// index i, skipping waypoints.
func (x *Index) NextPassengerStage(i int) (transit.Stage, int, bool) {
	for j := i; j < len(x.stages); j++ {
		if !x.stages[j].WaypointOnly {
			return x.stages[j], j, true
		}
	}
	return transit.Stage{}, -1, false
}

// PointAt returns the point d meters along the route and the bearing of the
// segment it falls on. d is clamped to [0, Length].
func (x *Index) PointAt(d float64) (p transit.Point, bearing float64) {
	n := len(x.stages)
	if n == 0 {
		return transit.Point{}, 0
	}
	if n == 1 || x.Length() == 0 {
		return x.stages[0].Point, 0
	}
	if d <= 0 {
		return x.stages[0].Point, geo.Bearing(x.stages[0].Point, x.stages[1].Point)
	}
	if d >= x.Length() {
		return x.stages[n-1].Point, geo.Bearing(x.stages[n-2].Point, x.stages[n-1].Point)
	}
	// first stage at or beyond d
	i := sort.SearchFloat64s(x.cum, d)
	if i == 0 {
		i = 1
	}
	a, b := x.stages[i-1].Point, x.stages[i].Point
	d0, d1 := x.cum[i-1], x.cum[i]
	if d1 == d0 {
		return a, geo.Bearing(a, b)
	}
	return geo.Interpolate(a, b, (d-d0)/(d1-d0)), geo.Bearing(a, b)
}
