// Package progress snaps a vehicle onto a route and reports how far along it
// is. Estimates are pure functions of their inputs.
package progress

import (
	"math"

	"fleet-tracker/internal/eta"
	"fleet-tracker/internal/geo"
	"fleet-tracker/internal/routeindex"
	"fleet-tracker/internal/transit"
)

const (
	DefaultOnRouteThreshold = 400.0
	// tieEpsilon is the offset difference, in meters, treated as equal.
	tieEpsilon = 1e-6
)

type Estimator struct {
	onRouteThreshold float64
}

func NewEstimator(onRouteThreshold float64) *Estimator {
	if onRouteThreshold <= 0 {
		onRouteThreshold = DefaultOnRouteThreshold
	}
	return &Estimator{onRouteThreshold: onRouteThreshold}
}

// Snap is the projection of a point onto a route.
type Snap struct {
	Segment   int     // index of the segment start in idx.Stages()
	T         float64 // position along the segment in [0,1]
	Offset    float64 // meters from the point to the route
	Travelled float64 // meters along the route
	Point     transit.Point
}

// SnapToRoute projects p onto every segment and keeps the closest. On a
// tie the later segment wins only when the earlier projection sits on its
// end stage, so a point exactly on a shared stage belongs to the segment
// that starts there.
func SnapToRoute(idx *routeindex.Index, p transit.Point) (Snap, bool) {
	n := idx.NumSegments()
	if n == 0 {
		return Snap{}, false
	}
	best := Snap{Segment: -1, Offset: math.Inf(1)}
	for i := 0; i < n; i++ {
		a, b, _ := idx.Segment(i)
		t, off := geo.ProjectOntoSegment(p, a.Point, b.Point)
		switch {
		case off < best.Offset-tieEpsilon:
		case math.Abs(off-best.Offset) <= tieEpsilon && best.T == 1:
		default:
			continue
		}
		best = Snap{Segment: i, T: t, Offset: off}
	}
	a, b, _ := idx.Segment(best.Segment)
	best.Travelled = idx.Cumulative(best.Segment) + best.T*idx.SegmentLength(best.Segment)
	best.Point = geo.Interpolate(a.Point, b.Point, best.T)
	return best, true
}

// Estimate computes progress for a vehicle at p moving at speedKmh. Routes
// that fail validation return an error wrapping transit.ErrInvalidRoute.
func (e *Estimator) Estimate(idx *routeindex.Index, p transit.Point, speedKmh float64) (transit.ProgressResult, error) {
	if err := idx.Validate(); err != nil {
		return transit.ProgressResult{}, err
	}
	snap, _ := SnapToRoute(idx, p)
	start, end := idx.PassengerSpan()

	// measured between origin and terminus, waypoints outside them excluded
	travelled := clamp(snap.Travelled, start, end)
	toTerminus := end - travelled

	next, nextIdx, ok := idx.NextPassengerStage(snap.Segment + 1)
	if !ok {
		next, _ = idx.Terminus()
		nextIdx = idx.TerminusIndex()
	}
	toNext := clamp(idx.Cumulative(nextIdx)-travelled, 0, toTerminus)

	ref := idx.Ref()
	res := transit.ProgressResult{
		RouteID:             ref.ID,
		RouteColor:          ref.Color,
		Percent:             clamp((travelled-start)/(end-start)*100, 0, 100),
		CurrentStageIndex:   snap.Segment,
		NextStage:           next,
		SnappedPoint:        snap.Point,
		DistanceToNextStage: toNext,
		DistanceToTerminus:  toTerminus,
		ETAToNextStage:      eta.Tier0(toNext, speedKmh).Duration,
		ETAToTerminus:       eta.Tier0(toTerminus, speedKmh).Duration,
		OffRouteDistance:    snap.Offset,
	}
	res.OnRoute = snap.Offset <= e.onRouteThreshold
	res.LowConfidence = !res.OnRoute
	return res, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
