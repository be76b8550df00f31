// Package nearest matches a passenger location to the closest stage.
package nearest

import (
	"fleet-tracker/internal/geo"
	"fleet-tracker/internal/transit"
)

// Finder answers nearest-stage queries. Implementations must be safe for
// concurrent use.
type Finder interface {
	Nearest(q transit.Point) (transit.NearestStageResult, bool)
}

// Linear scans every stage. Ties keep the first stage encountered.
type Linear struct {
	stages []transit.Stage
}

func NewLinear(stages []transit.Stage) *Linear {
	return &Linear{stages: append([]transit.Stage(nil), stages...)}
}

func (l *Linear) Nearest(q transit.Point) (transit.NearestStageResult, bool) {
	if len(l.stages) == 0 {
		return transit.NearestStageResult{}, false
	}
	best := 0
	bestDist := geo.Distance(q, l.stages[0].Point)
	for i := 1; i < len(l.stages); i++ {
		if d := geo.Distance(q, l.stages[i].Point); d < bestDist {
			best, bestDist = i, d
		}
	}
	s := l.stages[best]
	bearing := geo.Bearing(q, s.Point)
	return transit.NearestStageResult{
		Stage:          s,
		DistanceMeters: bestDist,
		WalkingMinutes: geo.WalkingMinutes(bestDist),
		Bearing:        bearing,
		Direction:      geo.Cardinal(bearing),
	}, true
}
