package sim

import (
	"math"
	"time"

	"fleet-tracker/internal/ingest"
	"fleet-tracker/internal/routeindex"
)

// Walker drives one simulated vehicle back and forth along a route at a
// constant speed. It satisfies reporter.Source.
type Walker struct {
	vehicleID       string
	idx             *routeindex.Index
	speedKmh        float64
	speedMultiplier float64
	start           time.Time
	offset          float64 // meters along the route at start
}

func NewWalker(vehicleID string, idx *routeindex.Index, speedKmh, speedMultiplier float64, start time.Time, offset float64) *Walker {
	if speedMultiplier <= 0 {
		speedMultiplier = 1
	}
	return &Walker{
		vehicleID:       vehicleID,
		idx:             idx,
		speedKmh:        speedKmh,
		speedMultiplier: speedMultiplier,
		start:           start,
		offset:          offset,
	}
}

// Distance returns meters along the route at now and whether the vehicle
// is on its outbound leg.
func (w *Walker) Distance(now time.Time) (float64, bool) {
	length := w.idx.Length()
	if length <= 0 {
		return 0, true
	}
	elapsed := now.Sub(w.start).Seconds() * w.speedMultiplier
	if elapsed < 0 {
		elapsed = 0
	}
	lap := 2 * length
	d := math.Mod(w.offset+elapsed*w.speedKmh/3.6, lap)
	if d <= length {
		return d, true
	}
	return lap - d, false
}

func (w *Walker) Position(now time.Time) (ingest.Report, bool) {
	if w.idx.Length() <= 0 {
		return ingest.Report{}, false
	}
	d, outbound := w.Distance(now)
	p, heading := w.idx.PointAt(d)
	if !outbound {
		heading = math.Mod(heading+180, 360)
	}
	return ingest.Report{
		VehicleID: w.vehicleID,
		Lat:       p.Lat,
		Lon:       p.Lon,
		SpeedKmh:  w.speedKmh * w.speedMultiplier,
		Heading:   heading,
		Timestamp: now,
	}, true
}
