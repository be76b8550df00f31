// Package geo holds the great-circle helpers shared by the tracking engine.
// Everything here is pure and safe for concurrent use.
package geo

import (
	"math"

	"fleet-tracker/internal/transit"
)

const (
	EarthRadiusMeters = 6371000.0
	// WalkingMetersPerMinute is roughly 4.8 km/h.
	WalkingMetersPerMinute = 80.0
)

func toRad(d float64) float64 { return d * math.Pi / 180 }

// Distance returns the haversine distance in meters.
func Distance(a, b transit.Point) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c
}

// Bearing returns the initial bearing from one point to another in [0,360).
func Bearing(from, to transit.Point) float64 {
	y := math.Sin(toRad(to.Lon-from.Lon)) * math.Cos(toRad(to.Lat))
	x := math.Cos(toRad(from.Lat))*math.Sin(toRad(to.Lat)) - math.Sin(toRad(from.Lat))*math.Cos(toRad(to.Lat))*math.Cos(toRad(to.Lon-from.Lon))
	brng := math.Atan2(y, x) * 180 / math.Pi
	if brng < 0 {
		brng += 360
	}
	if brng >= 360 {
		brng -= 360
	}
	return brng
}

var compass = [8]transit.Direction{
	transit.North, transit.NorthEast, transit.East, transit.SouthEast,
	transit.South, transit.SouthWest, transit.West, transit.NorthWest,
}

// Cardinal buckets a bearing into one of eight 45° sectors centred on the
// compass points, so North covers [337.5, 22.5).
func Cardinal(bearing float64) transit.Direction {
	b := math.Mod(bearing, 360)
	if b < 0 {
		b += 360
	}
	idx := int(math.Floor((b+22.5)/45)) % 8
	return compass[idx]
}

// WalkingMinutes rounds up so an estimate never understates travel time.
func WalkingMinutes(meters float64) int {
	if meters <= 0 || math.IsNaN(meters) {
		return 0
	}
	return int(math.Ceil(meters / WalkingMetersPerMinute))
}

// ProjectOntoSegment projects p onto segment a→b using an equirectangular
// approximation centred on p. It returns the clamped position t in [0,1]
// along the segment and the distance in meters from p to the projection.
// Degenerate segments fall back to the distance to a.
func ProjectOntoSegment(p, a, b transit.Point) (t, offset float64) {
	cosLat := math.Cos(toRad(p.Lat))
	toXY := func(q transit.Point) (x, y float64) {
		y = toRad(q.Lat-p.Lat) * EarthRadiusMeters
		x = toRad(q.Lon-p.Lon) * EarthRadiusMeters * cosLat
		return
	}
	x0, y0 := toXY(a)
	x1, y1 := toXY(b)
	dx := x1 - x0
	dy := y1 - y0
	segLen2 := dx*dx + dy*dy
	if segLen2 <= 1e-12 {
		return 0, Distance(p, a)
	}
	t = -(x0*dx + y0*dy) / segLen2
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	// endpoints are measured exactly so a point sitting on a stage reports 0
	switch t {
	case 0:
		return 0, Distance(p, a)
	case 1:
		return 1, Distance(p, b)
	}
	px := x0 + t*dx
	py := y0 + t*dy
	return t, math.Hypot(px, py)
}

// Interpolate returns the point at fraction t along a→b. Segments are short
// enough that linear interpolation in degrees is adequate.
func Interpolate(a, b transit.Point, t float64) transit.Point {
	return transit.Point{
		Lat: a.Lat + (b.Lat-a.Lat)*t,
		Lon: a.Lon + (b.Lon-a.Lon)*t,
	}
}
