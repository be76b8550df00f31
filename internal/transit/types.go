package transit

import "time"

type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Stage is a boarding/alighting point on a route. Order is the position
// within the route; WaypointOnly stages shape the geometry but are never
// offered to passengers.
type Stage struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	RouteID      string `json:"routeId"`
	Point        Point  `json:"point"`
	Order        int    `json:"order"`
	Terminal     bool   `json:"terminal"`
	WaypointOnly bool   `json:"waypointOnly,omitempty"`
}

type Route struct {
	ID     string
	Name   string
	Color  string // opaque, passed through for display
	Stages []Stage
}

func (r Route) Ref() RouteRef {
	return RouteRef{ID: r.ID, Name: r.Name, Color: r.Color}
}

type RouteRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

type VehiclePosition struct {
	VehicleID string    `json:"vehicleId"`
	Point     Point     `json:"point"`
	SpeedKmh  float64   `json:"speedKmh"`
	Heading   float64   `json:"heading"`            // 0 = unknown
	Accuracy  float64   `json:"accuracy,omitempty"` // meters, 0 = unknown
	Timestamp time.Time `json:"timestamp"`          // capture time
}

type ProgressResult struct {
	RouteID             string        `json:"routeId"`
	RouteColor          string        `json:"routeColor"`
	Percent             float64       `json:"percent"` // 0..100
	CurrentStageIndex   int           `json:"currentStageIndex"`
	NextStage           Stage         `json:"nextStage"`
	SnappedPoint        Point         `json:"snappedPoint"`
	DistanceToNextStage float64       `json:"distanceToNextStageM"`
	DistanceToTerminus  float64       `json:"distanceToTerminusM"`
	ETAToNextStage      time.Duration `json:"etaToNextStage"`
	ETAToTerminus       time.Duration `json:"etaToTerminus"`
	OnRoute             bool          `json:"onRoute"`
	OffRouteDistance    float64       `json:"offRouteDistanceM"`
	LowConfidence       bool          `json:"lowConfidence"`
}

type NearestStageResult struct {
	Stage          Stage     `json:"stage"`
	DistanceMeters float64   `json:"distanceM"`
	WalkingMinutes int       `json:"walkingMinutes"`
	Bearing        float64   `json:"bearing"`
	Direction      Direction `json:"direction"`
}

// Direction is one of the eight compass buckets.
type Direction string

const (
	North     Direction = "N"
	NorthEast Direction = "NE"
	East      Direction = "E"
	SouthEast Direction = "SE"
	South     Direction = "S"
	SouthWest Direction = "SW"
	West      Direction = "W"
	NorthWest Direction = "NW"
)
