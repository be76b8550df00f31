package eta

import (
	"math"
	"time"
)

type Tier int

const (
	// TierStraightLine is the haversine distance over an effective speed.
	TierStraightLine Tier = 0
	// TierRoad comes from a routing provider batch.
	TierRoad Tier = 1
)

func (t Tier) String() string {
	if t == TierRoad {
		return "road"
	}
	return "straight_line"
}

func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

const (
	// MinMovingSpeedKmh is the reported speed above which a vehicle counts
	// as moving.
	MinMovingSpeedKmh = 5.0
	// FallbackSpeedKmh is the assumed urban cruising speed for stopped or
	// crawling vehicles.
	FallbackSpeedKmh = 20.0
)

type Estimate struct {
	DistanceMeters float64       `json:"distanceM"`
	Duration       time.Duration `json:"duration"`
	Tier           Tier          `json:"tier"`
	Stale          bool          `json:"stale"`
	FetchedAt      time.Time     `json:"fetchedAt,omitempty"`
}

// EffectiveSpeed returns the speed used for straight-line estimates.
func EffectiveSpeed(speedKmh float64) float64 {
	if math.IsNaN(speedKmh) || math.IsInf(speedKmh, 0) || speedKmh <= MinMovingSpeedKmh {
		return FallbackSpeedKmh
	}
	return speedKmh
}

// Tier0 is always finite and non-negative.
func Tier0(distanceMeters, speedKmh float64) Estimate {
	if math.IsNaN(distanceMeters) || math.IsInf(distanceMeters, 0) || distanceMeters < 0 {
		distanceMeters = 0
	}
	mps := EffectiveSpeed(speedKmh) / 3.6
	secs := distanceMeters / mps
	return Estimate{
		DistanceMeters: distanceMeters,
		Duration:       time.Duration(math.Round(secs * float64(time.Second))),
		Tier:           TierStraightLine,
	}
}
