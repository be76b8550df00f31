// Package routing adapts third-party road-network services to a single
// many-origins, one-destination matrix call.
package routing

import (
	"context"
	"strconv"
	"time"

	"fleet-tracker/internal/transit"
)

// Origin is one matrix row, keyed by the caller's vehicle ID.
type Origin struct {
	Key   string
	Point transit.Point
}

type Result struct {
	DistanceMeters float64
	Duration       time.Duration // traffic-aware when the provider supports it
}

// Provider returns road distance and duration from every origin to dest.
// Origins the provider could not route are absent from the result.
type Provider interface {
	Name() string
	Matrix(ctx context.Context, origins []Origin, dest transit.Point) (map[string]Result, error)
}

func latLng(p transit.Point) string {
	return strconv.FormatFloat(p.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lon, 'f', 6, 64)
}

func chunk(origins []Origin, size int) [][]Origin {
	if size <= 0 || len(origins) <= size {
		return [][]Origin{origins}
	}
	var out [][]Origin
	for len(origins) > size {
		out = append(out, origins[:size])
		origins = origins[size:]
	}
	return append(out, origins)
}
