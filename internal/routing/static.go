package routing

import (
	"context"
	"sync"
	"time"

	"fleet-tracker/internal/geo"
	"fleet-tracker/internal/transit"
)

// Static answers from fixed parameters without any network call. With no
// overrides it scales the straight-line distance by Detour and drives it
// at SpeedKmh. Delay and Err let tests simulate a slow or failing service.
type Static struct {
	Detour   float64
	SpeedKmh float64
	Delay    time.Duration
	Err      error

	mu        sync.Mutex
	overrides map[string]Result
	calls     int
}

func (s *Static) Name() string { return "static" }

// Set fixes the result for one origin key.
func (s *Static) Set(key string, r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overrides == nil {
		s.overrides = make(map[string]Result)
	}
	s.overrides[key] = r
}

func (s *Static) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Static) Matrix(ctx context.Context, origins []Origin, dest transit.Point) (map[string]Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if s.Err != nil {
		return nil, s.Err
	}

	detour, speed := s.Detour, s.SpeedKmh
	if detour <= 0 {
		detour = 1.3
	}
	if speed <= 0 {
		speed = 25
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Result, len(origins))
	for _, o := range origins {
		if r, ok := s.overrides[o.Key]; ok {
			out[o.Key] = r
			continue
		}
		d := geo.Distance(o.Point, dest) * detour
		out[o.Key] = Result{
			DistanceMeters: d,
			Duration:       time.Duration(d / (speed / 3.6) * float64(time.Second)),
		}
	}
	return out, nil
}
