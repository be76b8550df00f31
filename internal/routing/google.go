package routing

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"fleet-tracker/internal/transit"
)

// Distance Matrix accepts at most 25 origins per request.
const googleMaxOrigins = 25

// Google uses the Distance Matrix API with departure_time=now so durations
// include current traffic.
type Google struct {
	client *maps.Client
}

// NewGoogle creates a client. Extra options such as maps.WithBaseURL are
// passed through to the maps client.
func NewGoogle(apiKey string, opts ...maps.ClientOption) (*Google, error) {
	client, err := maps.NewClient(append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &Google{client: client}, nil
}

func (g *Google) Name() string { return "google" }

func (g *Google) Matrix(ctx context.Context, origins []Origin, dest transit.Point) (map[string]Result, error) {
	out := make(map[string]Result, len(origins))
	if len(origins) == 0 {
		return out, nil
	}
	for _, part := range chunk(origins, googleMaxOrigins) {
		req := &maps.DistanceMatrixRequest{
			Origins:       make([]string, 0, len(part)),
			Destinations:  []string{latLng(dest)},
			Mode:          maps.TravelModeDriving,
			DepartureTime: "now",
			TrafficModel:  maps.TrafficModelBestGuess,
		}
		for _, o := range part {
			req.Origins = append(req.Origins, latLng(o.Point))
		}
		resp, err := g.client.DistanceMatrix(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("maps api error: %w", err)
		}
		if len(resp.Rows) != len(part) {
			return nil, fmt.Errorf("expected %d rows; got %d", len(part), len(resp.Rows))
		}
		for i, o := range part {
			if len(resp.Rows[i].Elements) == 0 {
				continue
			}
			el := resp.Rows[i].Elements[0]
			if el == nil || el.Status != "OK" {
				continue
			}
			d := el.DurationInTraffic
			if d == 0 {
				d = el.Duration
			}
			out[o.Key] = Result{DistanceMeters: float64(el.Distance.Meters), Duration: d}
		}
	}
	return out, nil
}
