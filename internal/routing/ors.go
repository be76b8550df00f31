package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"fleet-tracker/internal/transit"
)

const (
	DefaultORSBaseURL = "https://api.openrouteservice.org"
	// ORS rejects matrices above 3500 cells on the public tier.
	defaultORSMaxOrigins = 50
)

// ORS is an OpenRouteService matrix client. Safe for concurrent use.
type ORS struct {
	session    *http.Client
	apiKey     string
	baseURL    string
	profile    string
	maxOrigins int
}

type ORSOption func(*ORS)

func WithBaseURL(u string) ORSOption          { return func(o *ORS) { o.baseURL = strings.TrimRight(u, "/") } }
func WithHTTPClient(c *http.Client) ORSOption { return func(o *ORS) { o.session = c } }
func WithMaxOrigins(n int) ORSOption          { return func(o *ORS) { o.maxOrigins = n } }

func NewORS(apiKey string, opts ...ORSOption) (*ORS, error) {
	if apiKey == "" {
		return nil, errors.New("ORS api key is empty")
	}
	o := &ORS{
		session:    &http.Client{Timeout: 10 * time.Second},
		apiKey:     apiKey,
		baseURL:    DefaultORSBaseURL,
		profile:    "driving-car",
		maxOrigins: defaultORSMaxOrigins,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func (o *ORS) Name() string { return "ors" }

type matrixRequest struct {
	Locations    [][]float64 `json:"locations"`
	Sources      []int       `json:"sources"`
	Destinations []int       `json:"destinations"`
	Metrics      []string    `json:"metrics"`
}

type matrixResponse struct {
	Distances [][]*float64 `json:"distances"`
	Durations [][]*float64 `json:"durations"`
}

// Matrix sends one request per chunk of origins. Any failed chunk fails the
// whole call so callers never mix fresh and missing rows silently.
func (o *ORS) Matrix(ctx context.Context, origins []Origin, dest transit.Point) (map[string]Result, error) {
	out := make(map[string]Result, len(origins))
	if len(origins) == 0 {
		return out, nil
	}
	for _, part := range chunk(origins, o.maxOrigins) {
		if err := o.fetchColumn(ctx, part, dest, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// fetchColumn asks for every origin to the single destination. ORS takes
// [lon, lat] pairs.
func (o *ORS) fetchColumn(ctx context.Context, origins []Origin, dest transit.Point, out map[string]Result) error {
	endpoint := fmt.Sprintf("%s/v2/matrix/%s", o.baseURL, o.profile)

	locations := make([][]float64, 0, len(origins)+1)
	sources := make([]int, 0, len(origins))
	for i, org := range origins {
		locations = append(locations, []float64{org.Point.Lon, org.Point.Lat})
		sources = append(sources, i)
	}
	locations = append(locations, []float64{dest.Lon, dest.Lat})

	payload, err := json.Marshal(matrixRequest{
		Locations:    locations,
		Sources:      sources,
		Destinations: []int{len(origins)},
		Metrics:      []string{"distance", "duration"},
	})
	if err != nil {
		return fmt.Errorf("marshal matrix request: %w", err)
	}

	resp, err := o.doWithRetry(ctx, func() (*http.Request, error) {
		return o.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	})
	if err != nil {
		return fmt.Errorf("matrix request failed: %w", err)
	}
	defer resp.Body.Close()

	var mr matrixResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return fmt.Errorf("decode matrix response: %w", err)
	}
	if len(mr.Distances) != len(origins) || len(mr.Durations) != len(origins) {
		return fmt.Errorf("expected %d source rows; got distances=%d durations=%d",
			len(origins), len(mr.Distances), len(mr.Durations))
	}

	for i, org := range origins {
		if len(mr.Distances[i]) != 1 || len(mr.Durations[i]) != 1 {
			continue
		}
		meters, seconds := mr.Distances[i][0], mr.Durations[i][0]
		// unroutable origins come back as null
		if meters == nil || seconds == nil {
			continue
		}
		out[org.Key] = Result{
			DistanceMeters: *meters,
			Duration:       time.Duration(*seconds * float64(time.Second)),
		}
	}
	return nil
}

type httpStatusError struct {
	Code int
	Body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("Code %d: %s", e.Code, e.Body)
}

func (o *ORS) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", o.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (o *ORS) do(req *http.Request) (*http.Response, error) {
	resp, err := o.session.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &httpStatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}

// doWithRetry retries network errors, 429 and 5xx with exponential backoff
// while respecting context cancellation.
func (o *ORS) doWithRetry(ctx context.Context, makeReq func() (*http.Request, error)) (*http.Response, error) {
	const maxAttempts = 4
	backoff := 200 * time.Millisecond

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req, err := makeReq()
		if err != nil {
			return nil, fmt.Errorf("make request: %w", err)
		}
		resp, err := o.do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		retry := false
		var he *httpStatusError
		if errors.As(err, &he) {
			switch he.Code {
			case 429, 500, 502, 503, 504:
				retry = true
			}
		}
		var netErr net.Error
		if !retry && errors.As(err, &netErr) {
			retry = true
		}
		if !retry || attempt == maxAttempts {
			return nil, lastErr
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return nil, lastErr
}
