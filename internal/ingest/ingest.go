// Package ingest validates raw position reports before they reach the
// fleet hub. Every transport (HTTP, NATS, GTFS-RT) goes through Ingest.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"fleet-tracker/internal/transit"
)

const DefaultFutureSkew = 30 * time.Second

// Report is a position as received from a device or feed.
type Report struct {
	VehicleID string    `json:"vehicleId" validate:"required,max=128"`
	Lat       float64   `json:"latitude" validate:"gte=-90,lte=90"`
	Lon       float64   `json:"longitude" validate:"gte=-180,lte=180"`
	SpeedKmh  float64   `json:"speed" validate:"gte=0"`
	Heading   float64   `json:"heading" validate:"gte=0,lte=360"`
	Accuracy  float64   `json:"accuracy,omitempty" validate:"gte=0"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives validated positions. It reports whether the position
// replaced the stored one.
type Sink interface {
	Apply(pos transit.VehiclePosition) bool
}

type Metrics interface {
	PositionAccepted(source string)
	PositionRejected(source, reason string)
}

type Ingestor struct {
	sink     Sink
	validate *validator.Validate
	skew     time.Duration
	metrics  Metrics
	now      func() time.Time
}

type Option func(*Ingestor)

func WithFutureSkew(d time.Duration) Option { return func(i *Ingestor) { i.skew = d } }
func WithMetrics(m Metrics) Option          { return func(i *Ingestor) { i.metrics = m } }
func WithClock(now func() time.Time) Option { return func(i *Ingestor) { i.now = now } }

func New(sink Sink, opts ...Option) *Ingestor {
	i := &Ingestor{
		sink:     sink,
		validate: validator.New(),
		skew:     DefaultFutureSkew,
		now:      time.Now,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Ingest validates r and hands it to the sink. Invalid reports return an
// error wrapping transit.ErrInvalidPosition and leave shared state alone.
// source labels the transport for logs and metrics.
func (i *Ingestor) Ingest(ctx context.Context, source string, r Report) (transit.VehiclePosition, error) {
	if err := ctx.Err(); err != nil {
		return transit.VehiclePosition{}, err
	}
	pos, reason, err := i.check(r)
	if err != nil {
		if i.metrics != nil {
			i.metrics.PositionRejected(source, reason)
		}
		log.WithFields(log.Fields{"vehicle": r.VehicleID, "source": source}).Debugf("position rejected: %v", err)
		return transit.VehiclePosition{}, err
	}
	applied := i.sink.Apply(pos)
	if i.metrics != nil {
		if applied {
			i.metrics.PositionAccepted(source)
		} else {
			i.metrics.PositionRejected(source, "superseded")
		}
	}
	return pos, nil
}

func (i *Ingestor) check(r Report) (transit.VehiclePosition, string, error) {
	r.VehicleID = strings.TrimSpace(r.VehicleID)
	for _, f := range []struct {
		name string
		v    float64
	}{{"latitude", r.Lat}, {"longitude", r.Lon}, {"speed", r.SpeedKmh}, {"heading", r.Heading}, {"accuracy", r.Accuracy}} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return transit.VehiclePosition{}, f.name, fmt.Errorf("%s is not finite: %w", f.name, transit.ErrInvalidPosition)
		}
	}
	if err := i.validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			field := strings.ToLower(fe.Field())
			return transit.VehiclePosition{}, field, fmt.Errorf("%s failed %s=%s: %w", field, fe.Tag(), fe.Param(), transit.ErrInvalidPosition)
		}
		return transit.VehiclePosition{}, "invalid", fmt.Errorf("%v: %w", err, transit.ErrInvalidPosition)
	}

	now := i.now()
	ts := r.Timestamp
	if ts.IsZero() {
		ts = now
	}
	if ts.After(now.Add(i.skew)) {
		return transit.VehiclePosition{}, "future_timestamp", fmt.Errorf("timestamp %s is %s ahead: %w",
			ts.Format(time.RFC3339), ts.Sub(now).Round(time.Second), transit.ErrInvalidPosition)
	}

	return transit.VehiclePosition{
		VehicleID: r.VehicleID,
		Point:     transit.Point{Lat: r.Lat, Lon: r.Lon},
		SpeedKmh:  r.SpeedKmh,
		Heading:   r.Heading,
		Accuracy:  r.Accuracy,
		Timestamp: ts,
	}, "", nil
}
