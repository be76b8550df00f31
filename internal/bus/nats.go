// Package bus carries positions and fleet events over NATS.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/ingest"
	"fleet-tracker/internal/transit"
)

const (
	DefaultFleetPrefix     = "fleet"
	DefaultPositionsPrefix = "positions"
)

type Metrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

// Connect dials url and keeps the connected gauge in step with the
// connection state.
func Connect(url, name string, m Metrics) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return nc, nil
}

// Close drains nc so in-flight publishes and handlers finish.
func Close(nc *nats.Conn) {
	if nc != nil {
		if err := nc.Drain(); err != nil {
			log.WithError(err).Warn("nats drain")
		}
		nc.Close()
	}
}

// FleetMessage is the wire form of a fleet event.
type FleetMessage struct {
	Kind      fleet.EventKind          `json:"kind"`
	VehicleID string                   `json:"vehicleId"`
	Position  *transit.VehiclePosition `json:"position,omitempty"`
	Routes    []transit.RouteRef       `json:"routes,omitempty"`
	Reason    string                   `json:"reason,omitempty"`
	At        time.Time                `json:"at"`
}

func messageFor(ev fleet.Event) FleetMessage {
	m := FleetMessage{Kind: ev.Kind, VehicleID: ev.VehicleID, Reason: ev.Reason, At: ev.At}
	if ev.Entry != nil {
		p := ev.Entry.Position
		m.Position = &p
		m.Routes = ev.Entry.Routes
	}
	return m
}

// FleetPublisher mirrors hub events to <prefix>.<vehicle>. Heartbeats are
// not published.
type FleetPublisher struct {
	nc          *nats.Conn
	prefix      string
	logSubjects bool
	metrics     Metrics
}

func NewFleetPublisher(nc *nats.Conn, prefix string, logSubjects bool, m Metrics) *FleetPublisher {
	if prefix == "" {
		prefix = DefaultFleetPrefix
	}
	return &FleetPublisher{nc: nc, prefix: prefix, logSubjects: logSubjects, metrics: m}
}

func (p *FleetPublisher) subject(vehicleID string) string {
	return fmt.Sprintf("%s.%s", p.prefix, subjectToken(vehicleID))
}

func (p *FleetPublisher) HandleEvents(_ context.Context, evs []fleet.Event) error {
	var firstErr error
	for _, ev := range evs {
		if ev.Kind == fleet.EventHeartbeat {
			continue
		}
		if err := p.publish(p.subject(ev.VehicleID), messageFor(ev)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *FleetPublisher) publish(subject string, msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Debugf("nats publish subject=%s", subject)
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

// PositionSink publishes device reports to <prefix>.<vehicle>.
type PositionSink struct {
	pub    *FleetPublisher
	prefix string
}

func NewPositionSink(nc *nats.Conn, prefix string, logSubjects bool, m Metrics) *PositionSink {
	if prefix == "" {
		prefix = DefaultPositionsPrefix
	}
	return &PositionSink{pub: &FleetPublisher{nc: nc, logSubjects: logSubjects, metrics: m}, prefix: prefix}
}

func (s *PositionSink) Send(ctx context.Context, r ingest.Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.pub.publish(fmt.Sprintf("%s.%s", s.prefix, subjectToken(r.VehicleID)), r)
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
