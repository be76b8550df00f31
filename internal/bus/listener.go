package bus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"fleet-tracker/internal/ingest"
	"fleet-tracker/internal/transit"
)

const Source = "nats"

type Ingester interface {
	Ingest(ctx context.Context, source string, r ingest.Report) (transit.VehiclePosition, error)
}

// PositionListener feeds JSON reports published on subject into an
// Ingester. A report without a vehicle ID takes the last subject token.
type PositionListener struct {
	nc      *nats.Conn
	subject string
	ing     Ingester
}

func NewPositionListener(nc *nats.Conn, subject string, ing Ingester) *PositionListener {
	if subject == "" {
		subject = DefaultPositionsPrefix + ".*"
	}
	return &PositionListener{nc: nc, subject: subject, ing: ing}
}

// Run subscribes and blocks until ctx is done.
func (l *PositionListener) Run(ctx context.Context) error {
	sub, err := l.nc.Subscribe(l.subject, func(m *nats.Msg) { l.handle(ctx, m.Subject, m.Data) })
	if err != nil {
		return err
	}
	log.WithField("subject", l.subject).Info("listening for positions")
	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		log.WithError(err).Warn("nats unsubscribe")
	}
	return nil
}

func (l *PositionListener) handle(ctx context.Context, subject string, data []byte) {
	r, err := decodeReport(subject, data)
	if err != nil {
		log.WithFields(log.Fields{"subject": subject, "err": err}).Warn("undecodable position")
		return
	}
	if _, err := l.ing.Ingest(ctx, Source, r); err != nil {
		log.WithFields(log.Fields{"vehicle": r.VehicleID, "err": err}).Debug("position rejected")
	}
}

func decodeReport(subject string, data []byte) (ingest.Report, error) {
	var r ingest.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return r, err
	}
	if strings.TrimSpace(r.VehicleID) == "" {
		if i := strings.LastIndexByte(subject, '.'); i >= 0 && i < len(subject)-1 {
			r.VehicleID = subject[i+1:]
		}
	}
	return r, nil
}
