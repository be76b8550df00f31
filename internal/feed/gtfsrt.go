// Package feed polls a GTFS-Realtime VehiclePositions feed and hands each
// vehicle's position to the ingestor.
package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	log "github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"

	"fleet-tracker/internal/ingest"
	"fleet-tracker/internal/transit"
)

const (
	Source          = "gtfsrt"
	DefaultInterval = 15 * time.Second
	maxFeedBytes    = 32 << 20
)

type Ingester interface {
	Ingest(ctx context.Context, source string, r ingest.Report) (transit.VehiclePosition, error)
}

// Poller fetches the feed on an interval. Entities whose timestamp has not
// moved since the previous poll are skipped.
type Poller struct {
	url      string
	client   *http.Client
	interval time.Duration
	ing      Ingester

	lastSeen map[string]uint64 // vehicleID -> feed timestamp
}

func NewPoller(url string, interval time.Duration, ing Ingester, client *http.Client) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Poller{url: url, client: client, interval: interval, ing: ing, lastSeen: make(map[string]uint64)}
}

// Run polls until ctx is done. Poll errors are logged and retried on the
// next tick.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if accepted, rejected, err := p.Poll(ctx); err != nil {
			log.WithError(err).Warn("gtfs-rt poll failed")
		} else {
			log.WithFields(log.Fields{"accepted": accepted, "rejected": rejected}).Debug("gtfs-rt poll")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll fetches the feed once and ingests every changed vehicle position.
func (p *Poller) Poll(ctx context.Context) (accepted, rejected int, err error) {
	fm, err := p.fetch(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, r := range Reports(fm) {
		var ts uint64
		if !r.Timestamp.IsZero() {
			ts = uint64(r.Timestamp.Unix())
		}
		if prev, ok := p.lastSeen[r.VehicleID]; ok && ts != 0 && prev == ts {
			continue
		}
		if _, err := p.ing.Ingest(ctx, Source, r); err != nil {
			rejected++
			continue
		}
		p.lastSeen[r.VehicleID] = ts
		accepted++
	}
	return accepted, rejected, nil
}

func (p *Poller) fetch(ctx context.Context) (*gtfsrtpb.FeedMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gtfs-rt feed: status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, err
	}
	var fm gtfsrtpb.FeedMessage
	if err := proto.Unmarshal(b, &fm); err != nil {
		return nil, fmt.Errorf("decode gtfs-rt feed: %w", err)
	}
	return &fm, nil
}

// Reports converts every vehicle entity carrying a position. The vehicle
// ID is the descriptor id, then its label, then the entity id. Speed is
// converted from m/s to km/h and a missing timestamp falls back to the
// feed header's.
func Reports(fm *gtfsrtpb.FeedMessage) []ingest.Report {
	if fm == nil {
		return nil
	}
	headerTS := fm.GetHeader().GetTimestamp()
	out := make([]ingest.Report, 0, len(fm.GetEntity()))
	for _, e := range fm.GetEntity() {
		if e.GetIsDeleted() {
			continue
		}
		vp := e.GetVehicle()
		if vp == nil || vp.GetPosition() == nil {
			continue
		}
		id := vp.GetVehicle().GetId()
		if id == "" {
			id = vp.GetVehicle().GetLabel()
		}
		if id == "" {
			id = e.GetId()
		}
		pos := vp.GetPosition()
		r := ingest.Report{
			VehicleID: id,
			Lat:       float64(pos.GetLatitude()),
			Lon:       float64(pos.GetLongitude()),
			SpeedKmh:  float64(pos.GetSpeed()) * 3.6,
			Heading:   float64(pos.GetBearing()),
		}
		ts := vp.GetTimestamp()
		if ts == 0 {
			ts = headerTS
		}
		if ts != 0 {
			r.Timestamp = time.Unix(int64(ts), 0).UTC()
		}
		out = append(out, r)
	}
	return out
}
