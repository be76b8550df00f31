package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// EventHandler consumes batches of fleet events outside the hub, e.g. an
// outbound bus or a shared store.
type EventHandler interface {
	HandleEvents(ctx context.Context, evs []Event) error
}

// Forward subscribes handler to the hub until ctx is done. The current
// fleet is replayed first as update events. Handler errors are logged and
// do not stop forwarding.
func (h *Hub) Forward(ctx context.Context, name string, handler EventHandler) error {
	sub := h.Subscribe(ctx)
	defer sub.Close()

	if snap := sub.Snapshot(); len(snap) > 0 {
		evs := make([]Event, len(snap))
		for i := range snap {
			evs[i] = Event{Kind: EventUpdate, VehicleID: snap[i].Position.VehicleID, Entry: &snap[i], At: snap[i].ReceivedAt}
		}
		if err := handler.HandleEvents(ctx, evs); err != nil {
			log.WithField("sink", name).Warnf("forward snapshot: %v", err)
		}
	}
	for {
		evs, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("forward %s: %w", name, err)
		}
		if err := handler.HandleEvents(ctx, evs); err != nil {
			log.WithField("sink", name).Warnf("forward events: %v", err)
		}
	}
}

const (
	DefaultGeoKey      = "fleet:vehicles"
	vehicleKeyTemplate = "fleet:vehicle:%s"
)

// GeoMirror copies the live fleet into a Redis GEO set plus one JSON key
// per vehicle so other services can run radius queries without talking to
// this process.
type GeoMirror struct {
	redis    *redis.Client
	key      string
	entryTTL time.Duration
}

func NewGeoMirror(client *redis.Client, key string, entryTTL time.Duration) *GeoMirror {
	if key == "" {
		key = DefaultGeoKey
	}
	return &GeoMirror{redis: client, key: key, entryTTL: entryTTL}
}

func vehicleKey(id string) string { return fmt.Sprintf(vehicleKeyTemplate, id) }

func (m *GeoMirror) HandleEvents(ctx context.Context, evs []Event) error {
	pipe := m.redis.Pipeline()
	n := 0
	for _, ev := range evs {
		switch ev.Kind {
		case EventUpdate:
			if ev.Entry == nil {
				continue
			}
			b, err := json.Marshal(ev.Entry)
			if err != nil {
				return fmt.Errorf("encode entry %s: %w", ev.VehicleID, err)
			}
			pipe.GeoAdd(ctx, m.key, &redis.GeoLocation{
				Name:      ev.VehicleID,
				Longitude: ev.Entry.Position.Point.Lon,
				Latitude:  ev.Entry.Position.Point.Lat,
			})
			pipe.Set(ctx, vehicleKey(ev.VehicleID), b, m.entryTTL)
			n++
		case EventRemove:
			pipe.ZRem(ctx, m.key, ev.VehicleID)
			pipe.Del(ctx, vehicleKey(ev.VehicleID))
			n++
		}
	}
	if n == 0 {
		return nil
	}
	_, err := pipe.Exec(ctx)
	return err
}
