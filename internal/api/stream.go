package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"fleet-tracker/internal/session"
	"fleet-tracker/internal/transit"
)

type snapshotEvent struct {
	Session string `json:"session"`
	session.Frame
	Nearest *transit.NearestStageResult `json:"nearestStage,omitempty"`
}

// handleStream opens a viewer session and relays it as Server-Sent Events:
// one snapshot, then update, remove and heartbeat events until the client
// goes away. route, lat and lon are optional.
func (s *Server) handleStream(c *gin.Context) {
	opts := session.Options{RouteID: c.Query("route")}
	p, ok, err := queryPoint(c)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	if ok {
		opts.Passenger = &p
	}

	ctx := c.Request.Context()
	sess, err := session.Open(ctx, s.sessionDeps(), opts)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	defer sess.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	snap := snapshotEvent{Session: sess.ID(), Frame: sess.Snapshot(ctx)}
	if n, ok := sess.Nearest(); ok {
		snap.Nearest = &n
	}
	c.SSEvent("snapshot", snap)
	c.Writer.Flush()

	for {
		f, err := sess.Next(ctx)
		if err != nil {
			log.WithFields(log.Fields{"session": sess.ID(), "trace_id": c.GetString("trace_id")}).Debugf("stream ended: %v", err)
			return
		}
		if len(f.Vehicles) > 0 {
			c.SSEvent("update", session.Frame{Vehicles: f.Vehicles, Status: f.Status, At: f.At})
		}
		if len(f.Removed) > 0 {
			c.SSEvent("remove", session.Frame{Removed: f.Removed, Status: f.Status, At: f.At})
		}
		if f.Heartbeat {
			c.SSEvent("heartbeat", session.Frame{Heartbeat: true, Status: f.Status, At: f.At})
		}
		c.Writer.Flush()
	}
}

func (s *Server) sessionDeps() session.Deps {
	return session.Deps{
		Hub:      s.deps.Hub,
		Routes:   s.deps.Routes,
		Progress: s.deps.Progress,
		ETA:      s.deps.ETA,
	}
}
