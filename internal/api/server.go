// Package api is the HTTP edge of the tracker: position ingestion, fleet
// snapshots, the Server-Sent Events stream and passenger queries.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"fleet-tracker/internal/eta"
	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/ingest"
	"fleet-tracker/internal/progress"
	"fleet-tracker/internal/session"
	"fleet-tracker/internal/transit"
)

const Source = "http"

type Ingester interface {
	Ingest(ctx context.Context, source string, r ingest.Report) (transit.VehiclePosition, error)
}

// Routes is the route registry as the HTTP edge reads it.
type Routes interface {
	session.Routes
	VehicleServes(vehicleID, routeID string) bool
	LoadedAt() time.Time
}

type Deps struct {
	Hub      *fleet.Hub
	Ingest   Ingester
	Routes   Routes
	Progress *progress.Estimator
	ETA      *eta.Estimator // nil serves straight-line estimates only
	Metrics  http.Handler   // mounted at /metrics when set
}

type Server struct {
	deps   Deps
	engine *gin.Engine
}

func NewServer(deps Deps) *Server {
	s := &Server{deps: deps}
	s.engine = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), TraceID(), RequestLogger())

	r.GET("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	api := r.Group("/api")
	api.POST("/vehicles/:id/positions", s.handlePostPosition)
	api.DELETE("/vehicles/:id/live", s.handleGoOffline)
	api.GET("/fleet", s.handleFleet)
	api.GET("/fleet/stream", s.handleStream)
	api.GET("/stages/nearest", s.handleNearestStage)
	api.GET("/routes/:id/progress", s.handleProgress)
	api.GET("/routes/:id/eta", s.handleETA)
	return r
}

// Run serves on addr until ctx is done. Request contexts derive from ctx,
// so open streams end when it is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("http listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status":       "ok",
		"liveVehicles": s.deps.Hub.Len(),
		"subscribers":  s.deps.Hub.SubscriberCount(),
	}
	if last := s.deps.Hub.LastReport(); !last.IsZero() {
		resp["lastReport"] = last
	}
	if loaded := s.deps.Routes.LoadedAt(); !loaded.IsZero() {
		resp["routesLoadedAt"] = loaded
	}
	writeJSON(c, http.StatusOK, resp)
}
