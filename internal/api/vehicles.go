package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/ingest"
	"fleet-tracker/internal/session"
	"fleet-tracker/internal/transit"
)

// handlePostPosition accepts one report. The path ID wins over any ID in
// the body.
func (s *Server) handlePostPosition(c *gin.Context) {
	var r ingest.Report
	if err := c.ShouldBindJSON(&r); err != nil {
		writeDomainError(c, fmt.Errorf("decode report: %v: %w", err, transit.ErrInvalidPosition))
		return
	}
	r.VehicleID = c.Param("id")
	pos, err := s.deps.Ingest.Ingest(c.Request.Context(), Source, r)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, gin.H{"position": pos})
}

func (s *Server) handleGoOffline(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if !s.deps.Hub.Remove(id, fleet.ReasonOffline) {
		writeDomainError(c, fmt.Errorf("vehicle %q: %w", id, transit.ErrNotFound))
		return
	}
	c.Status(http.StatusNoContent)
}

type fleetResponse struct {
	Vehicles []session.VehicleView `json:"vehicles"`
	Count    int                   `json:"count"`
	At       time.Time             `json:"at"`
}

// handleFleet returns every live vehicle with its stale flag, optionally
// narrowed to one route.
func (s *Server) handleFleet(c *gin.Context) {
	routeID := c.Query("route")
	if routeID != "" {
		if _, err := s.deps.Routes.Get(routeID); err != nil {
			writeDomainError(c, err)
			return
		}
	}
	now := time.Now()
	resp := fleetResponse{Vehicles: []session.VehicleView{}, At: now}
	for _, e := range s.deps.Hub.Snapshot() {
		if routeID != "" && !s.servesRoute(e, routeID) {
			continue
		}
		resp.Vehicles = append(resp.Vehicles, session.VehicleView{Entry: e, Stale: e.Stale(now, s.deps.Hub.StaleAfter())})
	}
	resp.Count = len(resp.Vehicles)
	writeJSON(c, http.StatusOK, resp)
}

// servesRoute follows the current vehicle assignment, which may have moved
// on since the entry's last report.
func (s *Server) servesRoute(e fleet.Entry, routeID string) bool {
	return s.deps.Routes.VehicleServes(e.Position.VehicleID, routeID)
}
