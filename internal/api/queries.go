package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"fleet-tracker/internal/eta"
	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/geo"
	"fleet-tracker/internal/nearest"
	"fleet-tracker/internal/transit"
)

// requirePoint is queryPoint with both coordinates mandatory.
func requirePoint(c *gin.Context) (transit.Point, bool) {
	p, ok, err := queryPoint(c)
	if err == nil && !ok {
		err = fmt.Errorf("lat and lon are required: %w", transit.ErrInvalidPosition)
	}
	if err != nil {
		writeDomainError(c, err)
		return transit.Point{}, false
	}
	return p, true
}

// passengerStages are the route's boarding stages, or every route's when
// routeID is empty.
func (s *Server) passengerStages(routeID string) ([]transit.Stage, error) {
	if routeID == "" {
		return s.deps.Routes.AllPassengerStages(), nil
	}
	idx, err := s.deps.Routes.Get(routeID)
	if err != nil {
		return nil, err
	}
	return idx.PassengerStages(), nil
}

func (s *Server) handleNearestStage(c *gin.Context) {
	p, ok := requirePoint(c)
	if !ok {
		return
	}
	stages, err := s.passengerStages(c.Query("route"))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	res, ok := nearest.NewLinear(stages).Nearest(p)
	if !ok {
		writeDomainError(c, fmt.Errorf("no stages: %w", transit.ErrNotFound))
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (s *Server) vehicle(c *gin.Context) (fleet.Entry, bool) {
	id := c.Query("vehicle")
	if id == "" {
		writeError(c, http.StatusBadRequest, "vehicle is required")
		return fleet.Entry{}, false
	}
	e, ok := s.deps.Hub.Get(id)
	if !ok {
		writeDomainError(c, fmt.Errorf("vehicle %q: %w", id, transit.ErrNotFound))
		return fleet.Entry{}, false
	}
	return e, true
}

type progressResponse struct {
	VehicleID string                 `json:"vehicleId"`
	Stale     bool                   `json:"stale"`
	Progress  transit.ProgressResult `json:"progress"`
}

func (s *Server) handleProgress(c *gin.Context) {
	idx, err := s.deps.Routes.Get(c.Param("id"))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	e, ok := s.vehicle(c)
	if !ok {
		return
	}
	res, err := s.deps.Progress.Estimate(idx, e.Position.Point, e.Position.SpeedKmh)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, progressResponse{
		VehicleID: e.Position.VehicleID,
		Stale:     e.Stale(time.Now(), s.deps.Hub.StaleAfter()),
		Progress:  res,
	})
}

type vehicleETA struct {
	VehicleID string       `json:"vehicleId"`
	Stale     bool         `json:"stale"`
	ETA       eta.Estimate `json:"eta"`
}

type etaResponse struct {
	Stage     transit.NearestStageResult `json:"stage"`
	Estimates []vehicleETA               `json:"estimates"`
}

// handleETA estimates arrival at the passenger's nearest stage on the
// route, for one vehicle or every live vehicle serving the route.
func (s *Server) handleETA(c *gin.Context) {
	routeID := c.Param("id")
	stages, err := s.passengerStages(routeID)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	p, ok := requirePoint(c)
	if !ok {
		return
	}
	stage, ok := nearest.NewLinear(stages).Nearest(p)
	if !ok {
		writeDomainError(c, fmt.Errorf("route %q has no passenger stages: %w", routeID, transit.ErrInvalidRoute))
		return
	}

	var entries []fleet.Entry
	if c.Query("vehicle") != "" {
		e, ok := s.vehicle(c)
		if !ok {
			return
		}
		entries = []fleet.Entry{e}
	} else {
		for _, e := range s.deps.Hub.Snapshot() {
			if s.servesRoute(e, routeID) {
				entries = append(entries, e)
			}
		}
	}

	now := time.Now()
	resp := etaResponse{Stage: stage, Estimates: []vehicleETA{}}
	for _, e := range entries {
		resp.Estimates = append(resp.Estimates, vehicleETA{
			VehicleID: e.Position.VehicleID,
			Stale:     e.Stale(now, s.deps.Hub.StaleAfter()),
			ETA:       s.estimate(c.Request.Context(), stage.Stage.Point, e.Position),
		})
	}
	writeJSON(c, http.StatusOK, resp)
}

func (s *Server) estimate(ctx context.Context, dest transit.Point, pos transit.VehiclePosition) eta.Estimate {
	if s.deps.ETA == nil {
		return eta.Tier0(geo.Distance(pos.Point, dest), pos.SpeedKmh)
	}
	return s.deps.ETA.ForVehicle(ctx, dest, pos.VehicleID, pos.Point, pos.SpeedKmh)
}
