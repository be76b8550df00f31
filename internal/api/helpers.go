package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"fleet-tracker/internal/transit"
)

type errorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"traceId,omitempty"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg, TraceID: c.GetString("trace_id")})
}

// writeDomainError maps the transit sentinels onto status codes.
func writeDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, transit.ErrInvalidPosition):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, transit.ErrInvalidRoute):
		writeError(c, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, transit.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	default:
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

// queryPoint reads lat and lon. present is false when both are absent;
// one without the other, or an out-of-range value, is an error.
func queryPoint(c *gin.Context) (p transit.Point, present bool, err error) {
	latS, hasLat := c.GetQuery("lat")
	lonS, hasLon := c.GetQuery("lon")
	if !hasLat && !hasLon {
		return transit.Point{}, false, nil
	}
	if !hasLat || !hasLon {
		return transit.Point{}, false, fmt.Errorf("lat and lon must be given together: %w", transit.ErrInvalidPosition)
	}
	lat, ok := parseCoord(latS, 90)
	if !ok {
		return transit.Point{}, false, fmt.Errorf("lat %q out of range: %w", latS, transit.ErrInvalidPosition)
	}
	lon, ok := parseCoord(lonS, 180)
	if !ok {
		return transit.Point{}, false, fmt.Errorf("lon %q out of range: %w", lonS, transit.ErrInvalidPosition)
	}
	return transit.Point{Lat: lat, Lon: lon}, true, nil
}

func parseCoord(s string, limit float64) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || v < -limit || v > limit {
		return 0, false
	}
	return v, true
}
