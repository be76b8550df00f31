package nearest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-tracker/internal/transit"
)

func st(id string, lat, lon float64) transit.Stage {
	return transit.Stage{ID: id, Point: transit.Point{Lat: lat, Lon: lon}}
}

func TestNearest_Empty(t *testing.T) {
	_, ok := NewLinear(nil).Nearest(transit.Point{Lat: 1, Lon: 1})
	assert.False(t, ok)
}

func TestNearest_Singleton(t *testing.T) {
	f := NewLinear([]transit.Stage{st("only", -1.2921, 36.8219)})
	for _, q := range []transit.Point{{Lat: 0, Lon: 0}, {Lat: -1.3, Lon: 36.8}, {Lat: 45, Lon: -120}} {
		res, ok := f.Nearest(q)
		require.True(t, ok)
		assert.Equal(t, "only", res.Stage.ID)
	}
}

func TestNearest_PicksClosestWithWalkingAndDirection(t *testing.T) {
	f := NewLinear([]transit.Stage{
		st("far", 0, 0.1),
		st("near", 0.009, 0), // ~1000 m north
		st("mid", 0, -0.05),
	})
	res, ok := f.Nearest(transit.Point{})
	require.True(t, ok)
	assert.Equal(t, "near", res.Stage.ID)
	assert.InDelta(t, 1000.8, res.DistanceMeters, 1)
	assert.Equal(t, 13, res.WalkingMinutes)
	assert.InDelta(t, 0, res.Bearing, 1e-6)
	assert.Equal(t, transit.North, res.Direction)
}

func TestNearest_TieKeepsFirst(t *testing.T) {
	f := NewLinear([]transit.Stage{st("east", 0, 0.01), st("west", 0, -0.01)})
	res, ok := f.Nearest(transit.Point{})
	require.True(t, ok)
	assert.Equal(t, "east", res.Stage.ID)
	assert.Equal(t, transit.East, res.Direction)
}
