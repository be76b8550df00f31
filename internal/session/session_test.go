package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-tracker/internal/eta"
	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/progress"
	"fleet-tracker/internal/routeindex"
	"fleet-tracker/internal/routing"
	"fleet-tracker/internal/transit"
)

func pt(lat, lon float64) transit.Point { return transit.Point{Lat: lat, Lon: lon} }

func setup(t *testing.T, est *eta.Estimator) (Deps, *routeindex.Registry) {
	t.Helper()
	reg := routeindex.NewRegistry(nil)
	reg.Load([]transit.Route{
		{ID: "r1", Name: "A-C", Color: "blue", Stages: []transit.Stage{
			{ID: "A", Order: 1, Point: pt(0, 0)},
			{ID: "B", Order: 2, Point: pt(0, 1)},
			{ID: "C", Order: 3, Point: pt(0, 2)},
		}},
		{ID: "bad", Stages: []transit.Stage{{ID: "X", Order: 1, Point: pt(5, 5)}}},
	}, map[string][]string{"v1": {"r1"}})
	hub := fleet.NewHub(fleet.Config{Routes: reg})
	return Deps{Hub: hub, Routes: reg, Progress: progress.NewEstimator(0), ETA: est}, reg
}

func vp(id string, p transit.Point) transit.VehiclePosition {
	return transit.VehiclePosition{VehicleID: id, Point: p, SpeedKmh: 40, Timestamp: time.Now()}
}

func next(t *testing.T, s *Session) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f, err := s.Next(ctx)
	require.NoError(t, err)
	return f
}

func TestOpen_RouteErrors(t *testing.T) {
	deps, _ := setup(t, nil)
	_, err := Open(context.Background(), deps, Options{RouteID: "nope"})
	assert.True(t, errors.Is(err, transit.ErrNotFound))
	_, err = Open(context.Background(), deps, Options{RouteID: "bad"})
	assert.True(t, errors.Is(err, transit.ErrInvalidRoute))
	assert.Zero(t, deps.Hub.SubscriberCount())
}

func TestSession_RouteViewWithProgress(t *testing.T) {
	deps, _ := setup(t, nil)
	deps.Hub.Apply(vp("v1", pt(0, 1)))
	deps.Hub.Apply(vp("v2", pt(0, 1.5)))

	s, err := Open(context.Background(), deps, Options{RouteID: "r1"})
	require.NoError(t, err)
	defer s.Close()

	snap := s.Snapshot(context.Background())
	assert.Equal(t, fleet.StatusLive, snap.Status)
	require.Len(t, snap.Vehicles, 1)
	v := snap.Vehicles[0]
	assert.Equal(t, "v1", v.Position.VehicleID)
	require.NotNil(t, v.Progress)
	assert.InDelta(t, 50, v.Progress.Percent, 1e-6)
	assert.Equal(t, "C", v.Progress.NextStage.ID)
	assert.Nil(t, v.ETA)

	// other routes' vehicles are filtered out
	deps.Hub.Apply(vp("v2", pt(0, 1.6)))
	deps.Hub.Apply(vp("v1", pt(0, 1.5)))
	f := next(t, s)
	require.Len(t, f.Vehicles, 1)
	assert.InDelta(t, 75, f.Vehicles[0].Progress.Percent, 1e-6)

	deps.Hub.Remove("v2", fleet.ReasonOffline)
	deps.Hub.Remove("v1", fleet.ReasonOffline)
	f = next(t, s)
	assert.Equal(t, []Removal{{VehicleID: "v1", Reason: fleet.ReasonOffline}}, f.Removed)
}

func TestSession_PassengerNearestAndTier0OnProviderTimeout(t *testing.T) {
	prov := &routing.Static{Delay: time.Second}
	est := eta.NewEstimator(eta.Config{Provider: prov, Timeout: 10 * time.Millisecond, BatchInterval: time.Hour})
	deps, _ := setup(t, est)
	deps.Hub.Apply(vp("v1", pt(0, 0.5)))

	passenger := pt(0.001, 1.001)
	s, err := Open(context.Background(), deps, Options{Passenger: &passenger})
	require.NoError(t, err)
	defer s.Close()

	near, ok := s.Nearest()
	require.True(t, ok)
	assert.Equal(t, "B", near.Stage.ID)

	require.Eventually(t, func() bool { return prov.Calls() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond) // let the batch time out

	deps.Hub.Apply(vp("v1", pt(0, 0.6)))
	f := next(t, s)
	require.Len(t, f.Vehicles, 1)
	require.NotNil(t, f.Vehicles[0].ETA)
	assert.Equal(t, eta.TierStraightLine, f.Vehicles[0].ETA.Tier)
	assert.Greater(t, f.Vehicles[0].ETA.Duration, time.Duration(0))
	assert.Nil(t, f.Vehicles[0].Progress)
}

func TestSession_RoadEstimateFromBatcher(t *testing.T) {
	prov := &routing.Static{}
	prov.Set("v1", routing.Result{DistanceMeters: 4200, Duration: 9 * time.Minute})
	est := eta.NewEstimator(eta.Config{Provider: prov, BatchInterval: time.Hour})
	deps, _ := setup(t, est)
	deps.Hub.Apply(vp("v1", pt(0, 0.2)))

	passenger := pt(0, 1.0005)
	s, err := Open(context.Background(), deps, Options{RouteID: "r1", Passenger: &passenger})
	require.NoError(t, err)
	defer s.Close()

	stage := pt(0, 1)
	require.Eventually(t, func() bool {
		return est.ForVehicle(context.Background(), stage, "v1", pt(0, 0.2), 40).Tier == eta.TierRoad
	}, time.Second, time.Millisecond)

	deps.Hub.Apply(vp("v1", pt(0, 0.3)))
	f := next(t, s)
	require.Len(t, f.Vehicles, 1)
	v := f.Vehicles[0]
	require.NotNil(t, v.ETA)
	assert.Equal(t, eta.TierRoad, v.ETA.Tier)
	assert.Equal(t, 9*time.Minute, v.ETA.Duration)
	require.NotNil(t, v.Progress)
}

func TestSession_VehicleLeavingRouteIsRemoved(t *testing.T) {
	deps, reg := setup(t, nil)
	deps.Hub.Apply(vp("v1", pt(0, 0.5)))
	s, err := Open(context.Background(), deps, Options{RouteID: "r1"})
	require.NoError(t, err)
	defer s.Close()
	require.Len(t, s.Snapshot(context.Background()).Vehicles, 1)

	reg.Load(nil, nil)
	reg.Load([]transit.Route{{ID: "r1", Stages: []transit.Stage{
		{ID: "A", Order: 1, Point: pt(0, 0)},
		{ID: "C", Order: 2, Point: pt(0, 2)},
	}}}, map[string][]string{})
	deps.Hub.Apply(vp("v1", pt(0, 0.6)))
	f := next(t, s)
	assert.Empty(t, f.Vehicles)
	assert.Equal(t, []Removal{{VehicleID: "v1", Reason: "route"}}, f.Removed)
}

func TestSession_HeartbeatAndClose(t *testing.T) {
	deps, _ := setup(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	s, err := Open(ctx, deps, Options{})
	require.NoError(t, err)

	deps.Hub.Sweep(time.Now())
	f := next(t, s)
	assert.True(t, f.Heartbeat)
	assert.False(t, f.Empty())
	assert.True(t, Frame{}.Empty())

	s.Close()
	s.Close()
	cancel()
	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, fleet.ErrSubscriptionClosed)
	assert.Zero(t, deps.Hub.SubscriberCount())
	assert.Equal(t, fleet.StatusDisconnected, s.Status(time.Now()))
}
