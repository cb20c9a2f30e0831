package route

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lifeline-app/lifeline/internal/config"
	"github.com/lifeline-app/lifeline/internal/model"
	"github.com/lifeline-app/lifeline/internal/store"
)

type reportSink struct {
	mu      sync.Mutex
	reports []model.SignalReport
}

func (s *reportSink) add(r model.SignalReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
}

func (s *reportSink) all() []model.SignalReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.SignalReport(nil), s.reports...)
}

func testMonitor(t *testing.T) (*Monitor, store.Store, *reportSink) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "route.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	sink := &reportSink{}
	m := NewMonitor(config.RouteConfig{
		CorridorRadiusMeters: 150,
		StallSecs:            300,
		ConfirmTimeoutSecs:   60,
	}, st, sink.add)
	m.confirmTimeout = 60 * time.Millisecond
	m.stallTimeout = 10 * time.Second
	t.Cleanup(m.Shutdown)
	return m, st, sink
}

// A north-running path in San Francisco.
var testPath = []model.LatLng{
	{Lat: 37.7749, Lng: -122.4194},
	{Lat: 37.7849, Lng: -122.4194},
}

// onPath is roughly the midpoint of testPath.
var onPath = model.LatLng{Lat: 37.7799, Lng: -122.4194}

// offPath500m is about 500m east of the path.
var offPath500m = model.LatLng{Lat: 37.7799, Lng: -122.41372}

func TestStart_Validation(t *testing.T) {
	m, _, _ := testMonitor(t)
	ctx := context.Background()
	future := time.Now().Add(time.Hour)

	_, err := m.Start(ctx, "", testPath, future)
	assert.Error(t, err)

	_, err = m.Start(ctx, "u1", testPath[:1], future)
	assert.Error(t, err)

	_, err = m.Start(ctx, "u1", testPath, time.Now().Add(-time.Minute))
	assert.Error(t, err)

	_, err = m.Start(ctx, "u1", testPath, future)
	require.NoError(t, err)

	// Second active track for the same user is rejected.
	_, err = m.Start(ctx, "u1", testPath, future)
	assert.True(t, eris.Is(err, store.ErrActiveTrackExists))
}

func TestUpdateLocation_InsideCorridor(t *testing.T) {
	m, _, sink := testMonitor(t)
	ctx := context.Background()

	track, err := m.Start(ctx, "u1", testPath, time.Now().Add(time.Hour))
	require.NoError(t, err)

	prompt, err := m.UpdateLocation(ctx, track.ID, onPath)
	require.NoError(t, err)
	assert.Nil(t, prompt)
	assert.Empty(t, sink.all())
}

func TestDeviation_TimeoutEscalates(t *testing.T) {
	m, st, sink := testMonitor(t)
	ctx := context.Background()

	track, err := m.Start(ctx, "u1", testPath, time.Now().Add(time.Hour))
	require.NoError(t, err)

	prompt, err := m.UpdateLocation(ctx, track.ID, offPath500m)
	require.NoError(t, err)
	require.NotNil(t, prompt)
	assert.Greater(t, prompt.DistanceMeters, 400.0)
	assert.Less(t, prompt.DistanceMeters, 600.0)

	got, err := st.GetRouteTrack(ctx, track.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TrackAwaiting, got.State)

	// No response: the confirmation timer escalates.
	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 5*time.Millisecond)

	report := sink.all()[0]
	assert.Equal(t, model.SignalRouteDeviation, report.Kind)
	assert.Equal(t, 1.0, report.Confidence)
	assert.Equal(t, "u1", report.UserID)
	require.NotNil(t, report.Payload.RouteDeviation)
	assert.Equal(t, track.ID, report.Payload.RouteDeviation.TrackID)

	got, err = st.GetRouteTrack(ctx, track.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TrackEscalated, got.State)

	// A late response has no effect.
	require.NoError(t, m.Respond(ctx, track.ID, true))
	got, err = st.GetRouteTrack(ctx, track.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TrackEscalated, got.State)
	assert.Len(t, sink.all(), 1)
}

func TestDeviation_SafeResponseResumesTracking(t *testing.T) {
	m, st, sink := testMonitor(t)
	ctx := context.Background()

	track, err := m.Start(ctx, "u1", testPath, time.Now().Add(time.Hour))
	require.NoError(t, err)

	prompt, err := m.UpdateLocation(ctx, track.ID, offPath500m)
	require.NoError(t, err)
	require.NotNil(t, prompt)

	require.NoError(t, m.Respond(ctx, track.ID, true))

	got, err := st.GetRouteTrack(ctx, track.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TrackTracking, got.State)

	// The canceled timer must not fire later.
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, sink.all())

	// A fresh deviation can start a new confirmation round.
	prompt, err = m.UpdateLocation(ctx, track.ID, offPath500m)
	require.NoError(t, err)
	assert.NotNil(t, prompt)
}

func TestDeviation_UnsafeResponseEscalatesImmediately(t *testing.T) {
	m, st, sink := testMonitor(t)
	ctx := context.Background()

	track, err := m.Start(ctx, "u1", testPath, time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = m.UpdateLocation(ctx, track.ID, offPath500m)
	require.NoError(t, err)

	require.NoError(t, m.Respond(ctx, track.ID, false))

	require.Len(t, sink.all(), 1)
	got, err := st.GetRouteTrack(ctx, track.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TrackEscalated, got.State)
}

func TestStall_PromptsConfirmation(t *testing.T) {
	m, st, _ := testMonitor(t)
	m.stallTimeout = 50 * time.Millisecond
	m.confirmTimeout = 10 * time.Second
	ctx := context.Background()

	track, err := m.Start(ctx, "u1", testPath, time.Now().Add(time.Hour))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := st.GetRouteTrack(ctx, track.ID)
		return err == nil && got.State == model.TrackAwaiting
	}, time.Second, 5*time.Millisecond)
}

func TestExpire_ClosesTrackingTrack(t *testing.T) {
	m, st, sink := testMonitor(t)
	ctx := context.Background()

	track, err := m.Start(ctx, "u1", testPath, time.Now().Add(60*time.Millisecond))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := st.GetRouteTrack(ctx, track.ID)
		return err == nil && got.State == model.TrackClosed
	}, time.Second, 5*time.Millisecond)

	got, err := st.GetRouteTrack(ctx, track.ID)
	require.NoError(t, err)
	assert.Equal(t, "expired", got.Note)
	assert.Empty(t, sink.all())
	assert.False(t, m.Tracked(track.ID))
}

func TestStop_ResolvesSafeAndCancels(t *testing.T) {
	m, st, sink := testMonitor(t)
	ctx := context.Background()

	track, err := m.Start(ctx, "u1", testPath, time.Now().Add(time.Hour))
	require.NoError(t, err)

	// Pending deviation is discarded by an explicit stop.
	_, err = m.UpdateLocation(ctx, track.ID, offPath500m)
	require.NoError(t, err)

	require.NoError(t, m.Stop(ctx, track.ID))

	// An explicit user stop resolves safe; CLOSED is reserved for expiry
	// and cleanup.
	got, err := st.GetRouteTrack(ctx, track.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TrackResolvedSafe, got.State)
	assert.Equal(t, "stopped by user", got.Note)
	assert.False(t, m.Tracked(track.ID))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, sink.all(), "canceled confirmation timer never escalates")

	_, err = m.UpdateLocation(ctx, track.ID, onPath)
	assert.True(t, eris.Is(err, ErrTrackNotActive))
}

func TestCorridorDistance(t *testing.T) {
	// Point on the path.
	assert.InDelta(t, 0, corridorDistance(testPath, onPath), 1)

	// ~500m east of the path.
	d := corridorDistance(testPath, offPath500m)
	assert.Greater(t, d, 400.0)
	assert.Less(t, d, 600.0)

	// Single-waypoint path degenerates to point distance.
	d = corridorDistance(testPath[:1], offPath500m)
	assert.Greater(t, d, 400.0)
}
