package riskmap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lifeline-app/lifeline/internal/config"
	"github.com/lifeline-app/lifeline/internal/model"
	"github.com/lifeline-app/lifeline/internal/store"
)

func testService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "risk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return NewService(st, config.RiskConfig{DefaultRadiusMeters: 1000, LookbackDays: 180}), st
}

var downtown = model.LatLng{Lat: 37.7749, Lng: -122.4194}

func seedIncident(t *testing.T, st store.Store, loc model.LatLng, severity int, age time.Duration) {
	t.Helper()
	require.NoError(t, st.InsertIncident(context.Background(), model.Incident{
		ID: uuid.NewString(), Location: loc, Type: "harassment",
		Severity: severity, OccurredAt: time.Now().UTC().Add(-age), Source: "test",
	}))
}

func TestAnalyze_NoIncidentsIsLowRisk(t *testing.T) {
	s, _ := testService(t)

	a, err := s.Analyze(context.Background(), downtown, 0)
	require.NoError(t, err)
	assert.Equal(t, "low", a.RiskLevel)
	assert.Zero(t, a.RiskScore)
	assert.Zero(t, a.IncidentCount)
	assert.NotEmpty(t, a.Recommendations)
	assert.Equal(t, 1000.0, a.RadiusMeters, "default radius applied")
}

func TestAnalyze_NearbyIncidentsRaiseScore(t *testing.T) {
	s, st := testService(t)

	// Five fresh severe incidents right at the query point.
	for i := 0; i < 5; i++ {
		seedIncident(t, st, downtown, 5, time.Hour)
	}
	// One far outside the radius; must not count.
	seedIncident(t, st, model.LatLng{Lat: 37.9, Lng: -122.4194}, 5, time.Hour)

	a, err := s.Analyze(context.Background(), downtown, 500)
	require.NoError(t, err)
	assert.Equal(t, 5, a.IncidentCount)
	assert.InDelta(t, 1.0, a.RiskScore, 0.05)
	assert.Equal(t, "high", a.RiskLevel)
	assert.Len(t, a.RecentIncidents, 3, "capped at three")
}

func TestAnalyze_OldIncidentsDecay(t *testing.T) {
	s, st := testService(t)

	seedIncident(t, st, downtown, 5, time.Hour)
	seedIncident(t, st, downtown, 5, 150*24*time.Hour)

	a, err := s.Analyze(context.Background(), downtown, 500)
	require.NoError(t, err)
	require.Equal(t, 2, a.IncidentCount)
	// Fresh incident ~0.2, 150-day-old one decayed to ~0.006.
	assert.Less(t, a.RiskScore, 0.25)
	assert.Equal(t, "low", a.RiskLevel)
}

func TestRecordAlertIncident(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()

	alert := model.Alert{
		ID: "a1", UserID: "u1", Location: &downtown,
		Kind: model.SignalManual, Confidence: 1,
		Status: model.AlertEscalated, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.RecordAlertIncident(ctx, alert))

	a, err := s.Analyze(ctx, downtown, 500)
	require.NoError(t, err)
	assert.Equal(t, 1, a.IncidentCount)
	assert.Equal(t, "manual", a.RecentIncidents[0].Type)
	assert.Equal(t, 5, a.RecentIncidents[0].Severity)

	// No location: nothing recorded, no error.
	require.NoError(t, s.RecordAlertIncident(ctx, model.Alert{ID: "a2", Kind: model.SignalShake}))
}

func TestIncidentWeight(t *testing.T) {
	now := time.Now().UTC()

	fresh := model.Incident{Severity: 5, OccurredAt: now}
	assert.InDelta(t, 0.2, incidentWeight(fresh, now), 1e-9)

	halved := model.Incident{Severity: 5, OccurredAt: now.Add(-30 * 24 * time.Hour)}
	assert.InDelta(t, 0.1, incidentWeight(halved, now), 1e-3)

	mild := model.Incident{Severity: 1, OccurredAt: now}
	assert.InDelta(t, 0.04, incidentWeight(mild, now), 1e-9)
}

func TestHaversineMeters(t *testing.T) {
	// One degree of latitude is about 111km.
	d := haversineMeters(model.LatLng{Lat: 37, Lng: -122}, model.LatLng{Lat: 38, Lng: -122})
	assert.InDelta(t, 111195, d, 500)

	assert.Zero(t, haversineMeters(downtown, downtown))
}
