package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lifeline-app/lifeline/internal/config"
	"github.com/lifeline-app/lifeline/internal/model"
	"github.com/lifeline-app/lifeline/internal/notify"
	"github.com/lifeline-app/lifeline/internal/store"
)

// ackingNotifier acknowledges every delivery as soon as it arrives.
type ackingNotifier struct {
	mu     sync.Mutex
	sends  []notify.AlertSummary
	engine *Engine
	ack    bool
}

func (n *ackingNotifier) Channel() string { return "test" }

func (n *ackingNotifier) Send(_ context.Context, _ model.Contact, s notify.AlertSummary) error {
	n.mu.Lock()
	n.sends = append(n.sends, s)
	ack := n.ack
	n.mu.Unlock()
	if ack {
		return n.engine.Acknowledge(context.Background(), s.AttemptID)
	}
	return nil
}

func (n *ackingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sends)
}

func testConfig() *config.Config {
	return &config.Config{
		Trigger: config.TriggerConfig{
			VoiceThreshold:    0.6,
			DistressGestures:  []string{"help_gesture"},
			ShakeMinRun:       3,
			ShakeIntensity:    0.7,
			ShakeWindowMillis: 3000,
		},
		Dedupe: config.DedupeConfig{CooldownSecs: 120},
		Route: config.RouteConfig{
			CorridorRadiusMeters: 150,
			StallSecs:            300,
			ConfirmTimeoutSecs:   60,
		},
		Dispatch: config.DispatchConfig{
			AckTimeoutSecs:    1,
			SendMaxAttempts:   3,
			SendBackoffMillis: 1,
			SweepIntervalSecs: 60,
		},
		Notify: config.NotifyConfig{CircuitFailure: 5},
	}
}

func newTestEngine(t *testing.T) (*Engine, store.Store, *ackingNotifier) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	n := &ackingNotifier{}
	e := New(testConfig(), st, n)
	n.engine = e
	t.Cleanup(e.Shutdown)
	return e, st, n
}

func manualReport(userID string) model.SignalReport {
	return model.SignalReport{
		ID:         uuid.NewString(),
		UserID:     userID,
		Kind:       model.SignalManual,
		Confidence: 1.0,
		OccurredAt: time.Now().UTC(),
	}
}

func addContact(t *testing.T, e *Engine, userID string, tier int) model.Contact {
	t.Helper()
	c, _, err := e.AddContact(context.Background(), model.Contact{
		UserID: userID, Name: "Ana", Phone: "+15550101", Relation: "sister", PriorityTier: tier,
	})
	require.NoError(t, err)
	return c
}

func TestReportSignal_ManualAlwaysTriggers(t *testing.T) {
	e, st, n := newTestEngine(t)
	n.ack = true
	addContact(t, e, "u1", 1)

	decision, err := e.ReportSignal(context.Background(), manualReport("u1"))
	require.NoError(t, err)
	assert.True(t, decision.Triggered)
	require.NotEmpty(t, decision.AlertID)

	require.Eventually(t, func() bool {
		a, err := st.GetAlert(context.Background(), decision.AlertID)
		return err == nil && a.Status == model.AlertAcknowledged
	}, 3*time.Second, 10*time.Millisecond)
}

func TestReportSignal_CooldownCollapsesTriggers(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := e.ReportSignal(ctx, manualReport("u1"))
	require.True(t, eris.Is(err, ErrContactDirectoryEmpty))
	require.NotEmpty(t, first.AlertID)

	second, err := e.ReportSignal(ctx, manualReport("u1"))
	require.NoError(t, err)
	assert.True(t, second.Suppressed)
	assert.Equal(t, first.AlertID, second.AlertID)

	sups, err := st.ListSuppressedTriggers(ctx, first.AlertID)
	require.NoError(t, err)
	assert.Len(t, sups, 1, "suppressed trigger recorded for audit")

	alerts, err := st.ListAlerts(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, alerts, 1, "one alert per cooldown window")
}

func TestReportSignal_ConcurrentTriggersOneAlert(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.ReportSignal(ctx, manualReport("u1"))
		}()
	}
	wg.Wait()

	alerts, err := st.ListAlerts(ctx, "u1", 50)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestReportSignal_EmptyDirectorySurfaced(t *testing.T) {
	e, st, n := newTestEngine(t)
	ctx := context.Background()

	decision, err := e.ReportSignal(ctx, manualReport("u1"))
	require.True(t, eris.Is(err, ErrContactDirectoryEmpty))
	require.NotEmpty(t, decision.AlertID)

	alert, err := st.GetAlert(ctx, decision.AlertID)
	require.NoError(t, err)
	assert.Equal(t, model.AlertOpen, alert.Status)
	assert.Empty(t, alert.Attempts)
	assert.Contains(t, alert.Note, "contact directory empty")
	assert.Zero(t, n.count(), "no delivery attempted")
}

func TestReportSignal_BelowThresholdNoAlert(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	addContact(t, e, "u1", 1)

	decision, err := e.ReportSignal(ctx, model.SignalReport{
		ID: uuid.NewString(), UserID: "u1", Kind: model.SignalVoice, Confidence: 0.3,
		Payload: model.SignalPayload{Voice: &model.VoicePayload{Emotion: "calm"}},
	})
	require.NoError(t, err)
	assert.False(t, decision.Triggered)

	alerts, err := st.ListAlerts(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestRouteDeviation_UnsafeResponseCreatesAlert(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	path := []model.LatLng{
		{Lat: 37.7749, Lng: -122.4194},
		{Lat: 37.7849, Lng: -122.4194},
	}
	track, err := e.StartRouteTrack(ctx, "u1", path, time.Now().Add(time.Hour))
	require.NoError(t, err)

	prompt, err := e.UpdateRouteLocation(ctx, track.ID, model.LatLng{Lat: 37.7799, Lng: -122.41372})
	require.NoError(t, err)
	require.NotNil(t, prompt)

	require.NoError(t, e.RespondToDeviation(ctx, track.ID, false))

	alerts, err := st.ListAlerts(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.SignalRouteDeviation, alerts[0].Kind)
	assert.Equal(t, 1.0, alerts[0].Confidence)

	got, err := e.GetRouteTrack(ctx, track.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TrackEscalated, got.State)
}

func TestAddContact_DuplicateFlagged(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, warnings, err := e.AddContact(ctx, model.Contact{
		UserID: "u1", Name: "Ana", Phone: "+1 (555) 010-0101", Relation: "sister", PriorityTier: 1,
	})
	require.NoError(t, err)
	assert.Empty(t, warnings)

	// Same person, different tier and phone formatting.
	_, warnings, err = e.AddContact(ctx, model.Contact{
		UserID: "u1", Name: "ana", Phone: "15550100101", Relation: "sister", PriorityTier: 2,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, warnings, "duplicate flagged, not rejected")

	contacts, err := e.ListContacts(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, contacts, 2)
}

func TestRecover_ClosesOpenTracksAndSeedsCooldown(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// State left behind by a previous process.
	require.NoError(t, st.CreateRouteTrack(ctx, model.RouteTrack{
		ID: "stale", UserID: "u1",
		PlannedPath: []model.LatLng{{Lat: 1, Lng: 2}, {Lat: 3, Lng: 4}},
		State:       model.TrackTracking,
		StartedAt:   now.Add(-time.Hour), ExpiresAt: now.Add(time.Hour), UpdatedAt: now,
	}))
	require.NoError(t, st.CreateAlert(ctx, model.Alert{
		ID: "prev", UserID: "u2", Kind: model.SignalManual, Confidence: 1,
		Status: model.AlertOpen, CreatedAt: now.Add(-30 * time.Second), UpdatedAt: now,
	}))

	require.NoError(t, e.Start(ctx))

	track, err := st.GetRouteTrack(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, model.TrackClosed, track.State)
	assert.Equal(t, "closed on restart", track.Note)

	// The previous alert still suppresses triggers inside the cooldown.
	decision, err := e.ReportSignal(ctx, manualReport("u2"))
	require.NoError(t, err)
	assert.True(t, decision.Suppressed)
	assert.Equal(t, "prev", decision.AlertID)
}

func TestSweep_SettlesOrphanedDispatchingAlert(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.CreateAlert(ctx, model.Alert{
		ID: "a1", UserID: "u1", Kind: model.SignalShake, Confidence: 0.9,
		Status: model.AlertOpen, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, st.TransitionAlert(ctx, "a1", model.AlertDispatching))
	require.NoError(t, st.AppendAttempt(ctx, model.DeliveryAttempt{
		ID: "at1", AlertID: "a1", ContactID: "c1", Tier: 1, Channel: "test",
		SentAt: now, Result: model.AttemptDelivered, UpdatedAt: now,
	}))

	e.Sweep(ctx)

	alert, err := st.GetAlert(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.AlertEscalated, alert.Status)
	assert.Equal(t, model.AttemptTimedOut, alert.Attempts[0].Result)
}
