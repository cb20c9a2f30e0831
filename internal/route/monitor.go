// Package route monitors tracked journeys against a planned path. A track
// that drifts outside the corridor (or stalls) enters a confirmation
// protocol; an unanswered or unsafe confirmation produces a synthetic
// route_deviation SignalReport for the trigger path.
package route

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/lifeline-app/lifeline/internal/config"
	"github.com/lifeline-app/lifeline/internal/model"
	"github.com/lifeline-app/lifeline/internal/store"
)

// ErrTrackNotActive is returned for operations on tracks that are not in a
// live, non-terminal state.
var ErrTrackNotActive = eris.New("route: track not active")

// ErrInvalidRoute is returned when a start request fails validation.
var ErrInvalidRoute = eris.New("route: invalid track request")

// DeviationPrompt asks the user-facing layer for a safe/unsafe confirmation.
type DeviationPrompt struct {
	TrackID        string       `json:"track_id"`
	Location       model.LatLng `json:"location"`
	DistanceMeters float64      `json:"distance_meters"`
	Reason         string       `json:"reason"`
	RespondBy      time.Time    `json:"respond_by"`
}

// trackState is the in-memory state for one live track. gen increments on
// every transition so stale timer callbacks become no-ops.
type trackState struct {
	track        model.RouteTrack
	gen          int
	deviation    *model.RouteDeviationPayload
	prompt       *DeviationPrompt
	confirmTimer *time.Timer
	stallTimer   *time.Timer
	expireTimer  *time.Timer
	lastKnown    model.LatLng
	hasLocation  bool
}

func (ts *trackState) stopTimers() {
	for _, t := range []*time.Timer{ts.confirmTimer, ts.stallTimer, ts.expireTimer} {
		if t != nil {
			t.Stop()
		}
	}
}

// Monitor owns all live route tracks and their timers.
type Monitor struct {
	cfg            config.RouteConfig
	confirmTimeout time.Duration
	stallTimeout   time.Duration
	store          store.Store
	sink           func(model.SignalReport)

	mu     sync.Mutex
	tracks map[string]*trackState
}

// NewMonitor creates a Monitor. Confirmed deviations are handed to sink as
// synthetic SignalReports; the sink runs outside the monitor lock.
func NewMonitor(cfg config.RouteConfig, st store.Store, sink func(model.SignalReport)) *Monitor {
	return &Monitor{
		cfg:            cfg,
		confirmTimeout: cfg.ConfirmTimeout(),
		stallTimeout:   cfg.StallTimeout(),
		store:          st,
		sink:           sink,
		tracks:         make(map[string]*trackState),
	}
}

// Start begins tracking a journey. At most one active track per user.
func (m *Monitor) Start(ctx context.Context, userID string, path []model.LatLng, expiresAt time.Time) (*model.RouteTrack, error) {
	if userID == "" || len(path) < 2 {
		return nil, eris.Wrap(ErrInvalidRoute, "start requires a user and at least two waypoints")
	}
	now := time.Now().UTC()
	if !expiresAt.After(now) {
		return nil, eris.Wrap(ErrInvalidRoute, "expiry must be in the future")
	}

	track := model.RouteTrack{
		ID:          uuid.NewString(),
		UserID:      userID,
		PlannedPath: path,
		State:       model.TrackTracking,
		StartedAt:   now,
		ExpiresAt:   expiresAt,
		UpdatedAt:   now,
	}
	if err := m.store.CreateRouteTrack(ctx, track); err != nil {
		return nil, err
	}

	m.mu.Lock()
	ts := &trackState{track: track}
	m.tracks[track.ID] = ts
	gen := ts.gen
	ts.stallTimer = time.AfterFunc(m.stallTimeout, func() { m.onStall(track.ID, gen) })
	ts.expireTimer = time.AfterFunc(time.Until(expiresAt), func() { m.onExpire(track.ID, gen) })
	m.mu.Unlock()

	zap.L().Info("route tracking started",
		zap.String("track_id", track.ID),
		zap.String("user_id", userID),
		zap.Int("waypoints", len(path)),
		zap.Time("expires_at", expiresAt),
	)
	return &track, nil
}

// UpdateLocation ingests a periodic location update. It returns a
// DeviationPrompt when the track is awaiting a safe/unsafe confirmation.
func (m *Monitor) UpdateLocation(ctx context.Context, trackID string, loc model.LatLng) (*DeviationPrompt, error) {
	m.mu.Lock()
	ts, ok := m.tracks[trackID]
	if !ok {
		m.mu.Unlock()
		return nil, eris.Wrapf(ErrTrackNotActive, "track %s", trackID)
	}

	ts.lastKnown = loc
	ts.hasLocation = true

	if ts.track.State == model.TrackAwaiting {
		prompt := ts.prompt
		m.mu.Unlock()
		return prompt, nil
	}

	dist := corridorDistance(ts.track.PlannedPath, loc)
	if dist <= m.cfg.CorridorRadiusMeters {
		// Progress: reset the stall countdown.
		ts.gen++
		gen := ts.gen
		ts.stallTimer.Stop()
		ts.stallTimer = time.AfterFunc(m.stallTimeout, func() { m.onStall(trackID, gen) })
		m.mu.Unlock()
		return nil, nil
	}

	prompt, err := m.beginConfirmationLocked(ctx, ts, loc, dist, "corridor breach")
	m.mu.Unlock()
	return prompt, err
}

// beginConfirmationLocked moves a TRACKING track to AWAITING_CONFIRMATION
// and arms the confirmation timer. Caller holds m.mu.
func (m *Monitor) beginConfirmationLocked(ctx context.Context, ts *trackState, loc model.LatLng, dist float64, reason string) (*DeviationPrompt, error) {
	if err := m.store.TransitionRouteTrack(ctx, ts.track.ID, model.TrackAwaiting, reason); err != nil {
		return nil, err
	}
	ts.track.State = model.TrackAwaiting
	ts.gen++
	gen := ts.gen
	ts.stallTimer.Stop()

	ts.deviation = &model.RouteDeviationPayload{
		TrackID:        ts.track.ID,
		Location:       loc,
		DistanceMeters: dist,
	}
	ts.prompt = &DeviationPrompt{
		TrackID:        ts.track.ID,
		Location:       loc,
		DistanceMeters: dist,
		Reason:         reason,
		RespondBy:      time.Now().UTC().Add(m.confirmTimeout),
	}
	ts.confirmTimer = time.AfterFunc(m.confirmTimeout, func() { m.onConfirmTimeout(ts.track.ID, gen) })

	zap.L().Warn("route deviation detected",
		zap.String("track_id", ts.track.ID),
		zap.String("user_id", ts.track.UserID),
		zap.Float64("distance_m", dist),
		zap.String("reason", reason),
	)
	return ts.prompt, nil
}

// Respond records the user's safe/unsafe answer to a deviation prompt. A
// response arriving after escalation (or for an unknown track) is a no-op:
// the first writer to the track state wins.
func (m *Monitor) Respond(ctx context.Context, trackID string, safe bool) error {
	m.mu.Lock()
	ts, ok := m.tracks[trackID]
	if !ok || ts.track.State != model.TrackAwaiting {
		m.mu.Unlock()
		zap.L().Info("deviation response with no pending confirmation",
			zap.String("track_id", trackID), zap.Bool("safe", safe))
		return nil
	}

	if safe {
		err := m.store.TransitionRouteTrack(ctx, trackID, model.TrackTracking, "user confirmed safe")
		if err != nil {
			m.mu.Unlock()
			return err
		}
		ts.track.State = model.TrackTracking
		ts.gen++
		gen := ts.gen
		ts.confirmTimer.Stop()
		ts.deviation = nil
		ts.prompt = nil
		ts.stallTimer = time.AfterFunc(m.stallTimeout, func() { m.onStall(trackID, gen) })
		m.mu.Unlock()

		zap.L().Info("route deviation resolved safe", zap.String("track_id", trackID))
		return nil
	}

	report := m.escalateLocked(ctx, ts)
	m.mu.Unlock()
	if report != nil {
		m.sink(*report)
	}
	return nil
}

// Stop ends tracking at the user's request, canceling timers and discarding
// pending deviations. The track is recorded as RESOLVED_SAFE, distinct from
// the CLOSED state used for expiry and administrative cleanup.
func (m *Monitor) Stop(ctx context.Context, trackID string) error {
	m.mu.Lock()
	ts, ok := m.tracks[trackID]
	if ok {
		ts.gen++
		ts.stopTimers()
		delete(m.tracks, trackID)
	}
	m.mu.Unlock()

	err := m.store.TransitionRouteTrack(ctx, trackID, model.TrackResolvedSafe, "stopped by user")
	if err != nil && ok {
		return err
	}
	if err != nil && !ok {
		// Unknown track with no live state: surface not-found, tolerate
		// tracks already terminal in the ledger.
		if eris.Is(err, store.ErrInvalidTransition) {
			return nil
		}
		return err
	}
	zap.L().Info("route tracking stopped", zap.String("track_id", trackID))
	return nil
}

// onConfirmTimeout fires when the confirmation window elapses unanswered.
func (m *Monitor) onConfirmTimeout(trackID string, gen int) {
	m.mu.Lock()
	ts, ok := m.tracks[trackID]
	if !ok || ts.gen != gen || ts.track.State != model.TrackAwaiting {
		m.mu.Unlock()
		return
	}
	report := m.escalateLocked(context.Background(), ts)
	m.mu.Unlock()
	if report != nil {
		m.sink(*report)
	}
}

// escalateLocked finalizes the track as ESCALATED and builds the synthetic
// report. Caller holds m.mu and delivers the report after unlocking.
func (m *Monitor) escalateLocked(ctx context.Context, ts *trackState) *model.SignalReport {
	if err := m.store.TransitionRouteTrack(ctx, ts.track.ID, model.TrackEscalated, "deviation confirmed"); err != nil {
		zap.L().Error("route: escalate transition failed",
			zap.String("track_id", ts.track.ID), zap.Error(err))
		return nil
	}
	ts.track.State = model.TrackEscalated
	ts.gen++
	ts.stopTimers()
	delete(m.tracks, ts.track.ID)

	payload := ts.deviation
	if payload == nil {
		payload = &model.RouteDeviationPayload{TrackID: ts.track.ID, Location: ts.lastKnown}
	}
	loc := payload.Location

	zap.L().Warn("route deviation escalated",
		zap.String("track_id", ts.track.ID),
		zap.String("user_id", ts.track.UserID),
	)
	return &model.SignalReport{
		ID:         uuid.NewString(),
		UserID:     ts.track.UserID,
		Kind:       model.SignalRouteDeviation,
		Confidence: 1.0,
		OccurredAt: time.Now().UTC(),
		Location:   &loc,
		Payload:    model.SignalPayload{RouteDeviation: payload},
	}
}

// onStall fires when no in-corridor progress arrives within the stall
// window. Treated like a corridor breach: ask for confirmation.
func (m *Monitor) onStall(trackID string, gen int) {
	m.mu.Lock()
	ts, ok := m.tracks[trackID]
	if !ok || ts.gen != gen || ts.track.State != model.TrackTracking {
		m.mu.Unlock()
		return
	}
	loc := ts.lastKnown
	if !ts.hasLocation {
		loc = ts.track.PlannedPath[0]
	}
	_, err := m.beginConfirmationLocked(context.Background(), ts, loc, 0, "no progress within stall window")
	m.mu.Unlock()
	if err != nil {
		zap.L().Error("route: stall confirmation failed",
			zap.String("track_id", trackID), zap.Error(err))
	}
}

// onExpire closes a track whose window passed while still TRACKING. A track
// awaiting confirmation is left to the confirmation protocol.
func (m *Monitor) onExpire(trackID string, gen int) {
	m.mu.Lock()
	ts, ok := m.tracks[trackID]
	if !ok || ts.track.State != model.TrackTracking {
		m.mu.Unlock()
		return
	}
	ts.gen++
	ts.stopTimers()
	delete(m.tracks, trackID)
	m.mu.Unlock()

	if err := m.store.TransitionRouteTrack(context.Background(), trackID, model.TrackClosed, "expired"); err != nil {
		zap.L().Error("route: expire transition failed",
			zap.String("track_id", trackID), zap.Error(err))
		return
	}
	zap.L().Info("route track expired", zap.String("track_id", trackID))
}

// Tracked reports whether the monitor holds live timer state for a track.
// The consistency sweep uses it to detect dangling persisted tracks.
func (m *Monitor) Tracked(trackID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tracks[trackID]
	return ok
}

// Shutdown cancels all timers without touching persisted state.
func (m *Monitor) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ts := range m.tracks {
		ts.gen++
		ts.stopTimers()
		delete(m.tracks, id)
	}
}
