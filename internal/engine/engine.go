// Package engine is the facade over the detection and escalation pipeline:
// normalize, evaluate, deduplicate, persist, dispatch. All state mutation
// for a single user is serialized through a per-user lock; users never
// block each other.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/lifeline-app/lifeline/internal/config"
	"github.com/lifeline-app/lifeline/internal/dedupe"
	"github.com/lifeline-app/lifeline/internal/dispatch"
	"github.com/lifeline-app/lifeline/internal/model"
	"github.com/lifeline-app/lifeline/internal/normalize"
	"github.com/lifeline-app/lifeline/internal/notify"
	"github.com/lifeline-app/lifeline/internal/route"
	"github.com/lifeline-app/lifeline/internal/store"
	"github.com/lifeline-app/lifeline/internal/trigger"
)

// ErrContactDirectoryEmpty is surfaced when a trigger creates an alert for
// a user with no emergency contacts. The alert is persisted in OPEN status
// for manual follow-up; no delivery is attempted.
var ErrContactDirectoryEmpty = eris.New("contact directory empty")

// Engine wires the pipeline components together.
type Engine struct {
	cfg        *config.Config
	store      store.Store
	normalizer *normalize.Normalizer
	evaluator  *trigger.Evaluator
	dedupe     *dedupe.Deduplicator
	dispatcher *dispatch.Dispatcher
	monitor    *route.Monitor

	userLocks sync.Map // userID -> *sync.Mutex

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New assembles an Engine over the given store and notifier.
func New(cfg *config.Config, st store.Store, notifier notify.Notifier) *Engine {
	baseCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		store:      st,
		normalizer: normalize.New(cfg.Trigger.ShakeWindowMillis),
		evaluator:  trigger.NewEvaluator(cfg.Trigger),
		dedupe:     dedupe.New(cfg.Dedupe.Cooldown()),
		dispatcher: dispatch.New(st, notifier, cfg.Dispatch, cfg.Notify.CircuitFailure),
		baseCtx:    baseCtx,
		cancel:     cancel,
	}
	e.monitor = route.NewMonitor(cfg.Route, st, e.routeSink)
	return e
}

// routeSink receives synthetic route_deviation reports from the monitor.
func (e *Engine) routeSink(report model.SignalReport) {
	if _, err := e.ReportSignal(e.baseCtx, report); err != nil && !eris.Is(err, ErrContactDirectoryEmpty) {
		zap.L().Error("route deviation report failed",
			zap.String("user_id", report.UserID), zap.Error(err))
	}
}

func (e *Engine) userLock(userID string) *sync.Mutex {
	mu, _ := e.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Start runs startup recovery and launches the consistency sweep.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.recover(ctx); err != nil {
		return err
	}
	e.wg.Add(1)
	go e.sweepLoop()
	return nil
}

// recover reconciles persisted state left by a previous process: open route
// tracks have no reconstructible timers and are closed; recent alerts
// re-seed the dedup cooldown; alerts stuck in DISPATCHING are surfaced and
// settled by the first sweep.
func (e *Engine) recover(ctx context.Context) error {
	tracks, err := e.store.ListOpenRouteTracks(ctx)
	if err != nil {
		return eris.Wrap(err, "engine: recover route tracks")
	}
	for _, t := range tracks {
		if err := e.store.TransitionRouteTrack(ctx, t.ID, model.TrackClosed, "closed on restart"); err != nil {
			zap.L().Error("engine: close stale track failed",
				zap.String("track_id", t.ID), zap.Error(err))
			continue
		}
		zap.L().Warn("open route track closed on restart",
			zap.String("track_id", t.ID), zap.String("user_id", t.UserID))
	}

	recent, err := e.store.RecentAlerts(ctx, time.Now().UTC().Add(-e.cfg.Dedupe.Cooldown()))
	if err != nil {
		return eris.Wrap(err, "engine: recover recent alerts")
	}
	for _, a := range recent {
		e.dedupe.Seed(a.UserID, a.ID, a.CreatedAt)
	}

	stuck, err := e.store.ListAlertsByStatus(ctx, model.AlertDispatching)
	if err != nil {
		return eris.Wrap(err, "engine: recover dispatching alerts")
	}
	for _, a := range stuck {
		zap.L().Warn("alert was dispatching at shutdown; sweep will settle it",
			zap.String("alert_id", a.ID), zap.String("user_id", a.UserID))
	}
	return nil
}

// sweepLoop periodically settles alerts whose dispatch is no longer live.
// A non-terminal record with no live timer is a leak; the sweep is the
// detector the rest of the engine is not allowed to rely on.
func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	interval := e.cfg.Dispatch.SweepInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.baseCtx.Done():
			return
		case <-ticker.C:
			e.Sweep(e.baseCtx)
		}
	}
}

// Sweep settles DISPATCHING alerts with no in-flight dispatch and closes
// open route tracks with no live timers.
func (e *Engine) Sweep(ctx context.Context) {
	alerts, err := e.store.ListAlertsByStatus(ctx, model.AlertDispatching)
	if err != nil {
		zap.L().Error("sweep: list alerts failed", zap.Error(err))
		return
	}
	for _, a := range alerts {
		if e.dispatcher.Running(a.ID) {
			continue
		}
		zap.L().Warn("sweep: dispatching alert with no live dispatch",
			zap.String("alert_id", a.ID))
		full, err := e.store.GetAlert(ctx, a.ID)
		if err != nil {
			zap.L().Error("sweep: load alert failed", zap.String("alert_id", a.ID), zap.Error(err))
			continue
		}
		for _, at := range full.Attempts {
			if at.Result.TerminalResult() {
				continue
			}
			if err := e.store.UpdateAttemptResult(ctx, at.ID, model.AttemptTimedOut); err != nil {
				zap.L().Error("sweep: settle attempt failed", zap.String("attempt_id", at.ID), zap.Error(err))
			}
		}
		if err := e.store.TransitionAlert(ctx, a.ID, model.AlertEscalated); err != nil {
			zap.L().Error("sweep: escalate failed", zap.String("alert_id", a.ID), zap.Error(err))
		}
	}

	tracks, err := e.store.ListOpenRouteTracks(ctx)
	if err != nil {
		zap.L().Error("sweep: list tracks failed", zap.Error(err))
		return
	}
	for _, t := range tracks {
		if e.monitor.Tracked(t.ID) {
			continue
		}
		zap.L().Warn("sweep: open route track with no live timer",
			zap.String("track_id", t.ID))
		if err := e.store.TransitionRouteTrack(ctx, t.ID, model.TrackClosed, "closed by consistency sweep"); err != nil {
			zap.L().Error("sweep: close track failed", zap.String("track_id", t.ID), zap.Error(err))
		}
	}
}

// Shutdown stops the sweep, in-flight dispatches, and route timers.
func (e *Engine) Shutdown() {
	e.cancel()
	e.dispatcher.Shutdown()
	e.monitor.Shutdown()
	e.wg.Wait()
}

// ReportRaw normalizes a raw detector report and runs the trigger path.
func (e *Engine) ReportRaw(ctx context.Context, raw normalize.RawReport) (model.TriggerDecision, error) {
	report, err := e.normalizer.Normalize(raw)
	if err != nil {
		return model.TriggerDecision{}, err
	}
	return e.ReportSignal(ctx, report)
}

// ReportSignal evaluates a normalized report and, when it triggers, creates
// or suppresses an alert. Returns ErrContactDirectoryEmpty (with the alert
// still created and OPEN) when the user has no contacts.
func (e *Engine) ReportSignal(ctx context.Context, report model.SignalReport) (model.TriggerDecision, error) {
	decision, err := e.evaluator.Evaluate(report)
	if err != nil {
		zap.L().Warn("signal rejected", zap.String("report_id", report.ID), zap.Error(err))
		return decision, err
	}
	if !decision.Triggered {
		zap.L().Debug("signal below trigger policy",
			zap.String("report_id", report.ID),
			zap.String("kind", string(report.Kind)),
			zap.String("reason", decision.Reason),
		)
		return decision, nil
	}

	mu := e.userLock(report.UserID)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC()
	if suppressedBy, admit := e.dedupe.Admit(report.UserID, now); !admit {
		sup := model.SuppressedTrigger{
			ID:             uuid.NewString(),
			UserID:         report.UserID,
			AlertID:        suppressedBy,
			SignalReportID: report.ID,
			Kind:           report.Kind,
			SuppressedAt:   now,
		}
		if err := e.store.RecordSuppressedTrigger(ctx, sup); err != nil {
			zap.L().Error("record suppressed trigger failed", zap.Error(err))
		}
		decision.Suppressed = true
		decision.AlertID = suppressedBy
		zap.L().Info("trigger suppressed inside cooldown",
			zap.String("user_id", report.UserID),
			zap.String("alert_id", suppressedBy),
			zap.String("kind", string(report.Kind)),
		)
		return decision, nil
	}

	contacts, err := e.store.ListContacts(ctx, report.UserID)
	if err != nil {
		return decision, eris.Wrap(err, "engine: list contacts")
	}

	alert := model.Alert{
		ID:         uuid.NewString(),
		UserID:     report.UserID,
		Location:   report.Location,
		Kind:       report.Kind,
		Confidence: report.Confidence,
		Status:     model.AlertOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if len(contacts) == 0 {
		alert.Note = "contact directory empty: no delivery attempted"
	}
	if err := e.store.CreateAlert(ctx, alert); err != nil {
		return decision, eris.Wrap(err, "engine: create alert")
	}
	e.dedupe.Record(report.UserID, alert.ID, now)
	decision.AlertID = alert.ID

	zap.L().Info("alert created",
		zap.String("alert_id", alert.ID),
		zap.String("user_id", report.UserID),
		zap.String("kind", string(report.Kind)),
		zap.Float64("confidence", report.Confidence),
	)

	if len(contacts) == 0 {
		zap.L().Warn("alert has no contacts to notify",
			zap.String("alert_id", alert.ID), zap.String("user_id", report.UserID))
		return decision, eris.Wrapf(ErrContactDirectoryEmpty, "alert %s", alert.ID)
	}

	// Escalation runs on the engine's context so it survives the request.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatcher.Dispatch(e.baseCtx, alert, contacts)
	}()
	return decision, nil
}

// Acknowledge records a contact's acknowledgement of a delivery attempt.
func (e *Engine) Acknowledge(ctx context.Context, attemptID string) error {
	return e.dispatcher.Acknowledge(ctx, attemptID)
}

// CloseAlert closes an alert and cancels any in-flight escalation.
func (e *Engine) CloseAlert(ctx context.Context, alertID string) error {
	return e.dispatcher.CloseAlert(ctx, alertID)
}

// GetAlert returns one alert with its delivery attempts.
func (e *Engine) GetAlert(ctx context.Context, alertID string) (*model.Alert, error) {
	return e.store.GetAlert(ctx, alertID)
}

// ListAlerts returns a user's alerts, newest first.
func (e *Engine) ListAlerts(ctx context.Context, userID string, limit int) ([]model.Alert, error) {
	return e.store.ListAlerts(ctx, userID, limit)
}

// AddContact creates an emergency contact. Contacts that look like
// duplicates of existing ones are flagged via warnings, never rejected.
func (e *Engine) AddContact(ctx context.Context, c model.Contact) (model.Contact, []string, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	existing, err := e.store.ListContacts(ctx, c.UserID)
	if err != nil {
		return c, nil, eris.Wrap(err, "engine: list contacts")
	}
	var warnings []string
	for _, prev := range existing {
		if model.SameContact(prev, c) {
			warnings = append(warnings, fmt.Sprintf(
				"looks like a duplicate of contact %s (%s, tier %d)", prev.ID, prev.Name, prev.PriorityTier))
		}
	}

	if err := e.store.AddContact(ctx, c); err != nil {
		return c, warnings, err
	}
	for _, w := range warnings {
		zap.L().Warn("contact added with duplicate flag",
			zap.String("contact_id", c.ID), zap.String("warning", w))
	}
	return c, warnings, nil
}

// ListContacts returns a user's contacts in tier order.
func (e *Engine) ListContacts(ctx context.Context, userID string) ([]model.Contact, error) {
	return e.store.ListContacts(ctx, userID)
}

// StartRouteTrack begins tracking a journey for a user.
func (e *Engine) StartRouteTrack(ctx context.Context, userID string, path []model.LatLng, expiresAt time.Time) (*model.RouteTrack, error) {
	mu := e.userLock(userID)
	mu.Lock()
	defer mu.Unlock()
	return e.monitor.Start(ctx, userID, path, expiresAt)
}

// StopRouteTrack ends tracking.
func (e *Engine) StopRouteTrack(ctx context.Context, trackID string) error {
	return e.monitor.Stop(ctx, trackID)
}

// UpdateRouteLocation ingests a location update for an active track.
func (e *Engine) UpdateRouteLocation(ctx context.Context, trackID string, loc model.LatLng) (*route.DeviationPrompt, error) {
	return e.monitor.UpdateLocation(ctx, trackID, loc)
}

// RespondToDeviation records the user's safe/unsafe confirmation.
func (e *Engine) RespondToDeviation(ctx context.Context, trackID string, safe bool) error {
	return e.monitor.Respond(ctx, trackID, safe)
}

// GetRouteTrack returns a track's persisted state.
func (e *Engine) GetRouteTrack(ctx context.Context, trackID string) (*model.RouteTrack, error) {
	return e.store.GetRouteTrack(ctx, trackID)
}
