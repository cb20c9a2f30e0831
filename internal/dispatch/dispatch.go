// Package dispatch fans alert notifications out to emergency contacts in
// priority-tier order. Each tier is notified concurrently; the dispatcher
// waits for an acknowledgement before escalating to the next tier. A single
// ack stops escalation for the whole alert.
package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lifeline-app/lifeline/internal/config"
	"github.com/lifeline-app/lifeline/internal/model"
	"github.com/lifeline-app/lifeline/internal/notify"
	"github.com/lifeline-app/lifeline/internal/resilience"
	"github.com/lifeline-app/lifeline/internal/store"
)

// run is the in-flight dispatch state for one alert.
type run struct {
	cancel  context.CancelFunc
	acked   chan struct{}
	ackOnce sync.Once
}

// pendingAttempt is a delivered attempt waiting for acknowledgement.
type pendingAttempt struct {
	alertID string
	ackCh   chan struct{}
	once    sync.Once
}

// Dispatcher executes the tiered escalation protocol for alerts.
type Dispatcher struct {
	store      store.Store
	notifier   notify.Notifier
	cfg        config.DispatchConfig
	ackTimeout time.Duration
	breaker    *resilience.CircuitBreaker

	mu       sync.Mutex
	runs     map[string]*run
	attempts map[string]*pendingAttempt
	wg       sync.WaitGroup
}

// New creates a Dispatcher. The circuit breaker is shared across alerts so
// a channel outage is detected once, not per alert.
func New(st store.Store, notifier notify.Notifier, cfg config.DispatchConfig, circuitThreshold int) *Dispatcher {
	breaker := resilience.NewCircuitBreaker(resilience.CircuitConfig{
		FailureThreshold: circuitThreshold,
		OnStateChange: func(from, to resilience.CircuitState) {
			zap.L().Warn("notification circuit state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &Dispatcher{
		store:      st,
		notifier:   notifier,
		cfg:        cfg,
		ackTimeout: cfg.AckTimeout(),
		breaker:    breaker,
		runs:       make(map[string]*run),
		attempts:   make(map[string]*pendingAttempt),
	}
}

// Dispatch runs the full escalation for one alert and blocks until it is
// acknowledged, escalated, or canceled. Callers run it in its own
// goroutine; the per-user engine lock is NOT held across it.
func (d *Dispatcher) Dispatch(ctx context.Context, alert model.Alert, contacts []model.Contact) {
	if len(contacts) == 0 {
		zap.L().Warn("dispatch invoked with no contacts", zap.String("alert_id", alert.ID))
		return
	}

	if err := d.store.TransitionAlert(ctx, alert.ID, model.AlertDispatching); err != nil {
		zap.L().Error("dispatch: cannot start",
			zap.String("alert_id", alert.ID), zap.Error(err))
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel, acked: make(chan struct{})}

	d.mu.Lock()
	d.runs[alert.ID] = r
	d.mu.Unlock()
	d.wg.Add(1)

	defer func() {
		cancel()
		d.mu.Lock()
		delete(d.runs, alert.ID)
		d.mu.Unlock()
		d.wg.Done()
	}()

	acked := false
	settled := false
	for i, tier := range tiers(contacts) {
		if i > 0 {
			// An ack can land between the channel re-check below and the
			// next tier. The store is the source of truth: never contact
			// another tier once the alert has settled.
			current, err := d.store.GetAlert(runCtx, alert.ID)
			if err != nil {
				zap.L().Error("dispatch: alert status check failed",
					zap.String("alert_id", alert.ID), zap.Error(err))
			} else if current.Status != model.AlertDispatching {
				acked = current.Status == model.AlertAcknowledged
				settled = true
				break
			}
		}

		zap.L().Info("dispatching tier",
			zap.String("alert_id", alert.ID),
			zap.Int("tier", tier.n),
			zap.Int("contacts", len(tier.contacts)),
		)

		g, gctx := errgroup.WithContext(runCtx)
		for _, c := range tier.contacts {
			c := c
			g.Go(func() error {
				d.attemptContact(gctx, r, alert, c, tier.n)
				return nil
			})
		}
		done := make(chan struct{})
		go func() {
			g.Wait() //nolint:errcheck
			close(done)
		}()

		// Move on as soon as the alert is acknowledged; the tier's other
		// attempts resolve on their own before we return.
		select {
		case <-r.acked:
			acked = true
		case <-done:
		}
		if !acked {
			select {
			case <-r.acked:
				acked = true
			default:
			}
		}
		<-done

		if acked || runCtx.Err() != nil {
			break
		}
	}

	switch {
	case acked:
		zap.L().Info("alert acknowledged", zap.String("alert_id", alert.ID))
	case runCtx.Err() != nil:
		zap.L().Info("dispatch canceled", zap.String("alert_id", alert.ID))
	case settled:
		zap.L().Info("dispatch stopped: alert settled out of band",
			zap.String("alert_id", alert.ID))
	default:
		// Every tier exhausted without an acknowledgement.
		if err := d.store.TransitionAlert(context.WithoutCancel(ctx), alert.ID, model.AlertEscalated); err != nil {
			zap.L().Error("dispatch: escalate transition failed",
				zap.String("alert_id", alert.ID), zap.Error(err))
			return
		}
		zap.L().Warn("alert escalated: all contact tiers exhausted",
			zap.String("alert_id", alert.ID),
			zap.String("user_id", alert.UserID),
		)
	}
}

func (d *Dispatcher) attemptContact(ctx context.Context, r *run, alert model.Alert, c model.Contact, tier int) {
	now := time.Now().UTC()
	attempt := model.DeliveryAttempt{
		ID:        uuid.NewString(),
		AlertID:   alert.ID,
		ContactID: c.ID,
		Tier:      tier,
		Channel:   d.notifier.Channel(),
		SentAt:    now,
		Result:    model.AttemptPending,
		UpdatedAt: now,
	}
	if err := d.store.AppendAttempt(ctx, attempt); err != nil {
		zap.L().Error("dispatch: append attempt failed",
			zap.String("alert_id", alert.ID), zap.Error(err))
		return
	}

	p := &pendingAttempt{alertID: alert.ID, ackCh: make(chan struct{})}
	d.mu.Lock()
	d.attempts[attempt.ID] = p
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.attempts, attempt.ID)
		d.mu.Unlock()
	}()

	summary := notify.AlertSummary{
		AlertID:    alert.ID,
		AttemptID:  attempt.ID,
		UserID:     alert.UserID,
		Kind:       alert.Kind,
		Confidence: alert.Confidence,
		Location:   alert.Location,
		Contact:    c.Name,
		Phone:      c.Phone,
		Tier:       tier,
		CreatedAt:  alert.CreatedAt,
	}

	policy := resilience.RetryPolicy{
		MaxAttempts:    d.cfg.SendMaxAttempts,
		InitialBackoff: time.Duration(d.cfg.SendBackoffMillis) * time.Millisecond,
		MaxBackoff:     time.Duration(d.cfg.SendBackoffMaxSecs) * time.Second,
		JitterFraction: d.cfg.SendJitterFraction,
		ShouldRetry: func(err error) bool {
			return resilience.IsTransient(err) || eris.Is(err, resilience.ErrCircuitOpen)
		},
		OnRetry: resilience.RetryLogger(d.notifier.Channel(), c.ID),
	}
	err := resilience.Do(ctx, policy, func(ctx context.Context) error {
		return d.breaker.Execute(ctx, func(ctx context.Context) error {
			return d.notifier.Send(ctx, c, summary)
		})
	})
	if err != nil {
		d.setResult(ctx, attempt.ID, model.AttemptFailed)
		zap.L().Warn("dispatch: send failed",
			zap.String("alert_id", alert.ID),
			zap.String("contact_id", c.ID),
			zap.Int("tier", tier),
			zap.Error(err),
		)
		return
	}
	d.setResult(ctx, attempt.ID, model.AttemptDelivered)

	timer := time.NewTimer(d.ackTimeout)
	defer timer.Stop()
	select {
	case <-p.ackCh:
		// Acknowledge already persisted the ACKED result.
	case <-timer.C:
		d.setResult(ctx, attempt.ID, model.AttemptTimedOut)
	case <-ctx.Done():
		// Alert closed or shutdown; the sweep settles leftover attempts.
	}
}

// setResult persists an attempt result, tolerating a racing terminal write.
func (d *Dispatcher) setResult(ctx context.Context, attemptID string, result model.AttemptResult) {
	err := d.store.UpdateAttemptResult(context.WithoutCancel(ctx), attemptID, result)
	if err != nil && !eris.Is(err, store.ErrInvalidTransition) {
		zap.L().Error("dispatch: update attempt result failed",
			zap.String("attempt_id", attemptID),
			zap.String("result", string(result)),
			zap.Error(err),
		)
	}
}

// Acknowledge records a contact's acknowledgement of a delivery attempt.
// The first ack moves the alert to ACKNOWLEDGED and stops escalation. Acks
// arriving after the attempt reached a terminal result are logged and
// dropped; they never resurrect an attempt.
func (d *Dispatcher) Acknowledge(ctx context.Context, attemptID string) error {
	d.mu.Lock()
	p, live := d.attempts[attemptID]
	var r *run
	if live {
		r = d.runs[p.alertID]
	}
	d.mu.Unlock()

	if !live {
		return d.acknowledgeOffline(ctx, attemptID)
	}

	if err := d.store.UpdateAttemptResult(ctx, attemptID, model.AttemptAcked); err != nil {
		if eris.Is(err, store.ErrInvalidTransition) {
			zap.L().Info("late acknowledgement ignored", zap.String("attempt_id", attemptID))
			return nil
		}
		return err
	}
	if err := d.store.TransitionAlert(ctx, p.alertID, model.AlertAcknowledged); err != nil && !eris.Is(err, store.ErrInvalidTransition) {
		return err
	}

	p.once.Do(func() { close(p.ackCh) })
	if r != nil {
		r.ackOnce.Do(func() { close(r.acked) })
	}
	return nil
}

// acknowledgeOffline handles an ack for an attempt with no live dispatch,
// e.g. after a restart while the alert was still DISPATCHING.
func (d *Dispatcher) acknowledgeOffline(ctx context.Context, attemptID string) error {
	attempt, err := d.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	if attempt.Result.TerminalResult() {
		zap.L().Info("late acknowledgement ignored",
			zap.String("attempt_id", attemptID),
			zap.String("result", string(attempt.Result)),
		)
		return nil
	}
	if err := d.store.UpdateAttemptResult(ctx, attemptID, model.AttemptAcked); err != nil {
		return err
	}
	if err := d.store.TransitionAlert(ctx, attempt.AlertID, model.AlertAcknowledged); err != nil && !eris.Is(err, store.ErrInvalidTransition) {
		return err
	}
	return nil
}

// CloseAlert closes an alert, cancels any in-flight dispatch for it, and
// settles its open attempts.
func (d *Dispatcher) CloseAlert(ctx context.Context, alertID string) error {
	if err := d.store.TransitionAlert(ctx, alertID, model.AlertClosed); err != nil {
		return err
	}

	d.mu.Lock()
	r := d.runs[alertID]
	d.mu.Unlock()
	if r != nil {
		r.cancel()
	}

	alert, err := d.store.GetAlert(ctx, alertID)
	if err != nil {
		return err
	}
	for _, at := range alert.Attempts {
		if !at.Result.TerminalResult() {
			d.setResult(ctx, at.ID, model.AttemptTimedOut)
		}
	}
	return nil
}

// Running reports whether a dispatch is in flight for the alert.
func (d *Dispatcher) Running(alertID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.runs[alertID]
	return ok
}

// Shutdown cancels all in-flight dispatches and waits for them to finish.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	for _, r := range d.runs {
		r.cancel()
	}
	d.mu.Unlock()
	d.wg.Wait()
}

type tierGroup struct {
	n        int
	contacts []model.Contact
}

// tiers groups contacts by priority tier, ascending.
func tiers(contacts []model.Contact) []tierGroup {
	byTier := make(map[int][]model.Contact)
	for _, c := range contacts {
		byTier[c.PriorityTier] = append(byTier[c.PriorityTier], c)
	}
	keys := make([]int, 0, len(byTier))
	for k := range byTier {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	groups := make([]tierGroup, 0, len(keys))
	for _, k := range keys {
		groups = append(groups, tierGroup{n: k, contacts: byTier[k]})
	}
	return groups
}
