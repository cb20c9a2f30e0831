// Package trigger decides whether a SignalReport constitutes a confirmed
// emergency. Evaluation is a pure function of the report and the configured
// policy table; alert creation and deduplication happen downstream.
package trigger

import (
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/lifeline-app/lifeline/internal/config"
	"github.com/lifeline-app/lifeline/internal/model"
)

// ErrInvalidSignal is returned for reports whose payload does not match
// their kind. Rejected reports never create alerts.
var ErrInvalidSignal = eris.New("invalid signal report")

// Evaluator applies the per-kind trigger policy.
type Evaluator struct {
	cfg      config.TriggerConfig
	gestures map[string]bool
}

// NewEvaluator builds an Evaluator from the configured policy.
func NewEvaluator(cfg config.TriggerConfig) *Evaluator {
	gestures := make(map[string]bool, len(cfg.DistressGestures))
	for _, g := range cfg.DistressGestures {
		gestures[g] = true
	}
	return &Evaluator{cfg: cfg, gestures: gestures}
}

// Evaluate returns the trigger decision for a single report. It has no
// side effects.
func (e *Evaluator) Evaluate(report model.SignalReport) (model.TriggerDecision, error) {
	decision := model.TriggerDecision{SignalReportID: report.ID}

	if report.UserID == "" || !model.ValidSignalKind(report.Kind) {
		return decision, eris.Wrapf(ErrInvalidSignal, "report %s: missing user or unknown kind %q", report.ID, report.Kind)
	}

	switch report.Kind {
	case model.SignalVoice:
		if report.Payload.Voice == nil {
			return decision, eris.Wrapf(ErrInvalidSignal, "report %s: voice report without voice payload", report.ID)
		}
		if report.Confidence >= e.cfg.VoiceThreshold {
			decision.Triggered = true
			decision.Reason = fmt.Sprintf("voice distress confidence %.2f >= %.2f", report.Confidence, e.cfg.VoiceThreshold)
		} else {
			decision.Reason = fmt.Sprintf("voice distress confidence %.2f below %.2f", report.Confidence, e.cfg.VoiceThreshold)
		}

	case model.SignalGesture:
		if report.Payload.Gesture == nil || report.Payload.Gesture.Label == "" {
			return decision, eris.Wrapf(ErrInvalidSignal, "report %s: gesture report without label", report.ID)
		}
		// Gesture detectors pre-filter confidence; membership is the policy.
		if e.gestures[report.Payload.Gesture.Label] {
			decision.Triggered = true
			decision.Reason = fmt.Sprintf("distress gesture %q recognized", report.Payload.Gesture.Label)
		} else {
			decision.Reason = fmt.Sprintf("gesture %q is not in the distress set", report.Payload.Gesture.Label)
		}

	case model.SignalShake:
		if report.Payload.Shake == nil {
			return decision, eris.Wrapf(ErrInvalidSignal, "report %s: shake report without samples", report.ID)
		}
		run := longestRun(report.Payload.Shake.Intensities, e.cfg.ShakeIntensity)
		if run >= e.cfg.ShakeMinRun {
			decision.Triggered = true
			decision.Reason = fmt.Sprintf("shake run of %d samples >= %.2f intensity", run, e.cfg.ShakeIntensity)
		} else {
			decision.Reason = fmt.Sprintf("shake run %d below required %d", run, e.cfg.ShakeMinRun)
		}

	case model.SignalManual:
		decision.Triggered = true
		decision.Reason = "manual SOS"

	case model.SignalRouteDeviation:
		if report.Payload.RouteDeviation == nil {
			return decision, eris.Wrapf(ErrInvalidSignal, "report %s: route_deviation report without payload", report.ID)
		}
		// Only the route monitor's confirmation-timeout path produces these;
		// they are always accepted.
		decision.Triggered = true
		decision.Reason = fmt.Sprintf("route deviation confirmed on track %s", report.Payload.RouteDeviation.TrackID)
	}

	return decision, nil
}

// longestRun returns the longest run of consecutive intensities at or above
// the threshold.
func longestRun(intensities []float64, threshold float64) int {
	var best, current int
	for _, v := range intensities {
		if v >= threshold {
			current++
			if current > best {
				best = current
			}
		} else {
			current = 0
		}
	}
	return best
}
