// Package normalize converts raw detector output into SignalReports.
// The engine never sees detector-specific shapes; everything downstream of
// this package works on the normalized form.
package normalize

import (
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/lifeline-app/lifeline/internal/model"
)

// ErrMalformedReport is returned when a raw detector report is missing the
// fields its kind requires.
var ErrMalformedReport = eris.New("malformed detector report")

// RawVoice is the voice-emotion classifier's output shape.
type RawVoice struct {
	Emotion      string  `json:"emotion"`
	Confidence   float64 `json:"confidence"`
	FearDetected bool    `json:"fear_detected"`
	StressLevel  float64 `json:"stress_level"`
}

// RawGesture is the gesture recognizer's output shape.
type RawGesture struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// ShakeSample is one accelerometer reading.
type ShakeSample struct {
	Intensity float64 `json:"intensity"`
	AtMillis  int64   `json:"at_millis"`
}

// RawShake is the motion detector's output shape: a burst of samples.
type RawShake struct {
	Samples []ShakeSample `json:"samples"`
}

// RawReport is the envelope detectors publish. Exactly one of the payload
// fields must match Kind; manual reports need only a location.
type RawReport struct {
	UserID     string           `json:"user_id"`
	Kind       model.SignalKind `json:"kind"`
	OccurredAt time.Time        `json:"occurred_at"`
	Location   *model.LatLng    `json:"location,omitempty"`
	Voice      *RawVoice        `json:"voice,omitempty"`
	Gesture    *RawGesture      `json:"gesture,omitempty"`
	Shake      *RawShake        `json:"shake,omitempty"`
}

// Normalizer windows shake samples and derives a distress confidence for
// each kind. It validates schema only, never sensor correctness.
type Normalizer struct {
	shakeWindow time.Duration
	nowFunc     func() time.Time
}

// New creates a Normalizer. shakeWindowMillis bounds the shake sample
// window; samples older than the newest sample minus the window are dropped.
func New(shakeWindowMillis int64) *Normalizer {
	return &Normalizer{
		shakeWindow: time.Duration(shakeWindowMillis) * time.Millisecond,
		nowFunc:     time.Now,
	}
}

// Normalize converts a raw detector report into an immutable SignalReport.
func (n *Normalizer) Normalize(raw RawReport) (model.SignalReport, error) {
	if raw.UserID == "" {
		return model.SignalReport{}, eris.Wrap(ErrMalformedReport, "missing user_id")
	}
	if !model.ValidSignalKind(raw.Kind) {
		return model.SignalReport{}, eris.Wrapf(ErrMalformedReport, "unknown kind %q", raw.Kind)
	}
	if raw.Kind == model.SignalRouteDeviation {
		// Only the route monitor synthesizes these.
		return model.SignalReport{}, eris.Wrap(ErrMalformedReport, "route_deviation reports cannot be submitted by detectors")
	}

	occurred := raw.OccurredAt
	if occurred.IsZero() {
		occurred = n.nowFunc().UTC()
	}

	report := model.SignalReport{
		ID:         uuid.NewString(),
		UserID:     raw.UserID,
		Kind:       raw.Kind,
		OccurredAt: occurred,
		Location:   raw.Location,
	}

	switch raw.Kind {
	case model.SignalVoice:
		if raw.Voice == nil {
			return model.SignalReport{}, eris.Wrap(ErrMalformedReport, "voice report missing voice payload")
		}
		report.Confidence = voiceConfidence(*raw.Voice)
		report.Payload.Voice = &model.VoicePayload{
			Emotion:      raw.Voice.Emotion,
			StressLevel:  clamp01(raw.Voice.StressLevel),
			FearDetected: raw.Voice.FearDetected,
		}

	case model.SignalGesture:
		if raw.Gesture == nil || raw.Gesture.Label == "" {
			return model.SignalReport{}, eris.Wrap(ErrMalformedReport, "gesture report missing label")
		}
		report.Confidence = clamp01(raw.Gesture.Confidence)
		report.Payload.Gesture = &model.GesturePayload{Label: raw.Gesture.Label}

	case model.SignalShake:
		if raw.Shake == nil || len(raw.Shake.Samples) == 0 {
			return model.SignalReport{}, eris.Wrap(ErrMalformedReport, "shake report missing samples")
		}
		windowed := n.windowShake(raw.Shake.Samples)
		report.Confidence = maxIntensity(windowed)
		report.Payload.Shake = &model.ShakePayload{
			Intensities:  windowed,
			WindowMillis: n.shakeWindow.Milliseconds(),
		}

	case model.SignalManual:
		report.Confidence = 1.0
	}

	return report, nil
}

// voiceConfidence derives a distress probability from the classifier
// output. Without a fear/stress emotion the stress level alone contributes
// a small residual so borderline classifications still surface in audit.
func voiceConfidence(v RawVoice) float64 {
	if v.FearDetected {
		return clamp01(0.7*v.Confidence + 0.3*v.StressLevel)
	}
	return clamp01(0.25 * v.StressLevel)
}

// windowShake keeps the intensities of samples inside the window ending at
// the newest sample, preserving arrival order.
func (n *Normalizer) windowShake(samples []ShakeSample) []float64 {
	newest := samples[0].AtMillis
	for _, s := range samples {
		if s.AtMillis > newest {
			newest = s.AtMillis
		}
	}
	cutoff := newest - n.shakeWindow.Milliseconds()

	out := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s.AtMillis >= cutoff {
			out = append(out, clamp01(s.Intensity))
		}
	}
	return out
}

func maxIntensity(intensities []float64) float64 {
	var max float64
	for _, v := range intensities {
		if v > max {
			max = v
		}
	}
	return max
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
