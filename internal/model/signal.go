package model

import (
	"time"
)

// SignalKind identifies which detector produced a report.
type SignalKind string

const (
	SignalVoice          SignalKind = "voice"
	SignalGesture        SignalKind = "gesture"
	SignalShake          SignalKind = "shake"
	SignalManual         SignalKind = "manual"
	SignalRouteDeviation SignalKind = "route_deviation"
)

// ValidSignalKind reports whether k is a known signal kind.
func ValidSignalKind(k SignalKind) bool {
	switch k {
	case SignalVoice, SignalGesture, SignalShake, SignalManual, SignalRouteDeviation:
		return true
	}
	return false
}

// LatLng is a WGS84 coordinate.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// VoicePayload carries the output of the external voice-emotion classifier.
type VoicePayload struct {
	Emotion      string  `json:"emotion"`
	StressLevel  float64 `json:"stress_level"`
	FearDetected bool    `json:"fear_detected"`
}

// GesturePayload carries a recognized gesture label. Gesture detectors
// pre-filter on their own confidence before reporting.
type GesturePayload struct {
	Label string `json:"label"`
}

// ShakePayload carries a windowed run of accelerometer intensity samples.
type ShakePayload struct {
	Intensities  []float64 `json:"intensities"`
	WindowMillis int64     `json:"window_millis"`
}

// RouteDeviationPayload carries the deviating location for a synthetic
// route-deviation report.
type RouteDeviationPayload struct {
	TrackID        string  `json:"track_id"`
	Location       LatLng  `json:"location"`
	DistanceMeters float64 `json:"distance_meters"`
}

// SignalPayload is the kind-specific body of a SignalReport. Exactly the
// field matching the report's Kind is set; manual reports carry no payload
// beyond the location.
type SignalPayload struct {
	Voice          *VoicePayload          `json:"voice,omitempty"`
	Gesture        *GesturePayload        `json:"gesture,omitempty"`
	Shake          *ShakePayload          `json:"shake,omitempty"`
	RouteDeviation *RouteDeviationPayload `json:"route_deviation,omitempty"`
}

// SignalReport is a normalized emergency-candidate event from any detector.
// Immutable once created.
type SignalReport struct {
	ID         string        `json:"id"`
	UserID     string        `json:"user_id"`
	Kind       SignalKind    `json:"kind"`
	Confidence float64       `json:"confidence"`
	OccurredAt time.Time     `json:"occurred_at"`
	Location   *LatLng       `json:"location,omitempty"`
	Payload    SignalPayload `json:"payload"`
}

// TriggerDecision is the evaluator's verdict on a single SignalReport.
// Derived, not persisted beyond the evaluation step.
type TriggerDecision struct {
	SignalReportID string `json:"signal_report_id"`
	Triggered      bool   `json:"triggered"`
	Reason         string `json:"reason"`

	// AlertID is set when the trigger created or was suppressed into an alert.
	AlertID string `json:"alert_id,omitempty"`
	// Suppressed is true when the trigger fell inside the dedup cooldown
	// and was folded into the alert referenced by AlertID.
	Suppressed bool `json:"suppressed,omitempty"`
}

// SuppressedTrigger is the audit record for a trigger folded into an
// existing alert by the deduplication window.
type SuppressedTrigger struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	AlertID        string     `json:"alert_id"`
	SignalReportID string     `json:"signal_report_id"`
	Kind           SignalKind `json:"kind"`
	SuppressedAt   time.Time  `json:"suppressed_at"`
}
