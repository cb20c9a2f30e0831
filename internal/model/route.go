package model

import (
	"time"
)

// RouteTrackState is the lifecycle state of a tracked route.
type RouteTrackState string

const (
	TrackTracking     RouteTrackState = "TRACKING"
	TrackAwaiting     RouteTrackState = "AWAITING_CONFIRMATION"
	TrackResolvedSafe RouteTrackState = "RESOLVED_SAFE"
	TrackEscalated    RouteTrackState = "ESCALATED"
	TrackClosed       RouteTrackState = "CLOSED"
)

// Terminal reports whether the track can no longer change state. A new
// RouteTrack must be started to resume tracking after escalation.
func (s RouteTrackState) Terminal() bool {
	switch s {
	case TrackResolvedSafe, TrackEscalated, TrackClosed:
		return true
	}
	return false
}

// RouteTrack is one tracked journey against a planned path. At most one
// per user may be in a non-terminal state at any time.
type RouteTrack struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	PlannedPath []LatLng        `json:"planned_path"`
	State       RouteTrackState `json:"state"`
	StartedAt   time.Time       `json:"started_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Note        string          `json:"note,omitempty"`
}

// Incident is a historical incident report used for location risk analysis.
type Incident struct {
	ID         string    `json:"id"`
	Location   LatLng    `json:"location"`
	Type       string    `json:"type"`
	Severity   int       `json:"severity"` // 1-5
	OccurredAt time.Time `json:"occurred_at"`
	Source     string    `json:"source,omitempty"`
}
