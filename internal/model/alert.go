package model

import (
	"sort"
	"time"
)

// AlertStatus is the lifecycle state of an Alert.
type AlertStatus string

const (
	AlertOpen         AlertStatus = "OPEN"
	AlertDispatching  AlertStatus = "DISPATCHING"
	AlertEscalated    AlertStatus = "ESCALATED"
	AlertAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertClosed       AlertStatus = "CLOSED"
)

// Terminal reports whether no further transitions may occur. CLOSED is the
// only fully terminal status; ESCALATED and ACKNOWLEDGED alerts remain
// visible for manual closure.
func (s AlertStatus) Terminal() bool {
	return s == AlertClosed
}

// alertTransitions encodes the allowed status graph. Closing is allowed
// from every non-closed status.
var alertTransitions = map[AlertStatus][]AlertStatus{
	AlertOpen:         {AlertDispatching, AlertClosed},
	AlertDispatching:  {AlertEscalated, AlertAcknowledged, AlertClosed},
	AlertEscalated:    {AlertClosed},
	AlertAcknowledged: {AlertClosed},
	AlertClosed:       {},
}

// CanTransition reports whether an alert may move from one status to another.
func CanTransition(from, to AlertStatus) bool {
	for _, next := range alertTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionSources returns the statuses from which `to` may be reached.
// Stores use this to make status updates conditional, so a transition from
// a terminal status can never be persisted.
func TransitionSources(to AlertStatus) []AlertStatus {
	var sources []AlertStatus
	for from, nexts := range alertTransitions {
		for _, next := range nexts {
			if next == to {
				sources = append(sources, from)
			}
		}
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })
	return sources
}

// AttemptResult is the outcome of a single DeliveryAttempt.
type AttemptResult string

const (
	AttemptPending   AttemptResult = "PENDING"
	AttemptDelivered AttemptResult = "DELIVERED"
	AttemptFailed    AttemptResult = "FAILED"
	AttemptAcked     AttemptResult = "ACKED"
	AttemptTimedOut  AttemptResult = "TIMED_OUT"
)

// TerminalResult reports whether the attempt has reached a final outcome.
// DELIVERED is intermediate: the notification reached the channel but the
// contact has not yet acknowledged or timed out.
func (r AttemptResult) TerminalResult() bool {
	switch r {
	case AttemptFailed, AttemptAcked, AttemptTimedOut:
		return true
	}
	return false
}

// DeliveryAttempt is one notification send to one contact. Append-only;
// only the Result and UpdatedAt fields change after creation.
type DeliveryAttempt struct {
	ID        string        `json:"id"`
	AlertID   string        `json:"alert_id"`
	ContactID string        `json:"contact_id"`
	Tier      int           `json:"tier"`
	Channel   string        `json:"channel"`
	SentAt    time.Time     `json:"sent_at"`
	Result    AttemptResult `json:"result"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Alert is the unit of outbound emergency notification.
type Alert struct {
	ID         string            `json:"id"`
	UserID     string            `json:"user_id"`
	Location   *LatLng           `json:"location,omitempty"`
	Kind       SignalKind        `json:"triggering_signal_kind"`
	Confidence float64           `json:"confidence"`
	Status     AlertStatus       `json:"status"`
	Note       string            `json:"note,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Attempts   []DeliveryAttempt `json:"attempts"`
}

// StatusFromAttempts derives the status implied by a set of delivery
// attempts. exhausted indicates that every contact tier has been attempted.
// The stored status must agree with this derivation while the alert is
// under dispatcher ownership.
func StatusFromAttempts(attempts []DeliveryAttempt, exhausted bool) AlertStatus {
	if len(attempts) == 0 {
		return AlertOpen
	}
	allTerminal := true
	for _, a := range attempts {
		if a.Result == AttemptAcked {
			return AlertAcknowledged
		}
		if !a.Result.TerminalResult() {
			allTerminal = false
		}
	}
	if exhausted && allTerminal {
		return AlertEscalated
	}
	return AlertDispatching
}
