package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(AlertOpen, AlertDispatching))
	assert.True(t, CanTransition(AlertOpen, AlertClosed))
	assert.True(t, CanTransition(AlertDispatching, AlertAcknowledged))
	assert.True(t, CanTransition(AlertDispatching, AlertEscalated))
	assert.True(t, CanTransition(AlertEscalated, AlertClosed))

	assert.False(t, CanTransition(AlertOpen, AlertEscalated), "must pass through DISPATCHING")
	assert.False(t, CanTransition(AlertAcknowledged, AlertEscalated))
	assert.False(t, CanTransition(AlertClosed, AlertOpen), "CLOSED is terminal")
	assert.False(t, CanTransition(AlertClosed, AlertClosed))
}

func TestTransitionSources_Deterministic(t *testing.T) {
	assert.Equal(t,
		[]AlertStatus{AlertAcknowledged, AlertDispatching, AlertEscalated, AlertOpen},
		TransitionSources(AlertClosed))
	assert.Equal(t, []AlertStatus{AlertOpen}, TransitionSources(AlertDispatching))
	assert.Equal(t, []AlertStatus{AlertDispatching}, TransitionSources(AlertAcknowledged))
	assert.Empty(t, TransitionSources(AlertOpen), "nothing reopens an alert")
}

func TestTerminalResult(t *testing.T) {
	assert.False(t, AttemptPending.TerminalResult())
	assert.False(t, AttemptDelivered.TerminalResult(), "delivered still awaits ack or timeout")
	assert.True(t, AttemptFailed.TerminalResult())
	assert.True(t, AttemptAcked.TerminalResult())
	assert.True(t, AttemptTimedOut.TerminalResult())
}

func TestStatusFromAttempts(t *testing.T) {
	assert.Equal(t, AlertOpen, StatusFromAttempts(nil, false))

	pending := []DeliveryAttempt{{Result: AttemptPending}}
	assert.Equal(t, AlertDispatching, StatusFromAttempts(pending, false))

	acked := []DeliveryAttempt{{Result: AttemptTimedOut}, {Result: AttemptAcked}}
	assert.Equal(t, AlertAcknowledged, StatusFromAttempts(acked, false))

	exhausted := []DeliveryAttempt{{Result: AttemptTimedOut}, {Result: AttemptFailed}}
	assert.Equal(t, AlertEscalated, StatusFromAttempts(exhausted, true))
	assert.Equal(t, AlertDispatching, StatusFromAttempts(exhausted, false),
		"tiers remain, keep dispatching")
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "+15550100101", NormalizePhone("+1 (555) 010-0101"))
	assert.Equal(t, "15550100101", NormalizePhone("1 555 010 0101"))
	assert.Equal(t, "+15550100101", NormalizePhone("+1-555-010-0101"))
	assert.Equal(t, "", NormalizePhone(""))
}

func TestSameContact(t *testing.T) {
	base := Contact{Name: "Ana", Phone: "+1 (555) 010-0101", Relation: "sister"}

	samePhone := Contact{Name: "Anna B", Phone: "+15550100101", Relation: "friend"}
	assert.True(t, SameContact(base, samePhone), "normalized phones match")

	sameIdentity := Contact{Name: "  ana ", Phone: "+15559999999", Relation: "sister"}
	assert.True(t, SameContact(base, sameIdentity), "normalized name and relation match")

	different := Contact{Name: "Ben", Phone: "+15550100102", Relation: "friend"}
	assert.False(t, SameContact(base, different))
}

func TestRouteTrackStateTerminal(t *testing.T) {
	assert.False(t, TrackTracking.Terminal())
	assert.False(t, TrackAwaiting.Terminal())
	assert.True(t, TrackResolvedSafe.Terminal())
	assert.True(t, TrackEscalated.Terminal())
	assert.True(t, TrackClosed.Terminal())
}

func TestValidSignalKind(t *testing.T) {
	for _, k := range []SignalKind{SignalVoice, SignalGesture, SignalShake, SignalManual, SignalRouteDeviation} {
		assert.True(t, ValidSignalKind(k))
	}
	assert.False(t, ValidSignalKind("sniff"))
}
