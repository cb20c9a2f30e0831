package normalize

import (
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lifeline-app/lifeline/internal/model"
)

func TestNormalize_Manual(t *testing.T) {
	n := New(3000)

	report, err := n.Normalize(RawReport{
		UserID:   "u1",
		Kind:     model.SignalManual,
		Location: &model.LatLng{Lat: 28.6139, Lng: 77.2090},
	})
	require.NoError(t, err)

	assert.Equal(t, model.SignalManual, report.Kind)
	assert.Equal(t, 1.0, report.Confidence)
	assert.NotEmpty(t, report.ID)
	assert.False(t, report.OccurredAt.IsZero())
}

func TestNormalize_VoiceFearDetected(t *testing.T) {
	n := New(3000)

	report, err := n.Normalize(RawReport{
		UserID: "u1",
		Kind:   model.SignalVoice,
		Voice: &RawVoice{
			Emotion:      "fear",
			Confidence:   0.9,
			FearDetected: true,
			StressLevel:  0.8,
		},
	})
	require.NoError(t, err)

	assert.InDelta(t, 0.7*0.9+0.3*0.8, report.Confidence, 1e-9)
	require.NotNil(t, report.Payload.Voice)
	assert.Equal(t, "fear", report.Payload.Voice.Emotion)
	assert.True(t, report.Payload.Voice.FearDetected)
}

func TestNormalize_VoiceCalmHasLowConfidence(t *testing.T) {
	n := New(3000)

	report, err := n.Normalize(RawReport{
		UserID: "u1",
		Kind:   model.SignalVoice,
		Voice: &RawVoice{
			Emotion:     "calm",
			Confidence:  0.95,
			StressLevel: 0.2,
		},
	})
	require.NoError(t, err)
	assert.Less(t, report.Confidence, 0.1)
}

func TestNormalize_ShakeWindowing(t *testing.T) {
	n := New(3000)

	report, err := n.Normalize(RawReport{
		UserID: "u1",
		Kind:   model.SignalShake,
		Shake: &RawShake{Samples: []ShakeSample{
			{Intensity: 0.9, AtMillis: 1000}, // outside window
			{Intensity: 0.8, AtMillis: 5500},
			{Intensity: 0.85, AtMillis: 6000},
			{Intensity: 0.75, AtMillis: 6500},
		}},
	})
	require.NoError(t, err)

	require.NotNil(t, report.Payload.Shake)
	assert.Equal(t, []float64{0.8, 0.85, 0.75}, report.Payload.Shake.Intensities)
	assert.Equal(t, 0.85, report.Confidence)
}

func TestNormalize_MalformedReports(t *testing.T) {
	n := New(3000)

	cases := []struct {
		name string
		raw  RawReport
	}{
		{"missing user", RawReport{Kind: model.SignalManual}},
		{"unknown kind", RawReport{UserID: "u1", Kind: "telepathy"}},
		{"voice without payload", RawReport{UserID: "u1", Kind: model.SignalVoice}},
		{"gesture without label", RawReport{UserID: "u1", Kind: model.SignalGesture, Gesture: &RawGesture{}}},
		{"shake without samples", RawReport{UserID: "u1", Kind: model.SignalShake, Shake: &RawShake{}}},
		{"detector-injected route deviation", RawReport{UserID: "u1", Kind: model.SignalRouteDeviation}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := n.Normalize(tc.raw)
			require.Error(t, err)
			assert.True(t, eris.Is(err, ErrMalformedReport))
		})
	}
}

func TestNormalize_ConfidenceClamped(t *testing.T) {
	n := New(3000)

	report, err := n.Normalize(RawReport{
		UserID:  "u1",
		Kind:    model.SignalGesture,
		Gesture: &RawGesture{Label: "help_gesture", Confidence: 1.7},
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, report.Confidence)
}

func TestNormalize_PreservesOccurredAt(t *testing.T) {
	n := New(3000)
	at := time.Date(2026, 5, 1, 22, 15, 0, 0, time.UTC)

	report, err := n.Normalize(RawReport{
		UserID:     "u1",
		Kind:       model.SignalManual,
		OccurredAt: at,
	})
	require.NoError(t, err)
	assert.Equal(t, at, report.OccurredAt)
}
