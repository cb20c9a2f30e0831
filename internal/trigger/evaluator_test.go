package trigger

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lifeline-app/lifeline/internal/config"
	"github.com/lifeline-app/lifeline/internal/model"
)

func testConfig() config.TriggerConfig {
	return config.TriggerConfig{
		VoiceThreshold:    0.6,
		DistressGestures:  []string{"help_gesture", "open_palm"},
		ShakeMinRun:       3,
		ShakeIntensity:    0.7,
		ShakeWindowMillis: 3000,
	}
}

func TestEvaluate_ManualAlwaysTriggers(t *testing.T) {
	e := NewEvaluator(testConfig())

	for _, conf := range []float64{0, 0.2, 1.0} {
		decision, err := e.Evaluate(model.SignalReport{
			ID: "r1", UserID: "u1", Kind: model.SignalManual, Confidence: conf,
		})
		require.NoError(t, err)
		assert.True(t, decision.Triggered)
	}
}

func TestEvaluate_VoiceThreshold(t *testing.T) {
	e := NewEvaluator(testConfig())

	voice := &model.VoicePayload{Emotion: "fear", FearDetected: true}

	decision, err := e.Evaluate(model.SignalReport{
		ID: "r1", UserID: "u1", Kind: model.SignalVoice, Confidence: 0.61,
		Payload: model.SignalPayload{Voice: voice},
	})
	require.NoError(t, err)
	assert.True(t, decision.Triggered)

	decision, err = e.Evaluate(model.SignalReport{
		ID: "r2", UserID: "u1", Kind: model.SignalVoice, Confidence: 0.59,
		Payload: model.SignalPayload{Voice: voice},
	})
	require.NoError(t, err)
	assert.False(t, decision.Triggered)

	// Boundary: >= is inclusive.
	decision, err = e.Evaluate(model.SignalReport{
		ID: "r3", UserID: "u1", Kind: model.SignalVoice, Confidence: 0.6,
		Payload: model.SignalPayload{Voice: voice},
	})
	require.NoError(t, err)
	assert.True(t, decision.Triggered)
}

func TestEvaluate_GestureMembership(t *testing.T) {
	e := NewEvaluator(testConfig())

	decision, err := e.Evaluate(model.SignalReport{
		ID: "r1", UserID: "u1", Kind: model.SignalGesture, Confidence: 0.1,
		Payload: model.SignalPayload{Gesture: &model.GesturePayload{Label: "help_gesture"}},
	})
	require.NoError(t, err)
	assert.True(t, decision.Triggered, "distress gesture triggers regardless of confidence")

	decision, err = e.Evaluate(model.SignalReport{
		ID: "r2", UserID: "u1", Kind: model.SignalGesture, Confidence: 0.99,
		Payload: model.SignalPayload{Gesture: &model.GesturePayload{Label: "wave"}},
	})
	require.NoError(t, err)
	assert.False(t, decision.Triggered)
}

func TestEvaluate_ShakeRun(t *testing.T) {
	e := NewEvaluator(testConfig())

	shake := func(intensities ...float64) model.SignalReport {
		return model.SignalReport{
			ID: "r1", UserID: "u1", Kind: model.SignalShake,
			Payload: model.SignalPayload{Shake: &model.ShakePayload{Intensities: intensities}},
		}
	}

	decision, err := e.Evaluate(shake(0.8, 0.9, 0.75))
	require.NoError(t, err)
	assert.True(t, decision.Triggered)

	// Interrupted run does not count.
	decision, err = e.Evaluate(shake(0.8, 0.3, 0.9, 0.85))
	require.NoError(t, err)
	assert.False(t, decision.Triggered)

	decision, err = e.Evaluate(shake(0.9, 0.9))
	require.NoError(t, err)
	assert.False(t, decision.Triggered)
}

func TestEvaluate_RouteDeviationAlwaysAccepted(t *testing.T) {
	e := NewEvaluator(testConfig())

	decision, err := e.Evaluate(model.SignalReport{
		ID: "r1", UserID: "u1", Kind: model.SignalRouteDeviation, Confidence: 1.0,
		Payload: model.SignalPayload{RouteDeviation: &model.RouteDeviationPayload{
			TrackID: "t1", Location: model.LatLng{Lat: 1, Lng: 2}, DistanceMeters: 500,
		}},
	})
	require.NoError(t, err)
	assert.True(t, decision.Triggered)
}

func TestEvaluate_MalformedPayloadRejected(t *testing.T) {
	e := NewEvaluator(testConfig())

	cases := []model.SignalReport{
		{ID: "r1", UserID: "u1", Kind: model.SignalVoice},
		{ID: "r2", UserID: "u1", Kind: model.SignalGesture},
		{ID: "r3", UserID: "u1", Kind: model.SignalShake},
		{ID: "r4", UserID: "u1", Kind: model.SignalRouteDeviation},
		{ID: "r5", UserID: "", Kind: model.SignalManual},
		{ID: "r6", UserID: "u1", Kind: "unknown"},
	}

	for _, report := range cases {
		decision, err := e.Evaluate(report)
		require.Error(t, err, "report %s", report.ID)
		assert.True(t, eris.Is(err, ErrInvalidSignal))
		assert.False(t, decision.Triggered)
	}
}

func TestLongestRun(t *testing.T) {
	assert.Equal(t, 0, longestRun(nil, 0.7))
	assert.Equal(t, 2, longestRun([]float64{0.8, 0.9, 0.1, 0.8}, 0.7))
	assert.Equal(t, 3, longestRun([]float64{0.1, 0.7, 0.7, 0.7}, 0.7))
}
