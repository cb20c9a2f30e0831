package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 0.6, cfg.Trigger.VoiceThreshold)
	assert.Contains(t, cfg.Trigger.DistressGestures, "help_gesture")
	assert.Equal(t, 3, cfg.Trigger.ShakeMinRun)
	assert.Equal(t, 120, cfg.Dedupe.CooldownSecs)
	assert.Equal(t, 150.0, cfg.Route.CorridorRadiusMeters)
	assert.Equal(t, 90, cfg.Dispatch.AckTimeoutSecs)
	assert.Equal(t, 3, cfg.Dispatch.SendMaxAttempts)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 1000.0, cfg.Risk.DefaultRadiusMeters)
	assert.Empty(t, cfg.Assist.APIKey)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("LIFELINE_STORE_DRIVER", "postgres")
	t.Setenv("LIFELINE_DEDUPE_COOLDOWN_SECS", "45")
	t.Setenv("LIFELINE_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 45, cfg.Dedupe.CooldownSecs)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestDurationHelpers(t *testing.T) {
	cfg := Config{
		Dedupe:   DedupeConfig{CooldownSecs: 120},
		Route:    RouteConfig{StallSecs: 300, ConfirmTimeoutSecs: 60},
		Dispatch: DispatchConfig{AckTimeoutSecs: 90, SweepIntervalSecs: 60},
	}
	assert.Equal(t, 2*time.Minute, cfg.Dedupe.Cooldown())
	assert.Equal(t, 5*time.Minute, cfg.Route.StallTimeout())
	assert.Equal(t, time.Minute, cfg.Route.ConfirmTimeout())
	assert.Equal(t, 90*time.Second, cfg.Dispatch.AckTimeout())
	assert.Equal(t, time.Minute, cfg.Dispatch.SweepInterval())
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.Error(t, InitLogger(LogConfig{Level: "shouty", Format: "json"}))
}
