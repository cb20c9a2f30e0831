package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
	Trigger  TriggerConfig  `yaml:"trigger" mapstructure:"trigger"`
	Dedupe   DedupeConfig   `yaml:"dedupe" mapstructure:"dedupe"`
	Route    RouteConfig    `yaml:"route" mapstructure:"route"`
	Dispatch DispatchConfig `yaml:"dispatch" mapstructure:"dispatch"`
	Notify   NotifyConfig   `yaml:"notify" mapstructure:"notify"`
	Kafka    KafkaConfig    `yaml:"kafka" mapstructure:"kafka"`
	Risk     RiskConfig     `yaml:"risk" mapstructure:"risk"`
	Assist   AssistConfig   `yaml:"assist" mapstructure:"assist"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "sqlite" or "postgres"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// TriggerConfig holds the per-kind trigger policy knobs. The evaluator
// applies these; it owns none of the values.
type TriggerConfig struct {
	VoiceThreshold    float64  `yaml:"voice_threshold" mapstructure:"voice_threshold"`
	DistressGestures  []string `yaml:"distress_gestures" mapstructure:"distress_gestures"`
	ShakeMinRun       int      `yaml:"shake_min_run" mapstructure:"shake_min_run"`
	ShakeIntensity    float64  `yaml:"shake_intensity" mapstructure:"shake_intensity"`
	ShakeWindowMillis int64    `yaml:"shake_window_millis" mapstructure:"shake_window_millis"`
}

// DedupeConfig configures duplicate-trigger suppression.
type DedupeConfig struct {
	CooldownSecs int `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
}

// Cooldown returns the dedup window as a duration.
func (c DedupeConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSecs) * time.Second
}

// RouteConfig configures the route deviation monitor.
type RouteConfig struct {
	CorridorRadiusMeters float64 `yaml:"corridor_radius_meters" mapstructure:"corridor_radius_meters"`
	StallSecs            int     `yaml:"stall_secs" mapstructure:"stall_secs"`
	ConfirmTimeoutSecs   int     `yaml:"confirm_timeout_secs" mapstructure:"confirm_timeout_secs"`
}

// StallTimeout returns the no-progress threshold as a duration.
func (c RouteConfig) StallTimeout() time.Duration {
	return time.Duration(c.StallSecs) * time.Second
}

// ConfirmTimeout returns the safe/unsafe confirmation window as a duration.
func (c RouteConfig) ConfirmTimeout() time.Duration {
	return time.Duration(c.ConfirmTimeoutSecs) * time.Second
}

// DispatchConfig configures the escalation dispatcher.
type DispatchConfig struct {
	AckTimeoutSecs     int     `yaml:"ack_timeout_secs" mapstructure:"ack_timeout_secs"`
	SendMaxAttempts    int     `yaml:"send_max_attempts" mapstructure:"send_max_attempts"`
	SendBackoffMillis  int64   `yaml:"send_backoff_millis" mapstructure:"send_backoff_millis"`
	SendBackoffMaxSecs int     `yaml:"send_backoff_max_secs" mapstructure:"send_backoff_max_secs"`
	SendJitterFraction float64 `yaml:"send_jitter_fraction" mapstructure:"send_jitter_fraction"`
	SweepIntervalSecs  int     `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
}

// AckTimeout returns the per-attempt acknowledgement window as a duration.
func (c DispatchConfig) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutSecs) * time.Second
}

// SweepInterval returns the consistency-sweep cadence as a duration.
func (c DispatchConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSecs) * time.Second
}

// NotifyConfig configures the outbound notifier.
type NotifyConfig struct {
	WebhookURL     string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSecond  float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	RateBurst      int     `yaml:"rate_burst" mapstructure:"rate_burst"`
	CircuitFailure int     `yaml:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
}

// KafkaConfig configures the detector report consumer.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers" mapstructure:"brokers"`
	SignalsTopic  string   `yaml:"signals_topic" mapstructure:"signals_topic"`
	ConsumerGroup string   `yaml:"consumer_group" mapstructure:"consumer_group"`
}

// RiskConfig configures historical incident risk analysis.
type RiskConfig struct {
	DefaultRadiusMeters float64 `yaml:"default_radius_meters" mapstructure:"default_radius_meters"`
	LookbackDays        int     `yaml:"lookback_days" mapstructure:"lookback_days"`
}

// AssistConfig configures the safety-chat advisor.
type AssistConfig struct {
	APIKey    string `yaml:"api_key" mapstructure:"api_key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LIFELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "lifeline.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("trigger.voice_threshold", 0.6)
	v.SetDefault("trigger.distress_gestures", []string{"help_gesture", "open_palm", "peace_sign"})
	v.SetDefault("trigger.shake_min_run", 3)
	v.SetDefault("trigger.shake_intensity", 0.7)
	v.SetDefault("trigger.shake_window_millis", 3000)
	v.SetDefault("dedupe.cooldown_secs", 120)
	v.SetDefault("route.corridor_radius_meters", 150)
	v.SetDefault("route.stall_secs", 300)
	v.SetDefault("route.confirm_timeout_secs", 60)
	v.SetDefault("dispatch.ack_timeout_secs", 90)
	v.SetDefault("dispatch.send_max_attempts", 3)
	v.SetDefault("dispatch.send_backoff_millis", 500)
	v.SetDefault("dispatch.send_backoff_max_secs", 30)
	v.SetDefault("dispatch.send_jitter_fraction", 0.25)
	v.SetDefault("dispatch.sweep_interval_secs", 60)
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.timeout_secs", 10)
	v.SetDefault("notify.rate_per_second", 10)
	v.SetDefault("notify.rate_burst", 20)
	v.SetDefault("notify.circuit_failure_threshold", 5)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.signals_topic", "detector.reports")
	v.SetDefault("kafka.consumer_group", "lifeline-engine")
	v.SetDefault("risk.default_radius_meters", 1000)
	v.SetDefault("risk.lookback_days", 180)
	v.SetDefault("assist.api_key", "")
	v.SetDefault("assist.model", "claude-haiku-4-5-20251001")
	v.SetDefault("assist.max_tokens", 512)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
