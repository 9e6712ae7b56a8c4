// Package config loads lexbatch configuration from defaults, config files,
// LEXBATCH_* environment variables and runtime overrides, in increasing
// order of precedence.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/3leaps/lexbatch/pkg/engine"
	"github.com/3leaps/lexbatch/pkg/export"
)

// Config is the complete runtime configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Health    HealthConfig    `mapstructure:"health"`
	Store     StoreConfig     `mapstructure:"store"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Estimate  EstimateConfig  `mapstructure:"estimate"`
	Observe   ObserveConfig   `mapstructure:"observe"`
	Inference InferenceConfig `mapstructure:"inference"`
	Export    ExportConfig    `mapstructure:"export"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// RunEngine starts the submission runner inside the server process.
	RunEngine bool `mapstructure:"run_engine"`

	// AllowedOrigins lists browser origins (scheme://host[:port]) allowed to
	// open the job watch websocket. Empty allows same-host origins only; "*"
	// allows any.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level string `mapstructure:"level"`

	// Profile is STRUCTURED (JSON) or CONSOLE.
	Profile string `mapstructure:"profile"`
}

// HealthConfig toggles the health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// StoreConfig locates the SQLite database shared by records and jobs.
type StoreConfig struct {
	// Path is a local database file. Empty uses the app data directory.
	Path string `mapstructure:"path"`

	// URL is a libsql URL (cgo builds only).
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// EngineConfig tunes submission.
type EngineConfig struct {
	Concurrency         int           `mapstructure:"concurrency"`
	RateLimit           float64       `mapstructure:"rate_limit"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	ClaimBatch          int           `mapstructure:"claim_batch"`
	MaxConsecutiveFatal int           `mapstructure:"max_consecutive_fatal"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	MaxParallelJobs     int           `mapstructure:"max_parallel_jobs"`
	StaleAfter          time.Duration `mapstructure:"stale_after"`
	SweepSchedule       string        `mapstructure:"sweep_schedule"`
}

// EstimateConfig tunes cost estimates.
type EstimateConfig struct {
	SampleSize          int `mapstructure:"sample_size"`
	DefaultOutputTokens int `mapstructure:"default_output_tokens"`
}

// ObserveConfig tunes polling observers.
type ObserveConfig struct {
	PersistentAfter int           `mapstructure:"persistent_after"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
}

// InferenceConfig selects the moderation backend.
type InferenceConfig struct {
	// Provider is gemini or openai.
	Provider string `mapstructure:"provider"`
	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url"`

	// PricingFile replaces the builtin rate table.
	PricingFile string `mapstructure:"pricing_file"`
}

// ExportConfig configures export destinations.
type ExportConfig struct {
	S3 export.S3Options `mapstructure:"s3"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.run_engine", true)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("health.enabled", true)

	v.SetDefault("store.path", "")
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	v.SetDefault("engine.concurrency", 4)
	v.SetDefault("engine.rate_limit", 0.0)
	v.SetDefault("engine.request_timeout", "60s")
	v.SetDefault("engine.claim_batch", 16)
	v.SetDefault("engine.max_consecutive_fatal", 5)
	v.SetDefault("engine.poll_interval", "2s")
	v.SetDefault("engine.max_parallel_jobs", 2)
	v.SetDefault("engine.stale_after", "5m")
	v.SetDefault("engine.sweep_schedule", "@every 1m")

	v.SetDefault("estimate.sample_size", 10)
	v.SetDefault("estimate.default_output_tokens", 64)

	v.SetDefault("observe.persistent_after", 3)
	v.SetDefault("observe.poll_interval", "1s")

	v.SetDefault("inference.provider", "gemini")
	v.SetDefault("inference.api_key", "")
	v.SetDefault("inference.base_url", "")
	v.SetDefault("inference.pricing_file", "")

	v.SetDefault("export.s3.region", "")
	v.SetDefault("export.s3.endpoint", "")
	v.SetDefault("export.s3.profile", "")
	v.SetDefault("export.s3.force_path_style", false)
	v.SetDefault("export.s3.access_key_id", "")
	v.SetDefault("export.s3.secret_access_key", "")
}

// Validate checks constraints that span several settings. Zero durations
// stand for the engine defaults.
func (c *Config) Validate() error {
	timeout := c.Engine.RequestTimeout
	if timeout <= 0 {
		timeout = engine.DefaultConfig().RequestTimeout
	}
	stale := c.Engine.StaleAfter
	if stale <= 0 {
		stale = engine.DefaultRunnerConfig().StaleAfter
	}
	if stale <= timeout {
		return fmt.Errorf("engine.stale_after (%s) must exceed engine.request_timeout (%s); "+
			"the stale sweep would fail items whose calls are still in flight", stale, timeout)
	}
	return nil
}
