// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Sessions SessionConfig  `mapstructure:"sessions"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Storage  StorageConfig  `mapstructure:"storage"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	SeedURLs []string       `mapstructure:"seed_urls"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// PoolConfig bounds the autoscaled concurrency pool.
type PoolConfig struct {
	MinConcurrency int     `mapstructure:"min_concurrency"`
	MaxConcurrency int     `mapstructure:"max_concurrency"`
	DesiredRatio   float64 `mapstructure:"desired_ratio"`
	ScaleStepRatio float64 `mapstructure:"scale_step_ratio"`
	TickSeconds    int     `mapstructure:"tick_seconds"`
}

// SnapshotConfig controls load sampling and overload detection.
type SnapshotConfig struct {
	SampleIntervalMs int     `mapstructure:"sample_interval_ms"`
	WindowSize       int     `mapstructure:"window_size"`
	OverloadRatio    float64 `mapstructure:"overload_ratio"`
	CPURatio         float64 `mapstructure:"cpu_ratio"`
	MemoryRatio      float64 `mapstructure:"memory_ratio"`
	EventLoopLagMs   int     `mapstructure:"event_loop_lag_ms"`
	ClientErrorRatio float64 `mapstructure:"client_error_ratio"`
}

// RetryConfig governs the retry policy.
type RetryConfig struct {
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// SessionConfig bounds the session pool.
type SessionConfig struct {
	MaxPoolSize   int     `mapstructure:"max_pool_size"`
	MaxUsageCount int     `mapstructure:"max_usage_count"`
	MaxErrorScore float64 `mapstructure:"max_error_score"`
}

// FetchConfig configures the HTTP fetch stage.
type FetchConfig struct {
	UserAgent      string  `mapstructure:"user_agent"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RespectRobots  bool    `mapstructure:"respect_robots"`
	MaxBodyBytes   int     `mapstructure:"max_body_bytes"`
	PerDomainRPS   float64 `mapstructure:"per_domain_rps"`
	PerDomainBurst int     `mapstructure:"per_domain_burst"`
}

// HeadlessConfig configures the browser rendering stage.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// QueueConfig selects the request queue backend.
type QueueConfig struct {
	Backend string `mapstructure:"backend"` // memory or postgres
	DSN     string `mapstructure:"dsn"`
}

// StorageConfig sets the GCS destination for stored artifacts.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for run event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("pool.min_concurrency", 1)
	v.SetDefault("pool.max_concurrency", 32)
	v.SetDefault("pool.desired_ratio", 0.9)
	v.SetDefault("pool.scale_step_ratio", 0.1)
	v.SetDefault("pool.tick_seconds", 1)
	v.SetDefault("snapshot.sample_interval_ms", 1000)
	v.SetDefault("snapshot.window_size", 30)
	v.SetDefault("snapshot.overload_ratio", 0.9)
	v.SetDefault("snapshot.cpu_ratio", 0.95)
	v.SetDefault("snapshot.memory_ratio", 0.7)
	v.SetDefault("snapshot.event_loop_lag_ms", 500)
	v.SetDefault("snapshot.client_error_ratio", 0.3)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.backoff_initial_ms", 250)
	v.SetDefault("retry.backoff_max_ms", 30000)
	v.SetDefault("sessions.max_pool_size", 1000)
	v.SetDefault("sessions.max_usage_count", 50)
	v.SetDefault("sessions.max_error_score", 3)
	v.SetDefault("fetch.user_agent", "crawlforge-bot/0.1")
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.per_domain_rps", 0)
	v.SetDefault("fetch.per_domain_burst", 1)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pool.MinConcurrency <= 0 {
		return fmt.Errorf("pool.min_concurrency must be > 0")
	}
	if c.Pool.MaxConcurrency < c.Pool.MinConcurrency {
		return fmt.Errorf("pool.max_concurrency must be >= pool.min_concurrency")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Queue.Backend {
	case "memory":
	case "postgres":
		if c.Queue.DSN == "" {
			return fmt.Errorf("queue.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("queue.backend must be memory or postgres, got %q", c.Queue.Backend)
	}
	return nil
}

// FetchTimeout returns the HTTP fetch timeout as a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// SampleInterval returns the snapshot cadence as a duration.
func (c Config) SampleInterval() time.Duration {
	return time.Duration(c.Snapshot.SampleIntervalMs) * time.Millisecond
}
