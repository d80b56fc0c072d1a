// Package config loads and validates webfarm configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Fixtures  FixturesConfig  `mapstructure:"fixtures"`
	Farm      FarmConfig      `mapstructure:"farm"`
	Run       RunConfig       `mapstructure:"run"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// HTTPConfig configures the HTTP transport and retry behavior.
type HTTPConfig struct {
	TimeoutSeconds      int     `mapstructure:"timeout_seconds"`
	UserAgent           string  `mapstructure:"user_agent"`
	MaxAttempts         int     `mapstructure:"max_attempts"`
	BackoffBaseMs       int     `mapstructure:"backoff_base_ms"`
	BackoffMultiplier   float64 `mapstructure:"backoff_multiplier"`
	BackoffMaxMs        int     `mapstructure:"backoff_max_ms"`
	Jitter              bool    `mapstructure:"jitter"`
	MaxRetryAfterSec    int     `mapstructure:"max_retry_after_seconds"`
	Tracing             bool    `mapstructure:"tracing"`
	MaxBodyBytes        int     `mapstructure:"max_body_bytes"`
	InsecureSkipVerify  bool    `mapstructure:"insecure_skip_verify"`
	DisableCompression  bool    `mapstructure:"disable_compression"`
	MaxIdleConnsPerHost int     `mapstructure:"max_idle_conns_per_host"`
}

// RateLimitConfig controls per-domain throttling.
type RateLimitConfig struct {
	IntervalMs        int              `mapstructure:"interval_ms"`
	Backend           string           `mapstructure:"backend"`
	RedisAddr         string           `mapstructure:"redis_addr"`
	RedisPrefix       string           `mapstructure:"redis_prefix"`
	RegistrableDomain bool             `mapstructure:"registrable_domain"`
	Domains           []DomainInterval `mapstructure:"domains"`
}

// DomainInterval overrides the minimum interval for one domain.
type DomainInterval struct {
	Domain     string `mapstructure:"domain"`
	IntervalMs int    `mapstructure:"interval_ms"`
}

// HeadlessConfig configures the browser fallback fetcher.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// StorageConfig selects and configures the run store backend.
type StorageConfig struct {
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
	DSN        string `mapstructure:"dsn"`
	MaxConns   int32  `mapstructure:"max_conns"`
	MinConns   int32  `mapstructure:"min_conns"`
}

// FixturesConfig selects where fixtures are captured and replayed from.
type FixturesConfig struct {
	Backend   string `mapstructure:"backend"`
	Dir       string `mapstructure:"dir"`
	Bucket    string `mapstructure:"bucket"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	Prefix    string `mapstructure:"prefix"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// FarmConfig controls multi-profile fan-out.
type FarmConfig struct {
	Workers    int `mapstructure:"workers"`
	QueueDepth int `mapstructure:"queue_depth"`
}

// RunConfig carries per-run bounds applied when a profile does not set them.
type RunConfig struct {
	MaxBatches int `mapstructure:"max_batches"`
	MaxItems   int `mapstructure:"max_items"`
}

// SecretsConfig points at the local secrets file.
type SecretsConfig struct {
	Path string `mapstructure:"path"`
}

// NotifyConfig selects the run completion publisher.
type NotifyConfig struct {
	Backend   string `mapstructure:"backend"`
	Topic     string `mapstructure:"topic"`
	ProjectID string `mapstructure:"project_id"`
	NATSURL   string `mapstructure:"nats_url"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// TelemetryConfig controls OpenTelemetry tracing. Spans are exported to
// Cloud Trace when ProjectID is set and kept in-process otherwise.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WEBFARM")
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
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("http.timeout_seconds", 20)
	v.SetDefault("http.user_agent", "webfarm/0.1")
	v.SetDefault("http.max_attempts", 4)
	v.SetDefault("http.backoff_base_ms", 500)
	v.SetDefault("http.backoff_multiplier", 2.0)
	v.SetDefault("http.backoff_max_ms", 8000)
	v.SetDefault("http.jitter", true)
	v.SetDefault("http.max_retry_after_seconds", 120)
	v.SetDefault("http.tracing", false)
	v.SetDefault("http.max_body_bytes", 20*1024*1024)
	v.SetDefault("http.max_idle_conns_per_host", 4)
	v.SetDefault("ratelimit.interval_ms", 1000)
	v.SetDefault("ratelimit.backend", "memory")
	v.SetDefault("ratelimit.redis_prefix", "webfarm:rl:")
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.sqlite_path", "data/webfarm.db")
	v.SetDefault("fixtures.backend", "local")
	v.SetDefault("fixtures.dir", "fixtures")
	v.SetDefault("fixtures.region", "us-east-1")
	v.SetDefault("farm.workers", 2)
	v.SetDefault("farm.queue_depth", 64)
	v.SetDefault("run.max_batches", 200)
	v.SetDefault("run.max_items", 0)
	v.SetDefault("notify.backend", "none")
	v.SetDefault("notify.topic", "webfarm.runs")
	v.SetDefault("server.port", 9090)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "webfarm")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxAttempts <= 0 {
		return fmt.Errorf("http.max_attempts must be > 0")
	}
	if c.HTTP.BackoffMultiplier < 1 {
		return fmt.Errorf("http.backoff_multiplier must be >= 1")
	}
	if c.RateLimit.IntervalMs < 0 {
		return fmt.Errorf("ratelimit.interval_ms must be >= 0")
	}
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.RateLimit.RedisAddr == "" {
			return fmt.Errorf("ratelimit.redis_addr must be set when backend is redis")
		}
	default:
		return fmt.Errorf("ratelimit.backend %q is not supported", c.RateLimit.Backend)
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path must be set when backend is sqlite")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set when backend is postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	switch c.Fixtures.Backend {
	case "local", "memory":
	case "gcs", "s3":
		if c.Fixtures.Bucket == "" {
			return fmt.Errorf("fixtures.bucket must be set when backend is %s", c.Fixtures.Backend)
		}
	default:
		return fmt.Errorf("fixtures.backend %q is not supported", c.Fixtures.Backend)
	}
	if c.Farm.Workers <= 0 {
		return fmt.Errorf("farm.workers must be > 0")
	}
	if c.Run.MaxBatches < 0 || c.Run.MaxItems < 0 {
		return fmt.Errorf("run.max_batches and run.max_items must be >= 0")
	}
	switch c.Notify.Backend {
	case "none":
	case "pubsub":
		if c.Notify.ProjectID == "" {
			return fmt.Errorf("notify.project_id must be set when backend is pubsub")
		}
	case "nats":
		if c.Notify.NATSURL == "" {
			return fmt.Errorf("notify.nats_url must be set when backend is nats")
		}
	default:
		return fmt.Errorf("notify.backend %q is not supported", c.Notify.Backend)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

// RequestTimeout converts the HTTP timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// RateInterval converts the default rate limit interval into a duration.
func (c Config) RateInterval() time.Duration {
	return time.Duration(c.RateLimit.IntervalMs) * time.Millisecond
}
