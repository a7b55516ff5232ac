// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the pollwatch host configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	pwlog "github.com/tombee/pollwatch/internal/log"
	"github.com/tombee/pollwatch/internal/redisconn"
	pwerrors "github.com/tombee/pollwatch/pkg/errors"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Dispatch kinds.
const (
	DispatchStdout  = "stdout"
	DispatchWebhook = "webhook"
	DispatchRedis   = "redis"
)

// Config represents the complete pollwatch configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	HTTP      HTTPConfig      `yaml:"http"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`

	// Triggers lists glob patterns of trigger registration files
	// (e.g. "~/.config/pollwatch/triggers/**/*.yaml").
	// Environment: POLLWATCH_TRIGGERS (path-list separated)
	Triggers []string `yaml:"triggers,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is the log level (trace, debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is the log format (json, text).
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	AddSource bool `yaml:"add_source"`
}

// StoreConfig selects and configures the watermark store.
type StoreConfig struct {
	// Backend is one of memory, sqlite, postgres, redis.
	// Environment: POLLWATCH_STORE
	// Default: sqlite
	Backend string `yaml:"backend"`

	// Path is the SQLite database file.
	// Environment: POLLWATCH_STORE_PATH
	Path string `yaml:"path,omitempty"`

	// PostgresURL is the PostgreSQL connection string.
	// Environment: POLLWATCH_POSTGRES_URL
	PostgresURL string `yaml:"postgres_url,omitempty"`

	Redis RedisStoreConfig `yaml:"redis,omitempty"`
}

// RedisStoreConfig configures the Redis watermark store.
type RedisStoreConfig struct {
	redisconn.Config `yaml:",inline"`

	// Prefix is prepended to every watermark key.
	Prefix string `yaml:"prefix,omitempty"`
}

// SchedulerConfig configures the bundled poll scheduler.
type SchedulerConfig struct {
	// DefaultInterval applies to triggers that set neither interval nor schedule.
	// Environment: POLLWATCH_DEFAULT_INTERVAL
	// Default: 5m
	DefaultInterval time.Duration `yaml:"default_interval,omitempty"`

	// MinInterval is the shortest interval a trigger may request.
	// Default: 10s
	MinInterval time.Duration `yaml:"min_interval,omitempty"`

	// PollTimeout bounds one poll cycle.
	// Default: 30s
	PollTimeout time.Duration `yaml:"poll_timeout,omitempty"`

	// MaxConcurrent limits cycles running at once across all triggers.
	// Default: 4
	MaxConcurrent int `yaml:"max_concurrent,omitempty"`

	// DistributedLocks takes a Redis lock around every cycle so that
	// several hosts can share one store.
	DistributedLocks bool `yaml:"distributed_locks"`

	// LockTTL is the expiry of a distributed lock.
	// Default: 2 * PollTimeout
	LockTTL time.Duration `yaml:"lock_ttl,omitempty"`

	// Redis is the lock server. Defaults to store.redis.
	Redis redisconn.Config `yaml:"redis,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Environment: POLLWATCH_METRICS_ENABLED
	Enabled bool `yaml:"enabled"`

	// Address is the listen address of the scrape endpoint.
	// Environment: POLLWATCH_METRICS_ADDR
	// Default: 127.0.0.1:9464
	Address string `yaml:"address,omitempty"`

	// Path defaults to /metrics.
	Path string `yaml:"path,omitempty"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	// Exporter is "" (disabled), "stdout", "otlp" (gRPC) or "otlp-http".
	// Environment: POLLWATCH_TRACE
	Exporter string `yaml:"exporter,omitempty"`

	// Endpoint is the OTLP collector host:port.
	// Environment: OTEL_EXPORTER_OTLP_ENDPOINT
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables TLS to the collector.
	Insecure bool `yaml:"insecure,omitempty"`

	Headers map[string]string `yaml:"headers,omitempty"`
}

// HTTPConfig configures the HTTP client shared by sources and the webhook
// dispatcher.
type HTTPConfig struct {
	// Default: 30s
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// Default: 3
	RetryAttempts int `yaml:"retry_attempts,omitempty"`

	UserAgent string `yaml:"user_agent,omitempty"`
}

// DispatchConfig configures where emitted items go.
type DispatchConfig struct {
	// Kind is one of stdout, webhook, redis.
	// Environment: POLLWATCH_DISPATCH
	// Default: stdout
	Kind string `yaml:"kind"`

	// URL is the webhook endpoint.
	// Environment: POLLWATCH_DISPATCH_URL
	URL string `yaml:"url,omitempty"`

	// Headers are added to webhook requests.
	Headers map[string]string `yaml:"headers,omitempty"`

	// Stream is the Redis stream name.
	// Default: pollwatch:items
	Stream string `yaml:"stream,omitempty"`

	// MaxLen caps the Redis stream length (approximate). 0 means unbounded.
	MaxLen int64 `yaml:"max_len,omitempty"`

	// Redis defaults to store.redis.
	Redis redisconn.Config `yaml:"redis,omitempty"`

	// KeepSensitive disables stripping of credential-like fields from item
	// data before delivery.
	KeepSensitive bool `yaml:"keep_sensitive"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			Backend: BackendSQLite,
		},
		Scheduler: SchedulerConfig{
			DefaultInterval: 5 * time.Minute,
			MinInterval:     10 * time.Second,
			PollTimeout:     30 * time.Second,
			MaxConcurrent:   4,
		},
		Metrics: MetricsConfig{
			Address: "127.0.0.1:9464",
			Path:    "/metrics",
		},
		HTTP: HTTPConfig{
			Timeout:       30 * time.Second,
			RetryAttempts: 3,
		},
		Dispatch: DispatchConfig{
			Kind:   DispatchStdout,
			Stream: "pollwatch:items",
		},
	}
}

// Load loads configuration from an optional YAML file, a .env file next to
// it (or in the working directory) and environment variables, in increasing
// order of precedence. A missing file at the default path is not an error.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	explicit := configPath != ""
	if !explicit {
		if p, err := ConfigPath(); err == nil {
			configPath = p
		}
	}

	if configPath != "" {
		path, err := expandHome(configPath)
		if err != nil {
			return nil, &pwerrors.ConfigError{Key: "config_file", Reason: "cannot resolve path", Cause: err}
		}
		if err := cfg.loadFromFile(path); err != nil {
			if explicit || !pwerrors.Is(err, os.ErrNotExist) {
				return nil, &pwerrors.ConfigError{
					Key:    "config_file",
					Reason: fmt.Sprintf("failed to load from %s", path),
					Cause:  err,
				}
			}
		}
		loadDotEnv(filepath.Join(filepath.Dir(path), ".env"))
	}
	loadDotEnv(".env")

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads a .env file if present. Variables already set in the
// environment win.
func loadDotEnv(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	_ = godotenv.Load(path)
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// applyDefaults fills in zero values so minimal configs work.
func (c *Config) applyDefaults() {
	d := Default()

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Store.Backend == "" {
		c.Store.Backend = d.Store.Backend
	}
	if c.Scheduler.DefaultInterval == 0 {
		c.Scheduler.DefaultInterval = d.Scheduler.DefaultInterval
	}
	if c.Scheduler.MinInterval == 0 {
		c.Scheduler.MinInterval = d.Scheduler.MinInterval
	}
	if c.Scheduler.PollTimeout == 0 {
		c.Scheduler.PollTimeout = d.Scheduler.PollTimeout
	}
	if c.Scheduler.MaxConcurrent == 0 {
		c.Scheduler.MaxConcurrent = d.Scheduler.MaxConcurrent
	}
	if c.Scheduler.LockTTL == 0 {
		c.Scheduler.LockTTL = 2 * c.Scheduler.PollTimeout
	}
	if c.Scheduler.Redis.Address == "" {
		c.Scheduler.Redis = c.Store.Redis.Config
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = d.Metrics.Address
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = d.Metrics.Path
	}
	if c.HTTP.Timeout == 0 {
		c.HTTP.Timeout = d.HTTP.Timeout
	}
	if c.HTTP.RetryAttempts == 0 {
		c.HTTP.RetryAttempts = d.HTTP.RetryAttempts
	}
	if c.Dispatch.Kind == "" {
		c.Dispatch.Kind = d.Dispatch.Kind
	}
	if c.Dispatch.Stream == "" {
		c.Dispatch.Stream = d.Dispatch.Stream
	}
	if c.Dispatch.Redis.Address == "" {
		c.Dispatch.Redis = c.Store.Redis.Config
	}
}

// loadFromEnv applies POLLWATCH_* overrides.
func (c *Config) loadFromEnv() {
	lc := pwlog.Config{Level: c.Log.Level, Format: pwlog.Format(c.Log.Format), AddSource: c.Log.AddSource}
	lc.ApplyEnv()
	c.Log.Level, c.Log.Format, c.Log.AddSource = lc.Level, string(lc.Format), lc.AddSource

	if val := os.Getenv("POLLWATCH_STORE"); val != "" {
		c.Store.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("POLLWATCH_STORE_PATH"); val != "" {
		c.Store.Path = val
	}
	if val := os.Getenv("POLLWATCH_POSTGRES_URL"); val != "" {
		c.Store.PostgresURL = val
	}
	if val := os.Getenv("POLLWATCH_REDIS_ADDR"); val != "" {
		c.Store.Redis.Address = val
		if c.Scheduler.Redis.Address == "" {
			c.Scheduler.Redis = c.Store.Redis.Config
		}
		if c.Dispatch.Redis.Address == "" {
			c.Dispatch.Redis = c.Store.Redis.Config
		}
	}
	if val := os.Getenv("POLLWATCH_REDIS_PASSWORD"); val != "" {
		c.Store.Redis.Password = val
	}

	if val := os.Getenv("POLLWATCH_DEFAULT_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Scheduler.DefaultInterval = d
		}
	}
	if val := os.Getenv("POLLWATCH_MAX_CONCURRENT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Scheduler.MaxConcurrent = n
		}
	}

	if val := os.Getenv("POLLWATCH_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = parseBool(val)
	}
	if val := os.Getenv("POLLWATCH_METRICS_ADDR"); val != "" {
		c.Metrics.Address = val
	}
	if val := os.Getenv("POLLWATCH_TRACE"); val != "" {
		c.Tracing.Exporter = strings.ToLower(val)
	}
	if val := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); val != "" {
		c.Tracing.Endpoint = val
	}

	if val := os.Getenv("POLLWATCH_TRIGGERS"); val != "" {
		c.Triggers = filepath.SplitList(val)
	}
	if val := os.Getenv("POLLWATCH_DISPATCH"); val != "" {
		c.Dispatch.Kind = strings.ToLower(val)
	}
	if val := os.Getenv("POLLWATCH_DISPATCH_URL"); val != "" {
		c.Dispatch.URL = val
	}
}

// Validate checks that the configuration is usable. The first problem is
// returned as a *errors.ConfigError naming the offending key.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return invalid("log.level", "must be one of [trace, debug, info, warn, error], got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return invalid("log.format", "must be one of [json, text], got %q", c.Log.Format)
	}

	switch c.Store.Backend {
	case BackendMemory, BackendSQLite:
	case BackendPostgres:
		if c.Store.PostgresURL == "" {
			return invalid("store.postgres_url", "required when store.backend is postgres")
		}
	case BackendRedis:
		if c.Store.Redis.Address == "" {
			return invalid("store.redis.address", "required when store.backend is redis")
		}
	default:
		return invalid("store.backend", "must be one of [memory, sqlite, postgres, redis], got %q", c.Store.Backend)
	}

	if c.Scheduler.MinInterval <= 0 {
		return invalid("scheduler.min_interval", "must be positive, got %v", c.Scheduler.MinInterval)
	}
	if c.Scheduler.DefaultInterval < c.Scheduler.MinInterval {
		return invalid("scheduler.default_interval", "must be at least %v, got %v", c.Scheduler.MinInterval, c.Scheduler.DefaultInterval)
	}
	if c.Scheduler.PollTimeout <= 0 {
		return invalid("scheduler.poll_timeout", "must be positive, got %v", c.Scheduler.PollTimeout)
	}
	if c.Scheduler.MaxConcurrent < 1 {
		return invalid("scheduler.max_concurrent", "must be at least 1, got %d", c.Scheduler.MaxConcurrent)
	}
	if c.Scheduler.DistributedLocks {
		if c.Scheduler.Redis.Address == "" {
			return invalid("scheduler.redis.address", "required when scheduler.distributed_locks is set")
		}
		if c.Scheduler.LockTTL <= c.Scheduler.PollTimeout {
			return invalid("scheduler.lock_ttl", "must exceed scheduler.poll_timeout (%v)", c.Scheduler.PollTimeout)
		}
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return invalid("metrics.address", "required when metrics are enabled")
	}
	switch c.Tracing.Exporter {
	case "", "none", "stdout":
	case "otlp", "otlp-http":
		if c.Tracing.Endpoint == "" {
			return invalid("tracing.endpoint", "required for the %s exporter", c.Tracing.Exporter)
		}
	default:
		return invalid("tracing.exporter", "must be one of [none, stdout, otlp, otlp-http], got %q", c.Tracing.Exporter)
	}

	if c.HTTP.Timeout <= 0 {
		return invalid("http.timeout", "must be positive, got %v", c.HTTP.Timeout)
	}
	if c.HTTP.RetryAttempts < 0 {
		return invalid("http.retry_attempts", "must not be negative, got %d", c.HTTP.RetryAttempts)
	}

	switch c.Dispatch.Kind {
	case DispatchStdout:
	case DispatchWebhook:
		if c.Dispatch.URL == "" {
			return invalid("dispatch.url", "required when dispatch.kind is webhook")
		}
	case DispatchRedis:
		if c.Dispatch.Redis.Address == "" {
			return invalid("dispatch.redis.address", "required when dispatch.kind is redis")
		}
		if c.Dispatch.Stream == "" {
			return invalid("dispatch.stream", "required when dispatch.kind is redis")
		}
	default:
		return invalid("dispatch.kind", "must be one of [stdout, webhook, redis], got %q", c.Dispatch.Kind)
	}

	return nil
}

func invalid(key, format string, args ...any) error {
	return &pwerrors.ConfigError{Key: key, Reason: fmt.Sprintf(format, args...)}
}

func parseBool(val string) bool {
	return val == "1" || strings.EqualFold(val, "true")
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}
