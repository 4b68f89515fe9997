// Copyright 2025 The Dazzle Authors
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

// Package config loads and validates the daemon configuration. Values come
// from three layers: built-in defaults, an optional YAML file merged on top,
// and DAZZLE_* environment variables overriding both.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dazzlehq/dazzle/pkg/backend"
	"github.com/dazzlehq/dazzle/pkg/errors"
)

// Config is the complete daemon configuration.
type Config struct {
	// Backend selects the execution backend: auto, lite, or remote.
	// Environment: DAZZLE_BACKEND
	// Default: auto
	Backend string `yaml:"backend"`

	// DataDir is the directory for local state (database, derived paths).
	// Environment: DAZZLE_DATA_DIR
	// Default: ~/.dazzle
	DataDir string `yaml:"data_dir"`

	// ProcessesDir is an optional directory of process YAML files loaded at
	// startup and watched for changes. Empty disables loading.
	// Environment: DAZZLE_PROCESSES_DIR
	ProcessesDir string `yaml:"processes_dir"`

	// DefaultDSLVersion is stamped on runs started without a pinned version.
	// Default: "0.1"
	DefaultDSLVersion string `yaml:"default_dsl_version"`

	// ShutdownTimeoutSeconds bounds graceful shutdown.
	// Default: 30
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds"`

	// SendWebhookURL, when set, receives a POST for every send step. Empty
	// leaves send steps without a delivery handler.
	// Environment: DAZZLE_SEND_WEBHOOK_URL
	SendWebhookURL string `yaml:"send_webhook_url"`

	Log           LogConfig           `yaml:"log"`
	Lite          LiteConfig          `yaml:"lite"`
	Remote        RemoteConfig        `yaml:"remote"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Environment: DAZZLE_LOG_LEVEL
	// Default: info
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Environment: DAZZLE_LOG_FORMAT
	// Default: json
	Format string `yaml:"format"`

	// Source adds source file and line information to logs.
	// Default: false
	Source bool `yaml:"source"`
}

// LiteConfig configures the embedded lite backend.
type LiteConfig struct {
	// DBPath is the SQLite database path.
	// Environment: DAZZLE_DB_PATH
	// Default: <data_dir>/dazzle.db
	DBPath string `yaml:"db_path"`

	// PollIntervalSeconds is the cadence of signal, task, and subprocess
	// polls inside the run loop.
	// Default: 1
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`

	// SchedulerIntervalSeconds is the cadence of the schedule trigger loop.
	// Default: 30
	SchedulerIntervalSeconds int `yaml:"scheduler_interval_seconds"`
}

// RemoteConfig locates the remote workflow service.
type RemoteConfig struct {
	// Host is the service host.
	// Environment: DAZZLE_REMOTE_HOST
	// Default: 127.0.0.1
	Host string `yaml:"host"`

	// Port is the service gRPC port.
	// Environment: DAZZLE_REMOTE_PORT
	// Default: 7233
	Port int `yaml:"port"`

	// Namespace scopes workflows on the service.
	// Environment: DAZZLE_REMOTE_NAMESPACE
	// Default: default
	Namespace string `yaml:"namespace"`

	// TaskQueue is the base queue name; runs route to "<queue>-v<version>".
	// Environment: DAZZLE_TASK_QUEUE
	// Default: dazzle
	TaskQueue string `yaml:"task_queue"`

	// ConnectTimeoutSeconds bounds the initial health probe.
	// Default: 5
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
}

// APIConfig configures the HTTP API server.
type APIConfig struct {
	// Enabled controls whether the HTTP API listens at all.
	// Environment: DAZZLE_API_ENABLED
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Addr is the listen address.
	// Environment: DAZZLE_API_ADDR
	// Default: 127.0.0.1:8723
	Addr string `yaml:"addr"`

	// RateLimitPerSecond is the sustained request rate across all callers.
	// Default: 50
	RateLimitPerSecond int `yaml:"rate_limit_per_second"`

	// RateLimitBurst is the rate limiter bucket size.
	// Default: 100
	RateLimitBurst int `yaml:"rate_limit_burst"`
}

// ObservabilityConfig configures OpenTelemetry tracing.
type ObservabilityConfig struct {
	// Enabled activates span export. Off by default; metrics and logs do not
	// depend on it.
	Enabled bool `yaml:"enabled"`

	// ServiceName identifies this service in traces.
	// Default: dazzled
	ServiceName string `yaml:"service_name"`

	// ServiceVersion is the application version stamped on traces.
	ServiceVersion string `yaml:"service_version"`
}

// Default returns a Config with every field set to its documented default.
func Default() *Config {
	return &Config{
		Backend:                string(backend.KindAuto),
		DataDir:                defaultDataDir(),
		DefaultDSLVersion:      backend.DefaultDSLVersion,
		ShutdownTimeoutSeconds: 30,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Source: false,
		},
		Lite: LiteConfig{
			PollIntervalSeconds:      1,
			SchedulerIntervalSeconds: 30,
		},
		Remote: RemoteConfig{
			Host:                  "127.0.0.1",
			Port:                  7233,
			Namespace:             "default",
			TaskQueue:             "dazzle",
			ConnectTimeoutSeconds: 5,
		},
		API: APIConfig{
			Enabled:            true,
			Addr:               "127.0.0.1:8723",
			RateLimitPerSecond: 50,
			RateLimitBurst:     100,
		},
		Observability: ObservabilityConfig{
			Enabled:     false,
			ServiceName: "dazzled",
		},
	}
}

// Load builds the effective configuration. A YAML file at path is merged over
// defaults, environment variables override both, and the result is validated.
// An empty path skips the file layer entirely.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, &errors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load %s", path),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultPath returns the conventional config file location. The file is
// optional; callers should only pass it to Load when it exists.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".dazzle", "config.yaml")
}

// loadFromFile merges a YAML file over the current values. Keys absent from
// the file keep whatever they already hold.
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// applyDefaults fills zero values so partially specified sections still end
// up complete. Booleans keep their unmarshalled value; only empty strings and
// zero numbers are filled.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Backend == "" {
		c.Backend = defaults.Backend
	}
	if c.DataDir == "" {
		c.DataDir = defaults.DataDir
	}
	if c.DefaultDSLVersion == "" {
		c.DefaultDSLVersion = defaults.DefaultDSLVersion
	}
	if c.ShutdownTimeoutSeconds == 0 {
		c.ShutdownTimeoutSeconds = defaults.ShutdownTimeoutSeconds
	}

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Lite.PollIntervalSeconds == 0 {
		c.Lite.PollIntervalSeconds = defaults.Lite.PollIntervalSeconds
	}
	if c.Lite.SchedulerIntervalSeconds == 0 {
		c.Lite.SchedulerIntervalSeconds = defaults.Lite.SchedulerIntervalSeconds
	}

	if c.Remote.Host == "" {
		c.Remote.Host = defaults.Remote.Host
	}
	if c.Remote.Port == 0 {
		c.Remote.Port = defaults.Remote.Port
	}
	if c.Remote.Namespace == "" {
		c.Remote.Namespace = defaults.Remote.Namespace
	}
	if c.Remote.TaskQueue == "" {
		c.Remote.TaskQueue = defaults.Remote.TaskQueue
	}
	if c.Remote.ConnectTimeoutSeconds == 0 {
		c.Remote.ConnectTimeoutSeconds = defaults.Remote.ConnectTimeoutSeconds
	}

	if c.API.Addr == "" {
		c.API.Addr = defaults.API.Addr
	}
	if c.API.RateLimitPerSecond == 0 {
		c.API.RateLimitPerSecond = defaults.API.RateLimitPerSecond
	}
	if c.API.RateLimitBurst == 0 {
		c.API.RateLimitBurst = defaults.API.RateLimitBurst
	}

	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = defaults.Observability.ServiceName
	}
}

// loadFromEnv applies DAZZLE_* environment overrides.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("DAZZLE_BACKEND"); val != "" {
		c.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("DAZZLE_DATA_DIR"); val != "" {
		c.DataDir = val
	}
	if val := os.Getenv("DAZZLE_PROCESSES_DIR"); val != "" {
		c.ProcessesDir = val
	}
	if val := os.Getenv("DAZZLE_DB_PATH"); val != "" {
		c.Lite.DBPath = val
	}
	if val := os.Getenv("DAZZLE_REMOTE_HOST"); val != "" {
		c.Remote.Host = val
	}
	if val := os.Getenv("DAZZLE_REMOTE_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Remote.Port = port
		}
	}
	if val := os.Getenv("DAZZLE_REMOTE_NAMESPACE"); val != "" {
		c.Remote.Namespace = val
	}
	if val := os.Getenv("DAZZLE_TASK_QUEUE"); val != "" {
		c.Remote.TaskQueue = val
	}
	if val := os.Getenv("DAZZLE_SEND_WEBHOOK_URL"); val != "" {
		c.SendWebhookURL = val
	}
	if val := os.Getenv("DAZZLE_API_ADDR"); val != "" {
		c.API.Addr = val
	}
	if val := os.Getenv("DAZZLE_API_ENABLED"); val != "" {
		c.API.Enabled = val == "1" || strings.EqualFold(val, "true")
	}
	if val := os.Getenv("DAZZLE_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("DAZZLE_LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
}

// resolvePaths expands ~ prefixes and derives the database path from the
// data directory when no explicit path was given. Runs after the env layer
// so DAZZLE_DATA_DIR moves the default database along with it.
func (c *Config) resolvePaths() {
	c.DataDir = expandHome(c.DataDir)
	c.ProcessesDir = expandHome(c.ProcessesDir)
	c.Lite.DBPath = expandHome(c.Lite.DBPath)

	if c.Lite.DBPath == "" {
		c.Lite.DBPath = filepath.Join(c.DataDir, "dazzle.db")
	}
}

// Validate checks the configuration, returning a ConfigError naming the
// first offending key.
func (c *Config) Validate() error {
	switch backend.Kind(c.Backend) {
	case backend.KindAuto, backend.KindLite, backend.KindRemote:
	default:
		return &errors.ConfigError{
			Key:    "backend",
			Reason: fmt.Sprintf("must be one of [auto, lite, remote], got %q", c.Backend),
		}
	}

	if c.DefaultDSLVersion == "" {
		return &errors.ConfigError{Key: "default_dsl_version", Reason: "must not be empty"}
	}
	if c.ShutdownTimeoutSeconds <= 0 {
		return &errors.ConfigError{
			Key:    "shutdown_timeout_seconds",
			Reason: fmt.Sprintf("must be positive, got %d", c.ShutdownTimeoutSeconds),
		}
	}
	if c.SendWebhookURL != "" {
		u, err := url.Parse(c.SendWebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return &errors.ConfigError{
				Key:    "send_webhook_url",
				Reason: fmt.Sprintf("must be an http or https URL, got %q", c.SendWebhookURL),
			}
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return &errors.ConfigError{
			Key:    "log.level",
			Reason: fmt.Sprintf("must be one of [debug, info, warn, error], got %q", c.Log.Level),
		}
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return &errors.ConfigError{
			Key:    "log.format",
			Reason: fmt.Sprintf("must be one of [json, text], got %q", c.Log.Format),
		}
	}

	if c.Lite.PollIntervalSeconds <= 0 {
		return &errors.ConfigError{
			Key:    "lite.poll_interval_seconds",
			Reason: fmt.Sprintf("must be positive, got %d", c.Lite.PollIntervalSeconds),
		}
	}
	if c.Lite.SchedulerIntervalSeconds <= 0 {
		return &errors.ConfigError{
			Key:    "lite.scheduler_interval_seconds",
			Reason: fmt.Sprintf("must be positive, got %d", c.Lite.SchedulerIntervalSeconds),
		}
	}

	if c.Remote.Host == "" {
		return &errors.ConfigError{Key: "remote.host", Reason: "must not be empty"}
	}
	if c.Remote.Port < 1 || c.Remote.Port > 65535 {
		return &errors.ConfigError{
			Key:    "remote.port",
			Reason: fmt.Sprintf("must be between 1 and 65535, got %d", c.Remote.Port),
		}
	}
	if c.Remote.ConnectTimeoutSeconds <= 0 {
		return &errors.ConfigError{
			Key:    "remote.connect_timeout_seconds",
			Reason: fmt.Sprintf("must be positive, got %d", c.Remote.ConnectTimeoutSeconds),
		}
	}

	if c.API.Enabled {
		if c.API.Addr == "" {
			return &errors.ConfigError{Key: "api.addr", Reason: "required when api.enabled is true"}
		}
		if c.API.RateLimitPerSecond <= 0 {
			return &errors.ConfigError{
				Key:    "api.rate_limit_per_second",
				Reason: fmt.Sprintf("must be positive, got %d", c.API.RateLimitPerSecond),
			}
		}
		if c.API.RateLimitBurst < c.API.RateLimitPerSecond {
			return &errors.ConfigError{
				Key:    "api.rate_limit_burst",
				Reason: fmt.Sprintf("must be at least rate_limit_per_second (%d), got %d", c.API.RateLimitPerSecond, c.API.RateLimitBurst),
			}
		}
	}

	if c.Observability.Enabled && c.Observability.ServiceName == "" {
		return &errors.ConfigError{Key: "observability.service_name", Reason: "required when observability.enabled is true"}
	}

	return nil
}

// ShutdownTimeout returns shutdown_timeout_seconds as a duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// PollInterval returns poll_interval_seconds as a duration.
func (c LiteConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// SchedulerInterval returns scheduler_interval_seconds as a duration.
func (c LiteConfig) SchedulerInterval() time.Duration {
	return time.Duration(c.SchedulerIntervalSeconds) * time.Second
}

// ConnectTimeout returns connect_timeout_seconds as a duration.
func (c RemoteConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// expandHome rewrites a leading ~/ to the user's home directory. Paths that
// cannot be expanded are returned unchanged.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// defaultDataDir returns ~/.dazzle, falling back to a temp-rooted directory
// when the home directory cannot be resolved.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "dazzle")
	}
	return filepath.Join(home, ".dazzle")
}
