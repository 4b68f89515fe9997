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

// Package log wraps log/slog with the engine's field vocabulary: every
// component logs runs, steps, tasks, and schedules under the same keys so
// one query finds a run's full trail across the executor, the scheduler,
// and the API.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format selects the handler encoding.
type Format string

const (
	// FormatJSON emits one JSON object per record. Default.
	FormatJSON Format = "json"
	// FormatText emits human-readable key=value records.
	FormatText Format = "text"
)

// LevelTrace sits below Debug for per-step noise: resolved input bags,
// raw signal payloads, poll ticks.
const LevelTrace = slog.Level(-8)

// Field keys shared by every component. Log queries join on these.
const (
	// RunIDKey carries the run identifier.
	RunIDKey = "run_id"
	// StepKey carries the step name.
	StepKey = "step"
	// ProcessKey carries the process name.
	ProcessKey = "process"
	// TaskIDKey carries the human task identifier.
	TaskIDKey = "task_id"
	// ScheduleKey carries the schedule name.
	ScheduleKey = "schedule"
	// VersionKey carries the DSL version identifier.
	VersionKey = "dsl_version"
	// DurationKey carries elapsed time in milliseconds.
	DurationKey = "duration_ms"
	// EventKey carries lifecycle event schema names.
	EventKey = "event"
	// ComponentKey names the emitting component.
	ComponentKey = "component"
)

// Config controls logger construction.
type Config struct {
	// Level is the minimum level: trace, debug, info, warn, error.
	Level string

	// Format is json or text.
	Format Format

	// Output receives records; nil means os.Stderr.
	Output io.Writer

	// AddSource attaches file:line to every record.
	AddSource bool
}

// DefaultConfig is info-level JSON on stderr.
func DefaultConfig() *Config {
	return &Config{Level: "info", Format: FormatJSON, Output: os.Stderr}
}

// FromEnv builds a Config from the environment. DAZZLE_DEBUG=1 forces
// debug with source locations; otherwise DAZZLE_LOG_LEVEL wins over
// LOG_LEVEL. LOG_FORMAT picks json or text and LOG_SOURCE=1 adds
// file:line.
func FromEnv() *Config {
	cfg := DefaultConfig()

	switch os.Getenv("DAZZLE_DEBUG") {
	case "true", "1":
		cfg.Level = "debug"
		cfg.AddSource = true
	default:
		level := os.Getenv("DAZZLE_LOG_LEVEL")
		if level == "" {
			level = os.Getenv("LOG_LEVEL")
		}
		if level != "" {
			cfg.Level = strings.ToLower(level)
		}
	}

	if f := os.Getenv("LOG_FORMAT"); f != "" {
		cfg.Format = Format(strings.ToLower(f))
	}
	if os.Getenv("LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}
	return cfg
}

// New builds a logger from cfg. A nil cfg gets defaults; an unknown
// format falls back to JSON.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	if cfg.Format == FormatText {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

// parseLevel maps a level name to slog.Level; unknown names mean info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent tags a logger with the emitting component's name.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(ComponentKey, component)
}

// WithRequestID tags a logger with an API request identifier.
func WithRequestID(logger *slog.Logger, requestID string) *slog.Logger {
	return logger.With("request_id", requestID)
}

// WithRunContext tags a logger with a run's identity, so every record of
// that run's goroutine carries run_id and process.
func WithRunContext(logger *slog.Logger, runID, processName string) *slog.Logger {
	return logger.With(
		slog.String(RunIDKey, runID),
		slog.String(ProcessKey, processName),
	)
}

// WithStepContext tags a logger with run_id and step for one step's
// attempts.
func WithStepContext(logger *slog.Logger, runID, step string) *slog.Logger {
	return logger.With(
		slog.String(RunIDKey, runID),
		slog.String(StepKey, step),
	)
}

// WithTaskContext tags a logger with run_id and task_id for the human
// task lifecycle.
func WithTaskContext(logger *slog.Logger, runID, taskID string) *slog.Logger {
	return logger.With(
		slog.String(RunIDKey, runID),
		slog.String(TaskIDKey, taskID),
	)
}

// Attr wraps slog.Any under a shorter name.
func Attr(key string, value any) slog.Attr { return slog.Any(key, value) }

// String wraps slog.String.
func String(key, value string) slog.Attr { return slog.String(key, value) }

// Int wraps slog.Int.
func Int(key string, value int) slog.Attr { return slog.Int(key, value) }

// Int64 wraps slog.Int64.
func Int64(key string, value int64) slog.Attr { return slog.Int64(key, value) }

// Bool wraps slog.Bool.
func Bool(key string, value bool) slog.Attr { return slog.Bool(key, value) }

// Error renders err under the "error" key.
func Error(err error) slog.Attr { return slog.Any("error", err) }

// Duration records a millisecond count under key + "_ms".
func Duration(key string, value int64) slog.Attr { return slog.Int64(key+"_ms", value) }

// Trace logs at trace level, skipping attribute evaluation when the
// level is disabled.
func Trace(logger *slog.Logger, msg string, attrs ...slog.Attr) {
	if !logger.Enabled(nil, LevelTrace) {
		return
	}
	logger.LogAttrs(nil, LevelTrace, msg, attrs...)
}
