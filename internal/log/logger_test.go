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

package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != "info" {
		t.Errorf("expected default level 'info', got %q", cfg.Level)
	}

	if cfg.Format != FormatJSON {
		t.Errorf("expected default format 'json', got %q", cfg.Format)
	}

	if cfg.Output != os.Stderr {
		t.Errorf("expected default output to be os.Stderr")
	}

	if cfg.AddSource {
		t.Errorf("expected default AddSource to be false")
	}
}

func TestFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		expected *Config
	}{
		{
			name:    "defaults when no env vars",
			envVars: map[string]string{},
			expected: &Config{
				Level:     "info",
				Format:    FormatJSON,
				Output:    os.Stderr,
				AddSource: false,
			},
		},
		{
			name: "LOG_LEVEL=debug",
			envVars: map[string]string{
				"LOG_LEVEL": "debug",
			},
			expected: &Config{
				Level:     "debug",
				Format:    FormatJSON,
				Output:    os.Stderr,
				AddSource: false,
			},
		},
		{
			name: "DAZZLE_LOG_LEVEL wins over LOG_LEVEL",
			envVars: map[string]string{
				"DAZZLE_LOG_LEVEL": "warn",
				"LOG_LEVEL":        "debug",
			},
			expected: &Config{
				Level:     "warn",
				Format:    FormatJSON,
				Output:    os.Stderr,
				AddSource: false,
			},
		},
		{
			name: "DAZZLE_DEBUG wins over everything",
			envVars: map[string]string{
				"DAZZLE_DEBUG":     "1",
				"DAZZLE_LOG_LEVEL": "error",
			},
			expected: &Config{
				Level:     "debug",
				Format:    FormatJSON,
				Output:    os.Stderr,
				AddSource: true,
			},
		},
		{
			name: "LOG_FORMAT=text and LOG_SOURCE=1",
			envVars: map[string]string{
				"LOG_FORMAT": "text",
				"LOG_SOURCE": "1",
			},
			expected: &Config{
				Level:     "info",
				Format:    FormatText,
				Output:    os.Stderr,
				AddSource: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"DAZZLE_DEBUG", "DAZZLE_LOG_LEVEL", "LOG_LEVEL", "LOG_FORMAT", "LOG_SOURCE"} {
				t.Setenv(k, "")
				os.Unsetenv(k)
			}
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg := FromEnv()

			if cfg.Level != tt.expected.Level {
				t.Errorf("Level = %q, want %q", cfg.Level, tt.expected.Level)
			}
			if cfg.Format != tt.expected.Format {
				t.Errorf("Format = %q, want %q", cfg.Format, tt.expected.Format)
			}
			if cfg.AddSource != tt.expected.AddSource {
				t.Errorf("AddSource = %v, want %v", cfg.AddSource, tt.expected.AddSource)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"trace", LevelTrace},
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"INFO", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	logger.Info("run started", String(RunIDKey, "r-1"), String(ProcessKey, "order"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if entry["msg"] != "run started" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry[RunIDKey] != "r-1" {
		t.Errorf("%s = %v, want r-1", RunIDKey, entry[RunIDKey])
	}
	if entry[ProcessKey] != "order" {
		t.Errorf("%s = %v, want order", ProcessKey, entry[ProcessKey])
	}
}

func TestNew_TextOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatText, Output: &buf})

	logger.Info("schedule due", String(ScheduleKey, "nightly"))

	out := buf.String()
	if !strings.Contains(out, "schedule due") || !strings.Contains(out, "schedule=nightly") {
		t.Errorf("unexpected text output: %q", out)
	}
}

func TestNew_NilConfig(t *testing.T) {
	logger := New(nil)
	if logger == nil {
		t.Fatal("New(nil) returned nil logger")
	}
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "warn", Format: FormatJSON, Output: &buf})

	logger.Info("should be dropped")
	logger.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should be dropped") {
		t.Error("info entry leaked past warn level")
	}
	if !strings.Contains(out, "should appear") {
		t.Error("warn entry missing")
	}
}

func TestWithRunContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithRunContext(logger, "r-42", "billing").Info("step completed")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if entry[RunIDKey] != "r-42" || entry[ProcessKey] != "billing" {
		t.Errorf("run context fields missing: %v", entry)
	}
}

func TestWithStepContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithStepContext(logger, "r-42", "charge").Info("retrying")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if entry[RunIDKey] != "r-42" || entry[StepKey] != "charge" {
		t.Errorf("step context fields missing: %v", entry)
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithComponent(logger, "scheduler").Info("tick")

	if !strings.Contains(buf.String(), `"component":"scheduler"`) {
		t.Errorf("component field missing: %q", buf.String())
	}
}

func TestErrorAttr(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	logger.Error("step failed", Error(errors.New("boom")))

	if !strings.Contains(buf.String(), `"error":"boom"`) {
		t.Errorf("error attribute missing: %q", buf.String())
	}
}

func TestTrace(t *testing.T) {
	t.Run("suppressed at debug level", func(t *testing.T) {
		var buf bytes.Buffer
		logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})

		Trace(logger, "resolved inputs", String("expr", "inputs.x"))

		if buf.Len() != 0 {
			t.Errorf("trace entry leaked at debug level: %q", buf.String())
		}
	})

	t.Run("emitted at trace level", func(t *testing.T) {
		var buf bytes.Buffer
		logger := New(&Config{Level: "trace", Format: FormatJSON, Output: &buf})

		Trace(logger, "resolved inputs", String("expr", "inputs.x"))

		if !strings.Contains(buf.String(), "resolved inputs") {
			t.Errorf("trace entry missing: %q", buf.String())
		}
	})
}
