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

package errors_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	dazzleerrors "github.com/dazzlehq/dazzle/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *dazzleerrors.ValidationError
		wantMsg string
	}{
		{
			name: "with field",
			err: &dazzleerrors.ValidationError{
				Field:      "steps[0].kind",
				Message:    "unknown step kind: shell",
				Suggestion: "Use one of: service, send, wait, human_task, subprocess, parallel, condition",
			},
			wantMsg: "validation failed on steps[0].kind: unknown step kind: shell",
		},
		{
			name: "without field",
			err: &dazzleerrors.ValidationError{
				Message:    "process name is required",
				Suggestion: "Set the name field",
			},
			wantMsg: "validation failed: process name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestNotFoundError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *dazzleerrors.NotFoundError
		wantMsg string
	}{
		{
			name: "process not found",
			err: &dazzleerrors.NotFoundError{
				Resource: "process",
				ID:       "order-fulfillment",
			},
			wantMsg: "process not found: order-fulfillment",
		},
		{
			name: "task not found",
			err: &dazzleerrors.NotFoundError{
				Resource: "task",
				ID:       "9be2f1c0",
			},
			wantMsg: "task not found: 9be2f1c0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("NotFoundError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigError_Unwrap(t *testing.T) {
	cause := errors.New("no such file")
	err := &dazzleerrors.ConfigError{
		Key:    "processes_dir",
		Reason: "directory does not exist",
		Cause:  cause,
	}

	if !errors.Is(err, cause) {
		t.Error("errors.Is() should find the wrapped cause")
	}
	if got := err.Error(); got != "config error at processes_dir: directory does not exist" {
		t.Errorf("ConfigError.Error() = %q", got)
	}
}

func TestTimeoutError_Error(t *testing.T) {
	err := &dazzleerrors.TimeoutError{
		Operation: "backend connect",
		Duration:  5 * time.Second,
	}
	want := "backend connect operation timed out after 5s"
	if got := err.Error(); got != want {
		t.Errorf("TimeoutError.Error() = %q, want %q", got, want)
	}
	if !err.IsRetryable() {
		t.Error("timeouts should classify as retryable")
	}
}

func TestStepFailedError(t *testing.T) {
	tests := []struct {
		name          string
		err           *dazzleerrors.StepFailedError
		wantMsg       string
		wantRetryable bool
	}{
		{
			name:          "attributed retryable failure",
			err:           &dazzleerrors.StepFailedError{Step: "charge", Message: "payment declined"},
			wantMsg:       "step charge failed: payment declined",
			wantRetryable: true,
		},
		{
			name:          "fatal failure",
			err:           &dazzleerrors.StepFailedError{Step: "charge", Message: "service is null", Fatal: true},
			wantMsg:       "step charge failed: service is null",
			wantRetryable: false,
		},
		{
			name:          "unattributed failure",
			err:           &dazzleerrors.StepFailedError{Message: "Timeout waiting for signal: approve"},
			wantMsg:       "step failed: Timeout waiting for signal: approve",
			wantRetryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("StepFailedError.Error() = %q, want %q", got, tt.wantMsg)
			}
			if got := tt.err.IsRetryable(); got != tt.wantRetryable {
				t.Errorf("StepFailedError.IsRetryable() = %v, want %v", got, tt.wantRetryable)
			}
		})
	}
}

func TestStepFailedError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := &dazzleerrors.StepFailedError{Step: "notify", Message: "send failed", Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("errors.Is() should find the wrapped cause")
	}

	wrapped := fmt.Errorf("executing: %w", err)
	var sf *dazzleerrors.StepFailedError
	if !errors.As(wrapped, &sf) {
		t.Fatal("errors.As() should find StepFailedError through wrapping")
	}
	if sf.Step != "notify" {
		t.Errorf("unwrapped Step = %q, want %q", sf.Step, "notify")
	}
}

func TestCancelledError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *dazzleerrors.CancelledError
		wantMsg string
	}{
		{
			name:    "with reason",
			err:     &dazzleerrors.CancelledError{Reason: "shutdown in progress"},
			wantMsg: "process cancelled: shutdown in progress",
		},
		{
			name:    "without reason",
			err:     &dazzleerrors.CancelledError{},
			wantMsg: "process cancelled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("CancelledError.Error() = %q, want %q", got, tt.wantMsg)
			}
			if tt.err.IsRetryable() {
				t.Error("cancellation should never classify as retryable")
			}
		})
	}
}

func TestBackendError(t *testing.T) {
	cause := errors.New("connection refused")
	err := &dazzleerrors.BackendError{Backend: "remote", Op: "start_process", Cause: cause}

	want := "backend remote: start_process: connection refused"
	if got := err.Error(); got != want {
		t.Errorf("BackendError.Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is() should find the wrapped cause")
	}
	if err.ErrorType() != "infrastructure" {
		t.Errorf("ErrorType() = %q, want %q", err.ErrorType(), "infrastructure")
	}
}
