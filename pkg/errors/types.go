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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid process specs, malformed requests, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "process", "run", "task")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "backend", "remote.host")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "backend connect", "process step")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable implements ErrorClassifier. Timeouts are transient.
func (e *TimeoutError) IsRetryable() bool { return true }

// BackendError represents infrastructure failures in a process backend:
// storage errors, lost connections, unavailable remote services.
type BackendError struct {
	// Backend names the backend ("lite", "remote")
	Backend string

	// Op is the backend operation that failed (e.g., "start_process")
	Op string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %s: %v", e.Backend, e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *BackendError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *BackendError) ErrorType() string { return "infrastructure" }

// IsRetryable implements ErrorClassifier. Infrastructure faults are transient.
func (e *BackendError) IsRetryable() bool { return true }

// StepFailedError marks a process step as failed. Fatal failures bypass
// the retry policy; non-fatal ones retry until attempts are exhausted.
type StepFailedError struct {
	// Step is the name of the failed step (may be empty before attribution)
	Step string

	// Message is the failure description recorded on the run
	Message string

	// Fatal marks the failure as non-retryable
	Fatal bool

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *StepFailedError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("step %s failed: %s", e.Step, e.Message)
	}
	return fmt.Sprintf("step failed: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StepFailedError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *StepFailedError) ErrorType() string { return "step_failed" }

// IsRetryable implements ErrorClassifier.
func (e *StepFailedError) IsRetryable() bool { return !e.Fatal }

// CancelledError interrupts a run that was cancelled by an operator
// or by daemon shutdown.
type CancelledError struct {
	// Reason records why the run was cancelled
	Reason string
}

// Error implements the error interface.
func (e *CancelledError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("process cancelled: %s", e.Reason)
	}
	return "process cancelled"
}

// ErrorType implements ErrorClassifier.
func (e *CancelledError) ErrorType() string { return "cancelled" }

// IsRetryable implements ErrorClassifier.
func (e *CancelledError) IsRetryable() bool { return false }
