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

// Package process defines the declarative process specifications executed by
// the engines, the expression/context resolver used to wire data between
// steps, and the lifecycle event surface.
//
// Specs are parsed from YAML definition files and consumed read-only. A
// ProcessSpec is a named list of steps; each step is one of a closed set of
// kinds (service, send, wait, human_task, subprocess, parallel, condition)
// with per-kind configuration, an optional retry policy, and optional saga
// compensation wiring.
package process

import (
	"math"
	"time"
)

// StepKind identifies the execution semantics of a step.
type StepKind string

const (
	// StepService invokes a registered service handler.
	StepService StepKind = "service"

	// StepSend delivers a message to a channel via the send handler.
	StepSend StepKind = "send"

	// StepWait sleeps for a duration or blocks on a named signal.
	StepWait StepKind = "wait"

	// StepHumanTask creates a human task and waits for its outcome.
	StepHumanTask StepKind = "human_task"

	// StepSubprocess starts a child run and waits for it to finish.
	StepSubprocess StepKind = "subprocess"

	// StepParallel runs its inner steps concurrently.
	StepParallel StepKind = "parallel"

	// StepCondition branches the run; evaluated by the run executor.
	StepCondition StepKind = "condition"
)

// IsValid reports whether the kind is a member of the closed set.
func (k StepKind) IsValid() bool {
	switch k {
	case StepService, StepSend, StepWait, StepHumanTask,
		StepSubprocess, StepParallel, StepCondition:
		return true
	}
	return false
}

// OverlapPolicy controls behaviour when a process starts while a previous
// run of the same process is still running.
type OverlapPolicy string

const (
	// OverlapAllow starts a new run regardless of in-flight runs.
	OverlapAllow OverlapPolicy = "allow"

	// OverlapSkip returns the in-flight run instead of starting a new one.
	OverlapSkip OverlapPolicy = "skip"

	// OverlapCancelPrevious cancels the in-flight run, then starts anew.
	OverlapCancelPrevious OverlapPolicy = "cancel_previous"
)

// IsValid reports whether the policy is a member of the closed set.
// The empty policy is valid and means allow.
func (p OverlapPolicy) IsValid() bool {
	switch p {
	case "", OverlapAllow, OverlapSkip, OverlapCancelPrevious:
		return true
	}
	return false
}

// ParallelPolicy controls failure handling inside a parallel step.
type ParallelPolicy string

const (
	// ParallelFailFast cancels still-running siblings on the first failure.
	ParallelFailFast ParallelPolicy = "fail_fast"

	// ParallelWaitAll lets every sibling settle before aggregating failures.
	ParallelWaitAll ParallelPolicy = "wait_all"
)

// BackoffKind selects the retry backoff curve.
type BackoffKind string

const (
	// BackoffFixed sleeps the initial interval between every attempt.
	BackoffFixed BackoffKind = "fixed"

	// BackoffLinear grows the interval linearly with the attempt number.
	BackoffLinear BackoffKind = "linear"

	// BackoffExponential multiplies the interval by the coefficient each
	// attempt, capped at the configured maximum.
	BackoffExponential BackoffKind = "exponential"
)

// Defaults applied by ApplyDefaults / the step executor.
const (
	// DefaultStepTimeoutSeconds bounds a single step attempt.
	DefaultStepTimeoutSeconds = 30

	// DefaultRetryMaxAttempts runs each step once unless a policy says otherwise.
	DefaultRetryMaxAttempts = 1

	// DefaultRetryInitialIntervalSeconds is the base backoff interval.
	DefaultRetryInitialIntervalSeconds = 1.0

	// DefaultRetryBackoffCoefficient doubles the exponential interval per attempt.
	DefaultRetryBackoffCoefficient = 2.0
)

// ProcessSpec is a named, versioned list of steps with optional saga
// compensations and an overlap policy for concurrent starts.
type ProcessSpec struct {
	// Name is the process identifier
	Name string `yaml:"name" json:"name"`

	// Version tracks the process definition version (informational)
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// Description provides human-readable context about the process
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Steps are the executable units of the process, in declaration order
	Steps []StepSpec `yaml:"steps" json:"steps"`

	// Compensations declare the undo handlers referenced by compensate_with
	Compensations []CompensationSpec `yaml:"compensations,omitempty" json:"compensations,omitempty"`

	// OverlapPolicy controls concurrent starts of this process (default allow)
	OverlapPolicy OverlapPolicy `yaml:"overlap_policy,omitempty" json:"overlap_policy,omitempty"`
}

// StepIndex returns the index of the named step, or -1 when absent.
func (p *ProcessSpec) StepIndex(name string) int {
	for i := range p.Steps {
		if p.Steps[i].Name == name {
			return i
		}
	}
	return -1
}

// CompensationFor returns the compensation spec with the given name, or nil.
func (p *ProcessSpec) CompensationFor(name string) *CompensationSpec {
	for i := range p.Compensations {
		if p.Compensations[i].Name == name {
			return &p.Compensations[i]
		}
	}
	return nil
}

// InputMapping copies one resolved expression into a step input field.
type InputMapping struct {
	// Source is the expression resolved against the run context
	Source string `yaml:"source" json:"source"`

	// Target is the key the resolved value is stored under
	Target string `yaml:"target" json:"target"`
}

// StepSpec is one unit of a process. Kind selects which of the optional
// field groups applies.
type StepSpec struct {
	// Name is the unique step identifier within the process
	Name string `yaml:"name" json:"name"`

	// Kind selects the execution semantics
	Kind StepKind `yaml:"kind" json:"kind"`

	// Inputs map context expressions into the step's input bag
	Inputs []InputMapping `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	// TimeoutSeconds bounds each attempt; for wait and human_task steps it
	// bounds the whole wait (default 30)
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`

	// Retry overrides the default single-attempt policy
	Retry *RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Service names the registered handler for service steps
	Service string `yaml:"service,omitempty" json:"service,omitempty"`

	// Channel and Message configure send steps
	Channel string `yaml:"channel,omitempty" json:"channel,omitempty"`
	Message string `yaml:"message,omitempty" json:"message,omitempty"`

	// WaitDurationSeconds configures a duration wait
	WaitDurationSeconds int `yaml:"wait_duration_seconds,omitempty" json:"wait_duration_seconds,omitempty"`

	// WaitForSignal configures a signal wait
	WaitForSignal string `yaml:"wait_for_signal,omitempty" json:"wait_for_signal,omitempty"`

	// HumanTask configures human_task steps
	HumanTask *HumanTaskSpec `yaml:"human_task,omitempty" json:"human_task,omitempty"`

	// Subprocess names the child process for subprocess steps
	Subprocess string `yaml:"subprocess,omitempty" json:"subprocess,omitempty"`

	// ParallelSteps are the concurrent inner steps of parallel steps
	ParallelSteps []StepSpec `yaml:"parallel_steps,omitempty" json:"parallel_steps,omitempty"`

	// ParallelPolicy selects fail_fast (default) or wait_all
	ParallelPolicy ParallelPolicy `yaml:"parallel_policy,omitempty" json:"parallel_policy,omitempty"`

	// Condition is the branch expression for condition steps
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	// OnTrue and OnFalse route condition steps; each is a step name,
	// "complete", or "fail" (empty advances sequentially)
	OnTrue  string `yaml:"on_true,omitempty" json:"on_true,omitempty"`
	OnFalse string `yaml:"on_false,omitempty" json:"on_false,omitempty"`

	// OnSuccess routes after this step completes; a step name or "complete"
	// (empty advances sequentially)
	OnSuccess string `yaml:"on_success,omitempty" json:"on_success,omitempty"`

	// CompensateWith names the compensation run if the process later fails
	CompensateWith string `yaml:"compensate_with,omitempty" json:"compensate_with,omitempty"`

	// Effects are opaque effect descriptors handed to the effect executor
	// after a successful dispatch
	Effects []map[string]any `yaml:"effects,omitempty" json:"effects,omitempty"`
}

// Timeout returns the step deadline as a duration.
func (s *StepSpec) Timeout() time.Duration {
	secs := s.TimeoutSeconds
	if secs <= 0 {
		secs = DefaultStepTimeoutSeconds
	}
	return time.Duration(secs) * time.Second
}

// RetryConfig describes the retry policy of a step.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts (default 1)
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialIntervalSeconds is the base backoff interval (default 1.0)
	InitialIntervalSeconds float64 `yaml:"initial_interval_seconds,omitempty" json:"initial_interval_seconds,omitempty"`

	// MaxIntervalSeconds caps the exponential interval; 0 means uncapped
	MaxIntervalSeconds float64 `yaml:"max_interval_seconds,omitempty" json:"max_interval_seconds,omitempty"`

	// BackoffCoefficient is the exponential multiplier (default 2.0)
	BackoffCoefficient float64 `yaml:"backoff_coefficient,omitempty" json:"backoff_coefficient,omitempty"`

	// Backoff selects the curve: fixed, linear, exponential (default)
	Backoff BackoffKind `yaml:"backoff,omitempty" json:"backoff,omitempty"`
}

// Interval computes the sleep before the attempt after the given 0-based
// failed attempt. The exponential cap applies only when MaxIntervalSeconds
// is positive.
func (r *RetryConfig) Interval(attempt int) time.Duration {
	initial := r.InitialIntervalSeconds
	if initial <= 0 {
		initial = DefaultRetryInitialIntervalSeconds
	}

	var secs float64
	switch r.Backoff {
	case BackoffFixed:
		secs = initial
	case BackoffLinear:
		secs = initial * float64(attempt+1)
	default:
		coef := r.BackoffCoefficient
		if coef <= 0 {
			coef = DefaultRetryBackoffCoefficient
		}
		secs = initial * math.Pow(coef, float64(attempt))
		if r.MaxIntervalSeconds > 0 && secs > r.MaxIntervalSeconds {
			secs = r.MaxIntervalSeconds
		}
	}

	return time.Duration(secs * float64(time.Second))
}

// Attempts returns MaxAttempts clamped to at least one.
func (r *RetryConfig) Attempts() int {
	if r == nil || r.MaxAttempts < 1 {
		return DefaultRetryMaxAttempts
	}
	return r.MaxAttempts
}

// CompensationSpec is an undo handler referenced by a step's compensate_with.
type CompensationSpec struct {
	// Name is the identifier referenced by compensate_with
	Name string `yaml:"name" json:"name"`

	// Service names the registered handler that performs the undo
	Service string `yaml:"service" json:"service"`

	// Inputs map context expressions into the compensation's input bag
	Inputs []InputMapping `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	// TimeoutSeconds bounds the compensation call (default 30)
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// Timeout returns the compensation deadline as a duration.
func (c *CompensationSpec) Timeout() time.Duration {
	secs := c.TimeoutSeconds
	if secs <= 0 {
		secs = DefaultStepTimeoutSeconds
	}
	return time.Duration(secs) * time.Second
}

// ScheduleSpec triggers a run of its inline steps on a cron expression or a
// fixed interval.
type ScheduleSpec struct {
	// Name identifies the schedule and the implicit process it runs
	Name string `yaml:"name" json:"name"`

	// Cron is a five-field cron expression (minute granularity)
	Cron string `yaml:"cron,omitempty" json:"cron,omitempty"`

	// IntervalSeconds triggers every N seconds; mutually exclusive with Cron
	IntervalSeconds int `yaml:"interval_seconds,omitempty" json:"interval_seconds,omitempty"`

	// OverlapPolicy controls behaviour when the previous run is still going
	OverlapPolicy OverlapPolicy `yaml:"overlap_policy,omitempty" json:"overlap_policy,omitempty"`

	// Steps are the executable units of the scheduled process
	Steps []StepSpec `yaml:"steps" json:"steps"`
}

// Process returns the implicit ProcessSpec a due schedule starts.
func (s *ScheduleSpec) Process() *ProcessSpec {
	return &ProcessSpec{
		Name:          s.Name,
		Steps:         s.Steps,
		OverlapPolicy: s.OverlapPolicy,
	}
}

// HumanTaskSpec configures a human_task step.
type HumanTaskSpec struct {
	// Surface is an opaque UI surface identifier carried through to tasks
	Surface string `yaml:"surface,omitempty" json:"surface,omitempty"`

	// EntityPath is the context path of the entity the task is about; the
	// entity id resolves from "<path>.id" and the entity name is the last
	// path segment
	EntityPath string `yaml:"entity_path,omitempty" json:"entity_path,omitempty"`

	// AssigneeExpression resolves to the initial assignee id
	AssigneeExpression string `yaml:"assignee_expression,omitempty" json:"assignee_expression,omitempty"`

	// AssigneeRole is an opaque role recorded on the task
	AssigneeRole string `yaml:"assignee_role,omitempty" json:"assignee_role,omitempty"`

	// EscalationTimeoutSeconds escalates the task after this long without
	// completion; 0 disables escalation
	EscalationTimeoutSeconds int `yaml:"escalation_timeout_seconds,omitempty" json:"escalation_timeout_seconds,omitempty"`

	// Outcomes are the declared terminal outcomes of the task
	Outcomes []OutcomeSpec `yaml:"outcomes" json:"outcomes"`
}

// OutcomeFor returns the declared outcome with the given name, or nil.
func (h *HumanTaskSpec) OutcomeFor(name string) *OutcomeSpec {
	for i := range h.Outcomes {
		if h.Outcomes[i].Name == name {
			return &h.Outcomes[i]
		}
	}
	return nil
}

// OutcomeSpec is one declared outcome of a human task.
type OutcomeSpec struct {
	// Name is the outcome identifier recorded on the task
	Name string `yaml:"name" json:"name"`

	// Label is the human-readable caption (opaque to the core)
	Label string `yaml:"label,omitempty" json:"label,omitempty"`

	// Style is an opaque UI hint
	Style string `yaml:"style,omitempty" json:"style,omitempty"`

	// Sets are field assignments applied through the effect executor when
	// this outcome is chosen
	Sets []FieldAssignment `yaml:"sets,omitempty" json:"sets,omitempty"`
}

// FieldAssignment sets one entity field to a value when an outcome fires.
type FieldAssignment struct {
	// Field is the entity field to assign
	Field string `yaml:"field" json:"field"`

	// Value is the assigned value (may be an expression for the executor)
	Value any `yaml:"value" json:"value"`
}
