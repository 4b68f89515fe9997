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

package process

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dazzlehq/dazzle/pkg/errors"
)

// File is a parsed process definition document. One YAML file may declare
// any number of processes and schedules.
type File struct {
	// Processes are the process definitions in this file
	Processes []ProcessSpec `yaml:"processes" json:"processes"`

	// Schedules are the schedule definitions in this file
	Schedules []ScheduleSpec `yaml:"schedules,omitempty" json:"schedules,omitempty"`
}

// Parse parses a process definition document from YAML bytes.
func Parse(data []byte) (*File, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse process definition: %w", err)
	}

	for i := range file.Processes {
		file.Processes[i].ApplyDefaults()
	}
	for i := range file.Schedules {
		applyStepDefaults(file.Schedules[i].Steps)
	}

	if err := file.Validate(); err != nil {
		return nil, fmt.Errorf("invalid process definition: %w", err)
	}

	return &file, nil
}

// ParseFile reads and parses a process definition file.
func ParseFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read process definition: %w", err)
	}
	return Parse(data)
}

// Validate checks the whole document: every spec individually plus
// cross-spec name uniqueness.
func (f *File) Validate() error {
	seen := make(map[string]bool)

	for i := range f.Processes {
		p := &f.Processes[i]
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.Name] {
			return &errors.ValidationError{
				Field:      "name",
				Message:    fmt.Sprintf("duplicate process name: %s", p.Name),
				Suggestion: "ensure each process has a unique name",
			}
		}
		seen[p.Name] = true
	}

	for i := range f.Schedules {
		s := &f.Schedules[i]
		if err := s.Validate(); err != nil {
			return err
		}
		if seen[s.Name] {
			return &errors.ValidationError{
				Field:      "name",
				Message:    fmt.Sprintf("duplicate schedule name: %s", s.Name),
				Suggestion: "ensure schedule names do not collide with process names",
			}
		}
		seen[s.Name] = true
	}

	return nil
}

// ApplyDefaults applies default values to the process and its steps.
func (p *ProcessSpec) ApplyDefaults() {
	applyStepDefaults(p.Steps)
}

// applyStepDefaults fills per-step defaults. Waiting kinds keep a zero
// timeout so the executor can derive the wait deadline itself.
func applyStepDefaults(steps []StepSpec) {
	for i := range steps {
		step := &steps[i]

		if step.TimeoutSeconds == 0 {
			switch step.Kind {
			case StepWait, StepHumanTask, StepParallel, StepCondition:
				// No default; these kinds own their deadlines.
			default:
				step.TimeoutSeconds = DefaultStepTimeoutSeconds
			}
		}

		if step.Kind == StepParallel && step.ParallelPolicy == "" {
			step.ParallelPolicy = ParallelFailFast
		}

		applyStepDefaults(step.ParallelSteps)
	}
}

// Validate checks structural soundness of the process definition.
func (p *ProcessSpec) Validate() error {
	if p.Name == "" {
		return &errors.ValidationError{
			Field:      "name",
			Message:    "process name is required",
			Suggestion: "add a descriptive name for the process",
		}
	}

	if len(p.Steps) == 0 {
		return &errors.ValidationError{
			Field:      "steps",
			Message:    "process must have at least one step",
			Suggestion: "add at least one step to the process definition",
		}
	}

	compensations := make(map[string]bool, len(p.Compensations))
	for i := range p.Compensations {
		comp := &p.Compensations[i]
		if comp.Name == "" {
			return &errors.ValidationError{
				Field:      "compensations.name",
				Message:    "compensation name is required",
				Suggestion: "name each compensation so steps can reference it",
			}
		}
		if comp.Service == "" {
			return &errors.ValidationError{
				Field:      "compensations.service",
				Message:    fmt.Sprintf("compensation %s has no service", comp.Name),
				Suggestion: "set the service handler the compensation invokes",
			}
		}
		compensations[comp.Name] = true
	}

	if !p.OverlapPolicy.IsValid() {
		return &errors.ValidationError{
			Field:      "overlap_policy",
			Message:    fmt.Sprintf("unknown overlap policy: %s", p.OverlapPolicy),
			Suggestion: "use one of: allow, skip, cancel_previous",
		}
	}

	return validateSteps(p.Steps, compensations, true)
}

// Validate checks structural soundness of the schedule definition.
func (s *ScheduleSpec) Validate() error {
	if s.Name == "" {
		return &errors.ValidationError{
			Field:      "name",
			Message:    "schedule name is required",
			Suggestion: "add a descriptive name for the schedule",
		}
	}

	hasCron := s.Cron != ""
	hasInterval := s.IntervalSeconds > 0
	if hasCron == hasInterval {
		return &errors.ValidationError{
			Field:      "cron",
			Message:    fmt.Sprintf("schedule %s must set exactly one of cron or interval_seconds", s.Name),
			Suggestion: "choose a cron expression or a fixed interval, not both",
		}
	}

	if len(s.Steps) == 0 {
		return &errors.ValidationError{
			Field:      "steps",
			Message:    fmt.Sprintf("schedule %s must have at least one step", s.Name),
			Suggestion: "add at least one step to the schedule definition",
		}
	}

	if !s.OverlapPolicy.IsValid() {
		return &errors.ValidationError{
			Field:      "overlap_policy",
			Message:    fmt.Sprintf("unknown overlap policy: %s", s.OverlapPolicy),
			Suggestion: "use one of: allow, skip, cancel_previous",
		}
	}

	return validateSteps(s.Steps, map[string]bool{}, true)
}

// validateSteps checks one step list. Condition steps are only legal at the
// top level because the run executor, not the step executor, evaluates them.
func validateSteps(steps []StepSpec, compensations map[string]bool, topLevel bool) error {
	names := make(map[string]bool, len(steps))
	for i := range steps {
		step := &steps[i]

		if step.Name == "" {
			return &errors.ValidationError{
				Field:      "steps.name",
				Message:    "step name is required",
				Suggestion: "add a 'name' field to each step",
			}
		}
		if names[step.Name] {
			return &errors.ValidationError{
				Field:      "steps.name",
				Message:    fmt.Sprintf("duplicate step name: %s", step.Name),
				Suggestion: "ensure each step has a unique name",
			}
		}
		names[step.Name] = true

		if err := validateStep(step, compensations, topLevel); err != nil {
			return err
		}
	}

	// Routing targets must reference declared steps.
	for i := range steps {
		step := &steps[i]
		for _, ref := range []struct {
			field  string
			target string
			isCond bool
		}{
			{"on_success", step.OnSuccess, false},
			{"on_true", step.OnTrue, true},
			{"on_false", step.OnFalse, true},
		} {
			if ref.target == "" || ref.target == "complete" {
				continue
			}
			if ref.isCond && ref.target == "fail" {
				continue
			}
			if !names[ref.target] {
				return &errors.ValidationError{
					Field:      ref.field,
					Message:    fmt.Sprintf("step %s routes to unknown step: %s", step.Name, ref.target),
					Suggestion: "route to a declared step name, \"complete\", or \"fail\"",
				}
			}
		}
	}

	return nil
}

func validateStep(step *StepSpec, compensations map[string]bool, topLevel bool) error {
	if !step.Kind.IsValid() {
		return &errors.ValidationError{
			Field:      "kind",
			Message:    fmt.Sprintf("step %s has unknown kind: %s", step.Name, step.Kind),
			Suggestion: "use one of: service, send, wait, human_task, subprocess, parallel, condition",
		}
	}

	switch step.Kind {
	case StepService:
		if step.Service == "" {
			return &errors.ValidationError{
				Field:      "service",
				Message:    fmt.Sprintf("service step %s has no service", step.Name),
				Suggestion: "set the registered handler name to invoke",
			}
		}

	case StepSend:
		if step.Channel == "" || step.Message == "" {
			return &errors.ValidationError{
				Field:      "channel",
				Message:    fmt.Sprintf("send step %s requires channel and message", step.Name),
				Suggestion: "set both the channel and the message to deliver",
			}
		}

	case StepWait:
		hasDuration := step.WaitDurationSeconds > 0
		hasSignal := step.WaitForSignal != ""
		if hasDuration == hasSignal {
			return &errors.ValidationError{
				Field:      "wait_duration_seconds",
				Message:    fmt.Sprintf("wait step %s must set exactly one of wait_duration_seconds or wait_for_signal", step.Name),
				Suggestion: "wait for a duration or for a named signal, not both",
			}
		}

	case StepHumanTask:
		if step.HumanTask == nil {
			return &errors.ValidationError{
				Field:      "human_task",
				Message:    fmt.Sprintf("human_task step %s has no task configuration", step.Name),
				Suggestion: "add a human_task block with declared outcomes",
			}
		}
		if len(step.HumanTask.Outcomes) == 0 {
			return &errors.ValidationError{
				Field:      "human_task.outcomes",
				Message:    fmt.Sprintf("human_task step %s declares no outcomes", step.Name),
				Suggestion: "declare at least one outcome",
			}
		}

	case StepSubprocess:
		if step.Subprocess == "" {
			return &errors.ValidationError{
				Field:      "subprocess",
				Message:    fmt.Sprintf("subprocess step %s has no child process", step.Name),
				Suggestion: "set the name of the process to start",
			}
		}

	case StepParallel:
		if len(step.ParallelSteps) == 0 {
			return &errors.ValidationError{
				Field:      "parallel_steps",
				Message:    fmt.Sprintf("parallel step %s has no inner steps", step.Name),
				Suggestion: "add at least one inner step",
			}
		}
		if step.ParallelPolicy != ParallelFailFast && step.ParallelPolicy != ParallelWaitAll {
			return &errors.ValidationError{
				Field:      "parallel_policy",
				Message:    fmt.Sprintf("parallel step %s has unknown policy: %s", step.Name, step.ParallelPolicy),
				Suggestion: "use fail_fast or wait_all",
			}
		}
		if err := validateSteps(step.ParallelSteps, compensations, false); err != nil {
			return err
		}

	case StepCondition:
		if !topLevel {
			return &errors.ValidationError{
				Field:      "kind",
				Message:    fmt.Sprintf("condition step %s cannot nest inside a parallel step", step.Name),
				Suggestion: "move the branch to the top-level step list",
			}
		}
		if step.Condition == "" {
			return &errors.ValidationError{
				Field:      "condition",
				Message:    fmt.Sprintf("condition step %s has no expression", step.Name),
				Suggestion: "set the branch expression to evaluate",
			}
		}
	}

	if step.CompensateWith != "" && !compensations[step.CompensateWith] {
		return &errors.ValidationError{
			Field:      "compensate_with",
			Message:    fmt.Sprintf("step %s references unknown compensation: %s", step.Name, step.CompensateWith),
			Suggestion: "declare the compensation in the process compensations list",
		}
	}

	if step.Retry != nil && step.Retry.MaxAttempts < 0 {
		return &errors.ValidationError{
			Field:      "retry.max_attempts",
			Message:    fmt.Sprintf("step %s has negative max_attempts", step.Name),
			Suggestion: "use a positive attempt count",
		}
	}

	return nil
}
