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
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	dazzleerrors "github.com/dazzlehq/dazzle/pkg/errors"
)

const validDocument = `
processes:
  - name: order-fulfilment
    version: "0.1"
    description: Charge, reserve and notify.
    compensations:
      - name: refund
        service: payments.refund
        inputs:
          - source: charge.charge_id
            target: charge_id
    steps:
      - name: charge
        kind: service
        service: payments.charge
        compensate_with: refund
        retry:
          max_attempts: 3
          initial_interval_seconds: 0.5
          backoff: exponential
          max_interval_seconds: 4
        inputs:
          - source: inputs.order.total
            target: amount
      - name: check
        kind: condition
        condition: charge.ok == true
        on_true: fan_out
        on_false: fail
      - name: fan_out
        kind: parallel
        parallel_steps:
          - name: reserve
            kind: service
            service: stock.reserve
          - name: notify
            kind: send
            channel: email
            message: "Order ${inputs.order.id} confirmed"
      - name: approval
        kind: human_task
        human_task:
          surface: approvals
          entity_path: inputs.order
          assignee_expression: vars.owner
          escalation_timeout_seconds: 3600
          outcomes:
            - name: approve
              label: Approve
            - name: reject
              label: Reject
      - name: settle
        kind: wait
        wait_for_signal: settled
        timeout_seconds: 120
        on_success: complete

schedules:
  - name: nightly-sweep
    cron: "0 2 * * *"
    overlap_policy: skip
    steps:
      - name: sweep
        kind: service
        service: ledger.sweep
`

func TestParseValidDocument(t *testing.T) {
	file, err := Parse([]byte(validDocument))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if len(file.Processes) != 1 {
		t.Fatalf("len(Processes) = %d, want 1", len(file.Processes))
	}
	if len(file.Schedules) != 1 {
		t.Fatalf("len(Schedules) = %d, want 1", len(file.Schedules))
	}

	proc := &file.Processes[0]
	if proc.Name != "order-fulfilment" {
		t.Errorf("process name = %q, want %q", proc.Name, "order-fulfilment")
	}
	if got := proc.StepIndex("fan_out"); got != 2 {
		t.Errorf("StepIndex(fan_out) = %d, want 2", got)
	}
	if comp := proc.CompensationFor("refund"); comp == nil || comp.Service != "payments.refund" {
		t.Errorf("CompensationFor(refund) = %+v", comp)
	}

	charge := &proc.Steps[0]
	if charge.Retry == nil || charge.Retry.MaxAttempts != 3 {
		t.Errorf("charge retry = %+v, want max_attempts 3", charge.Retry)
	}

	approval := proc.Steps[3]
	if approval.HumanTask == nil || approval.HumanTask.EscalationTimeoutSeconds != 3600 {
		t.Fatalf("approval human_task = %+v", approval.HumanTask)
	}
	if outcome := approval.HumanTask.OutcomeFor("reject"); outcome == nil || outcome.Label != "Reject" {
		t.Errorf("OutcomeFor(reject) = %+v", outcome)
	}
}

func TestParseAppliesDefaults(t *testing.T) {
	file, err := Parse([]byte(validDocument))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	proc := &file.Processes[0]

	if got := proc.Steps[0].TimeoutSeconds; got != 30 {
		t.Errorf("service step timeout = %d, want default 30", got)
	}
	// Waiting kinds keep zero so the executor derives the deadline.
	if got := proc.Steps[1].TimeoutSeconds; got != 0 {
		t.Errorf("condition step timeout = %d, want 0", got)
	}
	if got := proc.Steps[3].TimeoutSeconds; got != 0 {
		t.Errorf("human_task step timeout = %d, want 0", got)
	}
	if got := proc.Steps[4].TimeoutSeconds; got != 120 {
		t.Errorf("explicit wait timeout = %d, want 120", got)
	}

	fanOut := &proc.Steps[2]
	if fanOut.ParallelPolicy != ParallelFailFast {
		t.Errorf("parallel policy = %q, want %q", fanOut.ParallelPolicy, ParallelFailFast)
	}
	if got := fanOut.ParallelSteps[0].TimeoutSeconds; got != 30 {
		t.Errorf("inner service timeout = %d, want default 30", got)
	}

	sched := &file.Schedules[0]
	if got := sched.Steps[0].TimeoutSeconds; got != 30 {
		t.Errorf("schedule step timeout = %d, want default 30", got)
	}
}

func TestParseValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantField string
	}{
		{
			name: "missing process name",
			yaml: `
processes:
  - steps:
      - name: a
        kind: service
        service: svc
`,
			wantField: "name",
		},
		{
			name: "no steps",
			yaml: `
processes:
  - name: p
    steps: []
`,
			wantField: "steps",
		},
		{
			name: "duplicate process names",
			yaml: `
processes:
  - name: p
    steps: [{name: a, kind: service, service: svc}]
  - name: p
    steps: [{name: a, kind: service, service: svc}]
`,
			wantField: "name",
		},
		{
			name: "schedule name collides with process",
			yaml: `
processes:
  - name: p
    steps: [{name: a, kind: service, service: svc}]
schedules:
  - name: p
    interval_seconds: 60
    steps: [{name: a, kind: service, service: svc}]
`,
			wantField: "name",
		},
		{
			name: "duplicate step names",
			yaml: `
processes:
  - name: p
    steps:
      - {name: a, kind: service, service: svc}
      - {name: a, kind: service, service: svc}
`,
			wantField: "steps.name",
		},
		{
			name: "unknown kind",
			yaml: `
processes:
  - name: p
    steps: [{name: a, kind: teleport}]
`,
			wantField: "kind",
		},
		{
			name: "service step without service",
			yaml: `
processes:
  - name: p
    steps: [{name: a, kind: service}]
`,
			wantField: "service",
		},
		{
			name: "send step without message",
			yaml: `
processes:
  - name: p
    steps: [{name: a, kind: send, channel: email}]
`,
			wantField: "channel",
		},
		{
			name: "wait step with both modes",
			yaml: `
processes:
  - name: p
    steps: [{name: a, kind: wait, wait_duration_seconds: 5, wait_for_signal: go}]
`,
			wantField: "wait_duration_seconds",
		},
		{
			name: "wait step with neither mode",
			yaml: `
processes:
  - name: p
    steps: [{name: a, kind: wait}]
`,
			wantField: "wait_duration_seconds",
		},
		{
			name: "human_task without configuration",
			yaml: `
processes:
  - name: p
    steps: [{name: a, kind: human_task}]
`,
			wantField: "human_task",
		},
		{
			name: "human_task without outcomes",
			yaml: `
processes:
  - name: p
    steps:
      - name: a
        kind: human_task
        human_task:
          surface: inbox
`,
			wantField: "human_task.outcomes",
		},
		{
			name: "subprocess without child",
			yaml: `
processes:
  - name: p
    steps: [{name: a, kind: subprocess}]
`,
			wantField: "subprocess",
		},
		{
			name: "parallel without inner steps",
			yaml: `
processes:
  - name: p
    steps: [{name: a, kind: parallel}]
`,
			wantField: "parallel_steps",
		},
		{
			name: "condition nested in parallel",
			yaml: `
processes:
  - name: p
    steps:
      - name: a
        kind: parallel
        parallel_steps:
          - {name: b, kind: condition, condition: "inputs.x == 1"}
`,
			wantField: "kind",
		},
		{
			name: "condition without expression",
			yaml: `
processes:
  - name: p
    steps: [{name: a, kind: condition}]
`,
			wantField: "condition",
		},
		{
			name: "on_success routes to unknown step",
			yaml: `
processes:
  - name: p
    steps:
      - {name: a, kind: service, service: svc, on_success: nowhere}
`,
			wantField: "on_success",
		},
		{
			name: "on_success cannot route to fail",
			yaml: `
processes:
  - name: p
    steps:
      - {name: a, kind: service, service: svc, on_success: fail}
`,
			wantField: "on_success",
		},
		{
			name: "unknown compensation reference",
			yaml: `
processes:
  - name: p
    steps:
      - {name: a, kind: service, service: svc, compensate_with: undo}
`,
			wantField: "compensate_with",
		},
		{
			name: "compensation without service",
			yaml: `
processes:
  - name: p
    compensations:
      - name: undo
    steps:
      - {name: a, kind: service, service: svc}
`,
			wantField: "compensations.service",
		},
		{
			name: "negative retry attempts",
			yaml: `
processes:
  - name: p
    steps:
      - name: a
        kind: service
        service: svc
        retry:
          max_attempts: -1
`,
			wantField: "retry.max_attempts",
		},
		{
			name: "unknown overlap policy",
			yaml: `
processes:
  - name: p
    overlap_policy: merge
    steps: [{name: a, kind: service, service: svc}]
`,
			wantField: "overlap_policy",
		},
		{
			name: "schedule with both cron and interval",
			yaml: `
schedules:
  - name: s
    cron: "* * * * *"
    interval_seconds: 60
    steps: [{name: a, kind: service, service: svc}]
`,
			wantField: "cron",
		},
		{
			name: "schedule with neither trigger",
			yaml: `
schedules:
  - name: s
    steps: [{name: a, kind: service, service: svc}]
`,
			wantField: "cron",
		},
		{
			name: "condition may route to fail",
			yaml: `
processes:
  - name: p
    steps:
      - {name: a, kind: condition, condition: "inputs.x == 1", on_true: complete, on_false: fail}
`,
			wantField: "",
		},
		{
			name: "send step routes on_success to complete",
			yaml: `
processes:
  - name: p
    steps:
      - {name: a, kind: send, channel: email, message: hi, on_success: complete}
`,
			wantField: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))

			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Parse() error = %v, want nil", err)
				}
				return
			}

			if err == nil {
				t.Fatal("Parse() error = nil, want validation error")
			}
			var verr *dazzleerrors.ValidationError
			if !stderrors.As(err, &verr) {
				t.Fatalf("Parse() error = %v, want *ValidationError", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", verr.Field, tt.wantField)
			}
		})
	}
}

func TestParseInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("processes: ["))
	if err == nil {
		t.Fatal("Parse() error = nil, want yaml error")
	}
	if !strings.Contains(err.Error(), "failed to parse process definition") {
		t.Errorf("error = %v, want parse failure prefix", err)
	}
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orders.yaml")
	if err := os.WriteFile(path, []byte(validDocument), 0o644); err != nil {
		t.Fatal(err)
	}

	file, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile() error = %v", err)
	}
	if len(file.Processes) != 1 || file.Processes[0].Name != "order-fulfilment" {
		t.Errorf("ParseFile() parsed %+v", file.Processes)
	}

	if _, err := ParseFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("ParseFile() on missing file should error")
	}
}
