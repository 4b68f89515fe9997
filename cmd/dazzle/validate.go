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

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	dazzleerrors "github.com/dazzlehq/dazzle/pkg/errors"
	"github.com/dazzlehq/dazzle/pkg/process"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a process definition file",
		Long: `Validate checks that a process definition file parses and is internally
consistent: step names are unique, branch and compensation references
resolve, human task outcomes are declared, and every schedule carries
exactly one trigger. It runs entirely offline; no daemon is needed.`,
		Example: `  # Basic validation
  dazzle validate processes/orders.yaml

  # Machine-readable result
  dazzle validate processes/orders.yaml --json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runValidate,
	}
}

// validateIssue is one problem found in a definition file.
type validateIssue struct {
	Field      string `json:"field,omitempty"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

type processSummary struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Steps   int    `json:"steps"`
}

type scheduleSummary struct {
	Name            string `json:"name"`
	Cron            string `json:"cron,omitempty"`
	IntervalSeconds int    `json:"interval_seconds,omitempty"`
	Steps           int    `json:"steps"`
}

type validateResult struct {
	Command   string            `json:"command"`
	Success   bool              `json:"success"`
	Errors    []validateIssue   `json:"errors,omitempty"`
	Processes []processSummary  `json:"processes,omitempty"`
	Schedules []scheduleSummary `json:"schedules,omitempty"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := args[0]
	useJSON, _ := cmd.Flags().GetBool("json")

	data, err := os.ReadFile(path)
	if err != nil {
		msg := fmt.Sprintf("failed to read process definition: %v", err)
		if useJSON {
			emitJSON(cmd, validateResult{
				Command: "validate",
				Errors:  []validateIssue{{Message: msg}},
			})
			return &exitError{code: 2}
		}
		return &exitError{code: 2, message: msg}
	}

	file, err := process.Parse(data)
	if err != nil {
		issue := validateIssue{Message: err.Error()}
		var verr *dazzleerrors.ValidationError
		if dazzleerrors.As(err, &verr) {
			issue = validateIssue{
				Field:      verr.Field,
				Message:    verr.Message,
				Suggestion: verr.Suggestion,
			}
		}
		if useJSON {
			emitJSON(cmd, validateResult{
				Command: "validate",
				Errors:  []validateIssue{issue},
			})
			return &exitError{code: 1}
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: error: %s\n", path, issue.Message)
		if issue.Suggestion != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "  Suggestion: %s\n", issue.Suggestion)
		}
		return &exitError{code: 1, message: "validation failed"}
	}

	if useJSON {
		result := validateResult{Command: "validate", Success: true}
		for i := range file.Processes {
			p := &file.Processes[i]
			result.Processes = append(result.Processes, processSummary{
				Name:    p.Name,
				Version: p.Version,
				Steps:   len(p.Steps),
			})
		}
		for i := range file.Schedules {
			s := &file.Schedules[i]
			result.Schedules = append(result.Schedules, scheduleSummary{
				Name:            s.Name,
				Cron:            s.Cron,
				IntervalSeconds: s.IntervalSeconds,
				Steps:           len(s.Steps),
			})
		}
		return emitJSON(cmd, result)
	}

	cmd.Println("Validation Results:")
	cmd.Println("  [OK] Syntax valid")
	cmd.Println("  [OK] All step references resolve correctly")

	if len(file.Processes) > 0 {
		cmd.Println("\nProcesses:")
		for i := range file.Processes {
			p := &file.Processes[i]
			if p.Version != "" {
				cmd.Printf("  - %s (version %s, %d steps)\n", p.Name, p.Version, len(p.Steps))
			} else {
				cmd.Printf("  - %s (%d steps)\n", p.Name, len(p.Steps))
			}
		}
	}
	if len(file.Schedules) > 0 {
		cmd.Println("\nSchedules:")
		for i := range file.Schedules {
			s := &file.Schedules[i]
			if s.Cron != "" {
				cmd.Printf("  - %s (cron %q, %d steps)\n", s.Name, s.Cron, len(s.Steps))
			} else {
				cmd.Printf("  - %s (every %ds, %d steps)\n", s.Name, s.IntervalSeconds, len(s.Steps))
			}
		}
	}
	return nil
}

func emitJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	cmd.Println(string(data))
	return nil
}
