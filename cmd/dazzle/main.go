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
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		code := 1
		var xe *exitError
		if errors.As(err, &xe) {
			code = xe.code
			if xe.message != "" {
				fmt.Fprintf(os.Stderr, "Error: %s\n", xe.message)
			}
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(code)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dazzle",
		Short: "Dazzle - durable process execution",
		Long: `Dazzle runs long-lived business processes defined in YAML: service calls,
human approval tasks, waits and signals, schedules, and compensation on
failure.

Run 'dazzle validate <file>' to check a definition before handing it to a
dazzled instance.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")

	cmd.AddCommand(newValidateCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// exitError carries a process exit code through cobra's error return. An
// empty message means the command already reported the failure itself.
type exitError struct {
	code    int
	message string
}

func (e *exitError) Error() string { return e.message }
