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
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/dazzlehq/dazzle/internal/config"
	"github.com/dazzlehq/dazzle/internal/daemon"
	"github.com/dazzlehq/dazzle/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Parse command line flags
	var (
		configPath   = pflag.String("config", "", "Path to config file (default: ~/.dazzle/config.yaml when present)")
		backendType  = pflag.String("backend", "", "Execution backend (auto, lite, remote)")
		dataDir      = pflag.String("data-dir", "", "Directory for local state")
		processesDir = pflag.String("processes-dir", "", "Directory of process definitions to load and watch")
		dbPath       = pflag.String("db-path", "", "SQLite database path for the lite backend")
		apiAddr      = pflag.String("api-addr", "", "HTTP API listen address")
		logLevel     = pflag.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat    = pflag.String("log-format", "", "Log format (json, text)")
		showVersion  = pflag.Bool("version", false, "Show version information")
	)
	pflag.Parse()

	if *showVersion {
		fmt.Printf("dazzled %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Initialize structured logging from environment
	logger := log.New(log.FromEnv())

	// An unset -config falls back to the well-known path, but only when a
	// file actually exists there.
	path := *configPath
	if path == "" {
		if p := config.DefaultPath(); p != "" {
			if _, err := os.Stat(p); err == nil {
				path = p
			}
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("failed to load config", log.Error(err))
		os.Exit(1)
	}

	// Apply CLI flag overrides
	if *backendType != "" {
		cfg.Backend = *backendType
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
		cfg.Lite.DBPath = filepath.Join(*dataDir, "dazzle.db")
	}
	if *processesDir != "" {
		cfg.ProcessesDir = *processesDir
	}
	if *dbPath != "" {
		cfg.Lite.DBPath = *dbPath
	}
	if *apiAddr != "" {
		cfg.API.Addr = *apiAddr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}

	// Flags bypass Load's validation, so check the final shape again.
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", log.Error(err))
		os.Exit(1)
	}

	d, err := daemon.New(cfg, daemon.Options{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	})
	if err != nil {
		logger.Error("failed to create daemon", log.Error(err))
		os.Exit(1)
	}

	// Run blocks until SIGINT/SIGTERM and shuts down within the configured
	// timeout.
	if err := d.Run(context.Background()); err != nil {
		logger.Error("daemon error", log.Error(err))
		os.Exit(1)
	}
}
