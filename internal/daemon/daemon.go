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

// Package daemon assembles the dazzled process: backend, built-in service
// handlers, process definition loading and watching, the HTTP API, and the
// telemetry provider, with one graceful shutdown path across all of them.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dazzlehq/dazzle/internal/api"
	"github.com/dazzlehq/dazzle/internal/config"
	"github.com/dazzlehq/dazzle/internal/handlers"
	"github.com/dazzlehq/dazzle/internal/log"
	"github.com/dazzlehq/dazzle/internal/tracing"
	"github.com/dazzlehq/dazzle/internal/watcher"
	"github.com/dazzlehq/dazzle/pkg/backend"
	"github.com/dazzlehq/dazzle/pkg/backend/factory"
	"github.com/dazzlehq/dazzle/pkg/process"
)

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the main dazzled process.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	backend backend.Backend
	tracer  *tracing.Provider
	api     *api.Server
	watcher *watcher.Watcher

	mu      sync.Mutex
	started bool
}

// serviceHost is the optional surface of backends that execute steps in
// process and therefore own a handler registry.
type serviceHost interface {
	Registry() *process.Registry
}

// New assembles a daemon from a validated configuration. The backend is
// selected here (which may probe the remote service) but nothing starts
// running until Start or Run.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := log.WithComponent(log.New(&log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		AddSource: cfg.Log.Source,
	}), "daemon")

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if cfg.ProcessesDir != "" {
		if err := os.MkdirAll(cfg.ProcessesDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create processes directory: %w", err)
		}
	}

	be, err := factory.New(context.Background(), cfg, factory.Options{Logger: logger})
	if err != nil {
		return nil, err
	}

	var tracer *tracing.Provider
	if cfg.Observability.Enabled {
		serviceVersion := cfg.Observability.ServiceVersion
		if serviceVersion == "" {
			serviceVersion = opts.Version
		}
		tracer, err = tracing.NewProvider(context.Background(), tracing.Config{
			Enabled:        true,
			ServiceName:    cfg.Observability.ServiceName,
			ServiceVersion: serviceVersion,
		})
		if err != nil {
			logger.Warn("failed to initialize telemetry provider", log.Error(err))
			logger.Warn("span export will not be available")
			tracer = nil
		} else {
			logger.Info("telemetry provider initialized",
				log.String("service_name", cfg.Observability.ServiceName),
				log.String("service_version", serviceVersion))
		}
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(be, api.Config{
			Addr:               cfg.API.Addr,
			RateLimitPerSecond: cfg.API.RateLimitPerSecond,
			RateLimitBurst:     cfg.API.RateLimitBurst,
			Version:            opts.Version,
		}, logger)
	}

	return &Daemon{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		backend: be,
		tracer:  tracer,
		api:     apiServer,
	}, nil
}

// Backend exposes the selected backend, mainly for embedding hosts and tests.
func (d *Daemon) Backend() backend.Backend {
	return d.backend
}

// APIAddr returns the bound API address, or "" when the API is disabled.
func (d *Daemon) APIAddr() string {
	if d.api == nil {
		return ""
	}
	return d.api.Addr()
}

// Run starts every component and blocks until the context is cancelled or a
// SIGINT/SIGTERM arrives, then shuts down within the configured timeout.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout())
	defer cancel()
	return d.Shutdown(shutdownCtx)
}

// Start brings up the backend, handlers, process definitions, watcher, and
// API server. It returns once everything is serving.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	if err := d.backend.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize %s backend: %w", d.backend.Name(), err)
	}

	d.registerHandlers()

	if d.cfg.ProcessesDir != "" {
		if err := watcher.LoadDir(ctx, d.backend, d.cfg.ProcessesDir, d.logger); err != nil {
			d.logger.Warn("failed to load process definitions", log.Error(err))
		}

		w, err := watcher.New(d.backend, watcher.Options{
			Dir:    d.cfg.ProcessesDir,
			Logger: d.logger,
		})
		if err != nil {
			d.logger.Warn("failed to start process watcher", log.Error(err))
			d.logger.Warn("process definition changes will not be picked up")
		} else {
			d.watcher = w
			w.Start(ctx)
		}
	}

	if d.api != nil {
		if err := d.api.Start(); err != nil {
			return err
		}
	}

	d.logger.Info("dazzled started",
		log.String("version", d.opts.Version),
		log.String("backend", d.backend.Name()))
	return nil
}

// Shutdown stops the components in reverse dependency order: first the
// sources of new work (watcher, API), then the backend, which suspends
// in-flight runs so a later start can resume them. Component failures are
// logged rather than raised so one of them cannot block the rest.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil
	}

	d.logger.Info("graceful shutdown initiated")

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.logger.Error("process watcher shutdown error", log.Error(err))
		}
		d.watcher = nil
	}

	if d.api != nil {
		if err := d.api.Shutdown(ctx); err != nil {
			d.logger.Error("api server shutdown error", log.Error(err))
		}
	}

	if err := d.backend.Shutdown(ctx); err != nil {
		d.logger.Error("backend shutdown error", log.Error(err))
	}

	if d.tracer != nil {
		if err := d.tracer.Shutdown(ctx); err != nil {
			d.logger.Error("telemetry shutdown error", log.Error(err))
		}
	}

	d.started = false
	d.logger.Info("daemon stopped")
	return nil
}

// registerHandlers binds the built-in service handlers when the backend
// executes steps in process. The remote backend resolves services on the
// server side, so it has no registry to fill.
func (d *Daemon) registerHandlers() {
	host, ok := d.backend.(serviceHost)
	if !ok {
		return
	}

	reg := host.Registry()
	handlers.Register(reg)

	if d.cfg.SendWebhookURL != "" {
		reg.SetSendHandler(handlers.NewChannelSend(d.cfg.SendWebhookURL))
		d.logger.Info("send steps will post to the configured webhook",
			log.String("url", d.cfg.SendWebhookURL))
	}
}
