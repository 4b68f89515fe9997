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

// Package api exposes the backend over HTTP. Resource routes live under
// /api/v1; /healthz and /metrics sit at the root so probes and scrapers
// need no versioned paths.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/dazzlehq/dazzle/internal/log"
	"github.com/dazzlehq/dazzle/pkg/backend"
	"github.com/dazzlehq/dazzle/pkg/errors"
)

// Config holds the server settings.
type Config struct {
	// Addr is the listen address.
	Addr string

	// RateLimitPerSecond is the sustained request rate shared by all
	// callers; RateLimitBurst is the bucket size.
	RateLimitPerSecond int
	RateLimitBurst     int

	// Version is reported by /healthz.
	Version string
}

// Server serves the HTTP API for one backend.
type Server struct {
	cfg     Config
	backend backend.Backend
	logger  *slog.Logger
	router  chi.Router

	mu  sync.Mutex // guards srv and ln; Addr may race with Start otherwise
	srv *http.Server
	ln  net.Listener
}

// NewServer builds the server and its routes. Nothing listens until Start.
func NewServer(be backend.Backend, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = log.New(nil)
	}
	s := &Server{
		cfg:     cfg,
		backend: be,
		logger:  log.WithComponent(logger, "api"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))
	r.Use(rateLimit(rate.NewLimiter(rate.Limit(s.cfg.RateLimitPerSecond), s.cfg.RateLimitBurst)))

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		newRunsHandler(s.backend).mount(r)
		newTasksHandler(s.backend).mount(r)
		newVersionsHandler(s.backend).mount(r)
	})
	return r
}

// Router returns the handler tree, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background. Serve errors
// after a clean Shutdown are swallowed; anything else is logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server failed", log.Error(err))
		}
	}()

	s.logger.Info("api server listening", log.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, useful when Config.Addr used port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

// Shutdown drains in-flight requests. Safe to call without Start.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"backend": s.backend.Name(),
		"version": s.cfg.Version,
	})
}
