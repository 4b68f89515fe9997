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

package lite

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dazzlehq/dazzle/internal/log"
	"github.com/dazzlehq/dazzle/internal/metrics"
	"github.com/dazzlehq/dazzle/pkg/backend"
	"github.com/dazzlehq/dazzle/pkg/process"
)

// scheduler is the background loop that fires due schedules and escalates
// overdue tasks. One instance per engine; cooperative with shutdown.
type scheduler struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}

	// Cron programs are parsed once per expression; invalid expressions are
	// reported once and never fire.
	mu      sync.Mutex
	parsed  map[string]*cronSchedule
	invalid map[string]bool
}

func newScheduler(e *Engine, interval time.Duration) *scheduler {
	return &scheduler{
		engine:   e,
		interval: interval,
		logger:   log.WithComponent(e.logger, "scheduler"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		parsed:   make(map[string]*cronSchedule),
		invalid:  make(map[string]bool),
	}
}

func (s *scheduler) start() { go s.run() }

// stop signals the loop and waits for the in-flight tick to finish.
func (s *scheduler) stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *scheduler) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(time.Now().UTC())
		}
	}
}

// tick evaluates every registered schedule, then sweeps overdue tasks.
// Nothing triggers while the engine drains.
func (s *scheduler) tick(now time.Time) {
	if s.engine.draining.Load() {
		return
	}
	ctx := s.engine.baseCtx

	for _, spec := range s.engine.scheduleSpecs() {
		s.evaluate(ctx, spec, now)
	}
	s.escalateOverdue(ctx, now)
}

// evaluate fires one schedule when due and records the outcome on its state
// row. last_run_at advances even when the overlap policy returned an
// in-flight run, so a skipped trigger does not re-fire every tick.
func (s *scheduler) evaluate(ctx context.Context, spec *process.ScheduleSpec, now time.Time) {
	state, err := s.engine.store.GetScheduleState(ctx, spec.Name)
	if err != nil {
		s.logger.Error("failed to load schedule state",
			log.String(log.ScheduleKey, spec.Name), log.Error(err))
		return
	}

	var last *time.Time
	if state != nil {
		last = state.LastRunAt
	}
	if !s.isDue(spec, last, now) {
		return
	}

	run, err := s.engine.StartProcess(ctx, backend.StartProcessRequest{
		ProcessName: spec.Name,
		Inputs:      map[string]any{},
	})
	if err != nil {
		metrics.RecordScheduleTrigger(spec.Name, "error")
		s.logger.Error("schedule trigger failed",
			log.String(log.ScheduleKey, spec.Name), log.Error(err))
		if rerr := s.engine.store.RecordScheduleError(ctx, spec.Name, err.Error(), now); rerr != nil {
			s.logger.Error("failed to record schedule error",
				log.String(log.ScheduleKey, spec.Name), log.Error(rerr))
		}
		return
	}

	metrics.RecordScheduleTrigger(spec.Name, "started")
	if err := s.engine.store.RecordScheduleRun(ctx, spec.Name, run.RunID, now); err != nil {
		s.logger.Error("failed to record schedule run",
			log.String(log.ScheduleKey, spec.Name), log.Error(err))
	}
	s.logger.Info("schedule triggered",
		log.String(log.ScheduleKey, spec.Name),
		log.String(log.RunIDKey, run.RunID))
}

// isDue decides whether a schedule should fire at now. Never-ran schedules
// are due immediately; interval schedules compare elapsed wall time; cron
// schedules look for a matching minute in (last, now].
func (s *scheduler) isDue(spec *process.ScheduleSpec, last *time.Time, now time.Time) bool {
	if last == nil {
		return true
	}
	if spec.IntervalSeconds > 0 {
		return now.Sub(*last) >= time.Duration(spec.IntervalSeconds)*time.Second
	}
	if spec.Cron != "" {
		cs := s.cronFor(spec.Name, spec.Cron)
		if cs == nil {
			return false
		}
		return cs.dueSince(*last, now)
	}
	return false
}

// cronFor returns the parsed program for an expression, parsing and caching
// on first sight. Invalid expressions are logged once.
func (s *scheduler) cronFor(name, expr string) *cronSchedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.invalid[expr] {
		return nil
	}
	if cs, ok := s.parsed[expr]; ok {
		return cs
	}

	cs, err := parseCron(expr)
	if err != nil {
		s.invalid[expr] = true
		s.logger.Error("invalid cron expression, schedule will never fire",
			log.String(log.ScheduleKey, name),
			log.String("cron", expr),
			log.Error(err))
		return nil
	}
	s.parsed[expr] = cs
	return cs
}

// escalateOverdue is the safety net for tasks whose run goroutine is not
// polling: pending, past due, never escalated.
func (s *scheduler) escalateOverdue(ctx context.Context, now time.Time) {
	tasks, err := s.engine.store.ListEscalatableTasks(ctx, now)
	if err != nil {
		s.logger.Error("failed to list escalatable tasks", log.Error(err))
		return
	}

	for _, t := range tasks {
		escalated, err := s.engine.store.EscalateTask(ctx, t.TaskID)
		if err != nil {
			s.logger.Error("failed to escalate task",
				log.String(log.TaskIDKey, t.TaskID), log.Error(err))
			continue
		}
		if escalated {
			metrics.RecordTask("escalated")
			s.logger.Info("task escalated by sweep",
				log.String(log.TaskIDKey, t.TaskID),
				log.String(log.RunIDKey, t.RunID))
		}
	}
}
