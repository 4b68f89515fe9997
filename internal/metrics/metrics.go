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

// Package metrics exposes the engine's Prometheus collectors. Collectors are
// registered once against the default registry and recorded through package
// functions so every engine instance shares the same series.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dazzle_runs_started_total",
			Help: "Total process runs started, by process name",
		},
		[]string{"process"},
	)

	runsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dazzle_runs_completed_total",
			Help: "Total process runs reaching a terminal status, by process and status",
		},
		[]string{"process", "status"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dazzle_run_duration_seconds",
			Help:    "Wall-clock duration of terminal runs",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 1800, 7200},
		},
		[]string{"process", "status"},
	)

	activeRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dazzle_active_runs",
			Help: "Number of runs currently driven by this engine",
		},
	)

	stepsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dazzle_steps_executed_total",
			Help: "Total step executions, by step kind and outcome",
		},
		[]string{"kind", "status"},
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dazzle_step_duration_seconds",
			Help:    "Duration of step executions including retries",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 30, 120, 600},
		},
		[]string{"kind"},
	)

	signals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dazzle_signals_total",
			Help: "Signal lifecycle counts: delivered (inserted) and consumed",
		},
		[]string{"event"},
	)

	tasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dazzle_tasks_total",
			Help: "Human task lifecycle transitions, by resulting status",
		},
		[]string{"status"},
	)

	scheduleTriggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dazzle_schedule_triggers_total",
			Help: "Schedule trigger outcomes, by schedule and result",
		},
		[]string{"schedule", "result"},
	)
)

// RecordRunStarted increments the started counter for a process.
func RecordRunStarted(processName string) {
	runsStarted.WithLabelValues(processName).Inc()
}

// RecordRunCompleted records a terminal run with its status and duration.
func RecordRunCompleted(processName, status string, duration time.Duration) {
	runsCompleted.WithLabelValues(processName, status).Inc()
	runDuration.WithLabelValues(processName, status).Observe(duration.Seconds())
}

// IncActiveRuns tracks a run goroutine entering the engine's running set.
func IncActiveRuns() {
	activeRuns.Inc()
}

// DecActiveRuns tracks a run goroutine leaving the engine's running set.
func DecActiveRuns() {
	activeRuns.Dec()
}

// RecordStep records one step execution outcome.
func RecordStep(kind, status string, duration time.Duration) {
	stepsExecuted.WithLabelValues(kind, status).Inc()
	stepDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordSignalDelivered counts a signal row insertion.
func RecordSignalDelivered() {
	signals.WithLabelValues("delivered").Inc()
}

// RecordSignalConsumed counts an atomic signal consumption.
func RecordSignalConsumed() {
	signals.WithLabelValues("consumed").Inc()
}

// RecordTask counts a human task transition into the given status.
func RecordTask(status string) {
	tasks.WithLabelValues(status).Inc()
}

// RecordScheduleTrigger counts one schedule trigger outcome
// ("started" or "error").
func RecordScheduleTrigger(schedule, result string) {
	scheduleTriggers.WithLabelValues(schedule, result).Inc()
}
