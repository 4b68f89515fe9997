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
	"context"
	"fmt"
	"sync"
	"time"
)

// Schema identifies a lifecycle event schema.
type Schema string

const (
	// SchemaProcessStarted is emitted once when a run begins (not on resume).
	SchemaProcessStarted Schema = "ProcessStarted"

	// SchemaProcessStepCompleted is emitted after every successful step.
	SchemaProcessStepCompleted Schema = "ProcessStepCompleted"

	// SchemaProcessCompleted is emitted when a run completes cleanly.
	SchemaProcessCompleted Schema = "ProcessCompleted"

	// SchemaProcessFailed is emitted when a run terminates failed.
	SchemaProcessFailed Schema = "ProcessFailed"

	// SchemaProcessCancelled is emitted when a run is cancelled.
	SchemaProcessCancelled Schema = "ProcessCancelled"

	// SchemaHumanTaskAssigned is emitted when a human task is created.
	SchemaHumanTaskAssigned Schema = "HumanTaskAssigned"

	// SchemaAny subscribes a listener to every schema.
	SchemaAny Schema = "*"
)

// Event is one lifecycle event. Data always carries run_id and t_event in
// addition to the schema's payload contract.
type Event struct {
	Schema      Schema         `json:"schema"`
	RunID       string         `json:"run_id"`
	ProcessName string         `json:"process_name"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data"`
}

// NewEvent builds an event, stamping run_id and t_event into the payload.
func NewEvent(schema Schema, runID, processName string, fields map[string]any) *Event {
	now := time.Now().UTC()
	data := map[string]any{
		"run_id":  runID,
		"t_event": now.Format(time.RFC3339Nano),
	}
	for k, v := range fields {
		data[k] = v
	}
	return &Event{
		Schema:      schema,
		RunID:       runID,
		ProcessName: processName,
		Timestamp:   now,
		Data:        data,
	}
}

// EventListener is a function that handles lifecycle events.
type EventListener func(ctx context.Context, event *Event) error

// Emitter manages event listeners and dispatches events. Synchronous
// dispatch preserves emission order, which run-level consumers rely on;
// asynchronous dispatch is available for fire-and-forget sinks.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[Schema][]EventListener
	async     bool
}

// NewEmitter creates a new event emitter.
func NewEmitter(async bool) *Emitter {
	return &Emitter{
		listeners: make(map[Schema][]EventListener),
		async:     async,
	}
}

// On registers an event listener for the specified schema.
func (e *Emitter) On(schema Schema, listener EventListener) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.listeners[schema] = append(e.listeners[schema], listener)
}

// OnAny registers a listener for every schema.
func (e *Emitter) OnAny(listener EventListener) {
	e.On(SchemaAny, listener)
}

// Off removes all listeners for the schema.
func (e *Emitter) Off(schema Schema) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.listeners, schema)
}

// Emit dispatches an event to the schema's listeners and to wildcard
// listeners. Listener errors never stop dispatch; the last one is returned.
func (e *Emitter) Emit(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	e.mu.RLock()
	listeners := make([]EventListener, 0, len(e.listeners[event.Schema])+len(e.listeners[SchemaAny]))
	listeners = append(listeners, e.listeners[event.Schema]...)
	listeners = append(listeners, e.listeners[SchemaAny]...)
	e.mu.RUnlock()

	if e.async {
		return e.emitAsync(ctx, event, listeners)
	}
	return e.emitSync(ctx, event, listeners)
}

// emitSync calls listeners synchronously, in registration order.
func (e *Emitter) emitSync(ctx context.Context, event *Event, listeners []EventListener) error {
	var lastError error

	for _, listener := range listeners {
		if err := listener(ctx, event); err != nil {
			// Continue calling other listeners even if one fails.
			lastError = err
		}
	}

	return lastError
}

// emitAsync calls listeners concurrently and waits for them to settle.
func (e *Emitter) emitAsync(ctx context.Context, event *Event, listeners []EventListener) error {
	var wg sync.WaitGroup
	errChan := make(chan error, len(listeners))

	for _, listener := range listeners {
		wg.Add(1)
		go func(l EventListener) {
			defer wg.Done()
			if err := l(ctx, event); err != nil {
				errChan <- err
			}
		}(listener)
	}

	wg.Wait()
	close(errChan)

	var lastError error
	for err := range errChan {
		lastError = err
	}

	return lastError
}

// ListenerCount returns the number of listeners for a given schema.
func (e *Emitter) ListenerCount(schema Schema) int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.listeners[schema])
}

// RemoveAllListeners removes all listeners for all schemas.
func (e *Emitter) RemoveAllListeners() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.listeners = make(map[Schema][]EventListener)
}

// EmitProcessStarted emits a ProcessStarted event.
func (e *Emitter) EmitProcessStarted(ctx context.Context, runID, processName string) error {
	return e.Emit(ctx, NewEvent(SchemaProcessStarted, runID, processName, map[string]any{
		"process_name": processName,
	}))
}

// EmitStepCompleted emits a ProcessStepCompleted event.
func (e *Emitter) EmitStepCompleted(ctx context.Context, runID, processName, stepName string) error {
	return e.Emit(ctx, NewEvent(SchemaProcessStepCompleted, runID, processName, map[string]any{
		"step_name":    stepName,
		"process_name": processName,
	}))
}

// EmitProcessCompleted emits a ProcessCompleted event.
func (e *Emitter) EmitProcessCompleted(ctx context.Context, runID, processName string, outputs map[string]any) error {
	return e.Emit(ctx, NewEvent(SchemaProcessCompleted, runID, processName, map[string]any{
		"process_name": processName,
		"outputs":      outputs,
	}))
}

// EmitProcessFailed emits a ProcessFailed event.
func (e *Emitter) EmitProcessFailed(ctx context.Context, runID, processName, errMsg string) error {
	return e.Emit(ctx, NewEvent(SchemaProcessFailed, runID, processName, map[string]any{
		"process_name": processName,
		"error":        errMsg,
	}))
}

// EmitProcessCancelled emits a ProcessCancelled event.
func (e *Emitter) EmitProcessCancelled(ctx context.Context, runID, processName, reason string) error {
	return e.Emit(ctx, NewEvent(SchemaProcessCancelled, runID, processName, map[string]any{
		"reason": reason,
	}))
}

// EmitHumanTaskAssigned emits a HumanTaskAssigned event.
func (e *Emitter) EmitHumanTaskAssigned(ctx context.Context, runID, processName, taskID, stepName, surface string) error {
	return e.Emit(ctx, NewEvent(SchemaHumanTaskAssigned, runID, processName, map[string]any{
		"task_id":   taskID,
		"step_name": stepName,
		"surface":   surface,
	}))
}
