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
	"sort"
	"sync"
)

// ServiceHandler performs the work of a service step or a compensation.
type ServiceHandler func(ctx context.Context, inputs map[string]any) (map[string]any, error)

// SendHandler delivers a send step's message to a channel.
type SendHandler func(ctx context.Context, channel, message string, inputs map[string]any) error

// EffectExecutor applies opaque effect descriptors. It is invoked after a
// successful step dispatch and when a human-task outcome fires. When no
// executor is registered, effects are silently skipped.
type EffectExecutor func(ctx context.Context, effects []map[string]any, effectCtx map[string]any) ([]map[string]any, error)

// Registry holds the external collaborators an engine consumes. It is
// write-mostly at boot and read-only during execution; registrations are
// guarded so tests can build engines concurrently.
type Registry struct {
	mu       sync.RWMutex
	services map[string]ServiceHandler
	send     SendHandler
	effects  EffectExecutor
}

// NewRegistry creates an empty collaborator registry.
func NewRegistry() *Registry {
	return &Registry{
		services: make(map[string]ServiceHandler),
	}
}

// RegisterService binds a handler to a service name, replacing any previous
// binding.
func (r *Registry) RegisterService(name string, handler ServiceHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.services[name] = handler
}

// Service looks up the handler for a service name.
func (r *Registry) Service(name string) (ServiceHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.services[name]
	return h, ok
}

// ServiceNames returns the registered service names, sorted.
func (r *Registry) ServiceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetSendHandler installs the send handler.
func (r *Registry) SetSendHandler(handler SendHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.send = handler
}

// Send returns the send handler, if one is installed.
func (r *Registry) Send() (SendHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.send, r.send != nil
}

// SetEffectExecutor installs the effect executor.
func (r *Registry) SetEffectExecutor(executor EffectExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.effects = executor
}

// Effects returns the effect executor, if one is installed.
func (r *Registry) Effects() (EffectExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.effects, r.effects != nil
}
