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

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/itchyny/gojq"

	"github.com/dazzlehq/dazzle/pkg/errors"
)

const (
	// defaultTransformTimeout bounds a single jq evaluation.
	defaultTransformTimeout = time.Second

	// defaultMaxTransformInput caps the serialized input size (10MB).
	defaultMaxTransformInput = 10 << 20
)

// Transform is the "transform" service handler. It runs a jq query from
// inputs["query"] against inputs["input"] and returns the value under
// "result". Compiled queries are cached per instance.
type Transform struct {
	timeout  time.Duration
	maxInput int64

	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewTransform creates a transform handler with the default timeout and
// input size limit.
func NewTransform() *Transform {
	return &Transform{
		timeout:  defaultTransformTimeout,
		maxInput: defaultMaxTransformInput,
		cache:    make(map[string]*gojq.Code),
	}
}

// Handle evaluates the query. Multiple jq outputs come back as a slice, a
// single output as itself, and no output as nil.
func (t *Transform) Handle(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	query, _ := inputs["query"].(string)
	if query == "" {
		return nil, errors.StepFailedFatal("transform requires a query input")
	}

	code, err := t.compile(query)
	if err != nil {
		return nil, errors.StepFailedFatal(fmt.Sprintf("invalid jq query: %s", err))
	}

	// The JSON round trip both enforces the size limit and normalizes the
	// input to the value kinds jq understands.
	raw, err := json.Marshal(inputs["input"])
	if err != nil {
		return nil, errors.StepFailedFatal(fmt.Sprintf("transform input is not serializable: %s", err))
	}
	if int64(len(raw)) > t.maxInput {
		return nil, errors.StepFailedFatal(fmt.Sprintf("transform input size (%d bytes) exceeds maximum (%d bytes)", len(raw), t.maxInput))
	}
	var input any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, errors.StepFailedFatal(fmt.Sprintf("transform input is not serializable: %s", err))
	}

	execCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	resultCh := make(chan any, 1)
	errCh := make(chan error, 1)
	go func() {
		iter := code.RunWithContext(execCtx, input)

		var results []any
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := v.(error); isErr {
				errCh <- err
				return
			}
			results = append(results, v)
		}

		switch len(results) {
		case 0:
			resultCh <- nil
		case 1:
			resultCh <- results[0]
		default:
			resultCh <- results
		}
	}()

	select {
	case result := <-resultCh:
		return map[string]any{"result": result}, nil
	case err := <-errCh:
		if execCtx.Err() != nil {
			return nil, fmt.Errorf("transform timed out after %v", t.timeout)
		}
		return nil, fmt.Errorf("transform failed: %w", err)
	case <-execCtx.Done():
		return nil, fmt.Errorf("transform timed out after %v", t.timeout)
	}
}

// Validate compiles a query without running it, for registration-time checks.
func (t *Transform) Validate(query string) error {
	if query == "" {
		return nil
	}
	_, err := t.compile(query)
	return err
}

func (t *Transform) compile(query string) (*gojq.Code, error) {
	t.mu.RLock()
	code, ok := t.cache[query]
	t.mu.RUnlock()
	if ok {
		return code, nil
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, err
	}
	code, err = gojq.Compile(parsed)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.cache[query] = code
	t.mu.Unlock()
	return code, nil
}
