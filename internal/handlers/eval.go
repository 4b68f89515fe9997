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
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/dazzlehq/dazzle/pkg/errors"
)

// Eval is the "eval" service handler. It compiles inputs["expression"] with
// expr and evaluates it against the remaining inputs as the environment,
// returning the value under "result". Compiled programs are cached per
// instance so repeated evaluations of the same expression skip compilation.
type Eval struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewEval creates an eval handler with an empty program cache.
func NewEval() *Eval {
	return &Eval{cache: make(map[string]*vm.Program)}
}

// Handle evaluates the expression. Variables the expression names but the
// environment lacks resolve to nil rather than failing compilation.
func (e *Eval) Handle(_ context.Context, inputs map[string]any) (map[string]any, error) {
	expression, _ := inputs["expression"].(string)
	if expression == "" {
		return nil, errors.StepFailedFatal("eval requires an expression input")
	}

	program, err := e.compile(expression)
	if err != nil {
		return nil, errors.StepFailedFatal(fmt.Sprintf("invalid expression: %s", err))
	}

	env := make(map[string]any, len(inputs))
	for k, v := range inputs {
		if k == "expression" {
			continue
		}
		env[k] = v
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("expression evaluation failed: %w", err)
	}
	return map[string]any{"result": result}, nil
}

func (e *Eval) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = program
	e.mu.Unlock()
	return program, nil
}
