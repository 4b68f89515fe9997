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
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Context carries the data visible to expressions during a run: the process
// inputs, the recorded output bag of every completed step, and user
// variables. It is pure state; resolution never performs I/O and never fails.
type Context struct {
	// Inputs are the process start inputs
	Inputs map[string]any

	// StepOutputs maps step name to that step's recorded output bag
	StepOutputs map[string]map[string]any

	// Variables are user-managed values under the vars. root
	Variables map[string]any

	// CurrentStep is the name of the step being executed
	CurrentStep string

	// StartedAt is when the run began
	StartedAt time.Time
}

// NewContext creates a context for a fresh run.
func NewContext(inputs map[string]any) *Context {
	if inputs == nil {
		inputs = map[string]any{}
	}
	return &Context{
		Inputs:      inputs,
		StepOutputs: map[string]map[string]any{},
		Variables:   map[string]any{},
		StartedAt:   time.Now().UTC(),
	}
}

// RecordStepOutput stores a step's result bag under its name.
func (c *Context) RecordStepOutput(step string, outputs map[string]any) {
	if c.StepOutputs == nil {
		c.StepOutputs = map[string]map[string]any{}
	}
	if outputs == nil {
		outputs = map[string]any{}
	}
	c.StepOutputs[step] = outputs
}

// Resolve evaluates a path expression against the context.
//
// Roots: "inputs.<path>" reads process inputs, "vars.<path>" reads user
// variables, "<step>.<path>" reads that step's output bag. Strings containing
// "${...}" are interpolated occurrence by occurrence. A bare token that does
// not match a known root is returned verbatim as a literal string; resolution
// never raises. Descent walks map keys and, when a segment is a non-negative
// integer, sequence indices; any mismatch or out-of-bounds access yields nil.
func (c *Context) Resolve(expr string) any {
	if strings.Contains(expr, "${") {
		return c.Interpolate(expr)
	}

	segments := strings.Split(expr, ".")
	root := segments[0]

	switch {
	case root == "inputs":
		return descend(c.Inputs, segments[1:])
	case root == "vars":
		return descend(c.Variables, segments[1:])
	default:
		if bag, ok := c.StepOutputs[root]; ok {
			return descend(bag, segments[1:])
		}
		// Unknown root: the expression is a literal.
		return expr
	}
}

// Interpolate replaces every ${expr} occurrence in s with the stringified
// resolution of expr. Nil resolutions become the empty string.
func (c *Context) Interpolate(s string) string {
	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			b.WriteString(rest)
			return b.String()
		}
		end := strings.Index(rest[start:], "}")
		if end < 0 {
			b.WriteString(rest)
			return b.String()
		}
		end += start

		b.WriteString(rest[:start])
		inner := rest[start+2 : end]
		b.WriteString(stringify(c.Resolve(inner)))
		rest = rest[end+1:]
	}
}

// BuildStepInputs materialises a step's input bag from its mappings.
func (c *Context) BuildStepInputs(mappings []InputMapping) map[string]any {
	inputs := make(map[string]any, len(mappings))
	for _, m := range mappings {
		inputs[m.Target] = c.Resolve(m.Source)
	}
	return inputs
}

// conditionOps in scan order; two-character operators are checked before
// their one-character prefixes.
var conditionOps = []string{"==", "!=", ">=", "<=", ">", "<"}

// EvaluateCondition evaluates a branch expression.
//
// The first operator found in a left-to-right scan splits the expression.
// The left operand is resolved; the right operand is parsed as a literal
// first (true/false, null/none, quoted string, integer, float) and resolved
// only as a last resort. Comparisons across incompatible types yield false.
// Without an operator the resolved value's truthiness decides. An empty
// condition is true.
func (c *Context) EvaluateCondition(expr string) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true
	}

	for i := 0; i < len(expr); i++ {
		for _, op := range conditionOps {
			if strings.HasPrefix(expr[i:], op) {
				left := c.Resolve(strings.TrimSpace(expr[:i]))
				right := c.parseOperand(strings.TrimSpace(expr[i+len(op):]))
				return compare(left, right, op)
			}
		}
	}

	return truthy(c.Resolve(expr))
}

// parseOperand parses a right-hand operand literal-first.
func (c *Context) parseOperand(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null", "none":
		return nil
	}

	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}

	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}

	return c.Resolve(s)
}

// ToBag serialises the context for persistence between step executions.
func (c *Context) ToBag() map[string]any {
	outputs := make(map[string]any, len(c.StepOutputs))
	for step, bag := range c.StepOutputs {
		outputs[step] = bag
	}
	bag := map[string]any{
		"inputs":       c.Inputs,
		"step_outputs": outputs,
		"variables":    c.Variables,
		"current_step": c.CurrentStep,
	}
	if !c.StartedAt.IsZero() {
		bag["started_at"] = c.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	return bag
}

// FromBag rebuilds a context from its serialised form. It tolerates the
// loosened types produced by a JSON round-trip.
func FromBag(bag map[string]any) *Context {
	c := &Context{
		Inputs:      asBag(bag["inputs"]),
		StepOutputs: map[string]map[string]any{},
		Variables:   asBag(bag["variables"]),
	}

	if outputs, ok := bag["step_outputs"].(map[string]any); ok {
		for step, v := range outputs {
			c.StepOutputs[step] = asBag(v)
		}
	} else if outputs, ok := bag["step_outputs"].(map[string]map[string]any); ok {
		for step, v := range outputs {
			c.StepOutputs[step] = v
		}
	}

	if cur, ok := bag["current_step"].(string); ok {
		c.CurrentStep = cur
	}
	if raw, ok := bag["started_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			c.StartedAt = t
		}
	}

	return c
}

func asBag(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// descend walks value through the remaining path segments.
func descend(value any, segments []string) any {
	current := value
	for _, seg := range segments {
		switch v := current.(type) {
		case map[string]any:
			current = v[seg]
		case []any:
			idx, ok := parseIndex(seg)
			if !ok || idx >= len(v) {
				return nil
			}
			current = v[idx]
		default:
			return nil
		}
	}
	return current
}

// parseIndex accepts digit-only segments as sequence indices.
func parseIndex(seg string) (int, bool) {
	if seg == "" {
		return 0, false
	}
	for _, r := range seg {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	idx, err := strconv.Atoi(seg)
	if err != nil {
		return 0, false
	}
	return idx, true
}

// stringify renders a resolved value for interpolation.
func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// truthy applies bag-language truthiness: nil and zero values are false,
// non-empty collections and strings are true.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	default:
		if f, ok := toFloat(v); ok {
			return f != 0
		}
		return true
	}
}

// compare applies op to a resolved left value and a parsed right operand.
// Incompatible operand types compare false.
func compare(left, right any, op string) bool {
	switch op {
	case "==":
		return equals(left, right)
	case "!=":
		return !equals(left, right)
	}

	// Ordered comparisons.
	if lf, ok := toFloat(left); ok {
		rf, ok := toFloat(right)
		if !ok {
			return false
		}
		switch op {
		case ">":
			return lf > rf
		case "<":
			return lf < rf
		case ">=":
			return lf >= rf
		case "<=":
			return lf <= rf
		}
		return false
	}

	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		switch op {
		case ">":
			return ls > rs
		case "<":
			return ls < rs
		case ">=":
			return ls >= rs
		case "<=":
			return ls <= rs
		}
	}

	return false
}

// equals compares two values, unifying numeric types.
func equals(left, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	if lf, lok := toFloat(left); lok {
		if rf, rok := toFloat(right); rok {
			return lf == rf
		}
		return false
	}
	if lb, lok := left.(bool); lok {
		rb, rok := right.(bool)
		return rok && lb == rb
	}
	if ls, lok := left.(string); lok {
		rs, rok := right.(string)
		return rok && ls == rs
	}
	return reflect.DeepEqual(left, right)
}

// toFloat unifies numeric representations from YAML, JSON, and handlers.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
