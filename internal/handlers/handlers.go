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

// Package handlers provides the built-in service handlers a host can
// register on an engine: jq transforms, expression evaluation, and outbound
// HTTP calls. Process authors reach them through the service names
// "transform", "eval", and "http".
package handlers

import (
	"github.com/dazzlehq/dazzle/pkg/process"
)

// Register binds the built-in handlers to their well-known service names.
// Existing bindings with the same names are replaced.
func Register(reg *process.Registry) {
	reg.RegisterService("transform", NewTransform().Handle)
	reg.RegisterService("eval", NewEval().Handle)
	reg.RegisterService("http", NewHTTPRequest().Handle)
}
