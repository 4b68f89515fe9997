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

package log

import (
	"context"
	"log/slog"
	"time"
)

// RPCRequest represents a backend RPC call for logging purposes.
type RPCRequest struct {
	// Method is the full RPC method name (e.g., "/dazzle.v1.WorkflowService/StartWorkflow").
	Method string

	// RequestID is the unique ID for this specific call.
	RequestID string

	// Target is the remote address the call is routed to.
	Target string

	// Metadata contains additional request metadata.
	Metadata map[string]interface{}
}

// RPCResponse represents the outcome of a backend RPC call for logging purposes.
type RPCResponse struct {
	// Success indicates whether the call succeeded.
	Success bool

	// Error is the error message if the call failed.
	Error string

	// DurationMs is the duration of the call in milliseconds.
	DurationMs int64
}

// LogRPCRequest logs an outgoing backend RPC call.
func LogRPCRequest(logger *slog.Logger, req *RPCRequest) {
	attrs := []any{
		"event", "rpc_request",
		"method", req.Method,
		"target", req.Target,
	}

	if req.RequestID != "" {
		attrs = append(attrs, "request_id", req.RequestID)
	}

	for k, v := range req.Metadata {
		attrs = append(attrs, k, v)
	}

	logger.Debug("rpc call started", attrs...)
}

// LogRPCResponse logs the completion of a backend RPC call.
func LogRPCResponse(logger *slog.Logger, req *RPCRequest, resp *RPCResponse) {
	attrs := []any{
		"event", "rpc_response",
		"method", req.Method,
		"success", resp.Success,
		"duration_ms", resp.DurationMs,
		"target", req.Target,
	}

	if req.RequestID != "" {
		attrs = append(attrs, "request_id", req.RequestID)
	}

	if resp.Error != "" {
		attrs = append(attrs, "error", resp.Error)
	}

	level := slog.LevelDebug
	message := "rpc call completed"

	if !resp.Success {
		level = slog.LevelWarn
		message = "rpc call failed"
	}

	logger.Log(context.Background(), level, message, attrs...)
}

// RPCMiddleware wraps backend RPC calls with request/response logging.
type RPCMiddleware struct {
	logger *slog.Logger
}

// NewRPCMiddleware creates a new RPC logging middleware.
func NewRPCMiddleware(logger *slog.Logger) *RPCMiddleware {
	return &RPCMiddleware{
		logger: logger,
	}
}

// Call wraps a function that performs an RPC call.
// It logs the request and response automatically.
func (m *RPCMiddleware) Call(req *RPCRequest, call func() error) error {
	start := time.Now()

	LogRPCRequest(m.logger, req)

	err := call()

	resp := &RPCResponse{
		Success:    err == nil,
		DurationMs: time.Since(start).Milliseconds(),
	}

	if err != nil {
		resp.Error = err.Error()
	}

	LogRPCResponse(m.logger, req, resp)

	return err
}
