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
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/dazzlehq/dazzle/pkg/errors"
	"github.com/dazzlehq/dazzle/pkg/process"
)

// defaultHTTPTimeout bounds an outbound call when the step context carries
// no tighter deadline.
const defaultHTTPTimeout = 30 * time.Second

// HTTPRequest is the "http" service handler. It issues one request described
// by the step inputs:
//
//	url      string (required)
//	method   string (default GET)
//	headers  map of header values
//	query    map of query parameters
//	body     any JSON-serializable value
//
// and returns { status_code, body, is_error }. Non-2xx responses are data,
// not failures; the process decides what an error status means.
type HTTPRequest struct {
	client *resty.Client
}

// NewHTTPRequest creates an http handler with its own client.
func NewHTTPRequest() *HTTPRequest {
	return &HTTPRequest{client: resty.New().SetTimeout(defaultHTTPTimeout)}
}

// Handle issues the request.
func (h *HTTPRequest) Handle(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	url, _ := inputs["url"].(string)
	if url == "" {
		return nil, errors.StepFailedFatal("http requires a url input")
	}

	method, _ := inputs["method"].(string)
	if method == "" {
		method = "GET"
	}

	req := h.client.R().SetContext(ctx)
	for k, v := range stringMap(inputs["headers"]) {
		req.SetHeader(k, v)
	}
	for k, v := range stringMap(inputs["query"]) {
		req.SetQueryParam(k, v)
	}
	if body, ok := inputs["body"]; ok && body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(strings.ToUpper(method), url)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}

	return map[string]any{
		"status_code": resp.StatusCode(),
		"body":        parseBody(resp.Body()),
		"is_error":    resp.IsError(),
	}, nil
}

// NewChannelSend returns a send handler that POSTs every delivery to a
// webhook. The payload carries the channel, the interpolated message, and
// the step inputs.
func NewChannelSend(webhookURL string) process.SendHandler {
	client := resty.New().SetTimeout(defaultHTTPTimeout)
	return func(ctx context.Context, channel, message string, inputs map[string]any) error {
		resp, err := client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(map[string]any{
				"channel": channel,
				"message": message,
				"inputs":  inputs,
			}).
			Post(webhookURL)
		if err != nil {
			return fmt.Errorf("channel webhook failed: %w", err)
		}
		if resp.IsError() {
			return fmt.Errorf("channel webhook returned %d", resp.StatusCode())
		}
		return nil
	}
}

// stringMap coerces a bag value of header/query shape into string pairs.
// Non-string values are rendered with their default format.
func stringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		switch t := val.(type) {
		case string:
			out[k] = t
		default:
			out[k] = fmt.Sprintf("%v", t)
		}
	}
	return out
}

// parseBody decodes a JSON response body when possible and falls back to the
// raw text.
func parseBody(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
