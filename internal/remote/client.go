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

package remote

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/dazzlehq/dazzle/internal/log"
	"github.com/dazzlehq/dazzle/pkg/errors"
	"github.com/dazzlehq/dazzle/pkg/process"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

// Config configures the gRPC client.
type Config struct {
	// Addr is the host:port of the remote workflow service
	Addr string

	// Namespace scopes every workflow the client touches
	Namespace string

	// TaskQueue is the base queue runs route to; starts append -v<version>
	TaskQueue string

	// ConnectTimeout bounds the initial health probe
	ConnectTimeout time.Duration

	// RequestTimeout bounds each unary call
	RequestTimeout time.Duration
}

// Client is a JSON-over-gRPC client for the remote workflow service.
type Client struct {
	cfg    Config
	logger *slog.Logger
	rpcLog *log.RPCMiddleware
	conn   *grpc.ClientConn
	health grpc_health_v1.HealthClient
}

// NewClient builds a client. grpc.NewClient is lazy, so nothing is dialled
// until Connect or the first call.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Addr == "" {
		return nil, &errors.ConfigError{Key: "remote.host", Reason: "remote service address is required"}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}

	conn, err := grpc.NewClient(cfg.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, &errors.BackendError{Backend: "remote", Op: "dial", Cause: err}
	}

	clientLogger := log.WithComponent(logger, "remote-client")
	return &Client{
		cfg:    cfg,
		logger: clientLogger,
		rpcLog: log.NewRPCMiddleware(clientLogger),
		conn:   conn,
		health: grpc_health_v1.NewHealthClient(conn),
	}, nil
}

// Connect probes the service health endpoint with exponential backoff until
// it reports serving or ConnectTimeout elapses.
func (c *Client) Connect(ctx context.Context) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 100 * time.Millisecond
	expo.MaxInterval = 2 * time.Second

	_, err := backoff.Retry(ctx, func() (*grpc_health_v1.HealthCheckResponse, error) {
		return c.checkHealth(ctx)
	}, backoff.WithBackOff(expo), backoff.WithMaxElapsedTime(c.cfg.ConnectTimeout))
	if err != nil {
		return &errors.BackendError{Backend: "remote", Op: "connect", Cause: err}
	}

	c.logger.Info("connected to remote workflow service", log.String("addr", c.cfg.Addr))
	return nil
}

// Healthy performs a single health probe without retry. The backend factory
// uses it to decide whether auto can pick remote.
func (c *Client) Healthy(ctx context.Context) error {
	_, err := c.checkHealth(ctx)
	return err
}

func (c *Client) checkHealth(ctx context.Context) (*grpc_health_v1.HealthCheckResponse, error) {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.health.Check(probeCtx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return nil, err
	}
	if resp.Status != grpc_health_v1.HealthCheckResponse_SERVING {
		return nil, fmt.Errorf("remote service reports %s", resp.Status)
	}
	return resp, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// taskQueueFor suffixes the base queue with a DSL version so workers for
// different generations never share a queue.
func (c *Client) taskQueueFor(version string) string {
	if version == "" {
		return c.cfg.TaskQueue
	}
	return fmt.Sprintf("%s-v%s", c.cfg.TaskQueue, version)
}

// invoke performs one unary call with the JSON codec, per-call timeout, and
// request/response logging.
func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	return c.rpcLog.Call(&log.RPCRequest{Method: method, Target: c.cfg.Addr}, func() error {
		return c.conn.Invoke(callCtx, method, in, out, grpc.CallContentSubtype(codecName))
	})
}

// remoteErr maps gRPC status codes onto the module's error taxonomy.
func (c *Client) remoteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.InvalidArgument, codes.AlreadyExists, codes.FailedPrecondition:
		return &errors.ValidationError{Message: status.Convert(err).Message()}
	case codes.NotFound:
		return &errors.NotFoundError{Resource: "run", ID: status.Convert(err).Message()}
	case codes.DeadlineExceeded:
		return &errors.TimeoutError{Operation: op, Duration: c.cfg.RequestTimeout, Cause: err}
	default:
		return &errors.BackendError{Backend: "remote", Op: op, Cause: err}
	}
}

// RegisterProcess pushes a process spec to the service.
func (c *Client) RegisterProcess(ctx context.Context, spec *process.ProcessSpec) error {
	req := &RegisterProcessRequest{
		Namespace: c.cfg.Namespace,
		TaskQueue: c.cfg.TaskQueue,
		Spec:      spec,
	}
	if err := c.invoke(ctx, fullMethod("RegisterProcess"), req, new(RegisterProcessResponse)); err != nil {
		return c.remoteErr("register_process", err)
	}
	return nil
}

// RegisterSchedule pushes a schedule spec to the service, which owns the
// trigger loop for remote-backed schedules.
func (c *Client) RegisterSchedule(ctx context.Context, spec *process.ScheduleSpec) error {
	req := &RegisterScheduleRequest{
		Namespace: c.cfg.Namespace,
		TaskQueue: c.cfg.TaskQueue,
		Spec:      spec,
	}
	if err := c.invoke(ctx, fullMethod("RegisterSchedule"), req, new(RegisterScheduleResponse)); err != nil {
		return c.remoteErr("register_schedule", err)
	}
	return nil
}

// StartWorkflow starts a run on the service. The request's namespace is
// filled from the client config.
func (c *Client) StartWorkflow(ctx context.Context, req *StartWorkflowRequest) (*Workflow, error) {
	req.Namespace = c.cfg.Namespace
	resp := new(StartWorkflowResponse)
	if err := c.invoke(ctx, fullMethod("StartWorkflow"), req, resp); err != nil {
		return nil, c.remoteErr("start_workflow", err)
	}
	return resp.Workflow, nil
}

// GetWorkflow fetches one workflow by id.
func (c *Client) GetWorkflow(ctx context.Context, workflowID string) (*Workflow, error) {
	req := &GetWorkflowRequest{Namespace: c.cfg.Namespace, WorkflowID: workflowID}
	resp := new(GetWorkflowResponse)
	if err := c.invoke(ctx, fullMethod("GetWorkflow"), req, resp); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, &errors.NotFoundError{Resource: "run", ID: workflowID}
		}
		return nil, c.remoteErr("get_workflow", err)
	}
	return resp.Workflow, nil
}

// ListWorkflows returns workflows matching the request, newest first.
func (c *Client) ListWorkflows(ctx context.Context, req *ListWorkflowsRequest) ([]*Workflow, error) {
	req.Namespace = c.cfg.Namespace
	resp := new(ListWorkflowsResponse)
	if err := c.invoke(ctx, fullMethod("ListWorkflows"), req, resp); err != nil {
		return nil, c.remoteErr("list_workflows", err)
	}
	return resp.Workflows, nil
}

// CountWorkflows counts workflows matching the request.
func (c *Client) CountWorkflows(ctx context.Context, req *CountWorkflowsRequest) (int, error) {
	req.Namespace = c.cfg.Namespace
	resp := new(CountWorkflowsResponse)
	if err := c.invoke(ctx, fullMethod("CountWorkflows"), req, resp); err != nil {
		return 0, c.remoteErr("count_workflows", err)
	}
	return resp.Count, nil
}

// CancelWorkflow aborts a workflow with a reason.
func (c *Client) CancelWorkflow(ctx context.Context, workflowID, reason string) error {
	req := &CancelWorkflowRequest{Namespace: c.cfg.Namespace, WorkflowID: workflowID, Reason: reason}
	if err := c.invoke(ctx, fullMethod("CancelWorkflow"), req, new(CancelWorkflowResponse)); err != nil {
		if status.Code(err) == codes.NotFound {
			return &errors.NotFoundError{Resource: "run", ID: workflowID}
		}
		return c.remoteErr("cancel_workflow", err)
	}
	return nil
}

// SignalWorkflow delivers a named signal to a workflow.
func (c *Client) SignalWorkflow(ctx context.Context, workflowID, name string, payload map[string]any) error {
	req := &SignalWorkflowRequest{
		Namespace:  c.cfg.Namespace,
		WorkflowID: workflowID,
		Name:       name,
		Payload:    payload,
	}
	if err := c.invoke(ctx, fullMethod("SignalWorkflow"), req, new(SignalWorkflowResponse)); err != nil {
		if status.Code(err) == codes.NotFound {
			return &errors.NotFoundError{Resource: "run", ID: workflowID}
		}
		return c.remoteErr("signal_workflow", err)
	}
	return nil
}
