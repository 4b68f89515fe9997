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
	"time"

	"google.golang.org/grpc"

	"github.com/dazzlehq/dazzle/pkg/backend"
	"github.com/dazzlehq/dazzle/pkg/process"
)

// ServiceName is the fully qualified gRPC service of the remote workflow
// engine.
const ServiceName = "dazzle.v1.DazzleService"

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

// Workflow is the service's view of one durable run.
type Workflow struct {
	WorkflowID       string         `json:"workflow_id"`
	ProcessName      string         `json:"process_name"`
	TaskQueue        string         `json:"task_queue,omitempty"`
	DSLVersion       string         `json:"dsl_version,omitempty"`
	Status           string         `json:"status"`
	CurrentStep      string         `json:"current_step,omitempty"`
	Inputs           map[string]any `json:"inputs,omitempty"`
	Context          map[string]any `json:"context,omitempty"`
	Outputs          map[string]any `json:"outputs,omitempty"`
	Error            string         `json:"error,omitempty"`
	IdempotencyKey   string         `json:"idempotency_key,omitempty"`
	SearchAttributes map[string]any `json:"search_attributes,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// Run converts the wire workflow into the backend run shape.
func (w *Workflow) Run() *backend.Run {
	return &backend.Run{
		RunID:          w.WorkflowID,
		ProcessName:    w.ProcessName,
		DSLVersion:     w.DSLVersion,
		Status:         backend.RunStatus(w.Status),
		CurrentStep:    w.CurrentStep,
		Inputs:         w.Inputs,
		Context:        w.Context,
		Outputs:        w.Outputs,
		Error:          w.Error,
		IdempotencyKey: w.IdempotencyKey,
		StartedAt:      w.StartedAt,
		UpdatedAt:      w.UpdatedAt,
		CompletedAt:    w.CompletedAt,
	}
}

// RegisterProcessRequest pushes a process spec; the service translates it
// into its own workflow model.
type RegisterProcessRequest struct {
	Namespace string               `json:"namespace,omitempty"`
	TaskQueue string               `json:"task_queue"`
	Spec      *process.ProcessSpec `json:"spec"`
}

type RegisterProcessResponse struct{}

// RegisterScheduleRequest pushes a schedule spec; triggering is the
// service's responsibility for remote-backed schedules.
type RegisterScheduleRequest struct {
	Namespace string                `json:"namespace,omitempty"`
	TaskQueue string                `json:"task_queue"`
	Spec      *process.ScheduleSpec `json:"spec"`
}

type RegisterScheduleResponse struct{}

// StartWorkflowRequest starts a run. The workflow id is client-generated so
// retried requests stay addressable; idempotency deduplication happens on
// the service against IdempotencyKey.
type StartWorkflowRequest struct {
	Namespace        string         `json:"namespace,omitempty"`
	TaskQueue        string         `json:"task_queue"`
	WorkflowID       string         `json:"workflow_id"`
	ProcessName      string         `json:"process_name"`
	Inputs           map[string]any `json:"inputs,omitempty"`
	IdempotencyKey   string         `json:"idempotency_key,omitempty"`
	DSLVersion       string         `json:"dsl_version,omitempty"`
	SearchAttributes map[string]any `json:"search_attributes,omitempty"`
}

type StartWorkflowResponse struct {
	Workflow *Workflow `json:"workflow"`
}

type GetWorkflowRequest struct {
	Namespace  string `json:"namespace,omitempty"`
	WorkflowID string `json:"workflow_id"`
}

type GetWorkflowResponse struct {
	Workflow *Workflow `json:"workflow"`
}

type ListWorkflowsRequest struct {
	Namespace   string `json:"namespace,omitempty"`
	ProcessName string `json:"process_name,omitempty"`
	Status      string `json:"status,omitempty"`
	DSLVersion  string `json:"dsl_version,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	Offset      int    `json:"offset,omitempty"`
}

type ListWorkflowsResponse struct {
	Workflows []*Workflow `json:"workflows,omitempty"`
}

type CountWorkflowsRequest struct {
	Namespace  string `json:"namespace,omitempty"`
	DSLVersion string `json:"dsl_version,omitempty"`
	ActiveOnly bool   `json:"active_only,omitempty"`
}

type CountWorkflowsResponse struct {
	Count int `json:"count"`
}

type CancelWorkflowRequest struct {
	Namespace  string `json:"namespace,omitempty"`
	WorkflowID string `json:"workflow_id"`
	Reason     string `json:"reason,omitempty"`
}

type CancelWorkflowResponse struct{}

type SignalWorkflowRequest struct {
	Namespace  string         `json:"namespace,omitempty"`
	WorkflowID string         `json:"workflow_id"`
	Name       string         `json:"name"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type SignalWorkflowResponse struct{}

// DazzleServiceServer is the handler contract of the remote service. The
// production server lives outside this repository; the interface serves
// in-process test servers and hosts embedding a Go implementation.
type DazzleServiceServer interface {
	RegisterProcess(ctx context.Context, req *RegisterProcessRequest) (*RegisterProcessResponse, error)
	RegisterSchedule(ctx context.Context, req *RegisterScheduleRequest) (*RegisterScheduleResponse, error)
	StartWorkflow(ctx context.Context, req *StartWorkflowRequest) (*StartWorkflowResponse, error)
	GetWorkflow(ctx context.Context, req *GetWorkflowRequest) (*GetWorkflowResponse, error)
	ListWorkflows(ctx context.Context, req *ListWorkflowsRequest) (*ListWorkflowsResponse, error)
	CountWorkflows(ctx context.Context, req *CountWorkflowsRequest) (*CountWorkflowsResponse, error)
	CancelWorkflow(ctx context.Context, req *CancelWorkflowRequest) (*CancelWorkflowResponse, error)
	SignalWorkflow(ctx context.Context, req *SignalWorkflowRequest) (*SignalWorkflowResponse, error)
}

// RegisterDazzleServiceServer registers srv on a gRPC server.
func RegisterDazzleServiceServer(s grpc.ServiceRegistrar, srv DazzleServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// unaryMethod builds one method descriptor decoding requests into Req. The
// descriptor is handwritten because the protocol has no generated code.
func unaryMethod[Req any](name string, call func(DazzleServiceServer, context.Context, *Req) (any, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(DazzleServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(DazzleServiceServer), ctx, req.(*Req))
			})
		},
	}
}

// ServiceDesc describes the service for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DazzleServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("RegisterProcess", func(s DazzleServiceServer, ctx context.Context, r *RegisterProcessRequest) (any, error) {
			return s.RegisterProcess(ctx, r)
		}),
		unaryMethod("RegisterSchedule", func(s DazzleServiceServer, ctx context.Context, r *RegisterScheduleRequest) (any, error) {
			return s.RegisterSchedule(ctx, r)
		}),
		unaryMethod("StartWorkflow", func(s DazzleServiceServer, ctx context.Context, r *StartWorkflowRequest) (any, error) {
			return s.StartWorkflow(ctx, r)
		}),
		unaryMethod("GetWorkflow", func(s DazzleServiceServer, ctx context.Context, r *GetWorkflowRequest) (any, error) {
			return s.GetWorkflow(ctx, r)
		}),
		unaryMethod("ListWorkflows", func(s DazzleServiceServer, ctx context.Context, r *ListWorkflowsRequest) (any, error) {
			return s.ListWorkflows(ctx, r)
		}),
		unaryMethod("CountWorkflows", func(s DazzleServiceServer, ctx context.Context, r *CountWorkflowsRequest) (any, error) {
			return s.CountWorkflows(ctx, r)
		}),
		unaryMethod("CancelWorkflow", func(s DazzleServiceServer, ctx context.Context, r *CancelWorkflowRequest) (any, error) {
			return s.CancelWorkflow(ctx, r)
		}),
		unaryMethod("SignalWorkflow", func(s DazzleServiceServer, ctx context.Context, r *SignalWorkflowRequest) (any, error) {
			return s.SignalWorkflow(ctx, r)
		}),
	},
	Streams: []grpc.StreamDesc{},
}
