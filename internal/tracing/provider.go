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

// Package tracing owns the OpenTelemetry setup. The rest of the codebase
// only ever asks the global otel API for tracers, so installing (or not
// installing) a provider here is the single switch for span export.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config controls whether and how telemetry is exported.
type Config struct {
	// Enabled activates span export and the metric bridge. When false,
	// NewProvider installs nothing and returns an inert provider.
	Enabled bool

	// ServiceName identifies this service in traces.
	ServiceName string

	// ServiceVersion is stamped on the trace resource.
	ServiceVersion string
}

// Provider wraps the SDK trace and metric providers. The zero value is the
// disabled provider: every method no-ops.
type Provider struct {
	tp      *sdktrace.TracerProvider
	mp      *sdkmetric.MeterProvider
	started time.Time
}

// NewProvider builds the trace and metric providers and installs them as the
// otel globals. Spans export over OTLP gRPC configured by the standard
// OTEL_EXPORTER_OTLP_* environment unless opts supplies its own processors;
// metrics bridge into the process-wide Prometheus registry so they appear on
// the same /metrics endpoint as the native collectors.
func NewProvider(ctx context.Context, cfg Config, opts ...sdktrace.TracerProviderOption) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"", // empty schema URL avoids merge conflicts across semconv versions
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build resource: %w", err)
	}

	if len(opts) == 0 {
		exp, err := otlptracegrpc.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to build OTLP exporter: %w", err)
		}
		opts = []sdktrace.TracerProviderOption{sdktrace.WithBatcher(exp)}
	}
	allOpts := append([]sdktrace.TracerProviderOption{sdktrace.WithResource(res)}, opts...)

	tp := sdktrace.NewTracerProvider(allOpts...)
	otel.SetTracerProvider(tp)

	promExp, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to build Prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)

	p := &Provider{tp: tp, mp: mp, started: time.Now()}
	if err := p.registerUptime(); err != nil {
		return nil, fmt.Errorf("failed to register uptime gauge: %w", err)
	}
	return p, nil
}

// registerUptime publishes a process uptime gauge through the metric bridge.
func (p *Provider) registerUptime() error {
	meter := p.mp.Meter("github.com/dazzlehq/dazzle/internal/tracing")
	_, err := meter.Float64ObservableGauge("dazzle.uptime",
		otelmetric.WithUnit("s"),
		otelmetric.WithDescription("Seconds since the telemetry provider started"),
		otelmetric.WithFloat64Callback(func(_ context.Context, o otelmetric.Float64Observer) error {
			o.Observe(time.Since(p.started).Seconds())
			return nil
		}),
	)
	return err
}

// Tracer returns a tracer for the given instrumentation scope. Disabled
// providers hand out no-op tracers.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p.tp == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return p.tp.Tracer(name)
}

// Meter returns a meter for the given instrumentation scope, or nil when the
// provider is disabled.
func (p *Provider) Meter(name string) otelmetric.Meter {
	if p.mp == nil {
		return nil
	}
	return p.mp.Meter(name)
}

// ForceFlush exports pending spans and metrics synchronously.
func (p *Provider) ForceFlush(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	if err := p.tp.ForceFlush(ctx); err != nil {
		return err
	}
	return p.mp.ForceFlush(ctx)
}

// Shutdown flushes and releases both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	err := p.tp.Shutdown(ctx)
	if merr := p.mp.Shutdown(ctx); merr != nil && err == nil {
		err = merr
	}
	return err
}
