// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package tracing

import (
	"context"

	"go.opentelemetry.io/contrib/propagators/jaeger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "tenant-directory"

var _ TracingInterface = (*Tracer)(nil)

type Tracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

func (t *Tracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName, opts...)
}

// Shutdown flushes pending spans, it is a no-op for the noop tracer.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}

	return t.provider.Shutdown(ctx)
}

func (t *Tracer) init(cfg *Config) error {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)

	ctx := context.Background()

	switch {
	case cfg.OtelGRPCEndpoint != "":
		exporter, err = otlptracegrpc.New(
			ctx,
			otlptracegrpc.WithEndpoint(cfg.OtelGRPCEndpoint),
			otlptracegrpc.WithInsecure(),
		)
	case cfg.OtelHTTPEndpoint != "":
		exporter, err = otlptracehttp.New(
			ctx,
			otlptracehttp.WithEndpoint(cfg.OtelHTTPEndpoint),
			otlptracehttp.WithInsecure(),
		)
	default:
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}

	if err != nil {
		return err
	}

	t.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
	)

	otel.SetTracerProvider(t.provider)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			jaeger.Jaeger{},
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	t.tracer = t.provider.Tracer(serviceName)

	return nil
}

// NewTracer sets up the global tracer provider, falling back to a noop tracer
// when tracing is disabled or the exporter cannot be created.
func NewTracer(cfg *Config) *Tracer {
	if cfg == nil || !cfg.Enabled {
		return NewNoopTracer()
	}

	t := new(Tracer)

	if err := t.init(cfg); err != nil {
		if cfg.Logger != nil {
			cfg.Logger.Errorf("unable to initialize tracing exporter, falling back to noop: %v", err)
		}

		return NewNoopTracer()
	}

	return t
}

func NewNoopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer(serviceName)}
}
