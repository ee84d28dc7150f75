package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "execjs-bridge"

// Tracer wraps OpenTelemetry tracing for evaluations.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// ConfigureTracing installs a no-op global TracerProvider when tracing is
// disabled. When enabled the provider set by the host is left in place.
func ConfigureTracing(enabled bool) {
	if !enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("execjs.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for evaluation tracing.
var (
	AttrExecID     = attribute.Key("execjs.execution.id")
	AttrRuntime    = attribute.Key("execjs.runtime")
	AttrMode       = attribute.Key("execjs.mode")
	AttrSourceHash = attribute.Key("execjs.source_hash")
	AttrSourceSize = attribute.Key("execjs.source_bytes")
	AttrExitCode   = attribute.Key("execjs.exit_code")
)
