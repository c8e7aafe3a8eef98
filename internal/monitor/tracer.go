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

const tracerName = "coderunner"

// Tracer wraps OpenTelemetry tracing. Without an installed TracerProvider the
// global no-op provider is used.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// NewNoopTracer creates a Tracer that never records, regardless of the global
// TracerProvider. Used when tracing is disabled in config.
func NewNoopTracer() *Tracer {
	return &Tracer{
		tracer: noop.NewTracerProvider().Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return t.tracer.Start(ctx, fmt.Sprintf("coderunner.%s", name),
		trace.WithAttributes(attrs...),
	)
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

// Common attribute keys for execution tracing.
var (
	AttrExecID     = attribute.Key("coderunner.execution.id")
	AttrLanguage   = attribute.Key("coderunner.language")
	AttrCodeHash   = attribute.Key("coderunner.code_hash")
	AttrBackend    = attribute.Key("coderunner.backend")
	AttrStatus     = attribute.Key("coderunner.status")
	AttrExitCode   = attribute.Key("coderunner.exit_code")
	AttrDurationMS = attribute.Key("coderunner.duration_ms")
	AttrTimedOut   = attribute.Key("coderunner.timed_out")
)
