// Package observability provides the span-wrapping helpers used across
// the firmware's hot paths (Orchestrator.Execute, Sync Engine lifecycle
// operations). Only the otel/trace API surface is used; exporter wiring
// is left to the host process.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ariafirmware/aria"

// Tracer returns the process-wide tracer. Absent an explicitly configured
// TracerProvider, otel defaults to a no-op implementation, so calling this
// unconditionally costs nothing when tracing isn't wired up by the host
// process.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name with the given key/value attributes,
// returning the derived context callers should thread through.
func StartSpan(ctx context.Context, name string, kv ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(kv...))
}

// EndWithError records err on span (if non-nil) and ends it. Callers
// defer this immediately after StartSpan.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
