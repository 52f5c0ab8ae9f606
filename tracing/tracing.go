// Package tracing wraps OpenTelemetry span creation for the core's
// pool-level operations (dbpool.WithTransaction and dbpool.WithRetry).
//
// Grounded on the teacher's graph/emit/otel.go OTelEmitter, which turns
// each graph execution event into a span carrying standard and
// metadata attributes and an error status. This package generalizes
// that event-per-span idiom into a direct context.Context-scoped
// span-per-operation helper: callers start a span around one
// transaction or retry loop instead of emitting a point-in-time event
// after the fact, since this core's operations are synchronous calls
// rather than the teacher's async event stream.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name every span in this core
// is recorded under.
const tracerName = "github.com/mincore-dev/mincore"

// Start begins a span named op under the shared tracer, attaching attrs
// as span attributes. The caller must call End with the operation's
// outcome.
func Start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, op, trace.WithAttributes(attrs...))
}

// End closes span, marking it as an error span when err is non-nil
// (mirrors OTelEmitter.Emit's "error" metadata handling).
func End(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	}
	span.End()
}
