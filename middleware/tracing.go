package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for batch tracing.
const tracerName = "github.com/mosaicdocs/batch"

// Tracing returns middleware that wraps each item attempt in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this middleware is a pass-through.
//
// Span attributes: batch.job.id, batch.job.type, batch.item.id,
// batch.attempt. On error, the span status is set to codes.Error.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, inv *Invocation, next Handler) ([]byte, error) {
		ctx, span := tracer.Start(ctx, "batch.item.execute",
			trace.WithAttributes(
				attribute.String("batch.job.id", inv.JobID.String()),
				attribute.String("batch.job.type", string(inv.JobType)),
				attribute.String("batch.item.id", inv.ItemID),
				attribute.Int("batch.attempt", inv.Attempt),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		payload, err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return payload, err
	}
}
