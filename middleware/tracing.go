package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/tally/job"
)

// tracerName is the instrumentation scope name for tally tracing.
const tracerName = "github.com/xraph/tally"

// Tracing returns middleware that wraps each attempt in an OpenTelemetry
// span. With no TracerProvider configured globally the noop tracer is used.
//
// Span attributes: tally.task, tally.attempt, tally.max_attempts.
// On error the span status is set to codes.Error with the error message.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, a job.Attempt, next Handler) (job.Details, error) {
		ctx, span := tracer.Start(ctx, "tally.task.attempt",
			trace.WithAttributes(
				attribute.String("tally.task", a.Task),
				attribute.Int("tally.attempt", a.Number),
				attribute.Int("tally.max_attempts", a.MaxAttempts),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		details, err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return details, err
	}
}
