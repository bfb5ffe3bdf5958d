package command

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationName is the scope name for engine traces and metrics.
const instrumentationName = "github.com/DEEJ4Y/procengine"

// Tracing returns an interceptor that wraps each command in a span using
// the global TracerProvider. Without a configured provider it is a no-op.
func Tracing() Interceptor {
	return TracingWithTracer(otel.Tracer(instrumentationName))
}

// TracingWithTracer returns a tracing interceptor that uses tracer.
func TracingWithTracer(tracer trace.Tracer) Interceptor {
	return func(ctx context.Context, cfg Config, cmd Command, next Next) (any, error) {
		_, nested := SessionFrom(ctx)
		ctx, span := tracer.Start(ctx, "procengine.command.execute",
			trace.WithAttributes(
				attribute.String("procengine.command", cmd.Name()),
				attribute.Bool("procengine.transaction_required", cfg.TransactionRequired),
				attribute.Bool("procengine.nested", nested),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		result, err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return result, err
	}
}
