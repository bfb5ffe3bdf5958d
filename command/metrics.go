package command

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics returns an interceptor that records command metrics with the
// global MeterProvider.
//
// Instruments:
//   - procengine.command.duration (Float64Histogram, seconds)
//   - procengine.command.executions (Int64Counter)
//
// Both carry the attributes command and status ("ok", "conflict" or "error").
func Metrics() Interceptor {
	return MetricsWithMeter(otel.Meter(instrumentationName))
}

// MetricsWithMeter returns a metrics interceptor that uses meter.
func MetricsWithMeter(meter metric.Meter) Interceptor {
	// On error the OTel API hands back noop instruments.
	duration, _ := meter.Float64Histogram(
		"procengine.command.duration",
		metric.WithDescription("Duration of command execution in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"procengine.command.executions",
		metric.WithDescription("Total number of command executions"),
		metric.WithUnit("{execution}"),
	)

	return func(ctx context.Context, _ Config, cmd Command, next Next) (any, error) {
		start := time.Now()
		result, err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		switch {
		case IsConflict(err):
			status = "conflict"
		case err != nil:
			status = "error"
		}
		attrs := metric.WithAttributes(
			attribute.String("command", cmd.Name()),
			attribute.String("status", status),
		)
		duration.Record(ctx, elapsed, attrs)
		executions.Add(ctx, 1, attrs)
		return result, err
	}
}
