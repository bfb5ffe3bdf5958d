package command

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Executor runs commands through a fixed interceptor chain.
type Executor struct {
	chain  Interceptor
	config Config
	logger *slog.Logger
}

type executorOptions struct {
	logger         *slog.Logger
	config         Config
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	custom         []Interceptor
}

// Option configures an Executor.
type Option func(*executorOptions)

// WithLogger sets the logger used by the logging, recover, transaction,
// and retry interceptors.
func WithLogger(l *slog.Logger) Option {
	return func(o *executorOptions) { o.logger = l }
}

// WithDefaultConfig sets the policy used by ExecuteDefault.
func WithDefaultConfig(cfg Config) Option {
	return func(o *executorOptions) { o.config = cfg }
}

// WithTracerProvider sets the provider for the tracing interceptor. The
// global provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *executorOptions) { o.tracerProvider = tp }
}

// WithMeterProvider sets the provider for the metrics interceptor. The
// global provider is used otherwise.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *executorOptions) { o.meterProvider = mp }
}

// WithInterceptors appends custom interceptors. They run innermost, after
// Retry and directly around the command.
func WithInterceptors(ics ...Interceptor) Option {
	return func(o *executorOptions) { o.custom = append(o.custom, ics...) }
}

// NewExecutor builds an executor whose sessions are opened by factory.
// The chain is composed once, in the order
//
//	Logging → Recover → Tracing → Metrics → Transaction → Retry → custom → command
func NewExecutor(factory SessionFactory, opts ...Option) *Executor {
	o := &executorOptions{
		logger: slog.Default(),
		config: DefaultConfig(),
	}
	for _, opt := range opts {
		opt(o)
	}

	tracing := Tracing()
	if o.tracerProvider != nil {
		tracing = TracingWithTracer(o.tracerProvider.Tracer(instrumentationName))
	}
	metrics := Metrics()
	if o.meterProvider != nil {
		metrics = MetricsWithMeter(o.meterProvider.Meter(instrumentationName))
	}

	ics := []Interceptor{
		Logging(o.logger),
		Recover(o.logger),
		tracing,
		metrics,
		Transaction(factory, o.logger),
		Retry(o.logger),
	}
	ics = append(ics, o.custom...)

	return &Executor{
		chain:  Chain(ics...),
		config: o.config,
		logger: o.logger,
	}
}

// DefaultConfig returns the policy used by ExecuteDefault.
func (e *Executor) DefaultConfig() Config { return e.config }

// Execute runs cmd under cfg and returns its result.
func (e *Executor) Execute(ctx context.Context, cfg Config, cmd Command) (any, error) {
	if cmd == nil {
		return nil, ErrNilCommand
	}
	return e.chain(ctx, cfg, cmd, cmd.Execute)
}

// ExecuteDefault runs cmd under the executor's default policy.
func (e *Executor) ExecuteDefault(ctx context.Context, cmd Command) (any, error) {
	return e.Execute(ctx, e.config, cmd)
}

// Run executes cmd and asserts its result to T. A nil result yields the
// zero value of T.
func Run[T any](ctx context.Context, e *Executor, cfg Config, cmd Command) (T, error) {
	var zero T
	result, err := e.Execute(ctx, cfg, cmd)
	if err != nil || result == nil {
		return zero, err
	}
	t, ok := result.(T)
	if !ok {
		return zero, &ResultTypeError{Command: cmd.Name(), Got: result}
	}
	return t, nil
}
