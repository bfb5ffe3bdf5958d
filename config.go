package procengine

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/DEEJ4Y/procengine/apievent"
	"github.com/DEEJ4Y/procengine/backoff"
	"github.com/DEEJ4Y/procengine/command"
	"github.com/DEEJ4Y/procengine/event"
	"github.com/DEEJ4Y/procengine/job"
	"github.com/DEEJ4Y/procengine/memory"
)

// DefaultName is the registry key of an engine built without a name.
const DefaultName = "default"

// Config holds everything New needs to build an engine. Collaborators are
// used as given; New only fills in defaults for nil fields.
type Config struct {
	// Name is the registry key. Default: DefaultName
	Name string

	// Store is the required job store.
	Store job.Store

	// Sessions opens the storage transactions of commands. When nil the
	// store is used if it implements command.SessionFactory.
	Sessions command.SessionFactory

	// SchemaUpdate selects what happens to the store schema at
	// construction and close.
	SchemaUpdate SchemaUpdate

	// Handlers resolves job handler types. Default: an empty registry
	Handlers *job.Registry

	// Scheduler configures the async job scheduler.
	Scheduler SchedulerConfig

	// Converters turns internal events into runtime events.
	// Default: apievent.DefaultRegistry()
	Converters *apievent.Registry

	// Dispatcher is the internal event hub. Default: a new dispatcher
	Dispatcher *event.Dispatcher

	// ExecutorOptions are applied after the engine's own executor options,
	// so custom interceptors and defaults set here win.
	ExecutorOptions []command.Option

	// Lifecycle is notified after construction and after close.
	Lifecycle LifecycleListener

	// Services are the higher-level facades handed out by the engine.
	Services Services

	// Registry receives the built engine. Default: DefaultRegistry()
	Registry *Registry

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Observability providers; the otel globals are used when nil.
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// SchedulerConfig holds the scheduler settings of an engine. Zero values
// take the scheduler defaults.
type SchedulerConfig struct {
	// AutoActivate starts the scheduler when the engine is built.
	AutoActivate bool

	PollInterval    time.Duration
	BatchSize       int
	Workers         int
	LockDuration    time.Duration
	LockOwner       string
	RemoveCompleted bool
	Backoff         backoff.Strategy

	// Now overrides the scheduler clock.
	Now func() time.Time

	OnIdle  func(ctx context.Context) error
	OnError func(ctx context.Context, err error)
}

// Services holds the service facades built by collaborators. The engine
// hands them out unchanged.
type Services struct {
	Runtime    any
	Task       any
	Repository any
	History    any
	Identity   any
	Form       any
}

// LifecycleListener is notified of engine lifecycle steps. An OnBuilt
// error aborts construction.
type LifecycleListener interface {
	OnBuilt(ctx context.Context, e *Engine) error
	OnClosed(ctx context.Context, e *Engine) error
}

// LifecycleFuncs adapts functions to LifecycleListener. Nil functions are
// skipped.
type LifecycleFuncs struct {
	Built  func(ctx context.Context, e *Engine) error
	Closed func(ctx context.Context, e *Engine) error
}

func (f LifecycleFuncs) OnBuilt(ctx context.Context, e *Engine) error {
	if f.Built == nil {
		return nil
	}
	return f.Built(ctx, e)
}

func (f LifecycleFuncs) OnClosed(ctx context.Context, e *Engine) error {
	if f.Closed == nil {
		return nil
	}
	return f.Closed(ctx, e)
}

// DefaultConfig returns a configuration for an in-memory engine that
// creates its schema and keeps the scheduler inactive.
func DefaultConfig() Config {
	return Config{
		Name:         DefaultName,
		Store:        memory.New(),
		SchemaUpdate: SchemaUpdateTrue,
		Handlers:     job.NewRegistry(),
		Converters:   apievent.DefaultRegistry(),
	}
}
