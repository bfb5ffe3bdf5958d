package procengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/DEEJ4Y/procengine/apievent"
	"github.com/DEEJ4Y/procengine/command"
	"github.com/DEEJ4Y/procengine/event"
	"github.com/DEEJ4Y/procengine/job"
	"github.com/DEEJ4Y/procengine/scheduler"
)

// Engine is a built process engine.
type Engine struct {
	name       string
	config     Config
	store      job.Store
	handlers   *job.Registry
	executor   *command.Executor
	dispatcher *event.Dispatcher
	bridge     *apievent.Bridge
	scheduler  *scheduler.Scheduler
	management *ManagementService
	registry   *Registry
	logger     *slog.Logger

	unsubscribeBridge func()

	mu     sync.Mutex
	closed bool
}

// New builds an engine from cfg. In order it applies the schema policy,
// registers the engine, starts the scheduler if auto-activated, notifies
// the lifecycle listener and dispatches EngineCreated. A failing step
// undoes the earlier ones, so a failed engine is never registered.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	e, err := build(cfg)
	if err != nil {
		return nil, err
	}

	if err := e.bootstrapSchema(ctx); err != nil {
		e.unsubscribeBridge()
		return nil, fmt.Errorf("procengine: schema bootstrap: %w", err)
	}

	if err := e.registry.Register(e); err != nil {
		e.unsubscribeBridge()
		return nil, err
	}

	if err := e.activate(ctx); err != nil {
		e.abort(ctx)
		return nil, err
	}

	e.logger.Info("engine created",
		slog.Bool("scheduler_active", e.scheduler.IsActive()),
		slog.String("schema_update", string(e.config.SchemaUpdate)),
	)
	return e, nil
}

// build wires the collaborators without side effects beyond subscribing
// the runtime event bridge.
func build(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, ErrNoStore
	}
	if !cfg.SchemaUpdate.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSchemaUpdate, cfg.SchemaUpdate)
	}

	// Set defaults
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sessions == nil {
		factory, ok := cfg.Store.(command.SessionFactory)
		if !ok {
			return nil, ErrNoSessions
		}
		cfg.Sessions = factory
	}
	if cfg.Handlers == nil {
		cfg.Handlers = job.NewRegistry()
	}
	if cfg.Converters == nil {
		cfg.Converters = apievent.DefaultRegistry()
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = event.NewDispatcher(cfg.Logger)
	}
	if cfg.Registry == nil {
		cfg.Registry = DefaultRegistry()
	}
	if cfg.Lifecycle == nil {
		cfg.Lifecycle = LifecycleFuncs{}
	}

	logger := cfg.Logger.With(slog.String("engine", cfg.Name))

	opts := []command.Option{command.WithLogger(logger)}
	if cfg.TracerProvider != nil {
		opts = append(opts, command.WithTracerProvider(cfg.TracerProvider))
	}
	if cfg.MeterProvider != nil {
		opts = append(opts, command.WithMeterProvider(cfg.MeterProvider))
	}
	executor := command.NewExecutor(cfg.Sessions, append(opts, cfg.ExecutorOptions...)...)

	sc := cfg.Scheduler
	sched, err := scheduler.New(scheduler.Config{
		Store:           cfg.Store,
		Executor:        executor,
		Handlers:        cfg.Handlers,
		Dispatcher:      cfg.Dispatcher,
		Logger:          logger,
		Backoff:         sc.Backoff,
		PollInterval:    sc.PollInterval,
		BatchSize:       sc.BatchSize,
		Workers:         sc.Workers,
		LockDuration:    sc.LockDuration,
		LockOwner:       sc.LockOwner,
		AutoActivate:    sc.AutoActivate,
		RemoveCompleted: sc.RemoveCompleted,
		Now:             sc.Now,
		OnIdle:          sc.OnIdle,
		OnError:         sc.OnError,
	})
	if err != nil {
		return nil, fmt.Errorf("procengine: scheduler: %w", err)
	}

	e := &Engine{
		name:       cfg.Name,
		config:     cfg,
		store:      cfg.Store,
		handlers:   cfg.Handlers,
		executor:   executor,
		dispatcher: cfg.Dispatcher,
		bridge:     apievent.NewBridge(cfg.Converters, logger),
		scheduler:  sched,
		registry:   cfg.Registry,
		logger:     logger,
	}
	e.management = &ManagementService{engine: e}
	e.unsubscribeBridge = e.dispatcher.Subscribe(event.Filter{}, e.bridge, event.AfterCommit())
	return e, nil
}

// activate runs the construction steps after registration.
func (e *Engine) activate(ctx context.Context) error {
	if e.config.Scheduler.AutoActivate {
		// The scheduler outlives the construction call.
		if err := e.scheduler.Start(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("procengine: start scheduler: %w", err)
		}
	}
	if err := e.config.Lifecycle.OnBuilt(ctx, e); err != nil {
		return fmt.Errorf("procengine: lifecycle: %w", err)
	}
	if err := e.dispatcher.Dispatch(ctx, event.NewGlobalEvent(event.EngineCreated)); err != nil {
		return fmt.Errorf("procengine: dispatch engine created: %w", err)
	}
	return nil
}

// abort undoes a partially completed construction. A schema created under
// create-drop is dropped again.
func (e *Engine) abort(ctx context.Context) {
	e.registry.Unregister(e)
	if err := e.scheduler.Shutdown(ctx); err != nil {
		e.logger.Error("stop scheduler of failed engine", slog.String("error", err.Error()))
	}
	if err := e.closeSchema(ctx); err != nil {
		e.logger.Error("close schema of failed engine", slog.String("error", err.Error()))
	}
	e.unsubscribeBridge()

	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// Close tears the engine down: it unregisters the engine, drains the
// scheduler, runs the schema close command, notifies the lifecycle
// listener and dispatches EngineClosed. A failing step aborts the rest.
// Closing a closed engine is a no-op.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	e.registry.Unregister(e)

	if err := e.scheduler.Shutdown(ctx); err != nil {
		return fmt.Errorf("procengine: stop scheduler: %w", err)
	}
	if err := e.closeSchema(ctx); err != nil {
		return fmt.Errorf("procengine: schema close: %w", err)
	}
	if err := e.config.Lifecycle.OnClosed(ctx, e); err != nil {
		return fmt.Errorf("procengine: lifecycle: %w", err)
	}

	err := e.dispatcher.Dispatch(ctx, event.NewGlobalEvent(event.EngineClosed))
	e.unsubscribeBridge()
	if err != nil {
		return fmt.Errorf("procengine: dispatch engine closed: %w", err)
	}

	e.logger.Info("engine closed")
	return nil
}

// IsClosed reports whether Close has been called.
func (e *Engine) IsClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) checkOpen() error {
	if e.IsClosed() {
		return fmt.Errorf("%w: %q", ErrClosed, e.name)
	}
	return nil
}

// Name returns the registry key of the engine.
func (e *Engine) Name() string { return e.name }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.config }

// Store returns the job store.
func (e *Engine) Store() job.Store { return e.store }

// Handlers returns the job handler registry. Handlers may be registered
// after construction.
func (e *Engine) Handlers() *job.Registry { return e.handlers }

// Executor returns the command executor. Higher-level services submit
// their commands through it.
func (e *Engine) Executor() *command.Executor { return e.executor }

// Dispatcher returns the internal event dispatcher.
func (e *Engine) Dispatcher() *event.Dispatcher { return e.dispatcher }

// Events returns the runtime event subscription API.
func (e *Engine) Events() *apievent.Bridge { return e.bridge }

// Scheduler returns the async job scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.scheduler }

// ManagementService returns the job management service.
func (e *Engine) ManagementService() *ManagementService { return e.management }

// RuntimeService returns the configured runtime service handle, or nil.
func (e *Engine) RuntimeService() any { return e.config.Services.Runtime }

// TaskService returns the configured task service handle, or nil.
func (e *Engine) TaskService() any { return e.config.Services.Task }

// RepositoryService returns the configured repository service handle, or nil.
func (e *Engine) RepositoryService() any { return e.config.Services.Repository }

// HistoryService returns the configured history service handle, or nil.
func (e *Engine) HistoryService() any { return e.config.Services.History }

// IdentityService returns the configured identity service handle, or nil.
func (e *Engine) IdentityService() any { return e.config.Services.Identity }

// FormService returns the configured form service handle, or nil.
func (e *Engine) FormService() any { return e.config.Services.Form }
