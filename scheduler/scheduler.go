// Package scheduler runs due jobs and timers from a job.Store.
//
// A scheduler polls the store for due jobs, takes a time-bounded lock on
// each one, and executes it on a bounded worker pool through the command
// executor. Locks are what keep several schedulers on one store from
// running a job twice; a worker that dies leaves a lock that expires after
// LockDuration, after which any scheduler may take the job over.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/DEEJ4Y/procengine/backoff"
	"github.com/DEEJ4Y/procengine/command"
	"github.com/DEEJ4Y/procengine/event"
	"github.com/DEEJ4Y/procengine/job"
)

// Config holds the configuration for a Scheduler.
type Config struct {
	// Store is the required job store.
	Store job.Store

	// Executor runs the execute and failure commands. When nil and Store
	// implements command.SessionFactory, an executor over Store is built.
	Executor *command.Executor

	// Handlers resolves handler types. Required.
	Handlers *job.Registry

	// Dispatcher receives job events. When nil events are not published.
	Dispatcher *event.Dispatcher

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Backoff computes the delay before a failed job is retried.
	// Default: backoff.DefaultStrategy()
	Backoff backoff.Strategy

	// Timing Configuration

	// PollInterval is how long the scheduler waits when a poll finds
	// fewer due jobs than BatchSize.
	// Default: 1 second
	PollInterval time.Duration

	// BatchSize is the maximum number of due jobs fetched per poll.
	// Default: 10
	BatchSize int

	// Workers is the number of jobs executed concurrently.
	// Default: 4
	Workers int

	// LockDuration is how long a job is locked during processing.
	// If a worker crashes, the job becomes available again after this duration.
	// Default: 5 minutes
	LockDuration time.Duration

	// LockOwner identifies this scheduler in job locks.
	// Default: a random UUID
	LockOwner string

	// AutoActivate asks the engine to start the scheduler when it is built.
	AutoActivate bool

	// RemoveCompleted deletes jobs that finish instead of keeping them in
	// state done.
	RemoveCompleted bool

	// Now returns the current time. Default: time.Now
	Now func() time.Time

	// Event Handlers (all optional)

	// OnStart is called when the scheduler starts.
	OnStart func(ctx context.Context) error

	// OnStop is called when the scheduler has stopped and drained.
	OnStop func(ctx context.Context) error

	// OnIdle is called when a poll finds no due jobs after one that did.
	// It's only called once when transitioning to idle.
	OnIdle func(ctx context.Context) error

	// OnError is called when an error occurs during processing, in
	// addition to logging it.
	OnError func(ctx context.Context, err error)
}

// Scheduler acquires and executes due jobs.
type Scheduler struct {
	config     Config
	store      job.Store
	executor   *command.Executor
	handlers   *job.Registry
	dispatcher *event.Dispatcher
	logger     *slog.Logger
	backoff    backoff.Strategy
	now        func() time.Time

	// State tracking
	active   atomic.Bool
	idle     atomic.Bool
	inFlight atomic.Int64

	// Lifecycle management
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new Scheduler with the given configuration.
// Returns an error if the configuration is invalid.
func New(config Config) (*Scheduler, error) {
	if config.Store == nil {
		return nil, ErrNoStore
	}
	if config.Handlers == nil {
		return nil, ErrNoHandlers
	}

	// Set defaults
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Executor == nil {
		factory, ok := config.Store.(command.SessionFactory)
		if !ok {
			return nil, ErrNoExecutor
		}
		config.Executor = command.NewExecutor(factory, command.WithLogger(config.Logger))
	}
	if config.Backoff == nil {
		config.Backoff = backoff.DefaultStrategy()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.LockDuration <= 0 {
		config.LockDuration = 5 * time.Minute
	}
	if config.LockOwner == "" {
		config.LockOwner = uuid.NewString()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Scheduler{
		config:     config,
		store:      config.Store,
		executor:   config.Executor,
		handlers:   config.Handlers,
		dispatcher: config.Dispatcher,
		logger:     config.Logger.With(slog.String("lock_owner", config.LockOwner)),
		backoff:    config.Backoff,
		now:        config.Now,
	}, nil
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config { return s.config }

// Start begins acquiring and executing jobs.
// It's safe to call Start multiple times; calls on an active scheduler
// are no-ops. The scheduler runs until Shutdown is called or ctx is
// canceled. A loop still draining after an expired Shutdown is awaited
// first, bounded by ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active.Load() {
		return nil
	}
	if s.done != nil {
		select {
		case <-s.done:
		case <-ctx.Done():
			return fmt.Errorf("scheduler: previous loop still draining: %w", ctx.Err())
		}
	}

	if s.config.OnStart != nil {
		if err := s.config.OnStart(ctx); err != nil {
			return fmt.Errorf("scheduler: OnStart handler failed: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.idle.Store(false)
	s.active.Store(true)

	go s.run(runCtx, s.done)

	s.logger.Info("scheduler started",
		slog.Int("workers", s.config.Workers),
		slog.Duration("poll_interval", s.config.PollInterval),
	)
	return nil
}

// Shutdown stops acquiring jobs and waits for in-flight executions to
// finish. It is a no-op on an inactive scheduler. If ctx ends first the
// remaining executions keep running in the background and ctx's error is
// returned.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active.Load() {
		return nil
	}
	s.active.Store(false)
	s.cancel()

	select {
	case <-s.done:
	case <-ctx.Done():
		return fmt.Errorf("scheduler: shutdown: %w", ctx.Err())
	}

	s.logger.Info("scheduler stopped")

	if s.config.OnStop != nil {
		if err := s.config.OnStop(ctx); err != nil {
			return fmt.Errorf("scheduler: OnStop handler failed: %w", err)
		}
	}
	return nil
}

// IsActive reports whether the scheduler is acquiring jobs. It turns false
// once Shutdown is called or the loop exits because its context ended.
func (s *Scheduler) IsActive() bool {
	return s.active.Load()
}

// IsIdle reports whether the last poll found no due jobs.
func (s *Scheduler) IsIdle() bool {
	return s.idle.Load()
}

// InFlight returns the number of jobs being executed.
func (s *Scheduler) InFlight() int {
	return int(s.inFlight.Load())
}

// run is the acquisition loop. Executions run on a context that is not
// canceled with the loop so that Shutdown drains them.
func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.active.Store(false)

	execCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(s.config.Workers)
	defer func() { _ = g.Wait() }()

	for ctx.Err() == nil {
		acquired, full := s.poll(ctx, execCtx, &g)

		if acquired == 0 {
			// Trigger OnIdle only once when transitioning to idle state
			if !s.idle.Swap(true) && s.config.OnIdle != nil {
				if err := s.config.OnIdle(ctx); err != nil {
					s.handleError(ctx, fmt.Errorf("OnIdle handler failed: %w", err))
				}
			}
		} else {
			s.idle.Store(false)
		}

		// A full batch means more jobs may be due right away.
		if full {
			continue
		}
		select {
		case <-time.After(s.config.PollInterval):
		case <-ctx.Done():
		}
	}
}

// poll fetches due jobs, locks them, and hands them to the pool. It
// reports how many jobs it acquired and whether the store returned a full
// batch.
func (s *Scheduler) poll(ctx, execCtx context.Context, g *errgroup.Group) (acquired int, full bool) {
	now := s.now()
	due, err := s.store.FindDue(ctx, now, s.config.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			s.handleError(ctx, fmt.Errorf("find due jobs: %w", err))
		}
		return 0, false
	}

	for _, j := range due {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.lock(ctx, j)
		if err != nil {
			s.handleError(ctx, fmt.Errorf("lock job %s: %w", j.ID, err))
			continue
		}
		if !ok {
			s.logger.Debug("job taken by another worker", slog.String("job_id", j.ID))
			continue
		}

		acquired++
		s.inFlight.Add(1)
		g.Go(func() error {
			defer s.inFlight.Add(-1)
			_ = s.execute(execCtx, j)
			return nil
		})
	}
	return acquired, len(due) >= s.config.BatchSize && acquired > 0
}

func (s *Scheduler) lock(ctx context.Context, j *job.Job) (bool, error) {
	now := s.now()
	return s.store.TryLock(ctx, j, s.config.LockOwner, now, now.Add(s.config.LockDuration))
}

// handleError logs err and calls the OnError handler if configured.
func (s *Scheduler) handleError(ctx context.Context, err error) {
	s.logger.Error("scheduler error", slog.String("error", err.Error()))
	if s.config.OnError != nil {
		s.config.OnError(ctx, err)
	}
}
