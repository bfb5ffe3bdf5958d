package scheduler

import "errors"

var (
	// ErrNoStore is returned by New without a store.
	ErrNoStore = errors.New("scheduler: store is required")

	// ErrNoHandlers is returned by New without a handler registry.
	ErrNoHandlers = errors.New("scheduler: handler registry is required")

	// ErrNoExecutor is returned by New when no executor is configured and
	// the store cannot open sessions.
	ErrNoExecutor = errors.New("scheduler: executor is required when the store is not a session factory")

	// ErrNotAcquirable is returned by ExecuteNow for a job that is done,
	// dead, or locked by another worker.
	ErrNotAcquirable = errors.New("scheduler: job cannot be acquired")
)
