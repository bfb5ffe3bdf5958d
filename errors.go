package procengine

import "errors"

var (
	// ErrEngineExists is returned when an engine with the same name is
	// already registered.
	ErrEngineExists = errors.New("procengine: engine already registered")

	// ErrNoStore is returned by New without a job store.
	ErrNoStore = errors.New("procengine: store is required")

	// ErrNoSessions is returned by New when the store cannot open sessions
	// and no session factory is configured.
	ErrNoSessions = errors.New("procengine: session factory is required")

	// ErrInvalidSchemaUpdate is returned for an unknown schema update policy.
	ErrInvalidSchemaUpdate = errors.New("procengine: invalid schema update policy")

	// ErrSchemaMissing is returned at construction when the policy only
	// validates the schema and it is not installed.
	ErrSchemaMissing = errors.New("procengine: schema is not installed")

	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("procengine: engine is closed")

	// ErrJobLocked is returned when deleting a job that a worker holds.
	ErrJobLocked = errors.New("procengine: job is locked by a worker")

	// ErrInsideCommand is returned by operations that must run outside any
	// command execution.
	ErrInsideCommand = errors.New("procengine: operation not allowed inside a command")
)
