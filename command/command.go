package command

import "context"

// Command is a named intent to mutate engine state. Implementations carry
// only the inputs their action needs and must not be modified after they
// are handed to an Executor.
type Command interface {
	// Name identifies the command category in logs, spans, and metrics.
	Name() string

	// Execute performs the action. Storage calls made with ctx take part in
	// the session bound by the Transaction interceptor.
	Execute(ctx context.Context) (any, error)
}

type funcCommand struct {
	name string
	fn   func(ctx context.Context) (any, error)
}

// Func adapts a function to the Command interface.
func Func(name string, fn func(ctx context.Context) (any, error)) Command {
	return funcCommand{name: name, fn: fn}
}

func (c funcCommand) Name() string { return c.name }

func (c funcCommand) Execute(ctx context.Context) (any, error) { return c.fn(ctx) }

// Config is the execution policy of a command category. It is attached to
// the call site, not to individual command values.
type Config struct {
	// TransactionRequired opens a session when none is active. Commands
	// without it run session-less unless they are nested in one.
	TransactionRequired bool

	// ContextReusePossible lets a nested execution join the enclosing
	// session. When false the command always gets an independent session.
	ContextReusePossible bool

	// RetryOnConflict re-executes the command when it fails with
	// ErrConcurrentModification.
	RetryOnConflict bool

	// MaxRetries bounds the number of re-executions on conflict.
	MaxRetries int
}

// DefaultConfig returns the policy used by Executor.ExecuteDefault:
// transactional, joins an enclosing session, no conflict retries.
func DefaultConfig() Config {
	return Config{
		TransactionRequired:  true,
		ContextReusePossible: true,
	}
}

// WithRetry returns a copy of c that retries up to n times on conflict.
func (c Config) WithRetry(n int) Config {
	c.RetryOnConflict = n > 0
	c.MaxRetries = n
	return c
}

// RequiresNew returns a copy of c that never joins an enclosing session.
func (c Config) RequiresNew() Config {
	c.ContextReusePossible = false
	return c
}

// NonTransactional returns a copy of c that does not open a session of its own.
func (c Config) NonTransactional() Config {
	c.TransactionRequired = false
	return c
}
