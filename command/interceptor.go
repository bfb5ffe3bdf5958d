package command

import "context"

// Next invokes the remainder of the chain.
type Next func(ctx context.Context) (any, error)

// Interceptor wraps a command execution with cross-cutting behaviour. It
// receives the execution policy, the command, and the next step. An
// interceptor MUST call next unless it deliberately short-circuits.
type Interceptor func(ctx context.Context, cfg Config, cmd Command, next Next) (any, error)

// Chain composes interceptors into one. The first interceptor is the
// outermost wrapper.
//
// Example: Chain(logging, transaction, retry) executes as:
//
//	logging → transaction → retry → next
func Chain(interceptors ...Interceptor) Interceptor {
	return func(ctx context.Context, cfg Config, cmd Command, next Next) (any, error) {
		h := next
		for i := len(interceptors) - 1; i >= 0; i-- {
			ic := interceptors[i]
			prev := h
			h = func(ctx context.Context) (any, error) {
				return ic(ctx, cfg, cmd, prev)
			}
		}
		return h(ctx)
	}
}
