package command

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Recover returns an interceptor that converts a panic in the inner chain
// into an error. It must sit outside Transaction so the session is rolled
// back before the panic is reported.
func Recover(logger *slog.Logger) Interceptor {
	return func(ctx context.Context, _ Config, cmd Command, next Next) (result any, retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("command panicked",
					slog.String("command", cmd.Name()),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				result = nil
				retErr = fmt.Errorf("panic in command %s: %v", cmd.Name(), r)
			}
		}()
		return next(ctx)
	}
}
