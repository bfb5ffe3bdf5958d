package command

import (
	"context"
	"log/slog"
	"time"
)

// Logging returns an interceptor that logs each command execution and its
// outcome.
func Logging(logger *slog.Logger) Interceptor {
	return func(ctx context.Context, cfg Config, cmd Command, next Next) (any, error) {
		logger.Debug("command started",
			slog.String("command", cmd.Name()),
			slog.Bool("transaction_required", cfg.TransactionRequired),
		)

		start := time.Now()
		result, err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("command failed",
				slog.String("command", cmd.Name()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Debug("command completed",
				slog.String("command", cmd.Name()),
				slog.Duration("elapsed", elapsed),
			)
		}
		return result, err
	}
}
