package command

import (
	"context"
	"log/slog"
)

// Retry returns an interceptor that re-executes the inner chain when it
// fails with ErrConcurrentModification, up to Config.MaxRetries times and
// without delay.
//
// Only the execution that owns the session retries: it commits the
// session itself, so a conflict reported at commit is retried like one
// reported by a write, and the transaction is rolled back and reopened
// before every new attempt. A nested execution passes the conflict
// through, so the outermost command is replayed as a whole.
func Retry(logger *slog.Logger) Interceptor {
	return func(ctx context.Context, cfg Config, cmd Command, next Next) (any, error) {
		if !cfg.RetryOnConflict || cfg.MaxRetries <= 0 {
			return next(ctx)
		}
		s, inSession := SessionFrom(ctx)
		if inSession && !ownsSession(ctx) {
			return next(ctx)
		}

		for attempt := 0; ; attempt++ {
			result, err := next(ctx)
			if err == nil && inSession {
				err = s.commit(ctx)
			}
			if err == nil || !IsConflict(err) || attempt >= cfg.MaxRetries {
				return result, err
			}

			logger.Warn("command conflict, retrying",
				slog.String("command", cmd.Name()),
				slog.Int("attempt", attempt+1),
				slog.Int("max_retries", cfg.MaxRetries),
			)
			if inSession {
				if resetErr := s.reset(ctx); resetErr != nil {
					return nil, resetErr
				}
			}
		}
	}
}
