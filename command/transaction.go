package command

import (
	"context"
	"errors"
	"log/slog"
)

// Transaction returns the interceptor that owns transaction boundaries.
//
// When the context carries a session and the policy allows reuse, the
// inner chain joins it and no commit or rollback happens here. Otherwise a
// session is opened (if the policy requires one), the inner chain runs,
// and the session is committed on success or rolled back on failure,
// unless an inner interceptor already finished it. The session is closed
// in every case.
func Transaction(factory SessionFactory, logger *slog.Logger) Interceptor {
	return func(ctx context.Context, cfg Config, cmd Command, next Next) (result any, err error) {
		if _, active := SessionFrom(ctx); active && cfg.ContextReusePossible {
			return next(withBoundary(ctx, false))
		}
		if !cfg.TransactionRequired {
			return next(withBoundary(withoutSession(ctx), false))
		}

		s, err := openSession(ctx, factory)
		if err != nil {
			return nil, err
		}
		defer func() {
			if closeErr := s.close(ctx); closeErr != nil {
				logger.Error("session close failed",
					slog.String("command", cmd.Name()),
					slog.String("error", closeErr.Error()),
				)
				err = errors.Join(err, closeErr)
			}
		}()

		inner := withBoundary(withSession(ctx, s), true)
		result, err = next(inner)
		if err != nil {
			if rbErr := s.rollback(ctx); rbErr != nil {
				logger.Error("rollback failed",
					slog.String("command", cmd.Name()),
					slog.String("error", rbErr.Error()),
				)
				return nil, errors.Join(err, rbErr)
			}
			return nil, err
		}

		if err := s.commit(ctx); err != nil {
			return nil, err
		}
		return result, nil
	}
}
