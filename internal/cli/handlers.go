package cli

import (
	"context"
	"log/slog"

	"github.com/DEEJ4Y/procengine/job"
)

// Built-in handler types available to jobs scheduled from the command line.
const (
	HandlerLog  = "log"
	HandlerNoop = "noop"
)

func registerBuiltinHandlers(r *job.Registry) {
	r.RegisterFunc(HandlerLog, func(ctx context.Context, j *job.Job) error {
		slog.InfoContext(ctx, "job executed",
			slog.String("job_id", j.ID),
			slog.String("process_instance_id", j.ProcessInstanceID),
			slog.String("config", j.HandlerConfig),
		)
		return nil
	})
	r.RegisterFunc(HandlerNoop, func(context.Context, *job.Job) error { return nil })
}
