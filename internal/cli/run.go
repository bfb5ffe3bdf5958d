package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/DEEJ4Y/procengine"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an engine with an active scheduler",
		Long: `Run a process engine and execute due jobs until interrupted.

The store and scheduler are taken from the config file. On SIGINT or SIGTERM
the scheduler stops acquiring jobs and drains running ones before exit.

Example:
  procengine run --config ./procengine.yaml --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd, rootOpts)
		},
	}
	return cmd
}

func runEngine(cmd *cobra.Command, opts *RootOptions) error {
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	activate := func(cfg *procengine.Config) { cfg.Scheduler.AutoActivate = true }
	return withEngine(ctx, opts, activate, func(e *procengine.Engine) error {
		slog.Info("engine running",
			slog.String("engine", e.Name()),
			slog.String("lock_owner", e.Scheduler().Config().LockOwner),
		)
		<-ctx.Done()
		slog.Info("shutting down")
		return nil
	})
}
