package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/DEEJ4Y/procengine"
	"github.com/DEEJ4Y/procengine/job"
)

// ScheduleOptions holds flags for the schedule command.
type ScheduleOptions struct {
	*RootOptions
	In                time.Duration
	At                string
	Repeat            string
	MaxIterations     int
	Retries           int
	ProcessInstanceID string
	HandlerConfig     string
	Tenant            string
}

// NewScheduleCommand creates the schedule command.
func NewScheduleCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScheduleOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "schedule <handler-type>",
		Short: "Schedule a timer job",
		Long: `Schedule a timer job for the given handler type.

Example:
  procengine schedule log --in 30s --config ./procengine.yaml
  procengine schedule log --repeat "@every 1m" --max-iterations 5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return scheduleTimer(cmd, opts, args[0])
		},
	}

	cmd.Flags().DurationVar(&opts.In, "in", 0, "delay before the timer is due")
	cmd.Flags().StringVar(&opts.At, "at", "", "due time (RFC 3339); overrides --in")
	cmd.Flags().StringVar(&opts.Repeat, "repeat", "", "repeat schedule (cron expression or @every)")
	cmd.Flags().IntVar(&opts.MaxIterations, "max-iterations", 0, "maximum firings of a repeating timer")
	cmd.Flags().IntVar(&opts.Retries, "retries", job.DefaultRetries, "execution attempts before the job is dead")
	cmd.Flags().StringVar(&opts.ProcessInstanceID, "process-instance", "", "owning process instance id")
	cmd.Flags().StringVar(&opts.HandlerConfig, "handler-config", "", "opaque handler configuration")
	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant id")

	return cmd
}

func scheduleTimer(cmd *cobra.Command, opts *ScheduleOptions, handlerType string) error {
	due := time.Now().Add(opts.In)
	if opts.At != "" {
		at, err := time.Parse(time.RFC3339, opts.At)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --at", err)
		}
		due = at
	}

	jobOpts := []job.Option{
		job.WithRetries(opts.Retries),
		job.WithProcess(opts.ProcessInstanceID, ""),
		job.WithHandlerConfig(opts.HandlerConfig),
		job.WithTenant(opts.Tenant),
	}
	if opts.Repeat != "" {
		jobOpts = append(jobOpts, job.WithRepeat(opts.Repeat), job.WithMaxIterations(opts.MaxIterations))
	}

	out := opts.formatter(cmd)
	return withEngine(cmd.Context(), opts.RootOptions, nil, func(e *procengine.Engine) error {
		j, err := e.ManagementService().ScheduleTimer(cmd.Context(), handlerType, due, jobOpts...)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to schedule timer", err)
		}
		return out.Success(jobView(j), fmt.Sprintf("scheduled %s due %s", j.ID, j.DueDate.Format(time.RFC3339)))
	})
}
