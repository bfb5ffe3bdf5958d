package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/DEEJ4Y/procengine"
	"github.com/DEEJ4Y/procengine/job"
)

// JobView is the CLI representation of a job.
type JobView struct {
	ID                string    `json:"id"`
	Type              string    `json:"type"`
	HandlerType       string    `json:"handlerType"`
	State             string    `json:"state"`
	DueDate           time.Time `json:"dueDate"`
	Retries           int       `json:"retries"`
	ProcessInstanceID string    `json:"processInstanceId,omitempty"`
	Repeat            string    `json:"repeat,omitempty"`
	Exception         string    `json:"exception,omitempty"`
}

func jobView(j *job.Job) JobView {
	v := JobView{
		ID:                j.ID,
		Type:              string(j.Type),
		HandlerType:       j.HandlerType,
		State:             string(j.State),
		DueDate:           j.DueDate,
		Retries:           j.Retries,
		ProcessInstanceID: j.ProcessInstanceID,
		Exception:         j.ExceptionMessage,
	}
	if j.Timer != nil {
		v.Repeat = j.Timer.Repeat
	}
	return v
}

// NewJobsCommand creates the jobs command group.
func NewJobsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage jobs",
	}
	cmd.AddCommand(newJobsListCommand(rootOpts))
	cmd.AddCommand(newJobsRetryCommand(rootOpts))
	cmd.AddCommand(newJobsDeleteCommand(rootOpts))
	cmd.AddCommand(newJobsExecuteCommand(rootOpts))
	return cmd
}

func newJobsListCommand(opts *RootOptions) *cobra.Command {
	var (
		states            []string
		processInstanceID string
		handlerType       string
		limit             int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Long: `List jobs, optionally filtered.

Example:
  procengine jobs list --state dead
  procengine jobs list --process-instance pi-42 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := job.Query{ProcessInstanceID: processInstanceID, HandlerType: handlerType, Limit: limit}
			for _, s := range states {
				st := job.State(strings.ToLower(s))
				if !st.Valid() {
					return WrapExitError(ExitCommandError, "invalid --state", fmt.Errorf("unknown state %q", s))
				}
				q.States = append(q.States, st)
			}

			out := opts.formatter(cmd)
			return withEngine(cmd.Context(), opts, nil, func(e *procengine.Engine) error {
				jobs, err := e.ManagementService().ListJobs(cmd.Context(), q)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to list jobs", err)
				}
				views := make([]JobView, len(jobs))
				for i, j := range jobs {
					views[i] = jobView(j)
				}
				return out.Success(views, jobTable(views))
			})
		},
	}

	cmd.Flags().StringSliceVar(&states, "state", nil, "filter by state (repeatable)")
	cmd.Flags().StringVar(&processInstanceID, "process-instance", "", "filter by process instance id")
	cmd.Flags().StringVar(&handlerType, "handler", "", "filter by handler type")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of jobs (0 = no limit)")
	return cmd
}

func jobTable(views []JobView) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tHANDLER\tSTATE\tDUE\tRETRIES")
	for _, v := range views {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			v.ID, v.Type, v.HandlerType, v.State, v.DueDate.Format(time.RFC3339), v.Retries)
	}
	_ = w.Flush()
	return strings.TrimRight(b.String(), "\n")
}

func newJobsRetryCommand(opts *RootOptions) *cobra.Command {
	var retries int

	cmd := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Set the retries of a job, reviving it if dead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.formatter(cmd)
			return withEngine(cmd.Context(), opts, nil, func(e *procengine.Engine) error {
				m := e.ManagementService()
				if err := m.SetJobRetries(cmd.Context(), args[0], retries); err != nil {
					return WrapExitError(ExitFailure, "failed to set retries", err)
				}
				j, err := m.GetJob(cmd.Context(), args[0])
				if err != nil {
					return WrapExitError(ExitFailure, "failed to load job", err)
				}
				return out.Success(jobView(j), fmt.Sprintf("%s is %s with %d retries", j.ID, j.State, j.Retries))
			})
		},
	}

	cmd.Flags().IntVar(&retries, "retries", job.DefaultRetries, "new retry budget")
	return cmd
}

func newJobsDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a job that no worker holds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.formatter(cmd)
			return withEngine(cmd.Context(), opts, nil, func(e *procengine.Engine) error {
				if err := e.ManagementService().DeleteJob(cmd.Context(), args[0]); err != nil {
					return WrapExitError(ExitFailure, "failed to delete job", err)
				}
				return out.Success(map[string]string{"id": args[0]}, "deleted "+args[0])
			})
		},
	}
}

func newJobsExecuteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "execute <job-id>",
		Short: "Execute a job now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.formatter(cmd)
			return withEngine(cmd.Context(), opts, nil, func(e *procengine.Engine) error {
				m := e.ManagementService()
				if err := m.ExecuteJob(cmd.Context(), args[0]); err != nil {
					return WrapExitError(ExitFailure, "job execution failed", err)
				}
				j, err := m.GetJob(cmd.Context(), args[0])
				if err != nil {
					return WrapExitError(ExitFailure, "failed to load job", err)
				}
				return out.Success(jobView(j), fmt.Sprintf("%s is %s", j.ID, j.State))
			})
		},
	}
}
