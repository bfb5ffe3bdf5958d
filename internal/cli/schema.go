package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/DEEJ4Y/procengine/job"
)

// NewSchemaCommand creates the schema command group.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Manage the store schema",
	}
	cmd.AddCommand(newSchemaActionCommand(rootOpts, "create", "Create or upgrade the schema",
		func(ctx context.Context, s job.SchemaManager) error { return s.SchemaCreate(ctx) }))
	cmd.AddCommand(newSchemaActionCommand(rootOpts, "drop", "Drop the schema and every job",
		func(ctx context.Context, s job.SchemaManager) error { return s.SchemaDrop(ctx) }))
	cmd.AddCommand(newSchemaActionCommand(rootOpts, "version", "Print the installed schema version", nil))
	return cmd
}

// newSchemaActionCommand works on the store directly; building an engine
// would apply the configured schema policy first.
func newSchemaActionCommand(opts *RootOptions, use, short string, action func(context.Context, job.SchemaManager) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			fc, err := LoadConfig(opts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}
			store, release, err := OpenStore(ctx, fc.Store)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open store", err)
			}
			defer func() { _ = release() }()

			schema, ok := store.(job.SchemaManager)
			if !ok {
				return WrapExitError(ExitCommandError, "store has no schema", nil)
			}
			if action != nil {
				if err := action(ctx, schema); err != nil {
					return WrapExitError(ExitFailure, "schema "+use+" failed", err)
				}
			}
			version, err := schema.SchemaVersion(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read schema version", err)
			}
			text := "schema version " + version
			if version == "" {
				text = "schema not installed"
			}
			return opts.formatter(cmd).Success(map[string]string{"version": version}, text)
		},
	}
}
