package procengine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/DEEJ4Y/procengine/command"
	"github.com/DEEJ4Y/procengine/job"
)

// SchemaUpdate is the schema policy applied at construction and close.
type SchemaUpdate string

const (
	// SchemaUpdateNone leaves the schema alone.
	SchemaUpdateNone SchemaUpdate = ""
	// SchemaUpdateFalse only checks that the schema is installed.
	SchemaUpdateFalse SchemaUpdate = "false"
	// SchemaUpdateTrue creates or upgrades the schema.
	SchemaUpdateTrue SchemaUpdate = "true"
	// SchemaUpdateCreateDrop creates the schema and drops it on close.
	SchemaUpdateCreateDrop SchemaUpdate = "create-drop"
	// SchemaUpdateDropCreate drops any existing schema and creates it.
	SchemaUpdateDropCreate SchemaUpdate = "drop-create"
)

// Valid reports whether u is a known policy.
func (u SchemaUpdate) Valid() bool {
	switch u {
	case SchemaUpdateNone, SchemaUpdateFalse, SchemaUpdateTrue, SchemaUpdateCreateDrop, SchemaUpdateDropCreate:
		return true
	}
	return false
}

// Command names of the schema commands.
const (
	SchemaBootstrapCommand = "SchemaBootstrap"
	SchemaCloseCommand     = "SchemaClose"
)

// schemaConfig runs schema commands outside a transaction; not every
// store can change its schema inside one.
func schemaConfig() command.Config {
	return command.DefaultConfig().NonTransactional()
}

type schemaBootstrap struct {
	schema job.SchemaManager
	policy SchemaUpdate
	logger *slog.Logger
}

func (c *schemaBootstrap) Name() string { return SchemaBootstrapCommand }

func (c *schemaBootstrap) Execute(ctx context.Context) (any, error) {
	switch c.policy {
	case SchemaUpdateFalse:
		version, err := c.schema.SchemaVersion(ctx)
		if err != nil {
			return nil, err
		}
		if version == "" {
			return nil, ErrSchemaMissing
		}
		c.logger.Debug("schema present", slog.String("version", version))
		return version, nil

	case SchemaUpdateDropCreate:
		if err := c.schema.SchemaDrop(ctx); err != nil {
			return nil, fmt.Errorf("drop schema: %w", err)
		}
		c.logger.Info("schema dropped")
	}

	if err := c.schema.SchemaCreate(ctx); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	version, err := c.schema.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	c.logger.Info("schema ready", slog.String("version", version), slog.String("policy", string(c.policy)))
	return version, nil
}

type schemaClose struct {
	schema job.SchemaManager
	policy SchemaUpdate
	logger *slog.Logger
}

func (c *schemaClose) Name() string { return SchemaCloseCommand }

func (c *schemaClose) Execute(ctx context.Context) (any, error) {
	if c.policy != SchemaUpdateCreateDrop {
		return nil, nil
	}
	if err := c.schema.SchemaDrop(ctx); err != nil {
		return nil, fmt.Errorf("drop schema: %w", err)
	}
	c.logger.Info("schema dropped")
	return nil, nil
}

// bootstrapSchema applies the schema policy. Stores without a schema are
// left alone.
func (e *Engine) bootstrapSchema(ctx context.Context) error {
	schema, ok := e.store.(job.SchemaManager)
	if !ok || e.config.SchemaUpdate == SchemaUpdateNone {
		return nil
	}
	_, err := e.executor.Execute(ctx, schemaConfig(),
		&schemaBootstrap{schema: schema, policy: e.config.SchemaUpdate, logger: e.logger})
	return err
}

func (e *Engine) closeSchema(ctx context.Context) error {
	schema, ok := e.store.(job.SchemaManager)
	if !ok {
		return nil
	}
	_, err := e.executor.Execute(ctx, schemaConfig(),
		&schemaClose{schema: schema, policy: e.config.SchemaUpdate, logger: e.logger})
	return err
}
