package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gopkg.in/yaml.v3"

	"github.com/DEEJ4Y/procengine"
	"github.com/DEEJ4Y/procengine/job"
	"github.com/DEEJ4Y/procengine/memory"
	"github.com/DEEJ4Y/procengine/mongodb"
	"github.com/DEEJ4Y/procengine/sqlite"
)

// Store drivers.
const (
	DriverSQLite  = "sqlite"
	DriverMongoDB = "mongodb"
	DriverMemory  = "memory"
)

// FileConfig is the YAML configuration of the CLI.
type FileConfig struct {
	Name         string          `yaml:"name"`
	SchemaUpdate string          `yaml:"schemaUpdate"`
	Store        StoreConfig     `yaml:"store"`
	Scheduler    SchedulerConfig `yaml:"scheduler"`
}

// StoreConfig selects and configures the job store.
type StoreConfig struct {
	Driver string `yaml:"driver"`

	// sqlite
	Path  string `yaml:"path,omitempty"`
	Table string `yaml:"table,omitempty"`

	// mongodb
	URI          string `yaml:"uri,omitempty"`
	Database     string `yaml:"database,omitempty"`
	Collection   string `yaml:"collection,omitempty"`
	Transactions bool   `yaml:"transactions,omitempty"`
}

// SchedulerConfig mirrors procengine.SchedulerConfig.
type SchedulerConfig struct {
	PollInterval    time.Duration `yaml:"pollInterval,omitempty"`
	BatchSize       int           `yaml:"batchSize,omitempty"`
	Workers         int           `yaml:"workers,omitempty"`
	LockDuration    time.Duration `yaml:"lockDuration,omitempty"`
	LockOwner       string        `yaml:"lockOwner,omitempty"`
	RemoveCompleted bool          `yaml:"removeCompleted,omitempty"`
}

// DefaultFileConfig returns the configuration used without a config file.
func DefaultFileConfig() FileConfig {
	return FileConfig{
		Name:         procengine.DefaultName,
		SchemaUpdate: string(procengine.SchemaUpdateTrue),
		Store: StoreConfig{
			Driver: DriverSQLite,
			Path:   "procengine.db",
		},
	}
}

// LoadConfig reads path over the defaults. An empty path returns the
// defaults.
func LoadConfig(path string) (FileConfig, error) {
	cfg := DefaultFileConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if !procengine.SchemaUpdate(cfg.SchemaUpdate).Valid() {
		return cfg, fmt.Errorf("%w: %q", procengine.ErrInvalidSchemaUpdate, cfg.SchemaUpdate)
	}
	return cfg, nil
}

// OpenStore opens the configured job store. The returned function releases
// it.
func OpenStore(ctx context.Context, sc StoreConfig) (job.Store, func() error, error) {
	switch sc.Driver {
	case DriverSQLite:
		var opts []sqlite.Option
		if sc.Table != "" {
			opts = append(opts, sqlite.WithTable(sc.Table))
		}
		store, err := sqlite.Open(sc.Path, opts...)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil

	case DriverMongoDB:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(sc.URI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to mongodb: %w", err)
		}
		disconnect := func() error { return client.Disconnect(context.Background()) }
		if err := client.Ping(ctx, nil); err != nil {
			_ = disconnect()
			return nil, nil, fmt.Errorf("ping mongodb: %w", err)
		}
		collection := sc.Collection
		if collection == "" {
			collection = "jobs"
		}
		store, err := mongodb.NewStore(mongodb.Config{
			Collection:   client.Database(sc.Database).Collection(collection),
			Transactions: sc.Transactions,
		})
		if err != nil {
			_ = disconnect()
			return nil, nil, err
		}
		return store, disconnect, nil

	case DriverMemory:
		return memory.New(), func() error { return nil }, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}

// EngineConfig maps fc onto an engine configuration over store.
func (fc FileConfig) EngineConfig(store job.Store) procengine.Config {
	cfg := procengine.DefaultConfig()
	cfg.Name = fc.Name
	cfg.Store = store
	cfg.SchemaUpdate = procengine.SchemaUpdate(fc.SchemaUpdate)
	cfg.Registry = procengine.NewRegistry()
	cfg.Scheduler = procengine.SchedulerConfig{
		PollInterval:    fc.Scheduler.PollInterval,
		BatchSize:       fc.Scheduler.BatchSize,
		Workers:         fc.Scheduler.Workers,
		LockDuration:    fc.Scheduler.LockDuration,
		LockOwner:       fc.Scheduler.LockOwner,
		RemoveCompleted: fc.Scheduler.RemoveCompleted,
	}
	registerBuiltinHandlers(cfg.Handlers)
	return cfg
}

// withEngine loads the configuration, builds an engine with an inactive
// scheduler, and runs fn with it.
func withEngine(ctx context.Context, opts *RootOptions, mutate func(*procengine.Config), fn func(*procengine.Engine) error) error {
	fc, err := LoadConfig(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	store, release, err := OpenStore(ctx, fc.Store)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer func() { _ = release() }()

	cfg := fc.EngineConfig(store)
	if mutate != nil {
		mutate(&cfg)
	}
	engine, err := procengine.New(ctx, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start engine", err)
	}
	defer func() { _ = engine.Close(context.WithoutCancel(ctx)) }()

	return fn(engine)
}
