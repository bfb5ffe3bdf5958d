// Package sqlite provides a job store on SQLite (github.com/mattn/go-sqlite3).
//
// The store opens a single connection: SQLite allows one writer at a time
// and a deferred transaction that upgrades to a write lock while another
// connection writes fails immediately with SQLITE_BUSY. Transactions
// therefore serialize on the connection, and a command that requires an
// independent session must not be nested inside another session of the
// same store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/DEEJ4Y/procengine/command"
	"github.com/DEEJ4Y/procengine/job"
)

// SchemaVersion is the schema version written by SchemaCreate.
const SchemaVersion = 1

var (
	_ job.Store              = (*Store)(nil)
	_ job.SchemaManager      = (*Store)(nil)
	_ command.SessionFactory = (*Store)(nil)
)

// DBTX is the subset of *sql.DB and *sql.Tx the store issues queries on.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ DBTX = (*sql.DB)(nil)
	_ DBTX = (*sql.Tx)(nil)
)

// Config configures a Store.
type Config struct {
	// Table is the name of the jobs table.
	Table string

	// Logger receives schema and connection messages.
	Logger *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{Table: "procengine_jobs"}
}

// Option configures a Store.
type Option func(*Config)

// WithTable sets the jobs table name.
func WithTable(name string) Option {
	return func(c *Config) { c.Table = name }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// Store is a SQLite-backed job.Store.
type Store struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger
	owned  bool
}

// Open opens or creates the database at path and applies the pragmas the
// store relies on. It does not create the schema; that is SchemaCreate's
// job, normally run by the engine's schema bootstrap.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: connect %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	s := New(db, opts...)
	s.owned = true
	return s, nil
}

// New wraps an open database. The caller keeps ownership of db and should
// limit it to one open connection.
func New(db *sql.DB, opts ...Option) *Store {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, cfg: cfg, logger: logger}
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("sqlite: %q: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database if the store opened it.
func (s *Store) Close() error {
	if !s.owned || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying database.
func (s *Store) DB() *sql.DB { return s.db }

// Tx is a SQLite transaction.
type Tx struct {
	tx    *sql.Tx
	store *Store
}

// OpenSession begins a transaction.
func (s *Store) OpenSession(ctx context.Context) (command.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin: %w", err)
	}
	return &Tx{tx: tx, store: s}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit(context.Context) error {
	return t.tx.Commit()
}

// Rollback aborts the transaction. Rolling back a finished transaction is
// not an error.
func (t *Tx) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// conn returns the session transaction bound to ctx, or the database.
func (s *Store) conn(ctx context.Context) DBTX {
	if tx, ok := command.TxFrom(ctx); ok {
		if t, ok := tx.(*Tx); ok && t.store == s {
			return t.tx
		}
	}
	return s.db
}

// SchemaCreate creates the jobs table and its indexes and records the
// schema version. It is idempotent.
func (s *Store) SchemaCreate(ctx context.Context) error {
	t := s.cfg.Table
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + t + ` (
			id                    TEXT PRIMARY KEY,
			type                  TEXT NOT NULL,
			process_instance_id   TEXT NOT NULL DEFAULT '',
			process_definition_id TEXT NOT NULL DEFAULT '',
			execution_id          TEXT NOT NULL DEFAULT '',
			handler_type          TEXT NOT NULL,
			handler_config        TEXT NOT NULL DEFAULT '',
			retries               INTEGER NOT NULL CHECK (retries >= 0),
			attempts              INTEGER NOT NULL DEFAULT 0,
			exclusive             INTEGER NOT NULL DEFAULT 1,
			tenant_id             TEXT NOT NULL DEFAULT '',
			state                 TEXT NOT NULL,
			due_date              INTEGER NOT NULL,
			lock_owner            TEXT NOT NULL DEFAULT '',
			lock_expires_at       INTEGER,
			exception_message     TEXT NOT NULL DEFAULT '',
			revision              INTEGER NOT NULL,
			created_at            INTEGER NOT NULL,
			repeat                TEXT NOT NULL DEFAULT '',
			end_date              INTEGER,
			max_iterations        INTEGER NOT NULL DEFAULT 0,
			iterations            INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS ` + t + `_due ON ` + t + ` (state, due_date, id)`,
		`CREATE INDEX IF NOT EXISTS ` + t + `_pi ON ` + t + ` (process_instance_id)`,
		fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion),
	}
	db := s.conn(ctx)
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: create schema: %w", err)
		}
	}
	s.logger.Debug("sqlite schema created", slog.String("table", t))
	return nil
}

// SchemaDrop drops the jobs table.
func (s *Store) SchemaDrop(ctx context.Context) error {
	db := s.conn(ctx)
	for _, stmt := range []string{
		`DROP TABLE IF EXISTS ` + s.cfg.Table,
		"PRAGMA user_version = 0",
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: drop schema: %w", err)
		}
	}
	s.logger.Debug("sqlite schema dropped", slog.String("table", s.cfg.Table))
	return nil
}

// SchemaVersion returns the recorded schema version, or "" when the jobs
// table does not exist.
func (s *Store) SchemaVersion(ctx context.Context) (string, error) {
	db := s.conn(ctx)
	var n int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, s.cfg.Table,
	).Scan(&n); err != nil {
		return "", fmt.Errorf("sqlite: schema version: %w", err)
	}
	if n == 0 {
		return "", nil
	}
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return "", fmt.Errorf("sqlite: schema version: %w", err)
	}
	return strconv.Itoa(version), nil
}

// columnNames matches the order of values and scanJob.
var columnNames = []string{
	"id", "type", "process_instance_id", "process_definition_id", "execution_id",
	"handler_type", "handler_config", "retries", "attempts", "exclusive", "tenant_id", "state",
	"due_date", "lock_owner", "lock_expires_at", "exception_message", "revision", "created_at",
	"repeat", "end_date", "max_iterations", "iterations",
}

var columns = strings.Join(columnNames, ", ")

// Insert stores a new job.
func (s *Store) Insert(ctx context.Context, j *job.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	j.Revision = 1
	args := values(j)
	_, err := s.conn(ctx).ExecContext(ctx,
		`INSERT INTO `+s.cfg.Table+` (`+columns+`) VALUES (`+placeholders(len(args))+`)`, args...)
	if err != nil {
		j.Revision = 0
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", job.ErrAlreadyExists, j.ID)
		}
		return fmt.Errorf("sqlite: insert job %s: %w", j.ID, err)
	}
	return nil
}

// Get returns the job with the given id.
func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+columns+` FROM `+s.cfg.Table+` WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get job %s: %w", id, err)
	}
	return j, nil
}

// Update replaces the stored job if its revision matches.
func (s *Store) Update(ctx context.Context, j *job.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	db := s.conn(ctx)

	args := values(j)
	assign := make([]string, 0, len(columnNames))
	updArgs := make([]any, 0, len(args)+1)
	for i, c := range columnNames {
		switch c {
		case "id":
		case "revision":
			assign = append(assign, "revision = revision + 1")
		default:
			assign = append(assign, c+" = ?")
			updArgs = append(updArgs, args[i])
		}
	}
	updArgs = append(updArgs, j.ID, j.Revision)

	res, err := db.ExecContext(ctx,
		`UPDATE `+s.cfg.Table+` SET `+strings.Join(assign, ", ")+` WHERE id = ? AND revision = ?`, updArgs...)
	if err != nil {
		return fmt.Errorf("sqlite: update job %s: %w", j.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update job %s: %w", j.ID, err)
	}
	if n == 0 {
		var exists int
		if err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM `+s.cfg.Table+` WHERE id = ?`, j.ID).Scan(&exists); err != nil {
			return fmt.Errorf("sqlite: update job %s: %w", j.ID, err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: %s", job.ErrNotFound, j.ID)
		}
		return fmt.Errorf("sqlite: update job %s at revision %d: %w", j.ID, j.Revision, job.ErrConcurrentModification)
	}
	j.Revision++
	return nil
}

// Delete removes a job.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM `+s.cfg.Table+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	return nil
}

// List returns the jobs matching q.
func (s *Store) List(ctx context.Context, q job.Query) ([]*job.Job, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		where = append(where, cond)
		args = append(args, v)
	}
	if q.ProcessInstanceID != "" {
		add("process_instance_id = ?", q.ProcessInstanceID)
	}
	if q.TenantID != "" {
		add("tenant_id = ?", q.TenantID)
	}
	if q.HandlerType != "" {
		add("handler_type = ?", q.HandlerType)
	}
	if q.Type != "" {
		add("type = ?", string(q.Type))
	}
	if len(q.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(q.States))+")")
		for _, st := range q.States {
			args = append(args, string(st))
		}
	}

	query := `SELECT ` + columns + ` FROM ` + s.cfg.Table
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY due_date, id`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	return s.query(ctx, query, args...)
}

// FindDue returns up to limit acquirable jobs.
func (s *Store) FindDue(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	n := now.UnixNano()
	query := `SELECT ` + columns + ` FROM ` + s.cfg.Table + `
		WHERE due_date <= ?
		  AND (state = 'pending'
		       OR (state = 'locked' AND (lock_expires_at IS NULL OR lock_expires_at <= ?)))
		ORDER BY due_date, id`
	args := []any{n, n}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

// TryLock locks j with a single conditional UPDATE. It always runs on the
// database, never in a session transaction, so it must not be called from
// inside a command.
func (s *Store) TryLock(ctx context.Context, j *job.Job, owner string, now, until time.Time) (bool, error) {
	t := s.cfg.Table
	n := now.UnixNano()
	res, err := s.db.ExecContext(ctx, `
		UPDATE `+t+` SET state = 'locked', lock_owner = ?, lock_expires_at = ?, revision = revision + 1
		WHERE id = ? AND revision = ? AND due_date <= ?
		  AND (state = 'pending'
		       OR (state = 'locked' AND (lock_expires_at IS NULL OR lock_expires_at <= ?)))
		  AND (exclusive = 0 OR process_instance_id = '' OR NOT EXISTS (
		       SELECT 1 FROM `+t+` o
		       WHERE o.process_instance_id = `+t+`.process_instance_id
		         AND o.exclusive = 1 AND o.id <> `+t+`.id
		         AND o.lock_owner <> '' AND o.lock_expires_at > ?))`,
		owner, until.UnixNano(), j.ID, j.Revision, n, n, n)
	if err != nil {
		return false, fmt.Errorf("sqlite: lock job %s: %w", j.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: lock job %s: %w", j.ID, err)
	}
	if affected == 0 {
		return false, nil
	}

	until = until.UTC()
	j.State = job.StateLocked
	j.LockOwner = owner
	j.LockExpiresAt = &until
	j.Revision++
	return true, nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*job.Job, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: query jobs: %w", err)
	}
	return jobs, nil
}
