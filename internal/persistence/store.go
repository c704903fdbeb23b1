package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/taskrelay/internal/bus"
	"github.com/mattn/go-sqlite3"
)

const (
	defaultBusyAttempts = 5
	defaultBusyDelay    = 500 * time.Millisecond
	defaultBusyTimeout  = 5 * time.Second
)

// Store is the task table. It is safe for concurrent use; writes are
// serialized through a single pooled connection.
type Store struct {
	db     *sql.DB
	bus    *bus.Bus // may be nil in tests
	logger *slog.Logger
	loc    *time.Location
	now    func() time.Time

	busyAttempts int
	busyDelay    time.Duration
}

type options struct {
	logger       *slog.Logger
	loc          *time.Location
	now          func() time.Time
	busyAttempts int
	busyDelay    time.Duration
	busyTimeout  time.Duration
}

// Option configures Open.
type Option func(*options)

// WithLocation sets the zone used for execution times given without an offset.
func WithLocation(loc *time.Location) Option {
	return func(o *options) {
		if loc != nil {
			o.loc = loc
		}
	}
}

// WithBusyRetry sets the CompleteTask retry bound. Attempts counts every try,
// including the first.
func WithBusyRetry(attempts int, delay time.Duration) Option {
	return func(o *options) {
		if attempts > 0 {
			o.busyAttempts = attempts
		}
		if delay >= 0 {
			o.busyDelay = delay
		}
	}
}

// WithBusyTimeout sets the driver-level busy timeout. Zero makes a locked
// database fail immediately.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.busyTimeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the clock used to default execution times.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskrelay", "tasks.db")
}

// Open opens or creates the task database at path and ensures the schema.
func Open(path string, eventBus *bus.Bus, opts ...Option) (*Store, error) {
	o := options{
		logger:       slog.Default(),
		loc:          time.Local,
		now:          time.Now,
		busyAttempts: defaultBusyAttempts,
		busyDelay:    defaultBusyDelay,
		busyTimeout:  defaultBusyTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=%d", path, o.busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{
		db:           db,
		bus:          eventBus,
		logger:       o.logger,
		loc:          o.loc,
		now:          o.now,
		busyAttempts: o.busyAttempts,
		busyDelay:    o.busyDelay,
	}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Location is the zone applied to offset-less execution times.
func (s *Store) Location() *time.Location {
	return s.loc
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f while SQLite reports BUSY or LOCKED, sleeping a fixed
// delay between tries. Once attempts are exhausted the last error is wrapped
// in ErrStoreBusy. Any other error is returned immediately.
func retryOnBusy(ctx context.Context, attempts int, delay time.Duration, f func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrStoreBusy, attempts, err)
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT UNIQUE NOT NULL,
			summary TEXT NOT NULL,
			conversation TEXT,
			details TEXT,
			steps TEXT,
			execution_time TEXT,
			current_step_num INTEGER DEFAULT 0,
			is_active BOOLEAN DEFAULT 1,
			is_waiting BOOLEAN DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks (is_active, is_waiting, execution_time);`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// Backup writes a consistent copy of the database to destPath.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	return nil
}

func (s *Store) publish(topic, taskID string) {
	change := topic[strings.LastIndexByte(topic, '.')+1:]
	s.bus.Publish(topic, bus.TaskStateChangedEvent{TaskID: taskID, Change: change})
}
