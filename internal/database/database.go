package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"planner/internal/logging"
	"planner/internal/models"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrClosed   = errors.New("local store is closed")
)

// Options tune how the local store opens and recovers its handle.
type Options struct {
	SchemaVersion int
	ReopenDelay   time.Duration
}

// DB is the durable local store. It owns a single SQLite handle that is
// reopened transparently when it is found closing or closed.
type DB struct {
	path   string
	opts   Options
	logger *zerolog.Logger

	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// NewDB opens the store with the current schema version.
func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	return Open(context.Background(), path, Options{}, logger)
}

// Open creates the database directory if needed, opens the handle and
// applies schema migrations up to opts.SchemaVersion.
func Open(ctx context.Context, path string, opts Options, logger *zerolog.Logger) (*DB, error) {
	if opts.SchemaVersion <= 0 {
		opts.SchemaVersion = models.SchemaVersion
	}
	if opts.ReopenDelay <= 0 {
		opts.ReopenDelay = 100 * time.Millisecond
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	d := &DB{
		path:   path,
		opts:   opts,
		logger: logging.Component(logger, "store"),
	}

	if _, err := d.Handle(ctx); err != nil {
		return nil, err
	}

	d.logger.Info().Str("path", path).Int("schema_version", opts.SchemaVersion).Msg("local store initialized")
	return d, nil
}

// Handle returns a live handle. A cached handle that no longer answers a
// ping is discarded, and a fresh one is opened after ReopenDelay.
func (d *DB) Handle(ctx context.Context) (*sql.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	if d.db != nil {
		err := d.db.PingContext(ctx)
		if err == nil {
			return d.db, nil
		}
		if !IsConnectionError(err) || d.inMemory() {
			return nil, fmt.Errorf("ping local store: %w", err)
		}
		d.logger.Warn().Err(err).Msg("stale local store handle, reopening")
		_ = d.db.Close()
		d.db = nil
		if err := sleepCtx(ctx, d.opts.ReopenDelay); err != nil {
			return nil, err
		}
	}

	h, err := d.open(ctx)
	if err != nil {
		return nil, err
	}
	d.db = h
	return h, nil
}

func (d *DB) open(ctx context.Context) (*sql.DB, error) {
	h, err := sql.Open("sqlite3", d.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite has a single writer and :memory: databases are per-connection.
	h.SetMaxOpenConns(1)

	if err := h.PingContext(ctx); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrate(ctx, h, d.opts.SchemaVersion, d.logger); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return h, nil
}

func (d *DB) dsn() string {
	if d.path == ":memory:" {
		return ":memory:"
	}
	return "file:" + d.path + "?_busy_timeout=5000&_journal_mode=WAL"
}

func (d *DB) inMemory() bool {
	return d.path == ":memory:"
}

// Reset drops the cached handle so the next Handle call reopens it.
// An in-memory store lives only as long as its handle and is never reset.
func (d *DB) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inMemory() {
		return
	}
	if d.db != nil {
		_ = d.db.Close()
		d.db = nil
	}
}

// Close releases the handle. The store cannot be reopened afterwards.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

// IsConnectionError reports whether err belongs to the "connection closing"
// family: the handle was closed under us, or another connection holds a lock
// or changed the schema. These are retried once by WithRetry.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrSchema:
			return true
		}
	}
	return strings.Contains(err.Error(), "database is closed")
}

// WithRetry runs op against a live handle. A connection error resets the
// handle and op is retried exactly once; the second error is returned.
func WithRetry[T any](ctx context.Context, d *DB, op func(context.Context, *sql.DB) (T, error)) (T, error) {
	return withRetry(ctx, d, op, nil)
}

// WithRetryFallback is WithRetry, but any final failure yields fallback
// instead of an error.
func WithRetryFallback[T any](ctx context.Context, d *DB, op func(context.Context, *sql.DB) (T, error), fallback T) T {
	v, _ := withRetry(ctx, d, op, &fallback)
	return v
}

func withRetry[T any](ctx context.Context, d *DB, op func(context.Context, *sql.DB) (T, error), fallback *T) (T, error) {
	v, err := attempt(ctx, d, op)
	if err == nil {
		return v, nil
	}

	if IsConnectionError(err) {
		d.logger.Warn().Err(err).Msg("local store connection closing, retrying once")
		d.Reset()
		if serr := sleepCtx(ctx, d.opts.ReopenDelay); serr != nil {
			err = serr
		} else {
			v, err = attempt(ctx, d, op)
			if err == nil {
				return v, nil
			}
		}
	}

	if fallback != nil {
		d.logger.Debug().Err(err).Msg("local store operation failed, using fallback")
		return *fallback, nil
	}
	var zero T
	return zero, err
}

func attempt[T any](ctx context.Context, d *DB, op func(context.Context, *sql.DB) (T, error)) (T, error) {
	h, err := d.Handle(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	return op(ctx, h)
}

// exec is WithRetry for statements with no result.
func (d *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return WithRetry(ctx, d, func(ctx context.Context, h *sql.DB) (sql.Result, error) {
		return h.ExecContext(ctx, query, args...)
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
