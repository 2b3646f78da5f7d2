package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
)

// migration creates the collections introduced by one schema version.
// Every statement is IF NOT EXISTS so a step can be replayed safely by
// a process that raced another one through the same upgrade.
type migration struct {
	version    int
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS mutation_queue (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				id TEXT UNIQUE NOT NULL,
				type TEXT NOT NULL,
				resource TEXT NOT NULL,
				payload TEXT NOT NULL,
				enqueued_at INTEGER NOT NULL,
				retry_count INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'pending',
				last_error TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS sync_meta (
				domain TEXT PRIMARY KEY,
				last_sync_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS api_cache (
				key TEXT PRIMARY KEY,
				body TEXT NOT NULL,
				stored_at INTEGER NOT NULL,
				expires_at INTEGER
			)`,

			`CREATE INDEX IF NOT EXISTS idx_mutation_queue_status ON mutation_queue(status)`,
			`CREATE INDEX IF NOT EXISTS idx_mutation_queue_enqueued_at ON mutation_queue(enqueued_at)`,
			`CREATE INDEX IF NOT EXISTS idx_mutation_queue_resource ON mutation_queue(resource)`,
			`CREATE INDEX IF NOT EXISTS idx_api_cache_expires_at ON api_cache(expires_at)`,
		},
	},
	{
		version: 2,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS local_entities (
				collection TEXT NOT NULL,
				id TEXT NOT NULL,
				user_id TEXT NOT NULL,
				data TEXT NOT NULL,
				updated_at INTEGER NOT NULL,
				PRIMARY KEY (collection, id)
			)`,
			`CREATE TABLE IF NOT EXISTS emergency_saves (
				key TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				page_type TEXT NOT NULL,
				page_id TEXT,
				data TEXT NOT NULL,
				timestamp INTEGER NOT NULL,
				source TEXT NOT NULL
			)`,

			`CREATE INDEX IF NOT EXISTS idx_local_entities_user_id ON local_entities(user_id)`,
			`CREATE INDEX IF NOT EXISTS idx_local_entities_collection ON local_entities(collection)`,
			`CREATE INDEX IF NOT EXISTS idx_emergency_saves_user_id ON emergency_saves(user_id)`,
			`CREATE INDEX IF NOT EXISTS idx_emergency_saves_timestamp ON emergency_saves(timestamp)`,
		},
	},
}

func schemaVersion(ctx context.Context, h *sql.DB) (int, error) {
	var v int
	if err := h.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

func migrate(ctx context.Context, h *sql.DB, target int, logger *zerolog.Logger) error {
	current, err := schemaVersion(ctx, h)
	if err != nil {
		return err
	}
	if current >= target {
		if current > target {
			logger.Warn().Int("current", current).Int("target", target).Msg("local store schema is newer than this build")
		}
		return nil
	}

	tx, err := h.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range migrations {
		if m.version <= current || m.version > target {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("error executing query %s: %w", stmt, err)
			}
		}
		logger.Debug().Int("version", m.version).Msg("applied schema migration")
	}

	// PRAGMA does not accept bound parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, target)); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return tx.Commit()
}
