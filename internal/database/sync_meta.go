package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SetLastSyncAt records the completion time of a sync pass for domain.
func (db *DB) SetLastSyncAt(ctx context.Context, domain string, at time.Time) error {
	query := `INSERT INTO sync_meta (domain, last_sync_at) VALUES (?, ?)
              ON CONFLICT(domain) DO UPDATE SET last_sync_at = excluded.last_sync_at`
	if _, err := db.exec(ctx, query, domain, toNanos(at)); err != nil {
		return fmt.Errorf("failed to set last sync time: %w", err)
	}
	return nil
}

// LastSyncAt returns the zero time when domain has never synced or the
// bookkeeping cannot be read.
func (db *DB) LastSyncAt(ctx context.Context, domain string) time.Time {
	return WithRetryFallback(ctx, db, func(ctx context.Context, h *sql.DB) (time.Time, error) {
		var n int64
		err := h.QueryRowContext(ctx, `SELECT last_sync_at FROM sync_meta WHERE domain = ?`, domain).Scan(&n)
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		if err != nil {
			return time.Time{}, err
		}
		return fromNanos(n), nil
	}, time.Time{})
}
