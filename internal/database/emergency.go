package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"planner/internal/models"
)

// SaveEmergencyRecord upserts rec under its page key.
func (db *DB) SaveEmergencyRecord(ctx context.Context, rec *models.EmergencyRecord) error {
	query := `INSERT INTO emergency_saves (key, user_id, page_type, page_id, data, timestamp, source)
              VALUES (?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(key) DO UPDATE SET
                  user_id = excluded.user_id,
                  data = excluded.data,
                  timestamp = excluded.timestamp,
                  source = excluded.source`
	_, err := db.exec(ctx, query,
		rec.Key(),
		rec.UserID,
		rec.PageType,
		rec.PageID,
		string(rec.Data),
		toNanos(rec.Timestamp),
		string(rec.Source),
	)
	if err != nil {
		return fmt.Errorf("failed to save emergency record: %w", err)
	}
	return nil
}

func (db *DB) GetEmergencyRecord(ctx context.Context, pageType, pageID string) (*models.EmergencyRecord, error) {
	key := models.EmergencyKey(pageType, pageID)
	return WithRetry(ctx, db, func(ctx context.Context, h *sql.DB) (*models.EmergencyRecord, error) {
		var (
			rec    models.EmergencyRecord
			data   string
			ts     int64
			source string
		)
		err := h.QueryRowContext(ctx,
			`SELECT user_id, page_type, page_id, data, timestamp, source FROM emergency_saves WHERE key = ?`, key).
			Scan(&rec.UserID, &rec.PageType, &rec.PageID, &data, &ts, &source)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		rec.Data = []byte(data)
		rec.Timestamp = fromNanos(ts)
		rec.Source = models.EmergencySource(source)
		return &rec, nil
	})
}

func (db *DB) DeleteEmergencyRecord(ctx context.Context, pageType, pageID string) error {
	if _, err := db.exec(ctx, `DELETE FROM emergency_saves WHERE key = ?`, models.EmergencyKey(pageType, pageID)); err != nil {
		return fmt.Errorf("failed to delete emergency record: %w", err)
	}
	return nil
}
