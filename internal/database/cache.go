package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"planner/internal/models"
)

// PutCachedResponse stores an API response body under key. A zero ttl
// keeps the entry until it is overwritten.
func (db *DB) PutCachedResponse(ctx context.Context, key string, body []byte, ttl time.Duration) error {
	now := time.Now()
	var expiresAt *int64
	if ttl > 0 {
		n := toNanos(now.Add(ttl))
		expiresAt = &n
	}

	query := `INSERT INTO api_cache (key, body, stored_at, expires_at) VALUES (?, ?, ?, ?)
              ON CONFLICT(key) DO UPDATE SET body = excluded.body, stored_at = excluded.stored_at, expires_at = excluded.expires_at`
	if _, err := db.exec(ctx, query, key, string(body), toNanos(now), expiresAt); err != nil {
		return fmt.Errorf("failed to cache response: %w", err)
	}
	return nil
}

// GetCachedResponse returns ErrNotFound for missing or expired entries.
func (db *DB) GetCachedResponse(ctx context.Context, key string) (*models.CachedResponse, error) {
	return WithRetry(ctx, db, func(ctx context.Context, h *sql.DB) (*models.CachedResponse, error) {
		var (
			body      string
			storedAt  int64
			expiresAt sql.NullInt64
		)
		err := h.QueryRowContext(ctx, `SELECT body, stored_at, expires_at FROM api_cache WHERE key = ?`, key).
			Scan(&body, &storedAt, &expiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}

		resp := &models.CachedResponse{Key: key, Body: []byte(body), StoredAt: fromNanos(storedAt)}
		if expiresAt.Valid {
			exp := fromNanos(expiresAt.Int64)
			if !exp.After(time.Now()) {
				return nil, ErrNotFound
			}
			resp.ExpiresAt = &exp
		}
		return resp, nil
	})
}

// PurgeExpiredResponses deletes expired cache entries and returns how many were removed.
func (db *DB) PurgeExpiredResponses(ctx context.Context) (int64, error) {
	result, err := db.exec(ctx, `DELETE FROM api_cache WHERE expires_at IS NOT NULL AND expires_at <= ?`, toNanos(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to purge cache: %w", err)
	}
	return result.RowsAffected()
}

// PutEntity upserts the local mirror of a remote record.
func (db *DB) PutEntity(ctx context.Context, e *models.LocalEntity) error {
	if e.Collection == "" || e.ID == "" {
		return errors.New("entity collection and id are required")
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}

	query := `INSERT INTO local_entities (collection, id, user_id, data, updated_at) VALUES (?, ?, ?, ?, ?)
              ON CONFLICT(collection, id) DO UPDATE SET
                  user_id = excluded.user_id,
                  data = excluded.data,
                  updated_at = excluded.updated_at`
	if _, err := db.exec(ctx, query, e.Collection, e.ID, e.UserID, string(e.Data), toNanos(e.UpdatedAt)); err != nil {
		return fmt.Errorf("failed to store entity: %w", err)
	}
	return nil
}

func (db *DB) GetEntity(ctx context.Context, collection, id string) (*models.LocalEntity, error) {
	entities, err := db.queryEntities(ctx,
		`SELECT collection, id, user_id, data, updated_at FROM local_entities WHERE collection = ? AND id = ?`,
		collection, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	if len(entities) == 0 {
		return nil, ErrNotFound
	}
	return &entities[0], nil
}

// ListEntitiesByUser returns a user's mirrored records of one collection, most recently updated first.
func (db *DB) ListEntitiesByUser(ctx context.Context, collection, userID string) ([]models.LocalEntity, error) {
	entities, err := db.queryEntities(ctx,
		`SELECT collection, id, user_id, data, updated_at FROM local_entities
         WHERE collection = ? AND user_id = ? ORDER BY updated_at DESC`,
		collection, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	return entities, nil
}

func (db *DB) DeleteEntity(ctx context.Context, collection, id string) error {
	if _, err := db.exec(ctx, `DELETE FROM local_entities WHERE collection = ? AND id = ?`, collection, id); err != nil {
		return fmt.Errorf("failed to delete entity: %w", err)
	}
	return nil
}

func (db *DB) queryEntities(ctx context.Context, query string, args ...any) ([]models.LocalEntity, error) {
	return WithRetry(ctx, db, func(ctx context.Context, h *sql.DB) ([]models.LocalEntity, error) {
		rows, err := h.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var entities []models.LocalEntity
		for rows.Next() {
			var (
				e         models.LocalEntity
				data      string
				updatedAt int64
			)
			if err := rows.Scan(&e.Collection, &e.ID, &e.UserID, &data, &updatedAt); err != nil {
				return nil, err
			}
			e.Data = []byte(data)
			e.UpdatedAt = fromNanos(updatedAt)
			entities = append(entities, e)
		}
		return entities, rows.Err()
	})
}
