package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"planner/internal/models"
)

const mutationColumns = `seq, id, type, resource, payload, enqueued_at, retry_count, status, last_error`

// EnqueueMutation appends m to the queue. EnqueuedAt defaults to now and
// Status to pending; Seq is filled in from the insert.
func (db *DB) EnqueueMutation(ctx context.Context, m *models.QueuedMutation) error {
	if m.ID == "" {
		return errors.New("mutation id is required")
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now()
	}
	if m.Status == "" {
		m.Status = models.StatusPending
	}
	payload := string(m.Payload)
	if payload == "" {
		payload = "null"
	}

	query := `INSERT INTO mutation_queue (id, type, resource, payload, enqueued_at, retry_count, status, last_error)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := db.exec(ctx, query,
		m.ID,
		string(m.Type),
		m.Resource,
		payload,
		toNanos(m.EnqueuedAt),
		m.RetryCount,
		string(m.Status),
		m.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue mutation: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	m.Seq = seq
	return nil
}

// GetPendingMutations returns mutations eligible for a sync pass, oldest
// first. Entries left in_flight by an interrupted pass are eligible again.
func (db *DB) GetPendingMutations(ctx context.Context) ([]models.QueuedMutation, error) {
	query := `SELECT ` + mutationColumns + `
              FROM mutation_queue
              WHERE status IN ('pending', 'in_flight')
              ORDER BY enqueued_at ASC, seq ASC`
	mutations, err := db.queryMutations(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending mutations: %w", err)
	}
	return mutations, nil
}

// GetFailedMutations returns mutations that exhausted their retries, newest first.
func (db *DB) GetFailedMutations(ctx context.Context) ([]models.QueuedMutation, error) {
	query := `SELECT ` + mutationColumns + `
              FROM mutation_queue WHERE status = 'failed' ORDER BY enqueued_at DESC, seq DESC`
	mutations, err := db.queryMutations(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get failed mutations: %w", err)
	}
	return mutations, nil
}

func (db *DB) GetMutation(ctx context.Context, id string) (*models.QueuedMutation, error) {
	query := `SELECT ` + mutationColumns + ` FROM mutation_queue WHERE id = ?`
	mutations, err := db.queryMutations(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get mutation: %w", err)
	}
	if len(mutations) == 0 {
		return nil, ErrNotFound
	}
	return &mutations[0], nil
}

func (db *DB) queryMutations(ctx context.Context, query string, args ...any) ([]models.QueuedMutation, error) {
	return WithRetry(ctx, db, func(ctx context.Context, h *sql.DB) ([]models.QueuedMutation, error) {
		rows, err := h.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var mutations []models.QueuedMutation
		for rows.Next() {
			var (
				m          models.QueuedMutation
				typ        string
				status     string
				payload    string
				enqueuedAt int64
				lastError  sql.NullString
			)
			if err := rows.Scan(&m.Seq, &m.ID, &typ, &m.Resource, &payload, &enqueuedAt, &m.RetryCount, &status, &lastError); err != nil {
				return nil, fmt.Errorf("failed to scan mutation: %w", err)
			}
			m.Type = models.MutationType(typ)
			m.Status = models.MutationStatus(status)
			m.Payload = []byte(payload)
			m.EnqueuedAt = fromNanos(enqueuedAt)
			if lastError.Valid {
				msg := lastError.String
				m.LastError = &msg
			}
			mutations = append(mutations, m)
		}
		return mutations, rows.Err()
	})
}

// MarkInFlight moves a mutation to in_flight before delivery.
func (db *DB) MarkInFlight(ctx context.Context, id string) error {
	return db.updateMutation(ctx, `UPDATE mutation_queue SET status = 'in_flight' WHERE id = ?`, id)
}

// MarkRetry returns a mutation to pending with its retry count incremented.
func (db *DB) MarkRetry(ctx context.Context, id, errMsg string) error {
	query := `UPDATE mutation_queue SET status = 'pending', retry_count = retry_count + 1, last_error = ? WHERE id = ?`
	return db.updateMutation(ctx, query, errMsg, id)
}

// MarkFailed parks a mutation; automatic sync passes skip it from now on.
func (db *DB) MarkFailed(ctx context.Context, id, errMsg string) error {
	query := `UPDATE mutation_queue SET status = 'failed', last_error = ? WHERE id = ?`
	return db.updateMutation(ctx, query, errMsg, id)
}

// RequeueMutation moves a failed mutation back to pending with a fresh retry budget.
func (db *DB) RequeueMutation(ctx context.Context, id string) error {
	query := `UPDATE mutation_queue SET status = 'pending', retry_count = 0, last_error = NULL WHERE id = ? AND status = 'failed'`
	return db.updateMutation(ctx, query, id)
}

// DeleteMutation removes a delivered mutation. Absence from the queue is
// the completion signal.
func (db *DB) DeleteMutation(ctx context.Context, id string) error {
	return db.updateMutation(ctx, `DELETE FROM mutation_queue WHERE id = ?`, id)
}

func (db *DB) updateMutation(ctx context.Context, query string, args ...any) error {
	result, err := db.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update mutation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountMutations counts queue entries with the given status.
func (db *DB) CountMutations(ctx context.Context, status models.MutationStatus) (int, error) {
	return WithRetry(ctx, db, func(ctx context.Context, h *sql.DB) (int, error) {
		var n int
		err := h.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutation_queue WHERE status = ?`, string(status)).Scan(&n)
		return n, err
	})
}
