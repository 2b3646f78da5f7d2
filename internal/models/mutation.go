package models

import (
	"encoding/json"
	"time"
)

// QueuedMutation is a pending write awaiting delivery to the remote API.
type QueuedMutation struct {
	ID         string          `json:"id"`
	Seq        int64           `json:"seq"`
	Type       MutationType    `json:"type"`
	Resource   string          `json:"resource"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
	Status     MutationStatus  `json:"status"`
	LastError  *string         `json:"last_error,omitempty"`
}

// SyncBookkeeping records when a sync domain last completed a pass.
type SyncBookkeeping struct {
	Domain     string    `json:"domain"`
	LastSyncAt time.Time `json:"last_sync_at"`
}

// CachedResponse is a stored API response body.
type CachedResponse struct {
	Key       string          `json:"key"`
	Body      json.RawMessage `json:"body"`
	StoredAt  time.Time       `json:"stored_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// LocalEntity is the local mirror of one remote record.
type LocalEntity struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	Data       json.RawMessage `json:"data"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
