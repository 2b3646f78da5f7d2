package domain

import (
	"context"
	"time"

	"planner/internal/models"
)

// MutationStore is the part of the local store the synchronizer drains.
type MutationStore interface {
	EnqueueMutation(ctx context.Context, m *models.QueuedMutation) error
	GetPendingMutations(ctx context.Context) ([]models.QueuedMutation, error)
	GetFailedMutations(ctx context.Context) ([]models.QueuedMutation, error)
	MarkInFlight(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id, errMsg string) error
	MarkFailed(ctx context.Context, id, errMsg string) error
	RequeueMutation(ctx context.Context, id string) error
	DeleteMutation(ctx context.Context, id string) error
	CountMutations(ctx context.Context, status models.MutationStatus) (int, error)
	SetLastSyncAt(ctx context.Context, domain string, at time.Time) error
	LastSyncAt(ctx context.Context, domain string) time.Time
}

// EmergencyStore is the durable-store side of the emergency save path.
type EmergencyStore interface {
	SaveEmergencyRecord(ctx context.Context, rec *models.EmergencyRecord) error
	GetEmergencyRecord(ctx context.Context, pageType, pageID string) (*models.EmergencyRecord, error)
	DeleteEmergencyRecord(ctx context.Context, pageType, pageID string) error
}

// BackupStore is a simple key-value namespace. Get returns (nil, nil)
// for a missing key.
type BackupStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// LocalStore is the response cache and per-entity mirror of the local store.
type LocalStore interface {
	PutCachedResponse(ctx context.Context, key string, body []byte, ttl time.Duration) error
	GetCachedResponse(ctx context.Context, key string) (*models.CachedResponse, error)
	PutEntity(ctx context.Context, e *models.LocalEntity) error
	GetEntity(ctx context.Context, collection, id string) (*models.LocalEntity, error)
	ListEntitiesByUser(ctx context.Context, collection, userID string) ([]models.LocalEntity, error)
	DeleteEntity(ctx context.Context, collection, id string) error
}
