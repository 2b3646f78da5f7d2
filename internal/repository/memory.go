package repository

import (
	"context"
	"sync"
)

// MemoryBackupStore keeps backups in process memory.
type MemoryBackupStore struct {
	values sync.Map
}

func NewMemoryBackupStore() *MemoryBackupStore {
	return &MemoryBackupStore{}
}

func (r *MemoryBackupStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, ok := r.values.Load(key)
	if !ok {
		return nil, nil
	}
	stored := val.([]byte)
	out := make([]byte, len(stored))
	copy(out, stored)
	return out, nil
}

func (r *MemoryBackupStore) Set(ctx context.Context, key string, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	r.values.Store(key, stored)
	return nil
}

func (r *MemoryBackupStore) Delete(ctx context.Context, key string) error {
	r.values.Delete(key)
	return nil
}
