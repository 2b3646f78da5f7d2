package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"planner/internal/domain"

	"github.com/rs/zerolog"
)

// FailoverBackupStore writes to primary until it fails once, then serves
// from fallback and retries primary no more than once per recoverAfter.
// Keys written or deleted while primary is down are replayed to primary
// before it is read again, so the fallback copy wins for those keys.
type FailoverBackupStore struct {
	primary      domain.BackupStore
	fallback     domain.BackupStore
	logger       *zerolog.Logger
	recoverAfter time.Duration
	isDown       atomic.Bool
	lastCheck    atomic.Int64
	// key -> true when deleted, false when written during an outage.
	pending sync.Map
}

func NewFailoverBackupStore(primary, fallback domain.BackupStore, logger *zerolog.Logger) *FailoverBackupStore {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverBackupStore{
		primary:      primary,
		fallback:     fallback,
		logger:       logger,
		recoverAfter: time.Minute,
	}
}

func (r *FailoverBackupStore) markDown(err error) {
	r.logger.Error().Err(err).Msg("Primary backup store failed, falling back to memory")
	r.isDown.Store(true)
	r.lastCheck.Store(time.Now().UnixNano())
}

// usePrimary reports whether primary should be tried, allowing one
// recovery attempt once recoverAfter has passed since the last failure.
func (r *FailoverBackupStore) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	return time.Since(time.Unix(0, r.lastCheck.Load())) > r.recoverAfter
}

// replay pushes an outage-time write or delete of key to primary.
func (r *FailoverBackupStore) replay(ctx context.Context, key string) error {
	mark, ok := r.pending.Load(key)
	if !ok {
		return nil
	}
	var err error
	if deleted := mark.(bool); deleted {
		err = r.primary.Delete(ctx, key)
	} else {
		var val []byte
		val, err = r.fallback.Get(ctx, key)
		if err != nil {
			return err
		}
		if val == nil {
			err = r.primary.Delete(ctx, key)
		} else {
			err = r.primary.Set(ctx, key, val)
		}
	}
	if err != nil {
		return err
	}
	r.pending.CompareAndDelete(key, mark)
	return nil
}

func (r *FailoverBackupStore) Get(ctx context.Context, key string) ([]byte, error) {
	if r.usePrimary() {
		err := r.replay(ctx, key)
		if err == nil {
			var val []byte
			val, err = r.primary.Get(ctx, key)
			if err == nil {
				r.isDown.Store(false)
				if val != nil {
					return val, nil
				}
				// Written while primary was down.
				return r.fallback.Get(ctx, key)
			}
		}
		r.markDown(err)
	}
	return r.fallback.Get(ctx, key)
}

func (r *FailoverBackupStore) Set(ctx context.Context, key string, value []byte) error {
	if r.usePrimary() {
		err := r.primary.Set(ctx, key, value)
		if err == nil {
			r.isDown.Store(false)
			r.pending.Delete(key)
			return nil
		}
		r.markDown(err)
	}
	if err := r.fallback.Set(ctx, key, value); err != nil {
		return err
	}
	r.pending.Store(key, false)
	return nil
}

func (r *FailoverBackupStore) Delete(ctx context.Context, key string) error {
	// Both sides may hold a copy.
	fallbackErr := r.fallback.Delete(ctx, key)
	if r.usePrimary() {
		err := r.primary.Delete(ctx, key)
		if err == nil {
			r.isDown.Store(false)
			r.pending.Delete(key)
			return fallbackErr
		}
		r.markDown(err)
	}
	r.pending.Store(key, true)
	return fallbackErr
}
