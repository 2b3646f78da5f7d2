package emergency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"planner/internal/domain"
	"planner/internal/logging"
	"planner/internal/models"
	"planner/internal/remote"

	"github.com/rs/zerolog"
)

// Channel names.
const (
	ChannelBeacon = "beacon"
	ChannelBackup = "backup"
	ChannelStore  = "store"
)

// Channel is one independent sink for an emergency record. Save must
// return promptly; slow work belongs in a goroutine the channel owns.
type Channel interface {
	Name() string
	Save(ctx context.Context, rec *models.EmergencyRecord) error
}

// BeaconChannel posts the record to the emergency endpoint without waiting
// for the response. A nil error only means the request was queued.
type BeaconChannel struct {
	client *remote.Client
	path   string
	logger *zerolog.Logger
}

func NewBeaconChannel(client *remote.Client, path string, logger *zerolog.Logger) *BeaconChannel {
	return &BeaconChannel{client: client, path: path, logger: logging.Component(logger, "emergency-beacon")}
}

func (c *BeaconChannel) Name() string { return ChannelBeacon }

func (c *BeaconChannel) Save(ctx context.Context, rec *models.EmergencyRecord) error {
	if c.client == nil {
		return fmt.Errorf("beacon: no remote client")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("beacon: encode record: %w", err)
	}

	// The caller may be tearing down; the request outlives its context.
	sendCtx := context.WithoutCancel(ctx)
	go func() {
		if err := c.client.PostRaw(sendCtx, c.path, nil, data); err != nil {
			c.logger.Warn().Err(err).Str("key", rec.Key()).Msg("emergency beacon failed")
		}
	}()
	return nil
}

// BackupChannel writes the record synchronously to the key-value backup.
type BackupChannel struct {
	backup domain.BackupStore
}

func NewBackupChannel(backup domain.BackupStore) *BackupChannel {
	return &BackupChannel{backup: backup}
}

func (c *BackupChannel) Name() string { return ChannelBackup }

func (c *BackupChannel) Save(ctx context.Context, rec *models.EmergencyRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("backup: encode record: %w", err)
	}
	return c.backup.Set(ctx, rec.Key(), data)
}

// StoreChannel hands the record to the durable local store in the
// background and logs the outcome.
type StoreChannel struct {
	store  domain.EmergencyStore
	logger *zerolog.Logger
	wg     sync.WaitGroup
}

func NewStoreChannel(store domain.EmergencyStore, logger *zerolog.Logger) *StoreChannel {
	return &StoreChannel{store: store, logger: logging.Component(logger, "emergency-store")}
}

func (c *StoreChannel) Name() string { return ChannelStore }

func (c *StoreChannel) Save(ctx context.Context, rec *models.EmergencyRecord) error {
	copied := *rec
	writeCtx := context.WithoutCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.store.SaveEmergencyRecord(writeCtx, &copied); err != nil {
			c.logger.Error().Err(err).Str("key", copied.Key()).Msg("emergency store write failed")
			return
		}
		c.logger.Debug().Str("key", copied.Key()).Msg("emergency record stored")
	}()
	return nil
}

// Wait blocks until background writes started so far have finished.
func (c *StoreChannel) Wait() {
	c.wg.Wait()
}
