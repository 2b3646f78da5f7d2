package emergency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"planner/internal/database"
	"planner/internal/domain"
	"planner/internal/logging"
	"planner/internal/metrics"
	"planner/internal/models"

	"github.com/rs/zerolog"
)

// Outcome is what one channel reported for a save.
type Outcome struct {
	Channel string
	Err     error
	// Pending is set when the channel had not returned within the wait budget.
	Pending bool
}

func (o Outcome) OK() bool {
	return o.Err == nil && !o.Pending
}

type Report struct {
	Record       *models.EmergencyRecord
	Outcomes     []Outcome
	BeaconQueued bool
}

// Saved reports whether at least one channel accepted the record.
func (r Report) Saved() bool {
	for _, o := range r.Outcomes {
		if o.OK() {
			return true
		}
	}
	return false
}

type Config struct {
	Channels []Channel
	// Backup and Store are read back by Check and cleared by Clear.
	Backup domain.BackupStore
	Store  domain.EmergencyStore
	MaxAge time.Duration
	Wait   time.Duration
	Logger *zerolog.Logger
}

// Saver writes page snapshots through every channel at once and reads them
// back on the next load of the same page.
type Saver struct {
	channels []Channel
	backup   domain.BackupStore
	store    domain.EmergencyStore
	maxAge   time.Duration
	wait     time.Duration
	now      func() time.Time
	logger   *zerolog.Logger
}

func NewSaver(cfg Config) *Saver {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = models.EmergencyMaxAge
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 500 * time.Millisecond
	}
	return &Saver{
		channels: cfg.Channels,
		backup:   cfg.Backup,
		store:    cfg.Store,
		maxAge:   cfg.MaxAge,
		wait:     cfg.Wait,
		now:      time.Now,
		logger:   logging.Component(cfg.Logger, "emergency"),
	}
}

// Save builds a record from data and writes it through all channels
// concurrently. A failing or panicking channel never affects the others.
func (s *Saver) Save(ctx context.Context, userID, pageType string, data any, source models.EmergencySource, pageID string) (Report, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Report{}, fmt.Errorf("encode emergency data: %w", err)
	}
	rec := &models.EmergencyRecord{
		UserID:    userID,
		PageType:  pageType,
		PageID:    pageID,
		Data:      raw,
		Timestamp: s.now().UTC(),
		Source:    source,
	}

	// Saves usually run while the caller is shutting down.
	saveCtx := context.WithoutCancel(ctx)
	results := make(chan Outcome, len(s.channels))
	for _, ch := range s.channels {
		go func(ch Channel) {
			results <- runChannel(saveCtx, ch, rec)
		}(ch)
	}

	report := Report{Record: rec, Outcomes: make([]Outcome, len(s.channels))}
	done := make(map[string]Outcome, len(s.channels))
	timer := time.NewTimer(s.wait)
	defer timer.Stop()

collect:
	for len(done) < len(s.channels) {
		select {
		case o := <-results:
			done[o.Channel] = o
		case <-timer.C:
			break collect
		}
	}

	for i, ch := range s.channels {
		o, ok := done[ch.Name()]
		if !ok {
			o = Outcome{Channel: ch.Name(), Pending: true}
		}
		report.Outcomes[i] = o
		if ch.Name() == ChannelBeacon && o.OK() {
			report.BeaconQueued = true
		}
		s.record(rec, o)
	}
	return report, nil
}

func runChannel(ctx context.Context, ch Channel, rec *models.EmergencyRecord) (o Outcome) {
	o.Channel = ch.Name()
	defer func() {
		if r := recover(); r != nil {
			o.Err = fmt.Errorf("channel %s panicked: %v", o.Channel, r)
		}
	}()
	o.Err = ch.Save(ctx, rec)
	return o
}

func (s *Saver) record(rec *models.EmergencyRecord, o Outcome) {
	metrics.IncEmergency(o.Channel, o.OK())
	switch {
	case o.Pending:
		s.logger.Warn().Str("channel", o.Channel).Str("key", rec.Key()).Msg("emergency channel still running")
	case o.Err != nil:
		s.logger.Error().Err(o.Err).Str("channel", o.Channel).Str("key", rec.Key()).Msg("emergency channel failed")
	}
}

// Check returns the saved record for a page, or nil when there is none.
// The key-value backup is consulted first. Records older than the max age
// are deleted and reported as absent.
func (s *Saver) Check(ctx context.Context, pageType, pageID string) (*models.EmergencyRecord, error) {
	rec := s.fromBackup(ctx, pageType, pageID)
	if rec == nil && s.store != nil {
		stored, err := s.store.GetEmergencyRecord(ctx, pageType, pageID)
		switch {
		case errors.Is(err, database.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("read emergency record: %w", err)
		default:
			rec = stored
		}
	}
	if rec == nil {
		return nil, nil
	}

	if rec.Expired(s.now(), s.maxAge) {
		s.logger.Info().Str("key", rec.Key()).Time("saved_at", rec.Timestamp).Msg("discarding stale emergency record")
		if err := s.Clear(ctx, pageType, pageID); err != nil {
			s.logger.Warn().Err(err).Str("key", rec.Key()).Msg("failed to clear stale emergency record")
		}
		return nil, nil
	}
	return rec, nil
}

func (s *Saver) fromBackup(ctx context.Context, pageType, pageID string) *models.EmergencyRecord {
	if s.backup == nil {
		return nil
	}
	key := models.EmergencyKey(pageType, pageID)
	raw, err := s.backup.Get(ctx, key)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("emergency backup read failed")
		return nil
	}
	if raw == nil {
		return nil
	}
	var rec models.EmergencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("corrupt emergency backup entry")
		return nil
	}
	return &rec
}

// Clear removes the page's record from the backup and the durable store.
func (s *Saver) Clear(ctx context.Context, pageType, pageID string) error {
	key := models.EmergencyKey(pageType, pageID)
	var errs []error
	if s.backup != nil {
		if err := s.backup.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("backup: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.DeleteEmergencyRecord(ctx, pageType, pageID); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Guard saves snapshot() with source crash if the surrounding function is
// unwinding from a panic, then re-panics. Use as:
//
//	defer saver.Guard(ctx, userID, "plan", planID, func() any { return draft })
func (s *Saver) Guard(ctx context.Context, userID, pageType, pageID string, snapshot func() any) {
	r := recover()
	if r == nil {
		return
	}
	if _, err := s.Save(ctx, userID, pageType, snapshot(), models.SourceCrash, pageID); err != nil {
		s.logger.Error().Err(err).Str("page_type", pageType).Msg("crash save failed")
	}
	panic(r)
}
