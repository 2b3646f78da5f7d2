package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"planner/internal/database"
	"planner/internal/domain"
	"planner/internal/events"
	"planner/internal/logging"
	"planner/internal/metrics"
	"planner/internal/models"
	"planner/internal/remote"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// DefaultDeadLetterKey is the Redis list that receives mutations dropped by
// last-write-wins conflict resolution.
const DefaultDeadLetterKey = "sync:deadletter"

// Deps are the collaborators a SyncManager drives.
type Deps struct {
	Store    domain.MutationStore
	Registry *remote.Registry
	Tokens   oauth2.TokenSource
	// Online reports connectivity. Nil means always online.
	Online func() bool
	// Reconnected, when set, is treated like NotifyOnline.
	Reconnected <-chan struct{}
	Bus         *events.EventBus
	Redis       *redis.Client
	Logger      *zerolog.Logger
}

type Options struct {
	MaxRetries     int
	Pacing         time.Duration
	ReconnectDelay time.Duration
	DeadLetter     bool
	DeadLetterKey  string
}

// Result is the outcome of one sync pass.
type Result struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`
}

type Status struct {
	Syncing    bool      `json:"syncing"`
	Online     bool      `json:"online"`
	Pending    int       `json:"pending"`
	Failed     int       `json:"failed"`
	LastSyncAt time.Time `json:"last_sync_at"`
}

// SyncManager drains the mutation queue into the remote API. One instance
// owns the single-flight flag, the event bus and the pacing limiter.
type SyncManager struct {
	store    domain.MutationStore
	registry *remote.Registry
	tokens   oauth2.TokenSource
	online   func() bool
	bus      *events.EventBus
	redis    *redis.Client
	logger   *zerolog.Logger

	maxRetries     int
	reconnectDelay time.Duration
	deadLetter     bool
	deadLetterKey  string
	limiter        *rate.Limiter

	syncing     atomic.Bool
	onlineCh    chan struct{}
	visibleCh   chan struct{}
	reconnected <-chan struct{}
}

// errAbort stops the current pass; the entries not yet processed stay queued.
type errAbort struct{ err error }

func (e *errAbort) Error() string { return e.err.Error() }
func (e *errAbort) Unwrap() error { return e.err }

func NewSyncManager(deps Deps, opts Options) *SyncManager {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = models.MaxMutationRetries
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = models.ReconnectDelay
	}
	if opts.DeadLetterKey == "" {
		opts.DeadLetterKey = DefaultDeadLetterKey
	}
	limit := rate.Inf
	if opts.Pacing > 0 {
		limit = rate.Every(opts.Pacing)
	}
	bus := deps.Bus
	if bus == nil {
		bus = events.NewEventBus()
	}
	online := deps.Online
	if online == nil {
		online = func() bool { return true }
	}
	registry := deps.Registry
	if registry == nil {
		registry = remote.NewRegistry()
	}

	return &SyncManager{
		store:          deps.Store,
		registry:       registry,
		tokens:         deps.Tokens,
		online:         online,
		bus:            bus,
		redis:          deps.Redis,
		logger:         logging.Component(deps.Logger, "sync-manager"),
		maxRetries:     opts.MaxRetries,
		reconnectDelay: opts.ReconnectDelay,
		deadLetter:     opts.DeadLetter && deps.Redis != nil,
		deadLetterKey:  opts.DeadLetterKey,
		limiter:        rate.NewLimiter(limit, 1),
		onlineCh:       make(chan struct{}, 1),
		visibleCh:      make(chan struct{}, 1),
		reconnected:    deps.Reconnected,
	}
}

// Bus returns the event bus the manager publishes on.
func (m *SyncManager) Bus() *events.EventBus {
	return m.bus
}

// Subscribe registers handler for eventType and returns its disposer.
func (m *SyncManager) Subscribe(eventType string, handler events.EventHandler) func() {
	return m.bus.Subscribe(eventType, handler)
}

// Enqueue appends a pending mutation. It never touches the network.
func (m *SyncManager) Enqueue(ctx context.Context, typ models.MutationType, resource string, payload any) (*models.QueuedMutation, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("invalid mutation type %q", typ)
	}
	if resource == "" {
		return nil, errors.New("resource is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	mutation := &models.QueuedMutation{
		ID:         uuid.NewString(),
		Type:       typ,
		Resource:   resource,
		Payload:    raw,
		EnqueuedAt: time.Now(),
		Status:     models.StatusPending,
	}
	if err := m.store.EnqueueMutation(ctx, mutation); err != nil {
		return nil, err
	}

	m.logger.Debug().
		Str("mutation_id", mutation.ID).
		Str("resource", resource).
		Str("type", string(typ)).
		Msg("mutation enqueued")
	return mutation, nil
}

// Sync runs one pass over the queue. It is a no-op while another pass is
// running or while offline. Errors are published as sync-error events.
func (m *SyncManager) Sync(ctx context.Context) Result {
	if !m.online() {
		metrics.IncPass(metrics.PassSkipped)
		return Result{}
	}
	if !m.syncing.CompareAndSwap(false, true) {
		metrics.IncPass(metrics.PassSkipped)
		return Result{}
	}
	defer m.syncing.Store(false)

	m.publish(events.EventSyncStart, struct{}{})

	res, err := m.drain(ctx)
	if err != nil {
		m.logger.Error().Err(err).Int("synced", res.Synced).Int("failed", res.Failed).Msg("sync pass aborted")
		metrics.IncPass(metrics.PassAborted)
		m.publish(events.EventSyncError, events.SyncErrorPayload{Error: err.Error()})
		return res
	}

	if err := m.store.SetLastSyncAt(ctx, models.SyncDomainMutations, time.Now()); err != nil {
		m.logger.Warn().Err(err).Msg("failed to record last sync time")
	}
	metrics.IncPass(metrics.PassCompleted)
	m.logger.Info().Int("synced", res.Synced).Int("failed", res.Failed).Msg("sync pass completed")
	m.publish(events.EventSyncComplete, events.SyncCompletePayload{Synced: res.Synced, Failed: res.Failed})
	return res
}

func (m *SyncManager) drain(ctx context.Context) (Result, error) {
	var res Result

	pending, err := m.store.GetPendingMutations(ctx)
	if err != nil {
		return res, fmt.Errorf("load pending mutations: %w", err)
	}

	for i := range pending {
		if err := m.limiter.Wait(ctx); err != nil {
			return res, err
		}
		if err := m.process(ctx, &pending[i], &res); err != nil {
			var abort *errAbort
			if errors.As(err, &abort) {
				return res, abort.err
			}
			if database.IsConnectionError(err) {
				return res, fmt.Errorf("storage unavailable: %w", err)
			}
			m.logger.Error().Err(err).Str("mutation_id", pending[i].ID).Msg("failed to update queue entry")
		}
	}
	return res, nil
}

func (m *SyncManager) process(ctx context.Context, mutation *models.QueuedMutation, res *Result) error {
	log := m.logger.With().
		Str("mutation_id", mutation.ID).
		Str("resource", mutation.Resource).
		Str("type", string(mutation.Type)).
		Logger()

	if err := m.store.MarkInFlight(ctx, mutation.ID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		return err
	}

	handler, err := m.registry.Lookup(mutation.Resource)
	if err != nil {
		log.Warn().Err(err).Msg("no endpoint for resource, parking mutation")
		res.Failed++
		metrics.IncMutation(metrics.OutcomeSkipped)
		return m.store.MarkFailed(ctx, mutation.ID, err.Error())
	}

	token, err := m.token()
	if err != nil {
		return &errAbort{err: err}
	}

	err = handler(ctx, *mutation, token)
	switch {
	case err == nil:
		if err := m.store.DeleteMutation(ctx, mutation.ID); err != nil {
			return err
		}
		res.Synced++
		metrics.IncMutation(metrics.OutcomeSynced)
		m.publish(events.EventMutationSynced, events.MutationSyncedPayload{
			MutationID: mutation.ID,
			Resource:   mutation.Resource,
			Type:       string(mutation.Type),
		})
		return nil

	case errors.Is(err, remote.ErrConflict):
		m.pushDeadLetter(ctx, mutation, err)
		if err := m.store.DeleteMutation(ctx, mutation.ID); err != nil {
			return err
		}
		res.Synced++
		metrics.IncMutation(metrics.OutcomeConflict)
		log.Info().Msg("conflict resolved, remote version kept")
		m.publish(events.EventConflictResolved, events.ConflictResolvedPayload{
			MutationID: mutation.ID,
			Resource:   mutation.Resource,
			Resolution: events.ResolutionLastWriteWins,
		})
		return nil

	case errors.Is(err, remote.ErrUnavailable), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Not the mutation's fault; leave it for the next pass.
		return &errAbort{err: err}

	default:
		return m.retryOrFail(ctx, mutation, err, res, log)
	}
}

func (m *SyncManager) retryOrFail(ctx context.Context, mutation *models.QueuedMutation, cause error, res *Result, log zerolog.Logger) error {
	if mutation.RetryCount+1 > m.maxRetries {
		res.Failed++
		metrics.IncMutation(metrics.OutcomeFailed)
		log.Error().Err(cause).Int("retry_count", mutation.RetryCount).Msg("mutation exhausted retries")
		return m.store.MarkFailed(ctx, mutation.ID, cause.Error())
	}

	metrics.IncMutation(metrics.OutcomeRetry)
	log.Warn().Err(cause).Int("attempt", mutation.RetryCount+1).Msg("mutation delivery failed, will retry")
	return m.store.MarkRetry(ctx, mutation.ID, cause.Error())
}

func (m *SyncManager) token() (*oauth2.Token, error) {
	if m.tokens == nil {
		return nil, remote.ErrNoSession
	}
	token, err := m.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrNoSession, err)
	}
	if !token.Valid() {
		return nil, remote.ErrNoSession
	}
	return token, nil
}

type deadLetterEntry struct {
	Mutation models.QueuedMutation `json:"mutation"`
	Reason   string                `json:"reason"`
	At       time.Time             `json:"at"`
}

func (m *SyncManager) pushDeadLetter(ctx context.Context, mutation *models.QueuedMutation, cause error) {
	if !m.deadLetter {
		return
	}
	data, err := json.Marshal(deadLetterEntry{Mutation: *mutation, Reason: cause.Error(), At: time.Now().UTC()})
	if err != nil {
		m.logger.Error().Err(err).Str("mutation_id", mutation.ID).Msg("encode deadletter")
		return
	}
	if err := m.redis.LPush(ctx, m.deadLetterKey, data).Err(); err != nil {
		m.logger.Error().Err(err).Str("mutation_id", mutation.ID).Msg("deadletter push failed")
	}
}

func (m *SyncManager) publish(eventType string, payload interface{}) {
	if err := m.bus.PublishJSON(eventType, payload); err != nil {
		m.logger.Error().Err(err).Str("event", eventType).Msg("failed to publish event")
	}
}

// RetryFailed moves a parked mutation back to pending with a fresh retry budget.
func (m *SyncManager) RetryFailed(ctx context.Context, id string) error {
	if err := m.store.RequeueMutation(ctx, id); err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	m.logger.Info().Str("mutation_id", id).Msg("failed mutation requeued")
	return nil
}

// FailedMutations lists parked mutations for inspection.
func (m *SyncManager) FailedMutations(ctx context.Context) ([]models.QueuedMutation, error) {
	return m.store.GetFailedMutations(ctx)
}

func (m *SyncManager) Status(ctx context.Context) (Status, error) {
	st := Status{Syncing: m.syncing.Load(), Online: m.online()}

	pending, err := m.store.CountMutations(ctx, models.StatusPending)
	if err != nil {
		return st, err
	}
	inFlight, err := m.store.CountMutations(ctx, models.StatusInFlight)
	if err != nil {
		return st, err
	}
	failed, err := m.store.CountMutations(ctx, models.StatusFailed)
	if err != nil {
		return st, err
	}
	st.Pending = pending + inFlight
	st.Failed = failed
	st.LastSyncAt = m.store.LastSyncAt(ctx, models.SyncDomainMutations)
	return st, nil
}

// NotifyOnline schedules a pass ReconnectDelay after connectivity returns.
func (m *SyncManager) NotifyOnline() {
	select {
	case m.onlineCh <- struct{}{}:
	default:
	}
}

// NotifyVisible schedules an immediate pass if online.
func (m *SyncManager) NotifyVisible() {
	select {
	case m.visibleCh <- struct{}{}:
	default:
	}
}

// Start syncs once if online, then reacts to reconnect and visibility
// signals until ctx is done.
func (m *SyncManager) Start(ctx context.Context) {
	m.logger.Info().Msg("sync manager started")
	defer m.logger.Info().Msg("sync manager stopped")

	if m.online() {
		m.Sync(ctx)
	}

	timer := time.NewTimer(m.reconnectDelay)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.onlineCh:
			timer.Reset(m.reconnectDelay)
		case <-m.reconnected:
			timer.Reset(m.reconnectDelay)
		case <-timer.C:
			m.Sync(ctx)
		case <-m.visibleCh:
			if m.online() {
				m.Sync(ctx)
			}
		}
	}
}
