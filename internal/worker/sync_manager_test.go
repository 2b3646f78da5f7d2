package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"planner/internal/config"
	"planner/internal/database"
	"planner/internal/events"
	"planner/internal/models"
	"planner/internal/remote"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type call struct {
	path string
	body map[string]any
}

// fakeAPI records every write and answers with the status chosen by respond.
type fakeAPI struct {
	mu      sync.Mutex
	calls   []call
	respond func(path string) int
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	f.mu.Lock()
	f.calls = append(f.calls, call{path: r.URL.Path, body: body})
	respond := f.respond
	f.mu.Unlock()

	status := http.StatusOK
	if respond != nil {
		status = respond(r.URL.Path)
	}
	w.WriteHeader(status)
}

func (f *fakeAPI) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeAPI) setStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = func(string) int { return status }
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(e *events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *e)
	return nil
}

func (r *recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) Last(eventType string) *events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == eventType {
			e := r.events[i]
			return &e
		}
	}
	return nil
}

type harness struct {
	store   *database.DB
	api     *fakeAPI
	events  *recorder
	manager *SyncManager
}

type harnessOpts struct {
	deps        Deps
	opts        Options
	maxFailures uint32
}

func newHarness(t *testing.T, ho harnessOpts) *harness {
	t.Helper()
	logger := zerolog.Nop()
	ctx := context.Background()

	store, err := database.Open(ctx, filepath.Join(t.TempDir(), "planner.db"), database.Options{ReopenDelay: time.Millisecond}, &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	if ho.maxFailures == 0 {
		ho.maxFailures = 100
	}
	client := remote.NewClient(config.RemoteConfig{
		BaseURL: srv.URL,
		Timeout: 2 * time.Second,
		Breaker: config.BreakerConfig{MaxFailures: ho.maxFailures, OpenTimeout: time.Minute},
	}, &logger)

	deps := ho.deps
	if deps.Store == nil {
		deps.Store = store
	}
	deps.Registry = remote.DefaultRegistry(client, nil)
	if deps.Tokens == nil {
		deps.Tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "session-token"})
	}
	deps.Logger = &logger

	opts := ho.opts
	if opts.Pacing == 0 {
		opts.Pacing = time.Millisecond
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 10 * time.Millisecond
	}

	h := &harness{store: store, api: api, events: &recorder{}}
	h.manager = NewSyncManager(deps, opts)
	h.manager.Bus().SubscribeAll(h.events.handle)
	return h
}

func (h *harness) enqueue(t *testing.T, typ models.MutationType, resource string, payload any) *models.QueuedMutation {
	t.Helper()
	m, err := h.manager.Enqueue(context.Background(), typ, resource, payload)
	require.NoError(t, err)
	// Distinct enqueue timestamps keep ordering assertions independent of seq.
	time.Sleep(time.Millisecond)
	return m
}

func TestSync_DeliversTasksBeforeIdeas(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	h.enqueue(t, models.MutationUpdate, models.ResourceTasks, map[string]any{"task_id": "t1", "priority": "high"})
	h.enqueue(t, models.MutationCreate, models.ResourceIdeas, map[string]any{"content": "ship it"})

	res := h.manager.Sync(ctx)
	assert.Equal(t, Result{Synced: 2, Failed: 0}, res)

	calls := h.api.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "/api/manage-task", calls[0].path)
	assert.Equal(t, "update", calls[0].body["action"])
	assert.Equal(t, "t1", calls[0].body["task_id"])
	assert.Equal(t, "/api/save-idea", calls[1].path)
	assert.Equal(t, "ship it", calls[1].body["content"])

	pending, err := h.store.GetPendingMutations(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.Equal(t, []string{
		events.EventSyncStart,
		events.EventMutationSynced,
		events.EventMutationSynced,
		events.EventSyncComplete,
	}, h.events.Types())

	var done events.SyncCompletePayload
	require.NoError(t, h.events.Last(events.EventSyncComplete).Decode(&done))
	assert.Equal(t, events.SyncCompletePayload{Synced: 2, Failed: 0}, done)

	last := h.store.LastSyncAt(ctx, models.SyncDomainMutations)
	assert.WithinDuration(t, time.Now(), last, 5*time.Second)
}

func TestSync_PreservesEnqueueOrder(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	for i := 0; i < 6; i++ {
		h.enqueue(t, models.MutationCreate, models.ResourceIdeas, map[string]any{"n": i})
	}

	res := h.manager.Sync(context.Background())
	assert.Equal(t, 6, res.Synced)

	calls := h.api.Calls()
	require.Len(t, calls, 6)
	for i, c := range calls {
		assert.EqualValues(t, i, c.body["n"])
	}
}

func TestSync_EmptyQueueIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	h.enqueue(t, models.MutationCreate, models.ResourcePlans, map[string]any{"week": 42})
	require.Equal(t, 1, h.manager.Sync(ctx).Synced)

	unsubscribe := h.manager.Subscribe(events.EventMutationSynced, func(*events.Event) error {
		t.Error("no mutation-synced event expected on an empty queue")
		return nil
	})
	defer unsubscribe()

	assert.Equal(t, Result{}, h.manager.Sync(ctx))
	assert.Len(t, h.api.Calls(), 1)
}

func TestSync_RetryBound(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	h.api.setStatus(http.StatusInternalServerError)

	m := h.enqueue(t, models.MutationCreate, models.ResourceHabits, map[string]any{"habit": "read"})

	for pass := 1; pass <= 3; pass++ {
		res := h.manager.Sync(ctx)
		assert.Equal(t, Result{}, res, "pass %d", pass)

		got, err := h.store.GetMutation(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status)
		assert.Equal(t, pass, got.RetryCount)
	}

	res := h.manager.Sync(ctx)
	assert.Equal(t, Result{Failed: 1}, res)

	got, err := h.store.GetMutation(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "500")

	// Parked entries are excluded from automatic passes.
	h.api.setStatus(http.StatusOK)
	assert.Equal(t, Result{}, h.manager.Sync(ctx))
	assert.Len(t, h.api.Calls(), 4)

	failed, err := h.manager.FailedMutations(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, m.ID, failed[0].ID)

	// Only an explicit requeue brings it back.
	require.NoError(t, h.manager.RetryFailed(ctx, m.ID))
	assert.Equal(t, Result{Synced: 1}, h.manager.Sync(ctx))
	_, err = h.store.GetMutation(ctx, m.ID)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestSync_ConflictIsLastWriteWins(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	h := newHarness(t, harnessOpts{
		deps: Deps{Redis: rdb},
		opts: Options{DeadLetter: true},
	})
	ctx := context.Background()
	h.api.setStatus(http.StatusConflict)

	m := h.enqueue(t, models.MutationUpdate, models.ResourceReviews, map[string]any{"review_id": "r1"})

	res := h.manager.Sync(ctx)
	assert.Equal(t, Result{Synced: 1}, res)
	assert.Len(t, h.api.Calls(), 1)

	_, err := h.store.GetMutation(ctx, m.ID)
	assert.ErrorIs(t, err, database.ErrNotFound)

	ev := h.events.Last(events.EventConflictResolved)
	require.NotNil(t, ev)
	var payload events.ConflictResolvedPayload
	require.NoError(t, ev.Decode(&payload))
	assert.Equal(t, m.ID, payload.MutationID)
	assert.Equal(t, events.ResolutionLastWriteWins, payload.Resolution)
	assert.Nil(t, h.events.Last(events.EventMutationSynced))

	entries, err := rdb.LRange(ctx, DefaultDeadLetterKey, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	var dl deadLetterEntry
	require.NoError(t, json.Unmarshal([]byte(entries[0]), &dl))
	assert.Equal(t, m.ID, dl.Mutation.ID)
	assert.Contains(t, dl.Reason, "409")

	// A second pass does not retry it.
	assert.Equal(t, Result{}, h.manager.Sync(ctx))
	assert.Len(t, h.api.Calls(), 1)
}

func TestSync_ConflictWithoutDeadLetter(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.api.setStatus(http.StatusConflict)

	h.enqueue(t, models.MutationDelete, models.ResourceTasks, map[string]any{"task_id": "t9"})
	assert.Equal(t, Result{Synced: 1}, h.manager.Sync(context.Background()))
	assert.NotNil(t, h.events.Last(events.EventConflictResolved))
}

func TestSync_SingleFlight(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.api.respond = func(string) int {
		once.Do(func() { close(entered) })
		<-release
		return http.StatusOK
	}

	h.enqueue(t, models.MutationCreate, models.ResourceIdeas, map[string]any{"content": "a"})

	done := make(chan Result)
	go func() { done <- h.manager.Sync(ctx) }()

	<-entered
	assert.Equal(t, Result{}, h.manager.Sync(ctx))

	st, err := h.manager.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Syncing)

	close(release)
	assert.Equal(t, Result{Synced: 1}, <-done)
	assert.Len(t, h.api.Calls(), 1)
}

func TestSync_OfflineIsNoop(t *testing.T) {
	h := newHarness(t, harnessOpts{deps: Deps{Online: func() bool { return false }}})
	ctx := context.Background()

	h.enqueue(t, models.MutationCreate, models.ResourceIdeas, map[string]any{"content": "later"})

	assert.Equal(t, Result{}, h.manager.Sync(ctx))
	assert.Empty(t, h.api.Calls())
	assert.Empty(t, h.events.Types())

	n, err := h.store.CountMutations(ctx, models.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSync_NoSessionAbortsPass(t *testing.T) {
	h := newHarness(t, harnessOpts{deps: Deps{Tokens: oauth2.StaticTokenSource(&oauth2.Token{})}})
	ctx := context.Background()

	h.enqueue(t, models.MutationCreate, models.ResourceIdeas, map[string]any{"content": "a"})
	h.enqueue(t, models.MutationCreate, models.ResourceIdeas, map[string]any{"content": "b"})

	assert.Equal(t, Result{}, h.manager.Sync(ctx))
	assert.Empty(t, h.api.Calls())

	ev := h.events.Last(events.EventSyncError)
	require.NotNil(t, ev)
	var payload events.SyncErrorPayload
	require.NoError(t, ev.Decode(&payload))
	assert.Contains(t, payload.Error, remote.ErrNoSession.Error())
	assert.Nil(t, h.events.Last(events.EventSyncComplete))

	// Nothing was charged a retry; both stay eligible.
	pending, err := h.store.GetPendingMutations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, m := range pending {
		assert.Zero(t, m.RetryCount)
	}

	last := h.store.LastSyncAt(ctx, models.SyncDomainMutations)
	assert.True(t, last.IsZero())
}

func TestSync_UnknownResourceIsParked(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	journal := h.enqueue(t, models.MutationCreate, "journals", map[string]any{"entry": "x"})
	h.enqueue(t, models.MutationCreate, models.ResourceIdeas, map[string]any{"content": "y"})

	assert.Equal(t, Result{Synced: 1, Failed: 1}, h.manager.Sync(ctx))
	require.Len(t, h.api.Calls(), 1)

	got, err := h.store.GetMutation(ctx, journal.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)

	assert.Equal(t, Result{}, h.manager.Sync(ctx))
}

func TestSync_OpenBreakerStopsPassWithoutChargingRetries(t *testing.T) {
	h := newHarness(t, harnessOpts{maxFailures: 1})
	ctx := context.Background()
	h.api.setStatus(http.StatusServiceUnavailable)

	first := h.enqueue(t, models.MutationCreate, models.ResourceIdeas, map[string]any{"content": "a"})
	second := h.enqueue(t, models.MutationCreate, models.ResourceIdeas, map[string]any{"content": "b"})

	assert.Equal(t, Result{}, h.manager.Sync(ctx))
	assert.Len(t, h.api.Calls(), 1)
	assert.NotNil(t, h.events.Last(events.EventSyncError))

	got, err := h.store.GetMutation(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)

	got, err = h.store.GetMutation(ctx, second.ID)
	require.NoError(t, err)
	assert.Zero(t, got.RetryCount)
	assert.Equal(t, models.StatusInFlight, got.Status)

	st, err := h.manager.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Pending)
}

// flakyStore fails MarkInFlight for one id with a connection-class error.
type flakyStore struct {
	*database.DB
	failID string
}

func (s *flakyStore) MarkInFlight(ctx context.Context, id string) error {
	if id == s.failID {
		return sql.ErrConnDone
	}
	return s.DB.MarkInFlight(ctx, id)
}

func TestSync_StorageErrorAbortsRemainingBatch(t *testing.T) {
	flaky := &flakyStore{}
	h := newHarness(t, harnessOpts{deps: Deps{Store: flaky}})
	flaky.DB = h.store
	ctx := context.Background()

	h.enqueue(t, models.MutationCreate, models.ResourceIdeas, map[string]any{"n": 1})
	second := h.enqueue(t, models.MutationCreate, models.ResourceIdeas, map[string]any{"n": 2})
	h.enqueue(t, models.MutationCreate, models.ResourceIdeas, map[string]any{"n": 3})
	flaky.failID = second.ID

	assert.Equal(t, Result{Synced: 1}, h.manager.Sync(ctx))
	require.Len(t, h.api.Calls(), 1)
	assert.NotNil(t, h.events.Last(events.EventSyncError))

	pending, err := h.store.GetPendingMutations(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestEnqueue_Validation(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	_, err := h.manager.Enqueue(ctx, "upsert", models.ResourceTasks, nil)
	assert.Error(t, err)

	_, err = h.manager.Enqueue(ctx, models.MutationCreate, "", nil)
	assert.Error(t, err)

	_, err = h.manager.Enqueue(ctx, models.MutationCreate, models.ResourceIdeas, func() {})
	assert.Error(t, err)

	m, err := h.manager.Enqueue(ctx, models.MutationCreate, models.ResourceIdeas, json.RawMessage(`{"content":"raw"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, models.StatusPending, m.Status)
	assert.JSONEq(t, `{"content":"raw"}`, string(m.Payload))
	assert.Empty(t, h.api.Calls())
}

func TestStart_TriggersPasses(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx, cancel := context.WithCancel(context.Background())

	h.enqueue(t, models.MutationCreate, models.ResourceIdeas, map[string]any{"content": "startup"})

	stopped := make(chan struct{})
	go func() {
		h.manager.Start(ctx)
		close(stopped)
	}()

	assert.Eventually(t, func() bool { return len(h.api.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)

	h.enqueue(t, models.MutationCreate, models.ResourceIdeas, map[string]any{"content": "visible"})
	h.manager.NotifyVisible()
	assert.Eventually(t, func() bool { return len(h.api.Calls()) == 2 }, 2*time.Second, 5*time.Millisecond)

	h.enqueue(t, models.MutationCreate, models.ResourceIdeas, map[string]any{"content": "reconnect"})
	h.manager.NotifyOnline()
	assert.Eventually(t, func() bool { return len(h.api.Calls()) == 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
