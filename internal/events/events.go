package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventSyncStart        = "sync-start"
	EventSyncComplete     = "sync-complete"
	EventSyncError        = "sync-error"
	EventMutationSynced   = "mutation-synced"
	EventConflictResolved = "conflict-resolved"
)

// ResolutionLastWriteWins tags conflicts the queue resolved by dropping its own write.
const ResolutionLastWriteWins = "last-write-wins"

type SyncCompletePayload struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`
}

type SyncErrorPayload struct {
	Error string `json:"error"`
}

type MutationSyncedPayload struct {
	MutationID string `json:"mutation_id"`
	Resource   string `json:"resource"`
	Type       string `json:"type"`
}

type ConflictResolvedPayload struct {
	MutationID string `json:"mutation_id"`
	Resource   string `json:"resource"`
	Resolution string `json:"resolution"`
}

// Event is a lifecycle notification with a JSON payload.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the payload into out.
func (e *Event) Decode(out interface{}) error {
	return json.Unmarshal(e.Payload, out)
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

type subscription struct {
	id      uint64
	handler EventHandler
}

// EventBus is an in-process pub/sub registry owned by whoever constructs it.
type EventBus struct {
	mu          sync.RWMutex
	nextID      uint64
	subscribers map[string][]subscription
	wildcard    []subscription
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]subscription)}
}

// Subscribe registers a handler for one event type and returns a function
// that removes it. Calling the returned function more than once is a no-op.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subscribers[eventType] = without(b.subscribers[eventType], id)
	}
}

// SubscribeAll registers a handler for every event type.
func (b *EventBus) SubscribeAll(handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.wildcard = append(b.wildcard, subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.wildcard = without(b.wildcard, id)
	}
}

func without(subs []subscription, id uint64) []subscription {
	out := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Publish notifies subscribers synchronously. A failing or panicking
// handler does not prevent delivery to the rest.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subscribers[event.Type])+len(b.wildcard))
	for _, s := range b.subscribers[event.Type] {
		handlers = append(handlers, s.handler)
	}
	for _, s := range b.wildcard {
		handlers = append(handlers, s.handler)
	}
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		deliver(handler, event)
	}
}

func deliver(handler EventHandler, event *Event) {
	defer func() { _ = recover() }()
	_ = handler(event)
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}
