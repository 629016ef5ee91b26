package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventEntryEnqueued   = "sync_entry_enqueued"
	EventEntrySucceeded  = "sync_entry_succeeded"
	EventEntryFailed     = "sync_entry_failed"
	EventCycleCompleted  = "sync_cycle_completed"
	EventUpdateAvailable = "update_available"
	EventCacheCleared    = "cache_cleared"
)

// SyncEventPayload describes the entry snapshot event consumers see.
type SyncEventPayload struct {
	EntryID   string `json:"entry_id"`
	Action    string `json:"action"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

// CycleEventPayload summarizes one completed sync cycle.
type CycleEventPayload struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Purged    int `json:"purged"`
}

// Event represents a lightweight in-process event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		_ = handler(event)
	}
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
