package events

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestPublishNotifiesSubscribers(t *testing.T) {
	bus := NewEventBus()

	var got []string
	bus.Subscribe(EventEntrySucceeded, func(event *Event) error {
		got = append(got, string(event.Payload))
		return nil
	})
	bus.Subscribe(EventEntrySucceeded, func(event *Event) error {
		got = append(got, string(event.Payload))
		return nil
	})
	bus.Subscribe(EventEntryFailed, func(event *Event) error {
		t.Errorf("handler for a different event type was called")
		return nil
	})

	bus.Publish(&Event{Type: EventEntrySucceeded, Payload: []byte("x")})

	if len(got) != 2 {
		t.Fatalf("expected both subscribers notified, got %d", len(got))
	}
}

func TestPublishJSON(t *testing.T) {
	bus := NewEventBus()

	var received SyncEventPayload
	bus.Subscribe(EventEntryFailed, func(event *Event) error {
		return json.Unmarshal(event.Payload, &received)
	})

	err := bus.PublishJSON(EventEntryFailed, SyncEventPayload{
		EntryID:   "1-a",
		Action:    "sync_visitor_data",
		Attempts:  4,
		LastError: "sync failed: 500",
	})
	if err != nil {
		t.Fatalf("publish json: %v", err)
	}
	if received.EntryID != "1-a" || received.Attempts != 4 || received.LastError != "sync failed: 500" {
		t.Fatalf("unexpected payload: %+v", received)
	}
}

func TestPublishJSONNilBus(t *testing.T) {
	var bus *EventBus
	if err := bus.PublishJSON(EventCycleCompleted, CycleEventPayload{}); err != nil {
		t.Fatalf("nil bus publish should be a no-op, got %v", err)
	}
}

func TestHandlerErrorDoesNotStopOthers(t *testing.T) {
	bus := NewEventBus()

	called := false
	bus.Subscribe(EventCacheCleared, func(*Event) error {
		return errors.New("handler failed")
	})
	bus.Subscribe(EventCacheCleared, func(*Event) error {
		called = true
		return nil
	})

	bus.Publish(&Event{Type: EventCacheCleared})
	if !called {
		t.Fatalf("a failing handler must not block later handlers")
	}
}
