package lifecycle

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"sogara/internal/events"
	"sogara/internal/webcache"
)

func newTestController(t *testing.T) (*Controller, *events.EventBus, *webcache.Manager) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	t.Cleanup(server.Close)

	logger := zerolog.Nop()
	cache := webcache.NewManager(webcache.Options{
		Version:       "v3",
		Upstream:      server.URL,
		StaticAssets:  []string{"/assets/app.js"},
		CriticalPages: []string{"/"},
	}, &logger)
	bus := events.NewEventBus()
	return NewController(cache, bus, "v3", &logger), bus, cache
}

func TestInstallWaitsForActivation(t *testing.T) {
	c, _, _ := newTestController(t)

	if c.State() != StateNew {
		t.Fatalf("initial state = %q, want new", c.State())
	}
	if err := c.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if c.State() != StateWaiting {
		t.Fatalf("state after install = %q, want waiting", c.State())
	}
}

func TestSkipWaitingActivatesWaitingController(t *testing.T) {
	c, bus, _ := newTestController(t)

	var announced []string
	bus.Subscribe(events.EventUpdateAvailable, func(event *events.Event) error {
		var payload UpdatePayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return err
		}
		announced = append(announced, payload.Version)
		return nil
	})

	if err := c.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := c.SkipWaiting(context.Background()); err != nil {
		t.Fatalf("skip waiting: %v", err)
	}

	if c.State() != StateActivated {
		t.Fatalf("state = %q, want activated", c.State())
	}
	if len(announced) != 1 || announced[0] != "v3" {
		t.Fatalf("expected one update announcement for v3, got %v", announced)
	}
}

func TestSkipWaitingBeforeInstallActivatesImmediately(t *testing.T) {
	c, _, _ := newTestController(t)

	if err := c.SkipWaiting(context.Background()); err != nil {
		t.Fatalf("skip waiting: %v", err)
	}
	if c.State() != StateNew {
		t.Fatalf("skip waiting alone must not transition, state = %q", c.State())
	}

	if err := c.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if c.State() != StateActivated {
		t.Fatalf("state = %q, want activated", c.State())
	}
}

func TestActivateCollectsStaleGenerations(t *testing.T) {
	c, _, cache := newTestController(t)

	cache.AdoptGeneration("sogara-static-v2")
	if err := c.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}

	for _, name := range cache.GenerationNames() {
		if name == "sogara-static-v2" {
			t.Fatalf("stale generation survived activation")
		}
	}
}

func TestHandleControlMessages(t *testing.T) {
	c, bus, cache := newTestController(t)
	ctx := context.Background()

	cleared := false
	bus.Subscribe(events.EventCacheCleared, func(*events.Event) error {
		cleared = true
		return nil
	})

	c.cache.CacheURLs(ctx, []string{"/reports"})

	status, err := c.Handle(ctx, ControlMessage{Type: MsgGetCacheStatus})
	if err != nil {
		t.Fatalf("cache status: %v", err)
	}
	counts, ok := status.(map[string]int)
	if !ok {
		t.Fatalf("unexpected status payload: %T", status)
	}
	if counts["sogara-dynamic-v3"] != 1 {
		t.Fatalf("expected 1 dynamic entry, got %+v", counts)
	}

	if _, err := c.Handle(ctx, ControlMessage{Type: MsgCacheURLs, URLs: []string{"/settings"}}); err != nil {
		t.Fatalf("cache urls: %v", err)
	}
	if cache.Status()["sogara-dynamic-v3"] != 2 {
		t.Fatalf("cache urls message had no effect")
	}

	if _, err := c.Handle(ctx, ControlMessage{Type: MsgClearCache}); err != nil {
		t.Fatalf("clear cache: %v", err)
	}
	if !cleared {
		t.Fatalf("clear cache must publish the cleared event")
	}
	if cache.Status()["sogara-dynamic-v3"] != 0 {
		t.Fatalf("clear cache message had no effect")
	}

	if _, err := c.Handle(ctx, ControlMessage{Type: "BOGUS"}); err == nil {
		t.Fatalf("unknown control message must error")
	}
}
