package syncer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"sogara/internal/events"
	"sogara/internal/models"
)

// memQueue is an in-memory QueueAccess for engine tests.
type memQueue struct {
	mu      sync.Mutex
	entries map[string]models.QueueEntry
}

func newMemQueue(entries ...models.QueueEntry) *memQueue {
	q := &memQueue{entries: make(map[string]models.QueueEntry)}
	for _, e := range entries {
		q.entries[e.ID] = e
	}
	return q
}

func (q *memQueue) Entries(ctx context.Context) ([]models.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.QueueEntry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e)
	}
	return out, nil
}

func (q *memQueue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, id)
	return nil
}

func (q *memQueue) Update(ctx context.Context, entry models.QueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[entry.ID] = entry
	return nil
}

func (q *memQueue) PurgeExpired(ctx context.Context, ttl time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().Add(-ttl).UnixMilli()
	removed := 0
	for id, e := range q.entries {
		if e.CreatedAt < cutoff {
			delete(q.entries, id)
			removed++
		}
	}
	return removed, nil
}

func (q *memQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *memQueue) get(id string) (models.QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	return e, ok
}

func newTestEngine(queue QueueAccess, baseURL string, opts Options) *Engine {
	logger := zerolog.Nop()
	return NewEngine(queue, StaticEndpoints{BaseURL: baseURL}, events.NewEventBus(), nil, &logger, opts)
}

func pendingEntry(id, action string, priority models.Priority, createdAt int64) models.QueueEntry {
	return models.QueueEntry{
		ID:        id,
		Action:    action,
		Payload:   []byte(`{"name":"V"}`),
		CreatedAt: createdAt,
		Priority:  priority,
		Status:    models.StatusPending,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestSyncNowDispatchesAndRemoves(t *testing.T) {
	var mu sync.Mutex
	var bodies []map[string]any
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		mu.Lock()
		bodies = append(bodies, body)
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	now := time.Now().UnixMilli()
	queue := newMemQueue(pendingEntry("1-a", models.ActionSyncVisitors, models.PriorityNormal, now))
	engine := newTestEngine(queue, server.URL, Options{})

	stats, err := engine.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("sync now: %v", err)
	}
	if stats.Attempted != 1 || stats.Succeeded != 1 || stats.Failed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if queue.len() != 0 {
		t.Fatalf("entry should be removed after success")
	}
	if engine.InFlight() != 0 {
		t.Fatalf("in-flight set should be empty after cycle")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 1 {
		t.Fatalf("expected exactly one POST, got %d", len(bodies))
	}
	if paths[0] != "/api/visitors/sync" {
		t.Fatalf("unexpected endpoint %q", paths[0])
	}
	if bodies[0]["name"] != "V" {
		t.Fatalf("payload fields should merge into the body: %+v", bodies[0])
	}
	meta, ok := bodies[0]["_sync"].(map[string]any)
	if !ok {
		t.Fatalf("missing _sync metadata: %+v", bodies[0])
	}
	if meta["id"] != "1-a" || meta["action"] != models.ActionSyncVisitors {
		t.Fatalf("unexpected _sync metadata: %+v", meta)
	}
}

func TestSyncNowRetriesUntilExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	now := time.Now().UnixMilli()
	queue := newMemQueue(pendingEntry("1-a", models.ActionSyncStaff, models.PriorityNormal, now))
	engine := newTestEngine(queue, server.URL, Options{
		Retry: RetryPolicy{
			MaxAttempts:   4,
			InitialDelay:  time.Millisecond,
			MaxDelay:      5 * time.Millisecond,
			BackoffFactor: 2,
		},
		RateRPS:   1000,
		RateBurst: 100,
	})

	stats, err := engine.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("sync now: %v", err)
	}
	if stats.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	// Solo retries drain the remaining attempts, then the entry is removed.
	waitFor(t, 2*time.Second, func() bool { return queue.len() == 0 })
	waitFor(t, 2*time.Second, func() bool { return calls.Load() == 4 })
}

func TestExhaustionPublishesFailureEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	now := time.Now().UnixMilli()
	queue := newMemQueue(pendingEntry("1-a", models.ActionSyncVisitors, models.PriorityNormal, now))

	bus := events.NewEventBus()
	var mu sync.Mutex
	var failures []events.SyncEventPayload
	bus.Subscribe(events.EventEntryFailed, func(event *events.Event) error {
		var payload events.SyncEventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return err
		}
		mu.Lock()
		failures = append(failures, payload)
		mu.Unlock()
		return nil
	})

	logger := zerolog.Nop()
	engine := NewEngine(queue, StaticEndpoints{BaseURL: server.URL}, bus, nil, &logger, Options{
		Retry: RetryPolicy{
			MaxAttempts:   4,
			InitialDelay:  time.Millisecond,
			MaxDelay:      5 * time.Millisecond,
			BackoffFactor: 2,
		},
		RateRPS:   1000,
		RateBurst: 100,
	})

	if _, err := engine.SyncNow(context.Background()); err != nil {
		t.Fatalf("sync now: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failures) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	f := failures[0]
	if f.EntryID != "1-a" || f.Attempts != 4 {
		t.Fatalf("unexpected failure event: %+v", f)
	}
	if f.LastError == "" {
		t.Fatalf("failure event must carry the last error")
	}
}

func TestSyncNowPersistsRetryState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	now := time.Now().UnixMilli()
	queue := newMemQueue(pendingEntry("1-a", models.ActionSyncStaff, models.PriorityNormal, now))
	engine := newTestEngine(queue, server.URL, Options{
		Retry: RetryPolicy{
			MaxAttempts:   4,
			InitialDelay:  time.Minute, // retry never fires during the test
			MaxDelay:      time.Minute,
			BackoffFactor: 2,
		},
	})

	if _, err := engine.SyncNow(context.Background()); err != nil {
		t.Fatalf("sync now: %v", err)
	}

	entry, ok := queue.get("1-a")
	if !ok {
		t.Fatalf("entry should remain queued for retry")
	}
	if entry.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", entry.Attempts)
	}
	if entry.Status != models.StatusRetrying {
		t.Fatalf("status = %q, want retrying", entry.Status)
	}
	if entry.LastError == nil || *entry.LastError == "" {
		t.Fatalf("last error should be recorded")
	}
	if entry.LastAttemptAt == nil {
		t.Fatalf("last attempt time should be recorded")
	}
}

func TestCanceledCycleKeepsRetryStateForNextCycle(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	now := time.Now().UnixMilli()
	queue := newMemQueue(pendingEntry("1-a", models.ActionSyncStaff, models.PriorityNormal, now))
	engine := newTestEngine(queue, server.URL, Options{
		Retry: RetryPolicy{
			MaxAttempts:   4,
			InitialDelay:  50 * time.Millisecond,
			MaxDelay:      200 * time.Millisecond,
			BackoffFactor: 2,
		},
		RateRPS:   1000,
		RateBurst: 100,
	})

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := engine.SyncNow(ctx); err != nil {
		t.Fatalf("sync now: %v", err)
	}
	cancel()

	// The scheduled retry dies with the context, but the entry keeps its
	// persisted retry state for the next cycle to resume from. The sleep
	// outlasts the 100ms backoff so a surviving retry would be visible.
	time.Sleep(300 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("retry fired despite cancelled cycle context, calls=%d", calls.Load())
	}
	entry, ok := queue.get("1-a")
	if !ok {
		t.Fatalf("entry must survive for the next cycle")
	}
	if entry.Attempts != 1 || entry.Status != models.StatusRetrying {
		t.Fatalf("retry state not persisted: %+v", entry)
	}

	stats, err := engine.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("next cycle: %v", err)
	}
	if stats.Attempted != 1 {
		t.Fatalf("next cycle must pick the entry up, attempted=%d", stats.Attempted)
	}
}

func TestSyncNowSkipsInFlightEntries(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	now := time.Now().UnixMilli()
	queue := newMemQueue(pendingEntry("1-a", models.ActionSyncVisitors, models.PriorityNormal, now))
	engine := newTestEngine(queue, server.URL, Options{})

	done := make(chan CycleStats, 1)
	go func() {
		stats, _ := engine.SyncNow(context.Background())
		done <- stats
	}()

	waitFor(t, 2*time.Second, func() bool { return calls.Load() == 1 })

	// The entry is mid-dispatch; a second cycle must not touch it.
	stats, err := engine.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("second sync now: %v", err)
	}
	if stats.Attempted != 0 {
		t.Fatalf("second cycle should skip in-flight entries, attempted %d", stats.Attempted)
	}

	close(release)
	first := <-done
	if first.Succeeded != 1 {
		t.Fatalf("first cycle should succeed: %+v", first)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one POST, got %d", calls.Load())
	}
}

func TestSyncNowPurgesExpiredFirst(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	now := time.Now()
	queue := newMemQueue(
		pendingEntry("old-1", models.ActionSyncPackages, models.PriorityNormal, now.Add(-8*24*time.Hour).UnixMilli()),
		pendingEntry("fresh-1", models.ActionSyncPackages, models.PriorityNormal, now.UnixMilli()),
	)
	engine := newTestEngine(queue, server.URL, Options{})

	stats, err := engine.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("sync now: %v", err)
	}
	if stats.Purged != 1 {
		t.Fatalf("purged = %d, want 1", stats.Purged)
	}
	if stats.Attempted != 1 || calls.Load() != 1 {
		t.Fatalf("expired entry must not be dispatched: %+v, calls=%d", stats, calls.Load())
	}
}

func TestOrderForDispatch(t *testing.T) {
	entries := []models.QueueEntry{
		pendingEntry("low-old", "sync", models.PriorityLow, 10),
		pendingEntry("normal-new", "sync", models.PriorityNormal, 300),
		pendingEntry("high-new", "sync", models.PriorityHigh, 200),
		pendingEntry("normal-old", "sync", models.PriorityNormal, 100),
		pendingEntry("high-old", "sync", models.PriorityHigh, 50),
	}

	OrderForDispatch(entries)

	want := []string{"high-old", "high-new", "normal-old", "normal-new", "low-old"}
	for i, id := range want {
		if entries[i].ID != id {
			t.Fatalf("position %d = %q, want %q (order: %v)", i, entries[i].ID, id, ids(entries))
		}
	}
}

func ids(entries []models.QueueEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestBuildRequestBodyNonObjectPayload(t *testing.T) {
	entry := models.QueueEntry{
		ID:        "1-a",
		Action:    models.ActionSyncGeneric,
		Payload:   []byte(`[1,2,3]`),
		CreatedAt: 100,
		Attempts:  2,
	}

	raw, err := buildRequestBody(entry, time.UnixMilli(500))
	if err != nil {
		t.Fatalf("build request body: %v", err)
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if _, ok := body["payload"]; !ok {
		t.Fatalf("array payload should ride under the payload key: %+v", body)
	}
	meta, ok := body["_sync"].(map[string]any)
	if !ok {
		t.Fatalf("missing _sync metadata: %+v", body)
	}
	if meta["timestamp"] != float64(500) || meta["attempts"] != float64(2) {
		t.Fatalf("unexpected _sync metadata: %+v", meta)
	}
}

func TestTriggerCoalesces(t *testing.T) {
	queue := newMemQueue()
	engine := newTestEngine(queue, "http://localhost:1", Options{})

	engine.Trigger()
	engine.Trigger()
	engine.Trigger()

	select {
	case <-engine.trigger:
	default:
		t.Fatalf("trigger signal should be pending")
	}
	select {
	case <-engine.trigger:
		t.Fatalf("trigger must coalesce to a single pending signal")
	default:
	}
}
