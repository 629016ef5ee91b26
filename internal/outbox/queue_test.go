package outbox

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"sogara/internal/models"
	"sogara/internal/store"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	st, err := store.NewFileStore(filepath.Join(t.TempDir(), "queue.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	logger := zerolog.Nop()
	return NewQueue(st, &logger)
}

func TestEnqueueAndEntries(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, models.ActionSyncVisitors, map[string]any{"name": "V"}, models.PriorityHigh)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id == "" {
		t.Fatalf("expected non-empty entry id")
	}

	entries, err := q.Entries(ctx)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ID != id || e.Action != models.ActionSyncVisitors || e.Priority != models.PriorityHigh {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e.Status != models.StatusPending || e.Attempts != 0 {
		t.Fatalf("new entry should be pending with zero attempts: %+v", e)
	}
}

func TestEnqueueThenRemoveRestoresState(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, models.ActionSyncVisitors, map[string]any{"name": "A"}, models.PriorityNormal); err != nil {
		t.Fatalf("seed enqueue: %v", err)
	}
	before, err := q.Entries(ctx)
	if err != nil {
		t.Fatalf("entries before: %v", err)
	}

	id, err := q.Enqueue(ctx, models.ActionSyncStaff, map[string]any{"name": "B"}, models.PriorityHigh)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Remove(ctx, id); err != nil {
		t.Fatalf("remove: %v", err)
	}

	after, err := q.Entries(ctx)
	if err != nil {
		t.Fatalf("entries after: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("queue size changed: before=%d after=%d", len(before), len(after))
	}
	for i := range before {
		if after[i].ID != before[i].ID || after[i].Action != before[i].Action ||
			after[i].CreatedAt != before[i].CreatedAt || after[i].Attempts != before[i].Attempts {
			t.Fatalf("surviving entry changed: before=%+v after=%+v", before[i], after[i])
		}
	}

	// Removing an id that was never enqueued changes nothing and is not
	// an error.
	if err := q.Remove(ctx, "never-enqueued"); err != nil {
		t.Fatalf("remove absent: %v", err)
	}
	again, err := q.Entries(ctx)
	if err != nil {
		t.Fatalf("entries after absent remove: %v", err)
	}
	if len(again) != len(before) {
		t.Fatalf("absent remove altered the queue: %d entries", len(again))
	}
}

func TestEnqueueRejectsEmptyAction(t *testing.T) {
	q := newTestQueue(t)

	if _, err := q.Enqueue(context.Background(), "", nil, models.PriorityNormal); err == nil {
		t.Fatalf("expected error for empty action")
	}
}

func TestEnqueueDefaultsPriority(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, models.ActionSyncGeneric, nil, ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	entries, err := q.Entries(ctx)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if entries[0].Priority != models.PriorityNormal {
		t.Fatalf("expected normal priority, got %q", entries[0].Priority)
	}
}

func TestEntriesDropsMalformedRecords(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	if err := q.Replace(ctx, []models.QueueEntry{
		{ID: "ok-1", Action: models.ActionSyncStaff, CreatedAt: now, Priority: models.PriorityNormal, Status: models.StatusPending},
		{ID: "", Action: models.ActionSyncStaff, CreatedAt: now},
		{ID: "bad-ts", Action: models.ActionSyncStaff, CreatedAt: 0},
	}); err != nil {
		t.Fatalf("replace: %v", err)
	}

	entries, err := q.Entries(ctx)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "ok-1" {
		t.Fatalf("expected only the valid entry, got %+v", entries)
	}
}

func TestPurgeExpired(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	base := time.Now()
	q.WithClock(func() time.Time { return base })

	old := base.Add(-8 * 24 * time.Hour).UnixMilli()
	fresh := base.Add(-time.Hour).UnixMilli()
	if err := q.Replace(ctx, []models.QueueEntry{
		{ID: "old-1", Action: models.ActionSyncPackages, CreatedAt: old, Priority: models.PriorityNormal, Status: models.StatusPending},
		{ID: "fresh-1", Action: models.ActionSyncPackages, CreatedAt: fresh, Priority: models.PriorityNormal, Status: models.StatusPending},
	}); err != nil {
		t.Fatalf("replace: %v", err)
	}

	removed, err := q.PurgeExpired(ctx, DefaultTTL)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}

	entries, err := q.Entries(ctx)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "fresh-1" {
		t.Fatalf("expected only the fresh entry, got %+v", entries)
	}
}

func TestStats(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	if err := q.Replace(ctx, []models.QueueEntry{
		{ID: "a", Action: models.ActionSyncVisitors, CreatedAt: now - 100, Priority: models.PriorityNormal, Status: models.StatusPending, Attempts: 0},
		{ID: "b", Action: models.ActionSyncVisitors, CreatedAt: now - 50, Priority: models.PriorityNormal, Status: models.StatusRetrying, Attempts: 2},
		{ID: "c", Action: models.ActionSyncStaff, CreatedAt: now, Priority: models.PriorityHigh, Status: models.StatusRetrying, Attempts: 5},
	}); err != nil {
		t.Fatalf("replace: %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 {
		t.Fatalf("total = %d, want 3", stats.Total)
	}
	if stats.ByAction[models.ActionSyncVisitors] != 2 || stats.ByAction[models.ActionSyncStaff] != 1 {
		t.Fatalf("unexpected byAction: %+v", stats.ByAction)
	}
	if stats.ByRetries["0"] != 1 || stats.ByRetries["2"] != 1 || stats.ByRetries["3+"] != 1 {
		t.Fatalf("unexpected byRetries: %+v", stats.ByRetries)
	}
	if stats.Oldest != now-100 || stats.Newest != now {
		t.Fatalf("unexpected timestamps: oldest=%d newest=%d", stats.Oldest, stats.Newest)
	}
}
