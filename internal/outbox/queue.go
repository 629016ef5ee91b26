// Package outbox materializes the offline queue on top of a durable
// store: entry construction, validation, TTL sweep and aggregate stats.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"sogara/internal/metrics"
	"sogara/internal/models"
	"sogara/internal/store"

	"github.com/rs/zerolog"
)

// DefaultTTL is how long an entry may wait before the sweep removes it.
const DefaultTTL = 7 * 24 * time.Hour

// Queue layers queue semantics over a store.QueueStore.
type Queue struct {
	store  store.QueueStore
	logger zerolog.Logger
	now    func() time.Time
}

func NewQueue(st store.QueueStore, logger *zerolog.Logger) *Queue {
	return &Queue{
		store:  st,
		logger: logger.With().Str("component", "outbox").Logger(),
		now:    time.Now,
	}
}

// WithClock overrides the queue clock. Tests only.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Enqueue persists a new pending entry and returns its id. The payload
// must be JSON-serializable; duplicates of logically identical payloads
// are accepted, deduplication is the caller's concern.
func (q *Queue) Enqueue(ctx context.Context, action string, payload any, priority models.Priority) (string, error) {
	if action == "" {
		return "", fmt.Errorf("action is required")
	}
	if priority == "" {
		priority = models.PriorityNormal
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	now := q.now()
	entry := models.QueueEntry{
		ID:        models.NewEntryID(now),
		Action:    action,
		Payload:   raw,
		CreatedAt: now.UnixMilli(),
		Priority:  priority,
		Status:    models.StatusPending,
		Attempts:  0,
	}

	if err := q.store.Put(ctx, entry); err != nil {
		return "", fmt.Errorf("persist queue entry: %w", err)
	}

	metrics.IncEnqueued(action)
	q.logger.Debug().Str("entry_id", entry.ID).Str("action", action).Msg("entry enqueued")
	return entry.ID, nil
}

// Entries returns all persisted entries that pass validation. Malformed
// records are dropped from the result and counted, never retried.
func (q *Queue) Entries(ctx context.Context) ([]models.QueueEntry, error) {
	all, err := q.store.ReadAll(ctx)
	if err != nil {
		return nil, err
	}

	valid := all[:0]
	for _, e := range all {
		if !e.Valid() {
			metrics.IncDropped()
			q.logger.Warn().Str("entry_id", e.ID).Str("action", e.Action).Msg("dropping malformed queue entry")
			continue
		}
		valid = append(valid, e)
	}
	metrics.SetQueueDepth(len(valid))
	return valid, nil
}

// Remove deletes one entry; removing an absent id is not an error.
func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.store.Remove(ctx, id)
}

// Update rewrites a single entry in place.
func (q *Queue) Update(ctx context.Context, entry models.QueueEntry) error {
	return q.store.Put(ctx, entry)
}

// Replace swaps the full persisted set.
func (q *Queue) Replace(ctx context.Context, entries []models.QueueEntry) error {
	return q.store.WriteAll(ctx, entries)
}

// PurgeExpired removes entries older than ttl regardless of status and
// returns how many were removed. Runs at the start of every sync cycle.
func (q *Queue) PurgeExpired(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cutoff := q.now().Add(-ttl).UnixMilli()

	if s, ok := q.store.(interface {
		RemoveOlderThan(ctx context.Context, cutoff int64) (int, error)
	}); ok {
		n, err := s.RemoveOlderThan(ctx, cutoff)
		if err == nil {
			q.logPurged(n)
		}
		return n, err
	}

	entries, err := q.store.ReadAll(ctx)
	if err != nil {
		return 0, err
	}

	kept := entries[:0]
	for _, e := range entries {
		if e.CreatedAt >= cutoff {
			kept = append(kept, e)
		}
	}
	removed := len(entries) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	if err := q.store.WriteAll(ctx, kept); err != nil {
		return 0, err
	}
	q.logPurged(removed)
	return removed, nil
}

func (q *Queue) logPurged(n int) {
	if n > 0 {
		metrics.AddPurged(n)
		q.logger.Info().Int("removed", n).Msg("purged expired queue entries")
	}
}

// Stats aggregates the queue for observability.
type Stats struct {
	Total     int            `json:"total"`
	ByAction  map[string]int `json:"byAction"`
	ByRetries map[string]int `json:"byRetries"`
	Oldest    int64          `json:"oldestTimestamp,omitempty"`
	Newest    int64          `json:"newestTimestamp,omitempty"`
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	entries, err := q.Entries(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		Total:     len(entries),
		ByAction:  make(map[string]int),
		ByRetries: map[string]int{"0": 0, "1": 0, "2": 0, "3+": 0},
	}

	for _, e := range entries {
		stats.ByAction[e.Action]++

		switch {
		case e.Attempts >= 3:
			stats.ByRetries["3+"]++
		default:
			stats.ByRetries[fmt.Sprintf("%d", e.Attempts)]++
		}

		if stats.Oldest == 0 || e.CreatedAt < stats.Oldest {
			stats.Oldest = e.CreatedAt
		}
		if e.CreatedAt > stats.Newest {
			stats.Newest = e.CreatedAt
		}
	}
	return stats, nil
}
