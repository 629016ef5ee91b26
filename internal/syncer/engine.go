// Package syncer drives the retry state machine over the offline queue:
// it orders eligible entries, dispatches them to the sync server and
// requeues failures with exponential backoff until the attempt cutoff.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"sogara/internal/events"
	"sogara/internal/metrics"
	"sogara/internal/models"
	"sogara/internal/notify"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// QueueAccess is how the engine reaches the offline queue. In the
// foreground context it is the outbox queue over the durable store; in
// the background context it is the cross-context bridge client.
type QueueAccess interface {
	Entries(ctx context.Context) ([]models.QueueEntry, error)
	Remove(ctx context.Context, id string) error
	Update(ctx context.Context, entry models.QueueEntry) error
	PurgeExpired(ctx context.Context, ttl time.Duration) (int, error)
}

// CycleStats aggregates one batch cycle.
type CycleStats struct {
	Attempted int
	Succeeded int
	Failed    int
	Purged    int
}

// Options tune an Engine; zero values pick production defaults.
type Options struct {
	Retry           RetryPolicy
	TTL             time.Duration
	DispatchTimeout time.Duration
	Interval        time.Duration
	RateRPS         float64
	RateBurst       int
	Clock           func() time.Time
	HTTPClient      *http.Client
}

// Engine owns the per-entry retry state machine. The in-flight set is
// instance-local and never persisted: it stops one engine from
// double-dispatching an entry, while races between independent engines
// are resolved server-side via the _sync.id idempotency key.
type Engine struct {
	queue     QueueAccess
	endpoints EndpointResolver
	client    *http.Client
	retry     RetryPolicy
	ttl       time.Duration
	interval  time.Duration
	limiter   *rate.Limiter
	bus       *events.EventBus
	notifier  notify.Notifier
	logger    zerolog.Logger
	now       func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}

	trigger chan struct{}
	retryWG sync.WaitGroup
}

func NewEngine(queue QueueAccess, endpoints EndpointResolver, bus *events.EventBus, notifier notify.Notifier, logger *zerolog.Logger, opts Options) *Engine {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.TTL == 0 {
		opts.TTL = 7 * 24 * time.Hour
	}
	if opts.DispatchTimeout == 0 {
		opts.DispatchTimeout = 30 * time.Second
	}
	if opts.Interval == 0 {
		opts.Interval = time.Minute
	}
	if opts.RateRPS == 0 {
		opts.RateRPS = 10
	}
	if opts.RateBurst == 0 {
		opts.RateBurst = 5
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.DispatchTimeout}
	}

	return &Engine{
		queue:     queue,
		endpoints: endpoints,
		client:    client,
		retry:     opts.Retry,
		ttl:       opts.TTL,
		interval:  opts.Interval,
		limiter:   rate.NewLimiter(rate.Limit(opts.RateRPS), opts.RateBurst),
		bus:       bus,
		notifier:  notifier,
		logger:    logger.With().Str("component", "syncer").Logger(),
		now:       opts.Clock,
		inflight:  make(map[string]struct{}),
		trigger:   make(chan struct{}, 1),
	}
}

// Trigger requests a sync cycle outside the periodic schedule, e.g. when
// connectivity returns. Coalesces when one is already requested.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run executes cycles on the periodic timer and on Trigger signals until
// ctx is done, then waits for scheduled solo retries to wind down.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info().Dur("interval", e.interval).Msg("sync engine started")
	defer e.logger.Info().Msg("sync engine stopped")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.retryWG.Wait()
			return
		case <-ticker.C:
		case <-e.trigger:
		}

		if _, err := e.SyncNow(ctx); err != nil {
			e.logger.Error().Err(err).Msg("sync cycle aborted")
		}
	}
}

// SyncNow runs one batch cycle: purge expired entries, snapshot the
// remainder, dispatch in priority/age order. Entries dispatch
// concurrently; completion order is not guaranteed. A store failure
// aborts the remainder of this cycle only.
func (e *Engine) SyncNow(ctx context.Context) (CycleStats, error) {
	var stats CycleStats

	purged, err := e.queue.PurgeExpired(ctx, e.ttl)
	if err != nil {
		return stats, fmt.Errorf("purge expired: %w", err)
	}
	stats.Purged = purged

	entries, err := e.queue.Entries(ctx)
	if err != nil {
		return stats, fmt.Errorf("read queue: %w", err)
	}
	if len(entries) == 0 {
		return stats, nil
	}

	OrderForDispatch(entries)

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, entry := range entries {
		if !e.markInFlight(entry.ID) {
			continue
		}
		stats.Attempted++

		wg.Add(1)
		go func(entry models.QueueEntry) {
			defer wg.Done()
			ok := e.dispatch(ctx, entry)
			mu.Lock()
			if ok {
				stats.Succeeded++
			} else {
				stats.Failed++
			}
			mu.Unlock()
		}(entry)
	}
	wg.Wait()

	_ = e.bus.PublishJSON(events.EventCycleCompleted, events.CycleEventPayload{
		Attempted: stats.Attempted,
		Succeeded: stats.Succeeded,
		Failed:    stats.Failed,
		Purged:    stats.Purged,
	})
	e.logger.Info().
		Int("attempted", stats.Attempted).
		Int("succeeded", stats.Succeeded).
		Int("failed", stats.Failed).
		Int("purged", stats.Purged).
		Msg("sync cycle completed")
	return stats, nil
}

// OrderForDispatch sorts entries by priority rank, then by age within
// the same priority. Re-sorting the full remaining set every cycle is
// what keeps old normal entries ahead of newer ones on every pass.
func OrderForDispatch(entries []models.QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		ri, rj := entries[i].Priority.Rank(), entries[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return entries[i].CreatedAt < entries[j].CreatedAt
	})
}

func (e *Engine) markInFlight(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inflight[id]; ok {
		return false
	}
	e.inflight[id] = struct{}{}
	metrics.IncInFlight()
	return true
}

func (e *Engine) unmarkInFlight(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
	metrics.DecInFlight()
}

// InFlight reports how many entries are currently dispatched and
// unacknowledged by this engine instance.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

// dispatch attempts one entry. The caller must have marked it in-flight;
// dispatch unmarks it before returning or handing off to a solo retry.
func (e *Engine) dispatch(ctx context.Context, entry models.QueueEntry) bool {
	metrics.IncDispatchAttempt(entry.Action)

	err := e.post(ctx, entry)
	if err == nil {
		e.unmarkInFlight(entry.ID)
		e.complete(ctx, entry)
		return true
	}

	e.unmarkInFlight(entry.ID)
	e.retryOrFail(ctx, entry, err)
	return false
}

func (e *Engine) post(ctx context.Context, entry models.QueueEntry) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := buildRequestBody(entry, e.now())
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	endpoint := e.endpoints.Resolve(entry.Action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("sync failed: %d", resp.StatusCode)
	}
	return nil
}

// syncMetadata rides along with every dispatch so the server can detect
// duplicates from at-least-once delivery.
type syncMetadata struct {
	ID        string `json:"id"`
	Action    string `json:"action"`
	Timestamp int64  `json:"timestamp"`
	Attempts  int    `json:"attempts"`
}

func buildRequestBody(entry models.QueueEntry, now time.Time) ([]byte, error) {
	body := make(map[string]any)
	if len(entry.Payload) > 0 {
		if err := json.Unmarshal(entry.Payload, &body); err != nil {
			// Non-object payloads ride under a dedicated key.
			body = map[string]any{"payload": json.RawMessage(entry.Payload)}
		}
	}
	body["_sync"] = syncMetadata{
		ID:        entry.ID,
		Action:    entry.Action,
		Timestamp: now.UnixMilli(),
		Attempts:  entry.Attempts,
	}
	return json.Marshal(body)
}

func (e *Engine) complete(ctx context.Context, entry models.QueueEntry) {
	if err := e.queue.Remove(ctx, entry.ID); err != nil {
		e.logger.Error().Err(err).Str("entry_id", entry.ID).Msg("remove after success failed; server must dedupe on next cycle")
	}

	metrics.IncDispatchSuccess(entry.Action)
	_ = e.bus.PublishJSON(events.EventEntrySucceeded, events.SyncEventPayload{
		EntryID:  entry.ID,
		Action:   entry.Action,
		Attempts: entry.Attempts,
	})
	// Routine first-try completions stay quiet; only a recovery after
	// earlier failures is worth surfacing.
	if entry.Attempts > 0 {
		e.notifier.SyncSucceeded(entry)
	}
	e.logger.Debug().Str("entry_id", entry.ID).Str("action", entry.Action).Msg("entry synced")
}

func (e *Engine) retryOrFail(ctx context.Context, entry models.QueueEntry, cause error) {
	entry.Attempts++
	msg := cause.Error()
	entry.LastError = &msg
	attemptedAt := e.now().UnixMilli()
	entry.LastAttemptAt = &attemptedAt
	entry.Status = models.StatusRetrying

	metrics.IncDispatchFailure(entry.Action)

	if e.retry.Exhausted(entry.Attempts) {
		if err := e.queue.Remove(ctx, entry.ID); err != nil {
			e.logger.Error().Err(err).Str("entry_id", entry.ID).Msg("remove exhausted entry failed")
		}
		metrics.IncExhausted()
		_ = e.bus.PublishJSON(events.EventEntryFailed, events.SyncEventPayload{
			EntryID:   entry.ID,
			Action:    entry.Action,
			Attempts:  entry.Attempts,
			LastError: msg,
		})
		e.notifier.SyncFailed(entry, msg)
		e.logger.Warn().
			Str("entry_id", entry.ID).
			Str("action", entry.Action).
			Int("attempts", entry.Attempts).
			Str("last_error", msg).
			Msg("entry removed after exhausting retries")
		return
	}

	if err := e.queue.Update(ctx, entry); err != nil {
		e.logger.Error().Err(err).Str("entry_id", entry.ID).Msg("persist retry state failed")
	}

	delay := e.retry.NextDelay(entry.Attempts)
	e.logger.Debug().
		Str("entry_id", entry.ID).
		Int("attempts", entry.Attempts).
		Dur("delay", delay).
		Msg("scheduling retry")
	e.scheduleRetry(ctx, entry, delay)
}

// scheduleRetry re-dispatches just this entry after the backoff delay.
// The retry dies with the cycle's context: a caller-driven cycle (e.g.
// the manual sync endpoint) loses its pending retries when the caller
// goes away, but the retry state was already persisted in retryOrFail,
// so the next periodic cycle picks the entry up where it left off.
func (e *Engine) scheduleRetry(ctx context.Context, entry models.QueueEntry, delay time.Duration) {
	e.retryWG.Add(1)
	go func() {
		defer e.retryWG.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if !e.markInFlight(entry.ID) {
			return
		}
		e.dispatch(ctx, entry)
	}()
}
