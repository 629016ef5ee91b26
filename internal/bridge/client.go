package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sogara/internal/metrics"
	"sogara/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	requestList        = "sogara:bridge:requests"
	replyListPrefix    = "sogara:bridge:reply:"
	responderKeyPrefix = "sogara:bridge:responder:"

	// DefaultReplyTimeout bounds how long a request waits for a
	// foreground context to answer.
	DefaultReplyTimeout = 5 * time.Second
)

var (
	// ErrNoResponder means no foreground context is currently connected.
	ErrNoResponder = errors.New("bridge: no responder connected")
	// ErrReplyTimeout means no response arrived within the reply window.
	ErrReplyTimeout = errors.New("bridge: reply timeout")
)

// Client is the background-context side of the bridge. It implements
// the sync engine's queue access by delegating every store operation to
// a foreground responder.
type Client struct {
	rdb     *redis.Client
	key     string
	timeout time.Duration
	logger  zerolog.Logger
}

func NewClient(rdb *redis.Client, queueKey string, logger *zerolog.Logger) *Client {
	if queueKey == "" {
		queueKey = DefaultQueueKey
	}
	return &Client{
		rdb:     rdb,
		key:     queueKey,
		timeout: DefaultReplyTimeout,
		logger:  logger.With().Str("component", "bridge-client").Logger(),
	}
}

// WithTimeout overrides the reply timeout. Tests only.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

// respondersConnected reports whether at least one foreground context
// holds a live heartbeat key.
func (c *Client) respondersConnected(ctx context.Context) (bool, error) {
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, responderKeyPrefix+"*", 16).Result()
		if err != nil {
			return false, err
		}
		if len(keys) > 0 {
			return true, nil
		}
		if next == 0 {
			return false, nil
		}
		cursor = next
	}
}

// request performs one round trip. With zero connected responders it
// fails immediately instead of waiting out the timeout; a missing reply
// resolves after the timeout. Either way the caller gets a settled
// result and the sync cycle is never blocked.
func (c *Client) request(ctx context.Context, req Request) (Response, error) {
	connected, err := c.respondersConnected(ctx)
	if err != nil {
		metrics.IncBridgeRequest(req.Type, "error")
		return Response{}, fmt.Errorf("bridge: responder scan: %w", err)
	}
	if !connected {
		metrics.IncBridgeRequest(req.Type, "no_responder")
		return Response{}, ErrNoResponder
	}

	req.Key = c.key
	req.CorrelationID = uuid.NewString()
	req.ReplyTo = replyListPrefix + req.CorrelationID

	data, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("bridge: encode request: %w", err)
	}

	if err := c.rdb.LPush(ctx, requestList, data).Err(); err != nil {
		metrics.IncBridgeRequest(req.Type, "error")
		return Response{}, fmt.Errorf("bridge: push request: %w", err)
	}

	res, err := c.rdb.BRPop(ctx, c.timeout, req.ReplyTo).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.IncBridgeRequest(req.Type, "timeout")
			c.logger.Warn().Str("type", req.Type).Msg("bridge request timed out")
			return Response{}, ErrReplyTimeout
		}
		metrics.IncBridgeRequest(req.Type, "error")
		return Response{}, fmt.Errorf("bridge: await reply: %w", err)
	}
	if len(res) != 2 {
		metrics.IncBridgeRequest(req.Type, "error")
		return Response{}, fmt.Errorf("bridge: malformed reply")
	}

	var resp Response
	if err := json.Unmarshal([]byte(res[1]), &resp); err != nil {
		metrics.IncBridgeRequest(req.Type, "error")
		return Response{}, fmt.Errorf("bridge: decode reply: %w", err)
	}
	if !resp.Success {
		metrics.IncBridgeRequest(req.Type, "rejected")
		return resp, fmt.Errorf("bridge: responder error: %s", resp.Error)
	}

	metrics.IncBridgeRequest(req.Type, "ok")
	return resp, nil
}

// Entries fetches the queue through a foreground context. A failed or
// timed-out request degrades to an empty queue for this call only.
func (c *Client) Entries(ctx context.Context) ([]models.QueueEntry, error) {
	resp, err := c.request(ctx, Request{Type: TypeGetQueue})
	if err != nil {
		c.logger.Warn().Err(err).Msg("queue read over bridge failed, treating as empty")
		return nil, nil
	}
	return resp.Data, nil
}

func (c *Client) Remove(ctx context.Context, id string) error {
	_, err := c.request(ctx, Request{Type: TypeRemoveEntry, ItemID: id})
	return err
}

// Update rewrites one entry: the bridge protocol only carries full-queue
// updates, so the client reads, swaps the entry in place and writes back.
func (c *Client) Update(ctx context.Context, entry models.QueueEntry) error {
	resp, err := c.request(ctx, Request{Type: TypeGetQueue})
	if err != nil {
		return err
	}

	entries := resp.Data
	found := false
	for i := range entries {
		if entries[i].ID == entry.ID {
			entries[i] = entry
			found = true
			break
		}
	}
	if !found {
		entries = append(entries, entry)
	}

	_, err = c.request(ctx, Request{Type: TypeUpdateQueue, Data: entries})
	return err
}

// PurgeExpired drops entries older than ttl via read-filter-update, so
// the engine's cycle shape is identical in both wirings. Bridge failures
// degrade to "nothing purged" for this cycle.
func (c *Client) PurgeExpired(ctx context.Context, ttl time.Duration) (int, error) {
	resp, err := c.request(ctx, Request{Type: TypeGetQueue})
	if err != nil {
		c.logger.Warn().Err(err).Msg("purge over bridge failed, skipping this cycle")
		return 0, nil
	}

	now := time.Now()
	kept := resp.Data[:0]
	for _, e := range resp.Data {
		if !e.Expired(now, ttl) {
			kept = append(kept, e)
		}
	}
	removed := len(resp.Data) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	if _, err := c.request(ctx, Request{Type: TypeUpdateQueue, Data: kept}); err != nil {
		return 0, err
	}
	metrics.AddPurged(removed)
	return removed, nil
}
