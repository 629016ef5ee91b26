package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sogara/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	heartbeatTTL      = 15 * time.Second
	heartbeatInterval = 5 * time.Second
	popTimeout        = time.Second
	replyTTL          = time.Minute
)

// QueueOps is the slice of the outbox queue a responder services.
type QueueOps interface {
	Entries(ctx context.Context) ([]models.QueueEntry, error)
	Remove(ctx context.Context, id string) error
	Replace(ctx context.Context, entries []models.QueueEntry) error
}

// Responder is the foreground-context side of the bridge: it owns direct
// store access and serves one request at a time. Requests land on a
// shared list, so with several foreground contexts connected exactly one
// picks each request up.
type Responder struct {
	rdb    *redis.Client
	queue  QueueOps
	key    string
	id     string
	logger zerolog.Logger
}

func NewResponder(rdb *redis.Client, queue QueueOps, queueKey string, logger *zerolog.Logger) *Responder {
	if queueKey == "" {
		queueKey = DefaultQueueKey
	}
	id := uuid.NewString()
	return &Responder{
		rdb:    rdb,
		queue:  queue,
		key:    queueKey,
		id:     id,
		logger: logger.With().Str("component", "bridge-responder").Str("responder_id", id).Logger(),
	}
}

func (r *Responder) heartbeatKey() string {
	return responderKeyPrefix + r.id
}

// Run announces presence and serves requests until ctx is done.
func (r *Responder) Run(ctx context.Context) {
	r.logger.Info().Msg("bridge responder started")
	defer r.logger.Info().Msg("bridge responder stopped")

	if err := r.rdb.Set(ctx, r.heartbeatKey(), r.id, heartbeatTTL).Err(); err != nil {
		r.logger.Error().Err(err).Msg("failed to announce responder presence")
	}
	defer func() {
		// Best effort: drop presence so clients fail fast instead of
		// waiting out the reply timeout.
		cleanup, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = r.rdb.Del(cleanup, r.heartbeatKey()).Err()
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			r.refreshPresence(ctx)
		default:
		}

		res, err := r.rdb.BRPop(ctx, popTimeout, requestList).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			r.logger.Error().Err(err).Msg("bridge request pop failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(popTimeout):
			}
			continue
		}
		if len(res) != 2 {
			continue
		}

		var req Request
		if err := json.Unmarshal([]byte(res[1]), &req); err != nil {
			r.logger.Error().Err(err).Msg("malformed bridge request")
			continue
		}

		resp := r.handle(ctx, req)
		r.reply(ctx, req, resp)
	}
}

// refreshPresence extends the heartbeat key's TTL. Expire on a missing
// key reports false without an error, so the key is re-announced whenever
// it expired or was deleted out from under us.
func (r *Responder) refreshPresence(ctx context.Context) {
	ok, err := r.rdb.Expire(ctx, r.heartbeatKey(), heartbeatTTL).Result()
	if err == nil && ok {
		return
	}
	if err := r.rdb.Set(ctx, r.heartbeatKey(), r.id, heartbeatTTL).Err(); err != nil {
		r.logger.Error().Err(err).Msg("failed to re-announce responder presence")
	}
}

func (r *Responder) handle(ctx context.Context, req Request) Response {
	if req.Key != r.key {
		return Response{Error: fmt.Sprintf("unknown queue key: %s", req.Key)}
	}

	switch req.Type {
	case TypeGetQueue:
		entries, err := r.queue.Entries(ctx)
		if err != nil {
			return Response{Error: err.Error()}
		}
		if entries == nil {
			entries = []models.QueueEntry{}
		}
		return Response{Success: true, Data: entries}

	case TypeRemoveEntry:
		entries, err := r.queue.Entries(ctx)
		if err != nil {
			return Response{Error: err.Error()}
		}
		removed := 0
		for _, e := range entries {
			if e.ID == req.ItemID {
				removed++
			}
		}
		if err := r.queue.Remove(ctx, req.ItemID); err != nil {
			return Response{Error: err.Error()}
		}
		return Response{Success: true, RemovedCount: removed}

	case TypeUpdateQueue:
		if err := r.queue.Replace(ctx, req.Data); err != nil {
			return Response{Error: err.Error()}
		}
		return Response{Success: true}

	default:
		return Response{Error: fmt.Sprintf("unknown request type: %s", req.Type)}
	}
}

func (r *Responder) reply(ctx context.Context, req Request, resp Response) {
	if req.ReplyTo == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		r.logger.Error().Err(err).Msg("encode bridge reply")
		return
	}
	if err := r.rdb.LPush(ctx, req.ReplyTo, data).Err(); err != nil {
		r.logger.Error().Err(err).Str("type", req.Type).Msg("push bridge reply")
		return
	}
	// Replies to callers that already timed out must not linger.
	_ = r.rdb.Expire(ctx, req.ReplyTo, replyTTL).Err()
}
