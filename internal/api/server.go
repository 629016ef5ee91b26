// Package api is the foreground enqueue surface: the call shape UI
// forms use to record actions while offline.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"sogara/internal/config"
	"sogara/internal/models"
	"sogara/internal/outbox"
	"sogara/internal/syncer"

	"github.com/rs/zerolog"
)

// QueueService is the slice of the outbox the API exposes.
type QueueService interface {
	Enqueue(ctx context.Context, action string, payload any, priority models.Priority) (string, error)
	Stats(ctx context.Context) (outbox.Stats, error)
}

// SyncRunner triggers an immediate foreground sync cycle.
type SyncRunner interface {
	SyncNow(ctx context.Context) (syncer.CycleStats, error)
}

// Server exposes the enqueue/stats/sync-now HTTP API.
type Server struct {
	queue   QueueService
	runner  SyncRunner
	server  *http.Server
	limiter *rateLimiter
	logger  zerolog.Logger
}

func NewServer(cfg config.AgentConfig, queue QueueService, runner SyncRunner, logger *zerolog.Logger) *Server {
	srv := &Server{
		queue:   queue,
		runner:  runner,
		limiter: newRateLimiter(cfg.RateRPS, cfg.RateBurst),
		logger:  logger.With().Str("component", "api").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/queue", srv.handleEnqueue)
	mux.HandleFunc("/api/queue/stats", srv.handleStats)
	mux.HandleFunc("/api/sync/now", srv.handleSyncNow)
	mux.HandleFunc("/healthz", srv.handleHealth)

	srv.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.loggingMiddleware(srv.limitMiddleware(mux)),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	return srv
}

func (s *Server) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("agent API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type enqueueRequest struct {
	Action   string          `json:"action"`
	Payload  json.RawMessage `json:"payload"`
	Priority models.Priority `json:"priority,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "action is required")
		return
	}

	id, err := s.queue.Enqueue(r.Context(), req.Action, req.Payload, req.Priority)
	if err != nil {
		s.logger.Error().Err(err).Str("action", req.Action).Msg("enqueue failed")
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("stats failed")
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "sync runner unavailable")
		return
	}

	stats, err := s.runner.SyncNow(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("manual sync cycle failed")
		writeError(w, http.StatusBadGateway, "sync cycle failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"attempted": stats.Attempted,
		"succeeded": stats.Succeeded,
		"failed":    stats.Failed,
		"purged":    stats.Purged,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) limitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiter.allow(host) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request served")
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
