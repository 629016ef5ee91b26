package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"sogara/internal/models"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverStore routes adapter calls to the primary backend until it
// errors, then to the fallback, probing the primary again after a quiet
// minute. When both backends fail, reads return empty and writes become
// no-ops so callers degrade to "nothing persisted" instead of crashing.
type FailoverStore struct {
	primary  QueueStore
	fallback QueueStore
	logger   *zerolog.Logger
	isDown   atomic.Bool

	mu        sync.Mutex
	lastCheck time.Time
}

func NewFailoverStore(primary, fallback QueueStore, logger *zerolog.Logger) *FailoverStore {
	return &FailoverStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (s *FailoverStore) markDown(err error) {
	s.logger.Error().Err(err).Msg("Primary queue store failed, falling back")
	s.isDown.Store(true)
	s.mu.Lock()
	s.lastCheck = time.Now()
	s.mu.Unlock()
}

// primaryEligible reports whether the next call should try the primary.
func (s *FailoverStore) primaryEligible() bool {
	if !s.isDown.Load() {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.lastCheck) > recoveryInterval {
		s.lastCheck = time.Now()
		return true
	}
	return false
}

func (s *FailoverStore) recovered() {
	if s.isDown.Swap(false) {
		s.logger.Info().Msg("Primary queue store recovered")
	}
}

func (s *FailoverStore) ReadAll(ctx context.Context) ([]models.QueueEntry, error) {
	if s.primaryEligible() {
		entries, err := s.primary.ReadAll(ctx)
		if err == nil {
			s.recovered()
			return entries, nil
		}
		s.markDown(err)
	}

	entries, err := s.fallback.ReadAll(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Fallback queue store failed, degrading to empty queue")
		return nil, nil
	}
	return entries, nil
}

func (s *FailoverStore) WriteAll(ctx context.Context, entries []models.QueueEntry) error {
	if s.primaryEligible() {
		err := s.primary.WriteAll(ctx, entries)
		if err == nil {
			s.recovered()
			return nil
		}
		s.markDown(err)
	}

	if err := s.fallback.WriteAll(ctx, entries); err != nil {
		s.logger.Error().Err(err).Msg("Fallback queue store failed, dropping write")
	}
	return nil
}

func (s *FailoverStore) Get(ctx context.Context, id string) (*models.QueueEntry, error) {
	if s.primaryEligible() {
		entry, err := s.primary.Get(ctx, id)
		if err == nil {
			s.recovered()
			return entry, nil
		}
		s.markDown(err)
	}

	entry, err := s.fallback.Get(ctx, id)
	if err != nil {
		s.logger.Error().Err(err).Msg("Fallback queue store failed, degrading to not found")
		return nil, nil
	}
	return entry, nil
}

func (s *FailoverStore) Put(ctx context.Context, entry models.QueueEntry) error {
	if s.primaryEligible() {
		err := s.primary.Put(ctx, entry)
		if err == nil {
			s.recovered()
			return nil
		}
		s.markDown(err)
	}

	if err := s.fallback.Put(ctx, entry); err != nil {
		s.logger.Error().Err(err).Msg("Fallback queue store failed, dropping write")
	}
	return nil
}

func (s *FailoverStore) Remove(ctx context.Context, id string) error {
	if s.primaryEligible() {
		err := s.primary.Remove(ctx, id)
		if err == nil {
			s.recovered()
			return nil
		}
		s.markDown(err)
	}

	if err := s.fallback.Remove(ctx, id); err != nil {
		s.logger.Error().Err(err).Msg("Fallback queue store failed, dropping remove")
	}
	return nil
}
