// Package store persists the offline queue. The primary backend is
// sqlite; a flat JSON file serves as fallback, and the failover wrapper
// keeps the adapter contract identical to callers regardless of which
// backend is alive.
package store

import (
	"context"

	"sogara/internal/models"
)

// QueueStore is the durable adapter contract for the offline queue.
// ReadAll returns entries in no guaranteed order; callers sort.
// Remove of an absent id is a no-op, not an error.
type QueueStore interface {
	ReadAll(ctx context.Context) ([]models.QueueEntry, error)
	WriteAll(ctx context.Context, entries []models.QueueEntry) error
	Get(ctx context.Context, id string) (*models.QueueEntry, error)
	Put(ctx context.Context, entry models.QueueEntry) error
	Remove(ctx context.Context, id string) error
}
