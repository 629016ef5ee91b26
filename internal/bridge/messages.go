// Package bridge carries queue operations between execution contexts
// that share no memory. The background sync engine has no direct store
// access; it asks a connected foreground context to perform the
// operation and waits on a dedicated reply channel.
package bridge

import "sogara/internal/models"

// Request types, one per supported store operation.
const (
	TypeGetQueue    = "GET_OFFLINE_QUEUE"
	TypeRemoveEntry = "REMOVE_FROM_OFFLINE_QUEUE"
	TypeUpdateQueue = "UPDATE_OFFLINE_QUEUE"
)

// DefaultQueueKey names the persisted queue record.
const DefaultQueueKey = "sogara-offline-queue"

// Request asks a foreground context for one store operation. ReplyTo is
// the correlation-scoped list the response must be pushed to.
type Request struct {
	Type          string              `json:"type"`
	Key           string              `json:"key"`
	ItemID        string              `json:"itemId,omitempty"`
	Data          []models.QueueEntry `json:"data,omitempty"`
	CorrelationID string              `json:"correlationId"`
	ReplyTo       string              `json:"replyTo"`
}

// Response answers exactly one Request.
type Response struct {
	Success      bool                `json:"success"`
	Data         []models.QueueEntry `json:"data,omitempty"`
	RemovedCount int                 `json:"removedCount,omitempty"`
	Error        string              `json:"error,omitempty"`
}
