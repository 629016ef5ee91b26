package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Known action kinds. Unknown actions are still dispatched, to the
// generic sync endpoint.
const (
	ActionSyncVisitors     = "sync_visitor_data"
	ActionSyncStaff        = "sync_staff_data"
	ActionSyncAppointments = "sync_appointment_data"
	ActionSyncPackages     = "sync_package_data"
	ActionSyncGeneric      = "sync"
)

// Priority orders entries within a dispatch batch.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank maps a priority to its dispatch rank, lower first.
// Unrecognized values sort like normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Status of a queued entry. Failed only ever appears in records written
// by an older schema; current code removes exhausted entries instead.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRetrying Status = "retrying"
	StatusFailed   Status = "failed"
)

// QueueEntry is one pending client operation awaiting delivery.
type QueueEntry struct {
	ID            string          `json:"id"`
	Action        string          `json:"action"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     int64           `json:"createdAt"`
	Priority      Priority        `json:"priority"`
	Status        Status          `json:"status"`
	Attempts      int             `json:"attempts"`
	LastError     *string         `json:"lastError,omitempty"`
	LastAttemptAt *int64          `json:"lastAttemptAt,omitempty"`
}

// NewEntryID builds a queue entry id from the creation time plus a random
// suffix, so two entries created within the same millisecond stay distinct.
func NewEntryID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

// Valid reports whether the entry satisfies the minimal invariants.
// Storage is an untrusted boundary: records may have been written by a
// previous schema version, so every read re-checks.
func (e *QueueEntry) Valid() bool {
	return e.ID != "" && e.Action != "" && e.CreatedAt > 0 && e.Attempts >= 0
}

// Expired reports whether the entry is older than ttl at the given time.
func (e *QueueEntry) Expired(now time.Time, ttl time.Duration) bool {
	return now.UnixMilli()-e.CreatedAt > ttl.Milliseconds()
}

// CreatedTime converts the stored millisecond timestamp.
func (e *QueueEntry) CreatedTime() time.Time {
	return time.UnixMilli(e.CreatedAt)
}
