// Package store persists queued mutations, cached entities, and sync audit
// logs in the local database. It is the durability boundary: a mutation
// accepted here survives process restarts until it is synced or explicitly
// discarded.
package store

import (
	"encoding/json"
	"time"

	"github.com/fitpulse/fitsync/internal/ulid"
)

// EntityType identifies the kind of domain object a mutation targets.
// It determines both the conflict policy and the wire endpoint.
type EntityType string

const (
	// EntityTypeActivity represents a user's activity log entry
	EntityTypeActivity EntityType = "activity"
	// EntityTypeTeam represents team membership data
	EntityTypeTeam EntityType = "team"
	// EntityTypeProfile represents the user's profile
	EntityTypeProfile EntityType = "profile"
)

// Valid reports whether the entity type is one of the closed set.
func (e EntityType) Valid() bool {
	switch e {
	case EntityTypeActivity, EntityTypeTeam, EntityTypeProfile:
		return true
	}
	return false
}

// Priority orders queue drainage. Lower values drain first.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityMedium Priority = 1
	PriorityLow    Priority = 2
)

// String returns the human-readable priority name.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// DefaultPriority returns the creation-time priority for an entity type.
// Activity logs are the product's core data and must never be starved
// behind profile edits.
func DefaultPriority(entityType EntityType) Priority {
	switch entityType {
	case EntityTypeActivity:
		return PriorityHigh
	case EntityTypeTeam:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Status is the replay state of a queued mutation.
//
// Transitions move only forward: pending → syncing → {synced|failed|conflict}.
// A retryable failure returns the row to pending with a new next_retry_at.
// conflict leaves the queue only through manual resolution, which returns
// the row to pending with the resolved payload.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSyncing  Status = "syncing"
	StatusSynced   Status = "synced"
	StatusFailed   Status = "failed"
	StatusConflict Status = "conflict"
)

// ConflictSnapshot holds both sides of a detected conflict for manual
// resolution.
type ConflictSnapshot struct {
	Local      json.RawMessage `json:"local"`
	Remote     json.RawMessage `json:"remote"`
	DetectedAt time.Time       `json:"detected_at"`
}

// QueuedMutation represents one user-initiated change awaiting delivery to
// the server.
type QueuedMutation struct {
	ID           string          `json:"id"`
	EntityType   EntityType      `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	Payload      json.RawMessage `json:"payload"`
	Priority     Priority        `json:"priority"`
	Status       Status          `json:"status"`
	Checksum     string          `json:"checksum"`
	BaseChecksum string          `json:"base_checksum,omitempty"`

	AttemptCount  int        `json:"attempt_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	NextRetryAt   time.Time  `json:"next_retry_at"`
	LastError     string     `json:"last_error,omitempty"`

	Conflict *ConflictSnapshot `json:"conflict,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewQueuedMutation creates a pending mutation for the given target.
// baseChecksum is the server checksum the edit was based on; it is empty
// for creates, which can never conflict.
func NewQueuedMutation(entityType EntityType, entityID string, payload json.RawMessage, checksum, baseChecksum string) *QueuedMutation {
	now := time.Now()
	return &QueuedMutation{
		ID:           ulid.MutationID(),
		EntityType:   entityType,
		EntityID:     entityID,
		Payload:      payload,
		Priority:     DefaultPriority(entityType),
		Status:       StatusPending,
		Checksum:     checksum,
		BaseChecksum: baseChecksum,
		NextRetryAt:  now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsCreate reports whether the mutation creates a new entity; creates are
// append-only by construction and skip conflict detection.
func (m *QueuedMutation) IsCreate() bool {
	return m.BaseChecksum == ""
}

// CachedEntity is a read-through local copy of server-owned data. It is
// replaced wholesale by the next successful fetch, never merged.
type CachedEntity struct {
	EntityType   EntityType      `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	Payload      json.RawMessage `json:"payload"`
	LastSyncedAt time.Time       `json:"last_synced_at"`
	IsStale      bool            `json:"is_stale"`
}

// Trigger identifies what started a sync cycle.
type Trigger string

const (
	// TriggerManual represents a user-initiated sync
	TriggerManual Trigger = "manual"
	// TriggerScheduled represents a periodic timer-driven sync
	TriggerScheduled Trigger = "scheduled"
	// TriggerReconnect represents a sync fired on an offline→online transition
	TriggerReconnect Trigger = "reconnect"
)

// SyncLog is the audit record of one sync cycle.
type SyncLog struct {
	ID            string    `json:"id"`
	Trigger       Trigger   `json:"trigger"`
	SyncedCount   int       `json:"synced_count"`
	FailedCount   int       `json:"failed_count"`
	ConflictCount int       `json:"conflict_count"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at"`
}

// NewSyncLog creates a sync log entry for a cycle that is starting now.
func NewSyncLog(trigger Trigger) *SyncLog {
	now := time.Now()
	return &SyncLog{
		ID:          ulid.SyncLogID(),
		Trigger:     trigger,
		StartedAt:   now,
		CompletedAt: now, // Updated when the cycle completes
	}
}

// Complete records the cycle outcome on the log entry.
func (l *SyncLog) Complete(synced, failed, conflicts int, errMsg string) {
	l.SyncedCount = synced
	l.FailedCount = failed
	l.ConflictCount = conflicts
	l.ErrorMessage = errMsg
	l.CompletedAt = time.Now()
}

// StatusCounts aggregates queue membership for the status surface.
type StatusCounts struct {
	Pending   int `json:"pending"`
	Syncing   int `json:"syncing"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
}
