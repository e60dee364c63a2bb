package models

import "time"

// SyncLogEntry is an immutable record of a queued action's outcome at the
// moment it was logged.
type SyncLogEntry struct {
	Seq             int64            `json:"seq"`
	ActionID        string           `json:"actionId"`
	Kind            ActionKind       `json:"kind"`
	EntityKey       string           `json:"entityKey"`
	Label           string           `json:"label"`
	Status          ActionStatus     `json:"status"`
	AttemptCount    int              `json:"attemptCount"`
	CreatedAt       time.Time        `json:"createdAt"`
	LastAttemptAt   *time.Time       `json:"lastAttemptAt,omitempty"`
	ErrorMessage    string           `json:"errorMessage,omitempty"`
	FailureKind     FailureKind      `json:"failureKind,omitempty"`
	ConflictDetails *ConflictDetails `json:"conflictDetails,omitempty"`
	LoggedAt        time.Time        `json:"loggedAt"`
}

// NewSyncLogEntry mirrors the current state of action into a log entry.
// Seq and LoggedAt are assigned by the log on append.
func NewSyncLogEntry(action QueuedAction) SyncLogEntry {
	c := action.Clone()
	return SyncLogEntry{
		ActionID:        c.ID,
		Kind:            c.Kind,
		EntityKey:       c.EntityKey,
		Label:           c.Label(),
		Status:          c.Status,
		AttemptCount:    c.AttemptCount,
		CreatedAt:       c.CreatedAt,
		LastAttemptAt:   c.LastAttemptAt,
		ErrorMessage:    c.ErrorMessage,
		FailureKind:     c.FailureKind,
		ConflictDetails: c.ConflictDetails,
	}
}
