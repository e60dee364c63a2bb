// Package models provides data model definitions for the offline queue.
package models

import (
	"encoding/json"
	"time"
)

// ActionKind discriminates the queued mutation and its payload schema.
type ActionKind string

const (
	KindCreateOrder   ActionKind = "CREATE_ORDER"
	KindAddItems      ActionKind = "ADD_ITEMS"
	KindTakePayment   ActionKind = "TAKE_PAYMENT"
	KindVoidOrder     ActionKind = "VOID_ORDER"
	KindSendToKitchen ActionKind = "SEND_TO_KITCHEN"
)

// Kinds lists every supported action kind.
func Kinds() []ActionKind {
	return []ActionKind{KindCreateOrder, KindAddItems, KindTakePayment, KindVoidOrder, KindSendToKitchen}
}

// Label returns a short human-readable name for the kind.
func (k ActionKind) Label() string {
	switch k {
	case KindCreateOrder:
		return "Create order"
	case KindAddItems:
		return "Add items"
	case KindTakePayment:
		return "Take payment"
	case KindVoidOrder:
		return "Void order"
	case KindSendToKitchen:
		return "Send to kitchen"
	default:
		return string(k)
	}
}

// ActionStatus is the lifecycle state of a queued action.
type ActionStatus string

const (
	StatusPending  ActionStatus = "pending"
	StatusSyncing  ActionStatus = "syncing"
	StatusSuccess  ActionStatus = "success"
	StatusFailed   ActionStatus = "failed"
	StatusConflict ActionStatus = "conflict"
)

// FailureKind distinguishes retryable failures from malformed actions.
// It is only set while Status is StatusFailed.
type FailureKind string

const (
	FailureTransient FailureKind = "transient"
	FailureFatal     FailureKind = "fatal"
)

// ConflictDetails describes how the server-side state diverged.
type ConflictDetails struct {
	Reason       string `json:"reason"`
	OrderID      string `json:"orderId"`
	ServerStatus string `json:"serverStatus"`
}

// QueuedAction is a durable record of a user mutation awaiting execution.
type QueuedAction struct {
	ID              string           `json:"id"`
	Seq             int64            `json:"seq"`
	Kind            ActionKind       `json:"kind"`
	EntityKey       string           `json:"entityKey"`
	Payload         json.RawMessage  `json:"payload"`
	Status          ActionStatus     `json:"status"`
	AttemptCount    int              `json:"attemptCount"`
	CreatedAt       time.Time        `json:"createdAt"`
	LastAttemptAt   *time.Time       `json:"lastAttemptAt,omitempty"`
	NextRetryAt     *time.Time       `json:"nextRetryAt,omitempty"`
	ErrorMessage    string           `json:"errorMessage,omitempty"`
	FailureKind     FailureKind      `json:"failureKind,omitempty"`
	ConflictDetails *ConflictDetails `json:"conflictDetails,omitempty"`
}

// Label returns the display label mirrored into sync log entries.
func (a *QueuedAction) Label() string {
	return a.Kind.Label() + " " + a.EntityKey
}

// Clone returns a deep copy safe to hand out of a locked store.
func (a *QueuedAction) Clone() QueuedAction {
	c := *a
	if a.Payload != nil {
		c.Payload = append(json.RawMessage(nil), a.Payload...)
	}
	if a.LastAttemptAt != nil {
		t := *a.LastAttemptAt
		c.LastAttemptAt = &t
	}
	if a.NextRetryAt != nil {
		t := *a.NextRetryAt
		c.NextRetryAt = &t
	}
	if a.ConflictDetails != nil {
		d := *a.ConflictDetails
		c.ConflictDetails = &d
	}
	return c
}

// DecodePayload parses the action's payload into its typed variant.
func (a *QueuedAction) DecodePayload() (Payload, error) {
	return DecodePayload(a.Kind, a.Payload)
}
