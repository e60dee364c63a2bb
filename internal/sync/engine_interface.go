// Package sync drains the offline action queue against the POS API.
package sync

import (
	"context"

	"github.com/chefcloud/posync/internal/models"
)

// Executor performs one queued action against the remote API. A nil error
// is success; anything else is classified by the conflict package.
type Executor interface {
	Execute(ctx context.Context, action models.QueuedAction) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, action models.QueuedAction) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, action models.QueuedAction) error {
	return f(ctx, action)
}

// SyncEngineInterface defines the drain operations the scheduler and the
// operator surface use. It allows mocking in tests.
type SyncEngineInterface interface {
	// Drain executes eligible actions until none remain, connectivity is
	// lost or ctx is done.
	Drain(ctx context.Context) (*DrainResult, error)

	// SetEventHandler sets the handler notified as actions progress.
	SetEventHandler(handler EventHandler)

	// IsDraining reports whether a drain is running.
	IsDraining() bool

	// LastDrain returns the result of the most recent drain, or nil.
	LastDrain() *DrainResult
}

// EventType names an engine notification.
type EventType string

const (
	EventDrainStarted   EventType = "drain.started"
	EventActionStarted  EventType = "action.started"
	EventActionFinished EventType = "action.finished"
	EventDrainFinished  EventType = "drain.finished"
)

// Event is one engine notification. Action is set for action events and
// Result for EventDrainFinished.
type Event struct {
	Type   EventType
	Action *models.QueuedAction
	Result *DrainResult
}

// EventHandler receives engine notifications. It is called synchronously
// from drain goroutines and must not block.
type EventHandler func(Event)
