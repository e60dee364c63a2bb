package offline

import (
	"context"
	"time"

	"github.com/chefcloud/posync/internal/models"
	syncpkg "github.com/chefcloud/posync/internal/sync"
	"github.com/chefcloud/posync/internal/sync/queue"
	"github.com/chefcloud/posync/internal/sync/quota"
	"github.com/chefcloud/posync/internal/sync/snapshot"
)

// recentHistory is how many sync log entries a Status carries.
const recentHistory = 20

// Entry is one queued action as shown to the operator.
type Entry struct {
	ID              string                  `json:"id"`
	Kind            models.ActionKind       `json:"kind"`
	Label           string                  `json:"label"`
	EntityKey       string                  `json:"entityKey"`
	Status          models.ActionStatus     `json:"status"`
	AttemptCount    int                     `json:"attemptCount"`
	CreatedAt       time.Time               `json:"createdAt"`
	Age             time.Duration           `json:"age"`
	ErrorMessage    string                  `json:"errorMessage,omitempty"`
	FailureKind     models.FailureKind      `json:"failureKind,omitempty"`
	NextRetryAt     *time.Time              `json:"nextRetryAt,omitempty"`
	ConflictDetails *models.ConflictDetails `json:"conflictDetails,omitempty"`
}

// Status is the operator view of a session.
type Status struct {
	SessionID   string                `json:"sessionId"`
	GeneratedAt time.Time             `json:"generatedAt"`
	Online      bool                  `json:"online"`
	Durable     bool                  `json:"durable"`
	Draining    bool                  `json:"draining"`
	Counts      queue.Counts          `json:"counts"`
	Entries     []Entry               `json:"entries"`
	Snapshots   []snapshot.Status     `json:"snapshots"`
	Storage     quota.StorageEstimate `json:"storage"`
	History     []models.SyncLogEntry `json:"history"`
	LastDrain   *syncpkg.DrainResult  `json:"lastDrain,omitempty"`
	NextRetryAt *time.Time            `json:"nextRetryAt,omitempty"`
}

// Status collects the current state and publishes it to metrics.
func (s *Session) Status(ctx context.Context) Status {
	now := s.now()
	actions := s.queue.List()

	st := Status{
		SessionID:   s.id,
		GeneratedAt: now,
		Online:      s.conn.Online(),
		Durable:     s.Durable(),
		Draining:    s.engine.IsDraining(),
		Counts:      s.queue.Counts(),
		Entries:     make([]Entry, 0, len(actions)),
		Snapshots:   s.snapshots.Statuses(),
		Storage:     s.quota.Estimate(ctx),
		History:     s.history.Recent(recentHistory),
		LastDrain:   s.engine.LastDrain(),
	}
	for _, a := range actions {
		st.Entries = append(st.Entries, Entry{
			ID:              a.ID,
			Kind:            a.Kind,
			Label:           a.Label(),
			EntityKey:       a.EntityKey,
			Status:          a.Status,
			AttemptCount:    a.AttemptCount,
			CreatedAt:       a.CreatedAt,
			Age:             now.Sub(a.CreatedAt),
			ErrorMessage:    a.ErrorMessage,
			FailureKind:     a.FailureKind,
			NextRetryAt:     a.NextRetryAt,
			ConflictDetails: a.ConflictDetails,
		})
	}
	if next, ok := s.queue.NextRetryAt(); ok {
		st.NextRetryAt = &next
	}

	s.metrics.SetQueueCounts(map[string]int{
		string(models.StatusPending):  st.Counts.Pending,
		string(models.StatusSyncing):  st.Counts.Syncing,
		string(models.StatusSuccess):  st.Counts.Success,
		string(models.StatusFailed):   st.Counts.Failed,
		string(models.StatusConflict): st.Counts.Conflict,
	})
	s.metrics.SetStorage(st.Storage.Usage, st.Storage.Quota)
	s.metrics.SetSyncLogEntries(s.history.Len())
	s.metrics.SetOnline(st.Online)
	return st
}

// Subscribe registers fn for status changes and returns a function that
// removes it. fn is called synchronously and must not block.
func (s *Session) Subscribe(fn func(Status)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// notify pushes a fresh Status to subscribers.
func (s *Session) notify() {
	s.mu.RLock()
	if s.closed || len(s.subs) == 0 {
		s.mu.RUnlock()
		return
	}
	fns := make([]func(Status), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	st := s.Status(context.Background())
	for _, fn := range fns {
		fn(st)
	}
}
