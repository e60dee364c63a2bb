// Package queue provides the durable, ordered queue of actions recorded while
// the terminal may be offline.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chefcloud/posync/internal/db"
	"github.com/chefcloud/posync/internal/errors"
	"github.com/chefcloud/posync/internal/logging"
	"github.com/chefcloud/posync/internal/models"
	"github.com/chefcloud/posync/internal/uuid"
)

const (
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffMax  = 5 * time.Minute
)

// Options configures a Queue.
type Options struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o *Options) withDefaults() Options {
	out := Options{BackoffBase: DefaultBackoffBase, BackoffMax: DefaultBackoffMax, Now: time.Now}
	if o == nil {
		return out
	}
	if o.BackoffBase > 0 {
		out.BackoffBase = o.BackoffBase
	}
	if o.BackoffMax > 0 {
		out.BackoffMax = o.BackoffMax
	}
	if o.Now != nil {
		out.Now = o.Now
	}
	return out
}

// Outcome is the result of executing one action.
type Outcome struct {
	Status      models.ActionStatus
	FailureKind models.FailureKind
	Message     string
	Conflict    *models.ConflictDetails
}

// Succeeded is the outcome of a successful execution.
func Succeeded() Outcome {
	return Outcome{Status: models.StatusSuccess}
}

// Failed is the outcome of a transient or fatal failure.
func Failed(kind models.FailureKind, message string) Outcome {
	return Outcome{Status: models.StatusFailed, FailureKind: kind, Message: message}
}

// Conflicted is the outcome of a server-side state conflict.
func Conflicted(details *models.ConflictDetails, message string) Outcome {
	return Outcome{Status: models.StatusConflict, Conflict: details, Message: message}
}

// Counts is the number of queued actions per status.
type Counts struct {
	Pending  int `json:"pending"`
	Syncing  int `json:"syncing"`
	Success  int `json:"success"`
	Failed   int `json:"failed"`
	Conflict int `json:"conflict"`
	Total    int `json:"total"`
}

// Queue holds queued actions in Seq order and mirrors every mutation to the
// substrate before acknowledging it.
type Queue struct {
	mu       sync.RWMutex
	store    db.Store
	opts     Options
	items    []*models.QueuedAction // ascending Seq
	nextSeq  int64
	clearing map[string]bool // syncing actions to drop once their result is in
	degraded bool
}

// New builds a Queue and loads any persisted actions from store.
func New(ctx context.Context, store db.Store, opts *Options) *Queue {
	q := &Queue{
		store:    store,
		opts:     opts.withDefaults(),
		clearing: make(map[string]bool),
		nextSeq:  1,
	}
	q.mu.Lock()
	q.load(ctx, nil, true)
	q.mu.Unlock()
	return q
}

// recordKey orders records by Seq. The id suffix keeps keys unique when two
// sessions share a store.
func recordKey(a *models.QueuedAction) string {
	return fmt.Sprintf("%020d-%s", a.Seq, a.ID)
}

// load replaces in-memory state with persisted state. Actions listed in
// keep (in flight in this process) win over their persisted copy. On the
// first load a persisted syncing action was interrupted by a restart and
// goes back to pending.
// Caller holds q.mu.
func (q *Queue) load(ctx context.Context, keep map[string]*models.QueuedAction, initial bool) {
	records, err := q.store.List(ctx, db.NamespaceQueue)
	if err != nil {
		q.degrade("load", err)
		return
	}

	items := make([]*models.QueuedAction, 0, len(records))
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		var a models.QueuedAction
		if err := json.Unmarshal(rec.Value, &a); err != nil {
			logging.Warn("Skipping unreadable queued action", map[string]interface{}{
				"key":   rec.Key,
				"error": err.Error(),
			})
			continue
		}
		if k, ok := keep[a.ID]; ok {
			a = *k
		} else if initial && a.Status == models.StatusSyncing {
			a.Status = models.StatusPending
		}
		seen[a.ID] = true
		items = append(items, &a)
	}
	for id, a := range keep {
		if !seen[id] {
			items = append(items, a)
		}
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Seq != items[j].Seq {
			return items[i].Seq < items[j].Seq
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	q.items = items
	for _, a := range items {
		if a.Seq >= q.nextSeq {
			q.nextSeq = a.Seq + 1
		}
	}

	logging.Debug("Loaded queue", map[string]interface{}{"actions": len(items)})
}

// Reload re-reads persisted state, keeping actions this process has in flight.
func (q *Queue) Reload(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.degraded {
		return
	}
	keep := make(map[string]*models.QueuedAction)
	for _, a := range q.items {
		if a.Status == models.StatusSyncing {
			keep[a.ID] = a
		}
	}
	q.load(ctx, keep, false)
}

// degrade records a substrate failure; the queue keeps working in memory.
// Caller holds q.mu.
func (q *Queue) degrade(op string, err error) {
	if !q.degraded {
		logging.Warn("Queue storage unavailable, continuing in memory", map[string]interface{}{
			"op":    op,
			"error": err.Error(),
		})
	}
	q.degraded = true
}

// Caller holds q.mu.
func (q *Queue) persist(ctx context.Context, actions ...*models.QueuedAction) {
	if q.degraded || len(actions) == 0 {
		return
	}
	values := make(map[string][]byte, len(actions))
	for _, a := range actions {
		data, err := json.Marshal(a)
		if err != nil {
			q.degrade("encode", err)
			return
		}
		values[recordKey(a)] = data
	}
	if err := q.store.PutMany(ctx, db.NamespaceQueue, values); err != nil {
		q.degrade("put", err)
	}
}

// Caller holds q.mu.
func (q *Queue) unpersist(ctx context.Context, actions ...*models.QueuedAction) {
	if q.degraded || len(actions) == 0 {
		return
	}
	keys := make([]string, len(actions))
	for i, a := range actions {
		keys[i] = recordKey(a)
	}
	if err := q.store.Delete(ctx, db.NamespaceQueue, keys...); err != nil {
		q.degrade("delete", err)
	}
}

// Durable reports whether queued actions survive a restart.
func (q *Queue) Durable() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return !q.degraded && q.store.Durable()
}

// Enqueue validates and appends an action for payload.
func (q *Queue) Enqueue(ctx context.Context, payload models.Payload) (models.QueuedAction, error) {
	if models.IsNilPayload(payload) {
		return models.QueuedAction{}, errors.New(errors.ErrValidation, "payload is required")
	}
	if err := payload.Validate(); err != nil {
		return models.QueuedAction{}, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.QueuedAction{}, errors.Wrap(errors.ErrValidation, "encode payload", err)
	}
	return q.enqueue(ctx, payload, raw)
}

// EnqueueRaw decodes raw as the payload for kind and appends it.
func (q *Queue) EnqueueRaw(ctx context.Context, kind models.ActionKind, raw json.RawMessage) (models.QueuedAction, error) {
	payload, err := models.DecodePayload(kind, raw)
	if err != nil {
		return models.QueuedAction{}, err
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return models.QueuedAction{}, errors.Wrap(errors.ErrValidation, "compact payload", err)
	}
	return q.enqueue(ctx, payload, buf.Bytes())
}

func (q *Queue) enqueue(ctx context.Context, payload models.Payload, raw []byte) (models.QueuedAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	a := &models.QueuedAction{
		ID:        uuid.New(),
		Seq:       q.nextSeq,
		Kind:      payload.Kind(),
		EntityKey: payload.EntityKey(),
		Payload:   raw,
		Status:    models.StatusPending,
		CreatedAt: q.opts.Now().UTC(),
	}
	q.nextSeq++
	q.items = append(q.items, a)
	q.persist(ctx, a)

	logging.Info("Enqueued action", map[string]interface{}{
		"action_id":  a.ID,
		"kind":       a.Kind,
		"entity_key": a.EntityKey,
		"seq":        a.Seq,
	})
	return a.Clone(), nil
}

// NextEligible returns up to max actions that may run now: for each entity
// key, its lowest-Seq action when that action is pending. Results are in Seq
// order.
func (q *Queue) NextEligible(max int) []models.QueuedAction {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []models.QueuedAction
	heads := make(map[string]bool)
	for _, a := range q.items {
		if max > 0 && len(out) >= max {
			break
		}
		if heads[a.EntityKey] {
			continue
		}
		heads[a.EntityKey] = true
		if a.Status == models.StatusPending {
			out = append(out, a.Clone())
		}
	}
	return out
}

// Caller holds q.mu.
func (q *Queue) find(id string) (int, *models.QueuedAction) {
	for i, a := range q.items {
		if a.ID == id {
			return i, a
		}
	}
	return -1, nil
}

// Caller holds q.mu.
func (q *Queue) isHead(a *models.QueuedAction) bool {
	for _, other := range q.items {
		if other.EntityKey == a.EntityKey {
			return other == a
		}
	}
	return false
}

// MarkSyncing moves a pending head action to syncing and counts the attempt.
func (q *Queue) MarkSyncing(ctx context.Context, id string) (models.QueuedAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, a := q.find(id)
	if a == nil {
		return models.QueuedAction{}, errors.Newf(errors.ErrNotFound, "action %s not found", id)
	}
	if a.Status != models.StatusPending {
		return models.QueuedAction{}, errors.Newf(errors.ErrInvalidTransition,
			"action %s is %s, want %s", id, a.Status, models.StatusPending)
	}
	if !q.isHead(a) {
		return models.QueuedAction{}, errors.Newf(errors.ErrInvalidTransition,
			"action %s is queued behind an earlier action for %s", id, a.EntityKey)
	}

	now := q.opts.Now().UTC()
	a.Status = models.StatusSyncing
	a.AttemptCount++
	a.LastAttemptAt = &now
	a.NextRetryAt = nil
	q.persist(ctx, a)
	return a.Clone(), nil
}

// MarkResult records the outcome of a syncing action and returns the updated
// action. An action cleared while syncing is dropped right after.
func (q *Queue) MarkResult(ctx context.Context, id string, out Outcome) (models.QueuedAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, a := q.find(id)
	if a == nil {
		return models.QueuedAction{}, errors.Newf(errors.ErrNotFound, "action %s not found", id)
	}
	if a.Status != models.StatusSyncing {
		return models.QueuedAction{}, errors.Newf(errors.ErrInvalidTransition,
			"action %s is %s, want %s", id, a.Status, models.StatusSyncing)
	}

	a.ErrorMessage = ""
	a.FailureKind = ""
	a.NextRetryAt = nil
	a.ConflictDetails = nil

	switch out.Status {
	case models.StatusSuccess:
		a.Status = models.StatusSuccess
	case models.StatusFailed:
		a.Status = models.StatusFailed
		a.ErrorMessage = out.Message
		a.FailureKind = out.FailureKind
		if a.FailureKind == "" {
			a.FailureKind = models.FailureTransient
		}
		if a.FailureKind == models.FailureTransient {
			next := q.opts.Now().UTC().Add(calculateBackoff(a.AttemptCount, q.opts.BackoffBase, q.opts.BackoffMax))
			a.NextRetryAt = &next
		}
	case models.StatusConflict:
		a.Status = models.StatusConflict
		a.ErrorMessage = out.Message
		a.ConflictDetails = out.Conflict
		if a.ConflictDetails == nil {
			a.ConflictDetails = &models.ConflictDetails{OrderID: a.EntityKey}
		}
	default:
		return models.QueuedAction{}, errors.Newf(errors.ErrInvalidTransition,
			"action %s cannot move from syncing to %q", id, out.Status)
	}

	result := a.Clone()
	if q.clearing[id] {
		delete(q.clearing, id)
		q.items = append(q.items[:i], q.items[i+1:]...)
		q.unpersist(ctx, a)
		logging.Info("Dropped action cleared while syncing", map[string]interface{}{"action_id": id})
		return result, nil
	}

	q.persist(ctx, a)
	return result, nil
}

// RemoveCompleted deletes a successful action.
func (q *Queue) RemoveCompleted(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, a := q.find(id)
	if a == nil {
		// already dropped by a clear
		return nil
	}
	if a.Status != models.StatusSuccess {
		return errors.Newf(errors.ErrInvalidTransition, "action %s is %s, not success", id, a.Status)
	}
	q.items = append(q.items[:i], q.items[i+1:]...)
	q.unpersist(ctx, a)
	return nil
}

// Discard removes one action that is not in flight, for the operator to
// dismiss a failure or conflict.
func (q *Queue) Discard(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, a := q.find(id)
	if a == nil {
		return errors.Newf(errors.ErrNotFound, "action %s not found", id)
	}
	if a.Status == models.StatusSyncing {
		return errors.Newf(errors.ErrInvalidTransition, "action %s is syncing", id)
	}
	q.items = append(q.items[:i], q.items[i+1:]...)
	q.unpersist(ctx, a)
	return nil
}

// Clear removes every action that is not syncing and flags syncing actions
// for removal once their result is recorded. It returns the number removed
// now and is safe to call repeatedly.
func (q *Queue) Clear(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	var kept, removed []*models.QueuedAction
	for _, a := range q.items {
		if a.Status == models.StatusSyncing {
			q.clearing[a.ID] = true
			kept = append(kept, a)
			continue
		}
		removed = append(removed, a)
	}
	q.items = kept
	q.unpersist(ctx, removed...)

	if len(removed) > 0 || len(kept) > 0 {
		logging.Info("Cleared queue", map[string]interface{}{
			"removed":  len(removed),
			"deferred": len(kept),
		})
	}
	return len(removed)
}

// RetryFailed moves every failed action back to pending, ignoring backoff.
// Attempt counts are kept.
func (q *Queue) RetryFailed(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.requeue(ctx, func(a *models.QueuedAction) bool {
		return a.Status == models.StatusFailed
	})
}

// RequeueDue moves transient failures whose backoff has elapsed back to pending.
func (q *Queue) RequeueDue(ctx context.Context, now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.requeue(ctx, func(a *models.QueuedAction) bool {
		return a.Status == models.StatusFailed &&
			a.FailureKind == models.FailureTransient &&
			(a.NextRetryAt == nil || !a.NextRetryAt.After(now))
	})
}

// Caller holds q.mu.
func (q *Queue) requeue(ctx context.Context, match func(*models.QueuedAction) bool) int {
	var changed []*models.QueuedAction
	for _, a := range q.items {
		if !match(a) {
			continue
		}
		a.Status = models.StatusPending
		a.FailureKind = ""
		a.NextRetryAt = nil
		a.ErrorMessage = ""
		changed = append(changed, a)
	}
	q.persist(ctx, changed...)

	if len(changed) > 0 {
		logging.Info("Requeued failed actions", map[string]interface{}{"count": len(changed)})
	}
	return len(changed)
}

// NextRetryAt returns the earliest scheduled automatic retry, if any.
func (q *Queue) NextRetryAt() (time.Time, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var earliest time.Time
	found := false
	for _, a := range q.items {
		if a.Status != models.StatusFailed || a.NextRetryAt == nil {
			continue
		}
		if !found || a.NextRetryAt.Before(earliest) {
			earliest = *a.NextRetryAt
			found = true
		}
	}
	return earliest, found
}

// Get returns the action with id.
func (q *Queue) Get(id string) (models.QueuedAction, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, a := q.find(id)
	if a == nil {
		return models.QueuedAction{}, false
	}
	return a.Clone(), true
}

// List returns every queued action in Seq order.
func (q *Queue) List() []models.QueuedAction {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]models.QueuedAction, len(q.items))
	for i, a := range q.items {
		out[i] = a.Clone()
	}
	return out
}

// Len returns the number of queued actions.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// Counts returns the number of actions per status.
func (q *Queue) Counts() Counts {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var c Counts
	for _, a := range q.items {
		c.Total++
		switch a.Status {
		case models.StatusPending:
			c.Pending++
		case models.StatusSyncing:
			c.Syncing++
		case models.StatusSuccess:
			c.Success++
		case models.StatusFailed:
			c.Failed++
		case models.StatusConflict:
			c.Conflict++
		}
	}
	return c
}

// calculateBackoff returns the retry delay after attempts failed attempts.
// Formula: base * 2^(attempts-1), capped at max.
func calculateBackoff(attempts int, base, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts-1 >= 31 {
		return max
	}
	backoff := base << uint(attempts-1)
	if backoff <= 0 || backoff > max {
		backoff = max
	}
	return backoff
}
