// Package synclog keeps the capped history of sync outcomes shown to the
// operator. It is independent of the queue: clearing one never touches the
// other.
package synclog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chefcloud/posync/internal/db"
	"github.com/chefcloud/posync/internal/logging"
	"github.com/chefcloud/posync/internal/models"
	"github.com/chefcloud/posync/internal/uuid"
)

// DefaultCapacity is the number of entries kept when none is configured.
const DefaultCapacity = 200

type stored struct {
	key   string
	entry models.SyncLogEntry
}

// Log is an append-only history capped at a fixed number of entries.
type Log struct {
	mu       sync.RWMutex
	store    db.Store
	capacity int
	entries  []stored // chronological
	nextSeq  int64
	degraded bool
	now      func() time.Time
}

// New builds a Log holding at most capacity entries and loads persisted history.
func New(ctx context.Context, store db.Store, capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Log{
		store:    store,
		capacity: capacity,
		nextSeq:  1,
		now:      time.Now,
	}
	l.mu.Lock()
	l.load(ctx)
	l.mu.Unlock()
	return l
}

// SetClock overrides the clock, for tests.
func (l *Log) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Caller holds l.mu.
func (l *Log) load(ctx context.Context) {
	records, err := l.store.List(ctx, db.NamespaceSyncLog)
	if err != nil {
		l.degrade("load", err)
		return
	}

	entries := make([]stored, 0, len(records))
	for _, rec := range records {
		var e models.SyncLogEntry
		if err := json.Unmarshal(rec.Value, &e); err != nil {
			logging.Warn("Skipping unreadable sync log entry", map[string]interface{}{
				"key":   rec.Key,
				"error": err.Error(),
			})
			continue
		}
		entries = append(entries, stored{key: rec.Key, entry: e})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	l.entries = entries
	for _, s := range entries {
		if s.entry.Seq >= l.nextSeq {
			l.nextSeq = s.entry.Seq + 1
		}
	}
	l.evict(ctx)
}

// Reload re-reads persisted history.
func (l *Log) Reload(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.degraded {
		return
	}
	l.load(ctx)
}

// Caller holds l.mu.
func (l *Log) degrade(op string, err error) {
	if !l.degraded {
		logging.Warn("Sync log storage unavailable, continuing in memory", map[string]interface{}{
			"op":    op,
			"error": err.Error(),
		})
	}
	l.degraded = true
}

// Durable reports whether history survives a restart.
func (l *Log) Durable() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return !l.degraded && l.store.Durable()
}

// Capacity returns the maximum number of entries kept.
func (l *Log) Capacity() int {
	return l.capacity
}

// Append records entry, assigning its Seq and LoggedAt, and evicts the
// oldest entries beyond capacity.
func (l *Log) Append(ctx context.Context, entry models.SyncLogEntry) models.SyncLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Seq = l.nextSeq
	l.nextSeq++
	if entry.LoggedAt.IsZero() {
		entry.LoggedAt = l.now().UTC()
	}

	key := fmt.Sprintf("%020d-%s", entry.Seq, uuid.Short(uuid.New()))
	l.entries = append(l.entries, stored{key: key, entry: entry})

	if !l.degraded {
		data, err := json.Marshal(entry)
		if err != nil {
			l.degrade("encode", err)
		} else if err := l.store.Put(ctx, db.NamespaceSyncLog, key, data); err != nil {
			l.degrade("put", err)
		}
	}
	l.evict(ctx)
	return entry
}

// Caller holds l.mu.
func (l *Log) evict(ctx context.Context) {
	over := len(l.entries) - l.capacity
	if over <= 0 {
		return
	}
	keys := make([]string, over)
	for i := 0; i < over; i++ {
		keys[i] = l.entries[i].key
	}
	l.entries = append([]stored(nil), l.entries[over:]...)

	if l.degraded {
		return
	}
	if err := l.store.Delete(ctx, db.NamespaceSyncLog, keys...); err != nil {
		l.degrade("evict", err)
	}
}

// List returns every entry, oldest first.
func (l *Log) List() []models.SyncLogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.SyncLogEntry, len(l.entries))
	for i, s := range l.entries {
		out[i] = s.entry
	}
	return out
}

// Recent returns up to n entries, newest first. n <= 0 returns all.
func (l *Log) Recent(n int) []models.SyncLogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]models.SyncLogEntry, 0, n)
	for i := len(l.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, l.entries[i].entry)
	}
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Clear removes all history. Calling it on an empty log is a no-op.
func (l *Log) Clear(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.entries)
	l.entries = nil
	if !l.degraded {
		if err := l.store.Clear(ctx, db.NamespaceSyncLog); err != nil {
			l.degrade("clear", err)
		}
	}
	if n > 0 {
		logging.Info("Cleared sync history", map[string]interface{}{"entries": n})
	}
}
