// Package snapshot caches read-mostly server data (menu, open orders) and
// reports how stale each copy is.
package snapshot

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/chefcloud/posync/internal/db"
	"github.com/chefcloud/posync/internal/errors"
	"github.com/chefcloud/posync/internal/logging"
	"github.com/chefcloud/posync/internal/models"
)

// Default staleness thresholds.
const (
	DefaultMenuTTL       = 24 * time.Hour
	DefaultOpenOrdersTTL = 5 * time.Minute
)

// DefaultThresholds returns the built-in staleness thresholds.
func DefaultThresholds() map[models.SnapshotKind]time.Duration {
	return map[models.SnapshotKind]time.Duration{
		models.SnapshotMenu:       DefaultMenuTTL,
		models.SnapshotOpenOrders: DefaultOpenOrdersTTL,
	}
}

// Status describes one snapshot for the operator surface. Age is nil when
// no snapshot exists.
type Status struct {
	Kind       models.SnapshotKind `json:"kind"`
	Present    bool                `json:"present"`
	CapturedAt *time.Time          `json:"capturedAt,omitempty"`
	Age        *time.Duration      `json:"age,omitempty"`
	Threshold  time.Duration       `json:"threshold"`
	Stale      bool                `json:"stale"`
}

// Manager holds one snapshot per kind.
type Manager struct {
	mu         sync.RWMutex
	store      db.Store
	thresholds map[models.SnapshotKind]time.Duration
	snapshots  map[models.SnapshotKind]models.CacheSnapshot
	degraded   bool
	now        func() time.Time
}

// New builds a Manager and loads persisted snapshots. Kinds missing from
// thresholds use the defaults.
func New(ctx context.Context, store db.Store, thresholds map[models.SnapshotKind]time.Duration) *Manager {
	t := DefaultThresholds()
	for k, d := range thresholds {
		if d > 0 {
			t[k] = d
		}
	}
	m := &Manager{
		store:      store,
		thresholds: t,
		snapshots:  make(map[models.SnapshotKind]models.CacheSnapshot),
		now:        time.Now,
	}
	m.mu.Lock()
	m.load(ctx)
	m.mu.Unlock()
	return m
}

// SetClock overrides the clock, for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Caller holds m.mu.
func (m *Manager) load(ctx context.Context) {
	snapshots := make(map[models.SnapshotKind]models.CacheSnapshot)
	for _, kind := range models.SnapshotKinds() {
		raw, ok, err := m.store.Get(ctx, db.NamespaceSnapshots, string(kind))
		if err != nil {
			m.degrade("load", err)
			return
		}
		if !ok {
			continue
		}
		var s models.CacheSnapshot
		if err := json.Unmarshal(raw, &s); err != nil {
			logging.Warn("Discarding unreadable snapshot", map[string]interface{}{
				"kind":  kind,
				"error": err.Error(),
			})
			continue
		}
		snapshots[kind] = s
	}
	m.snapshots = snapshots
}

// Reload re-reads persisted snapshots.
func (m *Manager) Reload(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.degraded {
		return
	}
	m.load(ctx)
}

// Caller holds m.mu.
func (m *Manager) degrade(op string, err error) {
	if !m.degraded {
		logging.Warn("Snapshot storage unavailable, continuing in memory", map[string]interface{}{
			"op":    op,
			"error": err.Error(),
		})
	}
	m.degraded = true
}

// Durable reports whether snapshots survive a restart.
func (m *Manager) Durable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.degraded && m.store.Durable()
}

// Save replaces the snapshot for kind with data captured now.
func (m *Manager) Save(ctx context.Context, kind models.SnapshotKind, data json.RawMessage) (models.CacheSnapshot, error) {
	if _, err := models.ParseSnapshotKind(string(kind)); err != nil {
		return models.CacheSnapshot{}, errors.Wrap(errors.ErrValidation, "save snapshot", err)
	}
	if !json.Valid(data) {
		return models.CacheSnapshot{}, errors.Newf(errors.ErrValidation, "snapshot %s is not valid JSON", kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := models.CacheSnapshot{
		Kind:       kind,
		Data:       append(json.RawMessage(nil), data...),
		CapturedAt: m.now().UTC(),
	}
	m.snapshots[kind] = s

	if !m.degraded {
		raw, err := json.Marshal(s)
		if err != nil {
			m.degrade("encode", err)
		} else if err := m.store.Put(ctx, db.NamespaceSnapshots, string(kind), raw); err != nil {
			m.degrade("put", err)
		}
	}

	logging.Debug("Saved snapshot", map[string]interface{}{"kind": kind, "bytes": len(data)})
	return s, nil
}

// Get returns the snapshot for kind. Stale snapshots are still returned.
func (m *Manager) Get(kind models.SnapshotKind) (models.CacheSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[kind]
	if !ok {
		return models.CacheSnapshot{}, false
	}
	s.Data = append(json.RawMessage(nil), s.Data...)
	return s, true
}

// Age returns how long ago the snapshot for kind was captured.
func (m *Manager) Age(kind models.SnapshotKind) (time.Duration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[kind]
	if !ok {
		return 0, false
	}
	return m.now().Sub(s.CapturedAt), true
}

// Threshold returns the staleness threshold for kind.
func (m *Manager) Threshold(kind models.SnapshotKind) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.threshold(kind)
}

func (m *Manager) threshold(kind models.SnapshotKind) time.Duration {
	if d, ok := m.thresholds[kind]; ok {
		return d
	}
	return DefaultOpenOrdersTTL
}

// IsStale reports whether the snapshot is older than its threshold. A
// missing snapshot is stale.
func (m *Manager) IsStale(kind models.SnapshotKind) bool {
	age, ok := m.Age(kind)
	if !ok {
		return true
	}
	return age > m.Threshold(kind)
}

// Statuses describes every snapshot kind.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	out := make([]Status, 0, len(models.SnapshotKinds()))
	for _, kind := range models.SnapshotKinds() {
		st := Status{Kind: kind, Threshold: m.threshold(kind), Stale: true}
		if s, ok := m.snapshots[kind]; ok {
			captured := s.CapturedAt
			age := now.Sub(captured)
			st.Present = true
			st.CapturedAt = &captured
			st.Age = &age
			st.Stale = age > st.Threshold
		}
		out = append(out, st)
	}
	return out
}

// Clear removes every snapshot. Safe to call when none exist.
func (m *Manager) Clear(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshots = make(map[models.SnapshotKind]models.CacheSnapshot)
	if !m.degraded {
		if err := m.store.Clear(ctx, db.NamespaceSnapshots); err != nil {
			m.degrade("clear", err)
		}
	}
	logging.Info("Cleared snapshots")
}
