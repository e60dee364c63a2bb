// Package offline wires the queue, sync engine, caches and signals of one
// terminal session together.
package offline

import (
	"context"
	"net/http"
	gosync "sync"
	"time"

	"github.com/chefcloud/posync/internal/broadcast"
	"github.com/chefcloud/posync/internal/config"
	"github.com/chefcloud/posync/internal/connectivity"
	"github.com/chefcloud/posync/internal/db"
	"github.com/chefcloud/posync/internal/errors"
	"github.com/chefcloud/posync/internal/logging"
	"github.com/chefcloud/posync/internal/metrics"
	"github.com/chefcloud/posync/internal/models"
	syncpkg "github.com/chefcloud/posync/internal/sync"
	"github.com/chefcloud/posync/internal/sync/queue"
	"github.com/chefcloud/posync/internal/sync/quota"
	"github.com/chefcloud/posync/internal/sync/scheduler"
	"github.com/chefcloud/posync/internal/sync/snapshot"
	"github.com/chefcloud/posync/internal/sync/synclog"
	"github.com/chefcloud/posync/internal/uuid"
)

// Option customizes Open.
type Option func(*options)

type options struct {
	conn         connectivity.Source
	channel      broadcast.Channel
	metrics      *metrics.Collector
	now          func() time.Time
	offlineStore db.Store
	logStore     db.Store
	usage        quota.UsageFunc
}

// WithConnectivity supplies the online signal instead of one built from config.
func WithConnectivity(src connectivity.Source) Option {
	return func(o *options) { o.conn = src }
}

// WithBroadcast supplies the cross-session channel instead of a FileChannel.
// The caller keeps ownership and closes it.
func WithBroadcast(ch broadcast.Channel) Option {
	return func(o *options) { o.channel = ch }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithClock overrides the clock of every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithStores supplies the offline and sync log substrates instead of the
// SQLite files in the data directory. The session closes them.
func WithStores(offlineStore, logStore db.Store) Option {
	return func(o *options) {
		o.offlineStore = offlineStore
		o.logStore = logStore
	}
}

// WithUsageFunc replaces the filesystem usage query.
func WithUsageFunc(fn quota.UsageFunc) Option {
	return func(o *options) { o.usage = fn }
}

// Session owns every store of one terminal session.
type Session struct {
	id  string
	cfg *config.Config

	offlineStore db.Store
	logStore     db.Store

	queue     *queue.Queue
	history   *synclog.Log
	snapshots *snapshot.Manager
	quota     *quota.Monitor
	engine    *syncpkg.SyncEngine
	scheduler *scheduler.Scheduler
	metrics   *metrics.Collector

	conn         connectivity.Source
	prober       *connectivity.Prober
	channel      broadcast.Channel
	ownsChannel  bool
	unsubscribes []func()

	mu      gosync.RWMutex
	closed  bool
	started bool
	nextSub int
	subs    map[int]func(Status)
	now     func() time.Time
}

// Open builds a session for cfg. Storage that cannot be opened falls back
// to memory and the session reports itself non-durable.
func Open(ctx context.Context, cfg *config.Config, executor syncpkg.Executor, opts ...Option) (*Session, error) {
	if executor == nil {
		return nil, errors.New(errors.ErrConfig, "an executor is required")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Session{
		id:      uuid.New(),
		cfg:     cfg,
		metrics: o.metrics,
		subs:    make(map[int]func(Status)),
		now:     o.now,
	}

	s.offlineStore = o.offlineStore
	if s.offlineStore == nil {
		s.offlineStore = openStore(cfg.DataDir, db.OfflineDBFile)
	}
	s.logStore = o.logStore
	if s.logStore == nil {
		s.logStore = openStore(cfg.DataDir, db.SyncLogDBFile)
	}

	s.queue = queue.New(ctx, s.offlineStore, &queue.Options{
		BackoffBase: cfg.Sync.BackoffBase,
		BackoffMax:  cfg.Sync.BackoffMax,
		Now:         o.now,
	})
	s.history = synclog.New(ctx, s.logStore, cfg.History.MaxEntries)
	s.history.SetClock(o.now)
	s.snapshots = snapshot.New(ctx, s.offlineStore, map[models.SnapshotKind]time.Duration{
		models.SnapshotMenu:       cfg.Cache.MenuTTL,
		models.SnapshotOpenOrders: cfg.Cache.OpenOrdersTTL,
	})
	s.snapshots.SetClock(o.now)
	s.quota = quota.New(cfg.DataDir, []string{db.OfflineDBFile, db.SyncLogDBFile}, cfg.Quota.MaxBytes, s.Durable)
	if o.usage != nil {
		s.quota.SetUsageFunc(o.usage)
	}

	s.conn = o.conn
	if s.conn == nil {
		if cfg.Connectivity.ProbeURL != "" {
			s.prober = connectivity.NewProber(cfg.Connectivity.ProbeURL, cfg.Connectivity.ProbeInterval,
				&http.Client{Timeout: cfg.API.Timeout})
			s.conn = s.prober
		} else {
			s.conn = connectivity.NewManual(true)
		}
	}

	s.engine = syncpkg.NewSyncEngine(s.queue, s.history, executor, s.conn, syncpkg.Config{
		Concurrency:   cfg.Sync.Concurrency,
		RateLimit:     cfg.Sync.RateLimit,
		Burst:         cfg.Sync.Burst,
		ActionTimeout: cfg.Sync.ActionTimeout,
	})
	s.engine.SetClock(o.now)
	s.engine.SetMetrics(s.metrics)
	s.engine.SetEventHandler(s.onEngineEvent)

	s.scheduler = scheduler.NewScheduler(s.engine, s.queue, s.conn, &scheduler.SchedulerConfig{
		Interval: cfg.Sync.Interval,
	})
	s.scheduler.SetMetrics(s.metrics)

	s.channel = o.channel
	if s.channel == nil {
		ch, err := broadcast.NewFileChannel(cfg.BroadcastDir(), s.id, 0)
		if err != nil {
			logging.Warn("Cross-session broadcast unavailable, using a local bus", map[string]interface{}{
				"dir":   cfg.BroadcastDir(),
				"error": err.Error(),
			})
			s.channel = broadcast.NewBus()
		} else {
			s.channel = ch
		}
		s.ownsChannel = true
	}
	s.unsubscribes = append(s.unsubscribes,
		s.channel.Subscribe(s.onBroadcast),
		s.conn.Subscribe(s.onConnectivity),
	)

	logging.Info("Offline session opened", map[string]interface{}{
		"session_id": s.id,
		"data_dir":   cfg.DataDir,
		"durable":    s.Durable(),
		"queued":     s.queue.Len(),
	})
	return s, nil
}

func openStore(dataDir, file string) db.Store {
	store, err := db.OpenStore(dataDir, file)
	if err != nil {
		logging.Warn("Persistent storage unavailable, falling back to memory", map[string]interface{}{
			"file":  file,
			"error": err.Error(),
		})
		return db.NewMemoryStore()
	}
	return store
}

// ID returns the session's broadcast origin id.
func (s *Session) ID() string {
	return s.id
}

// Config returns the resolved configuration.
func (s *Session) Config() *config.Config {
	return s.cfg
}

// Queue returns the action queue.
func (s *Session) Queue() *queue.Queue {
	return s.queue
}

// Engine returns the sync engine.
func (s *Session) Engine() *syncpkg.SyncEngine {
	return s.engine
}

// Scheduler returns the background scheduler.
func (s *Session) Scheduler() *scheduler.Scheduler {
	return s.scheduler
}

// Metrics returns the attached collector, possibly nil.
func (s *Session) Metrics() *metrics.Collector {
	return s.metrics
}

// Connectivity returns the online signal.
func (s *Session) Connectivity() connectivity.Source {
	return s.conn
}

// Durable reports whether every store is backed by persistent storage.
func (s *Session) Durable() bool {
	return s.queue.Durable() && s.history.Durable() && s.snapshots.Durable()
}

func (s *Session) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New(errors.ErrQueueClosed, "session is closed")
	}
	return nil
}

// Start begins background draining and, when configured, probing.
func (s *Session) Start(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if s.prober != nil {
		s.prober.Start(ctx)
	}
	return s.scheduler.Start(ctx)
}

// Close stops background work and closes the stores. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.subs = make(map[int]func(Status))
	s.mu.Unlock()

	for _, unsubscribe := range s.unsubscribes {
		unsubscribe()
	}
	s.scheduler.Stop()
	if s.prober != nil {
		s.prober.Stop()
	}

	var firstErr error
	if s.ownsChannel {
		if err := s.channel.Close(); err != nil {
			firstErr = err
		}
	}
	for _, store := range []db.Store{s.offlineStore, s.logStore} {
		if err := store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	logging.Info("Offline session closed", map[string]interface{}{"session_id": s.id})
	return firstErr
}

// =====================================================
// Queue Commands
// =====================================================

// Enqueue validates and queues a mutation, then starts a drain when the
// scheduler is running.
func (s *Session) Enqueue(ctx context.Context, payload models.Payload) (models.QueuedAction, error) {
	if err := s.checkOpen(); err != nil {
		return models.QueuedAction{}, err
	}
	action, err := s.queue.Enqueue(ctx, payload)
	if err != nil {
		return models.QueuedAction{}, err
	}
	s.afterEnqueue()
	return action, nil
}

// EnqueueRaw queues a mutation given as its kind and JSON payload.
func (s *Session) EnqueueRaw(ctx context.Context, kind models.ActionKind, raw []byte) (models.QueuedAction, error) {
	if err := s.checkOpen(); err != nil {
		return models.QueuedAction{}, err
	}
	action, err := s.queue.EnqueueRaw(ctx, kind, raw)
	if err != nil {
		return models.QueuedAction{}, err
	}
	s.afterEnqueue()
	return action, nil
}

func (s *Session) afterEnqueue() {
	s.notify()
	if s.conn.Online() {
		s.scheduler.TriggerDrain()
	}
}

// Drain runs one drain synchronously.
func (s *Session) Drain(ctx context.Context) (*syncpkg.DrainResult, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.scheduler.DrainNow(ctx)
}

// RetryFailed moves failed actions back to pending and drains them when
// online. Conflicts stay until cleared. The result is nil when no drain ran.
func (s *Session) RetryFailed(ctx context.Context) (int, *syncpkg.DrainResult, error) {
	if err := s.checkOpen(); err != nil {
		return 0, nil, err
	}
	n, result, err := s.scheduler.RetryAll(ctx)
	s.notify()
	return n, result, err
}

// Discard removes one terminal action.
func (s *Session) Discard(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if !uuid.IsValid(id) {
		return errors.Newf(errors.ErrNotFound, "no queued action %q", id)
	}
	if err := s.queue.Discard(ctx, id); err != nil {
		return err
	}
	s.notify()
	return nil
}

// ClearQueue removes every queued action and tells peer sessions. Actions
// in flight are removed once their call returns.
func (s *Session) ClearQueue(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	n := s.queue.Clear(ctx)
	s.publish(ctx, broadcast.TopicQueueCleared)
	s.notify()
	return n, nil
}

// ClearSnapshots drops every cached snapshot and tells peer sessions.
func (s *Session) ClearSnapshots(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.snapshots.Clear(ctx)
	s.publish(ctx, broadcast.TopicSnapshotsCleared)
	s.notify()
	return nil
}

// ClearSyncHistory empties the sync log and tells peer sessions. The queue
// is not touched.
func (s *Session) ClearSyncHistory(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.history.Clear(ctx)
	s.publish(ctx, broadcast.TopicHistoryCleared)
	s.notify()
	return nil
}

// Logout wipes the queue, the snapshots and the history, then tells peer
// sessions to reset.
func (s *Session) Logout(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.reset(ctx)
	s.publish(ctx, broadcast.TopicSessionLogout)
	logging.Info("Session logged out", map[string]interface{}{"session_id": s.id})
	s.notify()
	return nil
}

// Reset drops this session's state after a peer logged out.
func (s *Session) Reset(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.reset(ctx)
	s.notify()
	return nil
}

func (s *Session) reset(ctx context.Context) {
	s.queue.Clear(ctx)
	s.snapshots.Clear(ctx)
	s.history.Clear(ctx)
}

// =====================================================
// Snapshots and History
// =====================================================

// SaveSnapshot replaces the cached snapshot for kind.
func (s *Session) SaveSnapshot(ctx context.Context, kind models.SnapshotKind, data []byte) (models.CacheSnapshot, error) {
	if err := s.checkOpen(); err != nil {
		return models.CacheSnapshot{}, err
	}
	snap, err := s.snapshots.Save(ctx, kind, data)
	if err != nil {
		return models.CacheSnapshot{}, err
	}
	s.notify()
	return snap, nil
}

// Snapshot returns the cached snapshot for kind.
func (s *Session) Snapshot(kind models.SnapshotKind) (models.CacheSnapshot, bool) {
	return s.snapshots.Get(kind)
}

// History returns the n most recent sync log entries, newest first.
func (s *Session) History(n int) []models.SyncLogEntry {
	return s.history.Recent(n)
}

// SetOnline overrides connectivity when the session uses a manual source.
func (s *Session) SetOnline(online bool) error {
	manual, ok := s.conn.(*connectivity.Manual)
	if !ok {
		return errors.New(errors.ErrInvalid, "connectivity is probed and cannot be set")
	}
	manual.Set(online)
	return nil
}

// =====================================================
// Signals
// =====================================================

func (s *Session) publish(ctx context.Context, topic broadcast.Topic) {
	err := s.channel.Publish(ctx, broadcast.Message{Topic: topic, Origin: s.id, SentAt: s.now()})
	if err != nil {
		logging.Warn("Failed to broadcast to peer sessions", map[string]interface{}{
			"topic": string(topic),
			"error": err.Error(),
		})
	}
}

func (s *Session) onBroadcast(msg broadcast.Message) {
	if msg.Origin == s.id || s.checkOpen() != nil {
		return
	}
	ctx := context.Background()

	switch msg.Topic {
	case broadcast.TopicQueueCleared:
		s.queue.Reload(ctx)
	case broadcast.TopicSnapshotsCleared:
		s.snapshots.Reload(ctx)
	case broadcast.TopicHistoryCleared:
		s.history.Reload(ctx)
	case broadcast.TopicSessionLogout:
		s.reset(ctx)
	default:
		return
	}

	logging.Info("Applied peer session signal", map[string]interface{}{
		"session_id": s.id,
		"topic":      string(msg.Topic),
		"origin":     msg.Origin,
	})
	s.notify()
}

func (s *Session) onConnectivity(online bool) {
	s.metrics.SetOnline(online)
	s.notify()
}

func (s *Session) onEngineEvent(ev syncpkg.Event) {
	switch ev.Type {
	case syncpkg.EventActionFinished, syncpkg.EventDrainFinished:
		s.notify()
	}
}
