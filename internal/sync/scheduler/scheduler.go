// Package scheduler decides when the offline queue is drained: on an
// offline-to-online transition, on a periodic timer and on operator request.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chefcloud/posync/internal/connectivity"
	"github.com/chefcloud/posync/internal/errors"
	"github.com/chefcloud/posync/internal/logging"
	"github.com/chefcloud/posync/internal/metrics"
	syncpkg "github.com/chefcloud/posync/internal/sync"
	"github.com/chefcloud/posync/internal/sync/queue"
)

// Drain triggers, used in logs and metrics.
const (
	TriggerOnline = "online"
	TriggerTimer  = "timer"
	TriggerManual = "manual"
	TriggerRetry  = "retry"
)

// Scheduler runs drains in the background.
type Scheduler struct {
	engine      syncpkg.SyncEngineInterface
	queue       *queue.Queue
	conn        connectivity.Source
	interval    time.Duration
	metrics     *metrics.Collector
	cron        *cron.Cron
	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	mu          sync.RWMutex
	isRunning   bool
	isOnline    bool
	lastDrain   time.Time
	now         func() time.Time
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	Interval time.Duration // How often to retry due actions when online (default: 30 seconds)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		Interval: 30 * time.Second,
	}
}

// NewScheduler creates a Scheduler. conn may be nil, in which case the
// online state is driven by SetOnlineStatus alone.
func NewScheduler(engine syncpkg.SyncEngineInterface, q *queue.Queue, conn connectivity.Source, config *SchedulerConfig) *Scheduler {
	if config == nil || config.Interval <= 0 {
		config = DefaultSchedulerConfig()
	}

	s := &Scheduler{
		engine:   engine,
		queue:    q,
		conn:     conn,
		interval: config.Interval,
		isOnline: true,
		now:      time.Now,
	}
	if conn != nil {
		s.isOnline = conn.Online()
	}
	return s
}

// SetMetrics attaches a metrics collector.
func (s *Scheduler) SetMetrics(c *metrics.Collector) {
	s.metrics = c
}

// Start subscribes to connectivity and starts the periodic job. It drains
// once immediately when online.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	logger := cron.PrintfLogger(logging.Get())
	s.cron = cron.New(cron.WithLogger(logger), cron.WithChain(cron.SkipIfStillRunning(logger)))
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		s.runDrain(s.ctx, TriggerTimer)
	}); err != nil {
		s.cancel()
		s.mu.Unlock()
		return errors.Wrap(errors.ErrConfig, "invalid sync interval", err)
	}
	s.isRunning = true
	online := s.isOnline
	s.mu.Unlock()

	if s.conn != nil {
		s.unsubscribe = s.conn.Subscribe(s.SetOnlineStatus)
		online = s.conn.Online()
		s.mu.Lock()
		s.isOnline = online
		s.mu.Unlock()
	}
	s.cron.Start()

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval": s.interval.String(),
		"online":   online,
	})

	if online {
		s.spawn(TriggerOnline)
	}
	return nil
}

// Stop stops the scheduler and waits for background drains to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	<-s.cron.Stop().Done()
	s.cancel()
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped")
}

// SetOnlineStatus records the online state. An offline-to-online transition
// starts a drain.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	logging.Info("Online status changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  isOnline,
	})
	s.metrics.SetOnline(isOnline)
	if isOnline {
		s.spawn(TriggerOnline)
	}
}

// spawn starts a background drain while the scheduler runs.
func (s *Scheduler) spawn(trigger string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isRunning {
		return false
	}
	ctx := s.ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runDrain(ctx, trigger)
	}()
	return true
}

// runDrain requeues due retries and drains when online.
func (s *Scheduler) runDrain(ctx context.Context, trigger string) {
	if !s.IsOnline() {
		logging.Debug("Skipping drain - scheduler is offline", map[string]interface{}{"trigger": trigger})
		return
	}
	if _, err := s.drain(ctx, trigger); err != nil && !errors.Is(err, errors.ErrDrainInProgress) {
		logging.ErrorWithCode("Background drain failed", string(errors.CodeOf(err)), err,
			map[string]interface{}{"trigger": trigger})
	}
}

func (s *Scheduler) drain(ctx context.Context, trigger string) (*syncpkg.DrainResult, error) {
	if s.engine.IsDraining() {
		return nil, errors.New(errors.ErrDrainInProgress, "a drain is already running")
	}
	if n := s.queue.RequeueDue(ctx, s.now()); n > 0 {
		logging.Debug("Requeued due retries", map[string]interface{}{"count": n, "trigger": trigger})
	}

	s.metrics.RecordDrain(trigger)
	result, err := s.engine.Drain(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.lastDrain = s.now()
	s.mu.Unlock()
	return result, nil
}

// TriggerDrain starts a background drain. Returns false if a drain is
// already running or the scheduler is stopped.
func (s *Scheduler) TriggerDrain() bool {
	if s.engine.IsDraining() {
		return false
	}
	return s.spawn(TriggerManual)
}

// DrainNow drains synchronously and returns the result.
func (s *Scheduler) DrainNow(ctx context.Context) (*syncpkg.DrainResult, error) {
	return s.drain(ctx, TriggerManual)
}

// RetryAll moves every failed action back to pending and drains.
func (s *Scheduler) RetryAll(ctx context.Context) (int, *syncpkg.DrainResult, error) {
	n := s.queue.RetryFailed(ctx)
	if !s.IsOnline() {
		return n, nil, nil
	}
	result, err := s.drain(ctx, TriggerRetry)
	if errors.Is(err, errors.ErrDrainInProgress) {
		// the running drain picks the requeued actions up
		return n, nil, nil
	}
	return n, result, err
}

// SchedulerStatus reports the scheduler state.
type SchedulerStatus struct {
	IsRunning       bool         `json:"isRunning"`
	IsOnline        bool         `json:"isOnline"`
	DrainInProgress bool         `json:"drainInProgress"`
	LastDrainTime   *time.Time   `json:"lastDrainTime,omitempty"`
	NextRetryAt     *time.Time   `json:"nextRetryAt,omitempty"`
	Interval        string       `json:"interval"`
	Counts          queue.Counts `json:"counts"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning: s.isRunning,
		Interval:  s.interval.String(),
	}
	if !s.lastDrain.IsZero() {
		t := s.lastDrain
		status.LastDrainTime = &t
	}
	s.mu.RUnlock()

	status.IsOnline = s.IsOnline()
	status.DrainInProgress = s.engine.IsDraining()
	status.Counts = s.queue.Counts()
	if next, ok := s.queue.NextRetryAt(); ok {
		status.NextRetryAt = &next
	}
	return status
}

// IsOnline reports the connectivity source when there is one, so a
// scheduler that was never started still sees transitions.
func (s *Scheduler) IsOnline() bool {
	if s.conn != nil {
		return s.conn.Online()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
