package sync

import (
	"context"
	stderrors "errors"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/chefcloud/posync/internal/connectivity"
	"github.com/chefcloud/posync/internal/errors"
	"github.com/chefcloud/posync/internal/logging"
	"github.com/chefcloud/posync/internal/metrics"
	"github.com/chefcloud/posync/internal/models"
	"github.com/chefcloud/posync/internal/sync/conflict"
	"github.com/chefcloud/posync/internal/sync/queue"
	"github.com/chefcloud/posync/internal/sync/synclog"
)

// Defaults for Config.
const (
	DefaultConcurrency   = 1
	DefaultActionTimeout = 30 * time.Second
)

// Config tunes draining.
type Config struct {
	// Concurrency bounds how many actions for distinct entities run at once.
	Concurrency int
	// RateLimit caps executor calls per second; zero disables the limiter.
	RateLimit float64
	Burst     int
	// ActionTimeout bounds one executor call.
	ActionTimeout time.Duration
}

// StopReason says why a drain ended.
type StopReason string

const (
	StopIdle     StopReason = "idle"
	StopOffline  StopReason = "offline"
	StopCanceled StopReason = "canceled"
)

// DrainResult summarizes one drain.
type DrainResult struct {
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	Duration  time.Duration `json:"duration"`
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Conflicts int           `json:"conflicts"`
	Fatal     int           `json:"fatal"`
	Stopped   StopReason    `json:"stopped"`
}

// SyncEngine executes queued actions and records their outcomes.
type SyncEngine struct {
	queue    *queue.Queue
	history  *synclog.Log
	executor Executor
	conn     connectivity.Source
	metrics  *metrics.Collector
	cfg      Config
	limiter  *rate.Limiter
	now      func() time.Time

	draining atomic.Bool

	mu        gosync.RWMutex
	handler   EventHandler
	lastDrain *DrainResult
}

var _ SyncEngineInterface = (*SyncEngine)(nil)

// NewSyncEngine creates an engine draining q through executor and recording
// outcomes in history. conn may be nil, meaning always online.
func NewSyncEngine(q *queue.Queue, history *synclog.Log, executor Executor, conn connectivity.Source, cfg Config) *SyncEngine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = DefaultActionTimeout
	}
	e := &SyncEngine{
		queue:    q,
		history:  history,
		executor: executor,
		conn:     conn,
		cfg:      cfg,
		now:      time.Now,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return e
}

// SetMetrics attaches a metrics collector.
func (e *SyncEngine) SetMetrics(c *metrics.Collector) {
	e.metrics = c
}

// SetClock overrides the clock, for tests.
func (e *SyncEngine) SetClock(now func() time.Time) {
	e.now = now
}

// SetEventHandler sets the handler for engine notifications.
func (e *SyncEngine) SetEventHandler(handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// IsDraining reports whether a drain is running.
func (e *SyncEngine) IsDraining() bool {
	return e.draining.Load()
}

// LastDrain returns a copy of the most recent drain result.
func (e *SyncEngine) LastDrain() *DrainResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastDrain == nil {
		return nil
	}
	r := *e.lastDrain
	return &r
}

func (e *SyncEngine) emit(ev Event) {
	e.mu.RLock()
	h := e.handler
	e.mu.RUnlock()
	if h != nil {
		h(ev)
	}
}

func (e *SyncEngine) online() bool {
	return e.conn == nil || e.conn.Online()
}

// Drain executes eligible actions in batches until nothing is eligible,
// connectivity is lost or ctx is done. Per-action failures are recorded on
// the action, never returned. A second concurrent call returns
// DRAIN_IN_PROGRESS.
func (e *SyncEngine) Drain(ctx context.Context) (*DrainResult, error) {
	if !e.draining.CompareAndSwap(false, true) {
		return nil, errors.New(errors.ErrDrainInProgress, "a drain is already running")
	}

	result := &DrainResult{StartTime: e.now()}
	var resultMu gosync.Mutex

	e.emit(Event{Type: EventDrainStarted})
	logging.Debug("Drain started", map[string]interface{}{"concurrency": e.cfg.Concurrency})

	for result.Stopped == "" {
		if ctx.Err() != nil {
			result.Stopped = StopCanceled
			break
		}
		if !e.online() {
			result.Stopped = StopOffline
			break
		}

		batch := e.queue.NextEligible(e.cfg.Concurrency)
		if len(batch) == 0 {
			result.Stopped = StopIdle
			break
		}

		var g errgroup.Group
		g.SetLimit(e.cfg.Concurrency)
		for _, action := range batch {
			if e.limiter != nil {
				if err := e.limiter.Wait(ctx); err != nil {
					result.Stopped = StopCanceled
					break
				}
			}
			if !e.online() {
				result.Stopped = StopOffline
				break
			}
			action := action
			g.Go(func() error {
				status, kind := e.run(ctx, action)
				resultMu.Lock()
				defer resultMu.Unlock()
				switch {
				case status == "":
					return nil
				case status == models.StatusSuccess:
					result.Succeeded++
				case status == models.StatusConflict:
					result.Conflicts++
				case kind == models.FailureFatal:
					result.Fatal++
				default:
					result.Failed++
				}
				result.Attempted++
				return nil
			})
		}
		// Returned errors are always nil; outcomes are counted above.
		_ = g.Wait()
	}

	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	last := *result
	e.lastDrain = &last
	e.mu.Unlock()

	logging.Info("Drain finished", map[string]interface{}{
		"attempted": result.Attempted,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"conflicts": result.Conflicts,
		"fatal":     result.Fatal,
		"stopped":   result.Stopped,
		"duration":  result.Duration.String(),
	})
	e.draining.Store(false)
	e.emit(Event{Type: EventDrainFinished, Result: &last})
	return result, nil
}

// panicError carries a recovered executor panic.
type panicError struct {
	value interface{}
}

func (p *panicError) Error() string {
	return fmt.Sprintf("executor panic: %v", p.value)
}

func (e *SyncEngine) execute(ctx context.Context, action models.QueuedAction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return e.executor.Execute(ctx, action)
}

// run executes one action and records its outcome. It returns the resulting
// status, or "" when the action could not be started.
func (e *SyncEngine) run(ctx context.Context, action models.QueuedAction) (models.ActionStatus, models.FailureKind) {
	// Storage writes and the call itself outlive drain cancellation: an
	// in-flight action always gets its result recorded.
	persistCtx := context.WithoutCancel(ctx)

	started, err := e.queue.MarkSyncing(persistCtx, action.ID)
	if err != nil {
		logging.Warn("Skipping action", map[string]interface{}{
			"action_id": action.ID,
			"error":     err.Error(),
		})
		return "", ""
	}
	e.emit(Event{Type: EventActionStarted, Action: &started})

	callCtx, cancel := context.WithTimeout(persistCtx, e.cfg.ActionTimeout)
	begin := time.Now()
	execErr := e.execute(callCtx, started)
	elapsed := time.Since(begin)
	cancel()

	out := e.outcome(execErr, started)
	updated, err := e.queue.MarkResult(persistCtx, started.ID, out)
	if err != nil {
		logging.Error("Failed to record action result", err, map[string]interface{}{"action_id": started.ID})
		return "", ""
	}

	e.history.Append(persistCtx, models.NewSyncLogEntry(updated))
	if updated.Status == models.StatusSuccess {
		if err := e.queue.RemoveCompleted(persistCtx, updated.ID); err != nil {
			logging.Warn("Failed to remove completed action", map[string]interface{}{
				"action_id": updated.ID,
				"error":     err.Error(),
			})
		}
	}

	label := string(updated.Status)
	if updated.Status == models.StatusFailed {
		label = string(updated.FailureKind)
	}
	e.metrics.RecordAttempt(string(updated.Kind), label, elapsed)

	fields := map[string]interface{}{
		"action_id":  updated.ID,
		"kind":       updated.Kind,
		"entity_key": updated.EntityKey,
		"attempt":    updated.AttemptCount,
		"outcome":    label,
		"elapsed_ms": elapsed.Milliseconds(),
	}
	switch updated.Status {
	case models.StatusSuccess:
		logging.Info("Action synced", fields)
	case models.StatusConflict:
		fields["server_status"] = updated.ConflictDetails.ServerStatus
		logging.Warn("Action conflicts with server state", fields)
	default:
		if updated.FailureKind == models.FailureFatal {
			logging.ErrorWithCode("Action rejected", string(errors.ErrSyncFatal), execErr, fields)
		} else {
			logging.Warn("Action failed, will retry", fields)
		}
	}

	e.emit(Event{Type: EventActionFinished, Action: &updated})
	return updated.Status, updated.FailureKind
}

func (e *SyncEngine) outcome(execErr error, action models.QueuedAction) queue.Outcome {
	if execErr == nil {
		return queue.Succeeded()
	}
	var p *panicError
	if stderrors.As(execErr, &p) {
		return queue.Failed(models.FailureFatal, execErr.Error())
	}
	switch conflict.Classify(execErr) {
	case conflict.Conflict:
		return queue.Conflicted(conflict.Details(execErr, action), execErr.Error())
	case conflict.Fatal:
		return queue.Failed(models.FailureFatal, execErr.Error())
	default:
		return queue.Failed(models.FailureTransient, execErr.Error())
	}
}
