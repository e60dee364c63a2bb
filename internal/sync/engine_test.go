package sync

import (
	"context"
	"errors"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chefcloud/posync/internal/connectivity"
	"github.com/chefcloud/posync/internal/db"
	apperrors "github.com/chefcloud/posync/internal/errors"
	"github.com/chefcloud/posync/internal/metrics"
	"github.com/chefcloud/posync/internal/models"
	"github.com/chefcloud/posync/internal/sync/conflict"
	"github.com/chefcloud/posync/internal/sync/queue"
	"github.com/chefcloud/posync/internal/sync/synclog"
)

// =====================================================
// Test Helpers
// =====================================================

type fixture struct {
	queue   *queue.Queue
	history *synclog.Log
	conn    *connectivity.Manual
	engine  *SyncEngine
}

// recorder is an Executor that records calls and answers from a script.
type recorder struct {
	mu     gosync.Mutex
	calls  []models.QueuedAction
	answer func(models.QueuedAction) error
}

func (r *recorder) Execute(ctx context.Context, action models.QueuedAction) error {
	r.mu.Lock()
	r.calls = append(r.calls, action)
	answer := r.answer
	r.mu.Unlock()
	if answer == nil {
		return nil
	}
	return answer(action)
}

func (r *recorder) kinds() []models.ActionKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ActionKind, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.Kind
	}
	return out
}

func newFixture(t *testing.T, exec Executor, online bool, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		queue:   queue.New(ctx, db.NewMemoryStore(), nil),
		history: synclog.New(ctx, db.NewMemoryStore(), 50),
		conn:    connectivity.NewManual(online),
	}
	f.engine = NewSyncEngine(f.queue, f.history, exec, f.conn, cfg)
	return f
}

func (f *fixture) enqueue(t *testing.T, p models.Payload) models.QueuedAction {
	t.Helper()
	a, err := f.queue.Enqueue(context.Background(), p)
	require.NoError(t, err)
	return a
}

func createOrder(id string) models.CreateOrder {
	return models.CreateOrder{OrderID: id, TableID: "T1", Covers: 2}
}

func addItems(id string) models.AddItems {
	return models.AddItems{OrderID: id, Items: []models.OrderLine{{MenuItemID: "m-1", Quantity: 2}}}
}

// =====================================================
// Scenario Tests
// =====================================================

// TestDrain_offlineThenReconnect enqueues two actions for one order while
// offline and checks both sync in order after reconnecting.
func TestDrain_offlineThenReconnect(t *testing.T) {
	exec := &recorder{}
	f := newFixture(t, exec, false, Config{})
	ctx := context.Background()

	f.enqueue(t, createOrder("o-1"))
	f.enqueue(t, addItems("o-1"))

	res, err := f.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, StopOffline, res.Stopped)
	assert.Zero(t, res.Attempted)
	assert.Empty(t, exec.kinds())

	f.conn.Set(true)
	res, err = f.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, StopIdle, res.Stopped)
	assert.Equal(t, 2, res.Succeeded)

	assert.Equal(t, []models.ActionKind{models.KindCreateOrder, models.KindAddItems}, exec.kinds())
	assert.Zero(t, f.queue.Len(), "successful actions are removed")

	entries := f.history.List()
	require.Len(t, entries, 2)
	assert.Equal(t, models.KindCreateOrder, entries[0].Kind)
	assert.Equal(t, models.KindAddItems, entries[1].Kind)
	for _, e := range entries {
		assert.Equal(t, models.StatusSuccess, e.Status)
	}
}

// TestDrain_conflictStaysVisible checks an order closed on the server
// becomes a conflict that stays in the queue.
func TestDrain_conflictStaysVisible(t *testing.T) {
	exec := &recorder{answer: func(models.QueuedAction) error {
		return &conflict.ExecutionError{
			HTTPStatus:   409,
			Code:         "ORDER_CLOSED",
			Reason:       "order is closed",
			ServerStatus: "CLOSED",
		}
	}}
	f := newFixture(t, exec, true, Config{})
	a := f.enqueue(t, models.TakePayment{OrderID: "o-7", AmountCents: 4200, Method: models.PaymentCard})

	res, err := f.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)

	got, ok := f.queue.Get(a.ID)
	require.True(t, ok, "conflicted action stays in the queue")
	assert.Equal(t, models.StatusConflict, got.Status)
	require.NotNil(t, got.ConflictDetails)
	assert.Equal(t, "CLOSED", got.ConflictDetails.ServerStatus)
	assert.Equal(t, "o-7", got.ConflictDetails.OrderID)

	// never retried automatically
	res, err = f.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Attempted)
	assert.Len(t, exec.kinds(), 1)

	entries := f.history.List()
	require.Len(t, entries, 1)
	assert.Equal(t, models.StatusConflict, entries[0].Status)
}

// =====================================================
// Outcome Tests
// =====================================================

func TestDrain_transientFailureBlocksEntity(t *testing.T) {
	exec := &recorder{answer: func(a models.QueuedAction) error {
		if a.Kind == models.KindCreateOrder && a.EntityKey == "o-1" {
			return &conflict.ExecutionError{HTTPStatus: 503}
		}
		return nil
	}}
	f := newFixture(t, exec, true, Config{})
	first := f.enqueue(t, createOrder("o-1"))
	f.enqueue(t, addItems("o-1"))
	f.enqueue(t, createOrder("o-2"))

	res, err := f.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Succeeded)

	got, _ := f.queue.Get(first.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, models.FailureTransient, got.FailureKind)
	assert.NotNil(t, got.NextRetryAt)
	assert.Equal(t, 2, f.queue.Len(), "the later action for o-1 waits behind the failure")
	assert.NotContains(t, exec.kinds(), models.KindAddItems)
}

func TestDrain_fatalFailure(t *testing.T) {
	exec := &recorder{answer: func(models.QueuedAction) error {
		return &conflict.ExecutionError{HTTPStatus: 400, Code: "VALIDATION_ERROR", Message: "covers out of range"}
	}}
	f := newFixture(t, exec, true, Config{})
	a := f.enqueue(t, createOrder("o-1"))

	res, err := f.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fatal)

	got, _ := f.queue.Get(a.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, models.FailureFatal, got.FailureKind)
	assert.Nil(t, got.NextRetryAt)
	assert.Contains(t, got.ErrorMessage, "covers out of range")
}

func TestDrain_executorPanicIsFatal(t *testing.T) {
	exec := ExecutorFunc(func(context.Context, models.QueuedAction) error {
		panic("nil map")
	})
	f := newFixture(t, exec, true, Config{})
	a := f.enqueue(t, createOrder("o-1"))

	res, err := f.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fatal)

	got, _ := f.queue.Get(a.ID)
	assert.Equal(t, models.FailureFatal, got.FailureKind)
	assert.Contains(t, got.ErrorMessage, "nil map")
}

func TestDrain_retryAfterTransient(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	exec := &recorder{answer: func(models.QueuedAction) error {
		if fail.Load() {
			return errors.New("connection reset")
		}
		return nil
	}}
	f := newFixture(t, exec, true, Config{})
	a := f.enqueue(t, createOrder("o-1"))
	ctx := context.Background()

	_, err := f.engine.Drain(ctx)
	require.NoError(t, err)

	fail.Store(false)
	require.Equal(t, 1, f.queue.RetryFailed(ctx))
	res, err := f.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	entries := f.history.List()
	require.Len(t, entries, 2)
	assert.Equal(t, a.ID, entries[1].ActionID)
	assert.Equal(t, 2, entries[1].AttemptCount, "attempts accumulate across manual retries")
}

// =====================================================
// Concurrency Tests
// =====================================================

func TestDrain_inProgress(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	exec := ExecutorFunc(func(context.Context, models.QueuedAction) error {
		close(entered)
		<-release
		return nil
	})
	f := newFixture(t, exec, true, Config{})
	f.enqueue(t, createOrder("o-1"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.engine.Drain(context.Background())
	}()
	<-entered

	assert.True(t, f.engine.IsDraining())
	_, err := f.engine.Drain(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrDrainInProgress))

	close(release)
	<-done
	assert.False(t, f.engine.IsDraining())
	require.NotNil(t, f.engine.LastDrain())
	assert.Equal(t, 1, f.engine.LastDrain().Succeeded)
}

func TestDrain_inFlightSurvivesCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var callErr atomic.Value
	exec := ExecutorFunc(func(callCtx context.Context, _ models.QueuedAction) error {
		cancel()
		time.Sleep(10 * time.Millisecond)
		if err := callCtx.Err(); err != nil {
			callErr.Store(err)
		}
		return nil
	})
	f := newFixture(t, exec, true, Config{})
	a := f.enqueue(t, createOrder("o-1"))
	f.enqueue(t, createOrder("o-2"))

	res, err := f.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Nil(t, callErr.Load(), "in-flight call must not see drain cancellation")
	assert.Equal(t, StopCanceled, res.Stopped)
	assert.Equal(t, 1, res.Succeeded)

	_, ok := f.queue.Get(a.ID)
	assert.False(t, ok, "result of the in-flight action is recorded")
	assert.Equal(t, 1, f.queue.Len())
}

func TestDrain_goingOfflineStopsDequeue(t *testing.T) {
	var f *fixture
	exec := ExecutorFunc(func(context.Context, models.QueuedAction) error {
		f.conn.Set(false)
		return nil
	})
	f = newFixture(t, exec, true, Config{})
	f.enqueue(t, createOrder("o-1"))
	f.enqueue(t, createOrder("o-2"))

	res, err := f.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopOffline, res.Stopped)
	assert.Equal(t, 1, res.Succeeded, "the in-flight action completes")
	assert.Equal(t, 1, f.queue.Len())
}

func TestDrain_concurrentEntities(t *testing.T) {
	var inFlight, peak atomic.Int32
	perEntity := make(map[string]*atomic.Int32)
	for _, k := range []string{"o-1", "o-2", "o-3"} {
		perEntity[k] = &atomic.Int32{}
	}
	exec := ExecutorFunc(func(_ context.Context, a models.QueuedAction) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		if perEntity[a.EntityKey].Add(1) > 1 {
			t.Errorf("two actions for %s ran at once", a.EntityKey)
		}
		time.Sleep(5 * time.Millisecond)
		perEntity[a.EntityKey].Add(-1)
		return nil
	})
	f := newFixture(t, exec, true, Config{Concurrency: 3})
	for _, k := range []string{"o-1", "o-2", "o-3"} {
		f.enqueue(t, createOrder(k))
		f.enqueue(t, addItems(k))
	}

	res, err := f.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, res.Succeeded)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestDrain_clearWhileSyncing(t *testing.T) {
	var f *fixture
	exec := ExecutorFunc(func(context.Context, models.QueuedAction) error {
		f.queue.Clear(context.Background())
		return errors.New("timeout")
	})
	f = newFixture(t, exec, true, Config{})
	f.enqueue(t, createOrder("o-1"))
	f.enqueue(t, createOrder("o-2"))

	res, err := f.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, f.queue.Len(), "cleared action is dropped once its result is in")
	assert.Equal(t, 1, f.history.Len(), "its outcome is still logged")
}

func TestDrain_rateLimited(t *testing.T) {
	exec := &recorder{}
	f := newFixture(t, exec, true, Config{RateLimit: 1000, Burst: 1})
	for i := 0; i < 3; i++ {
		f.enqueue(t, createOrder(string(rune('a'+i))))
	}

	res, err := f.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Succeeded)
}

func TestDrain_eventsAndMetrics(t *testing.T) {
	exec := &recorder{}
	f := newFixture(t, exec, true, Config{})
	collector := metrics.NewCollector()
	f.engine.SetMetrics(collector)

	var mu gosync.Mutex
	var types []EventType
	f.engine.SetEventHandler(func(ev Event) {
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
	})
	f.enqueue(t, createOrder("o-1"))

	_, err := f.engine.Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []EventType{EventDrainStarted, EventActionStarted, EventActionFinished, EventDrainFinished}, types)

	families, err := collector.Registry().Gather()
	require.NoError(t, err)
	found := false
	for _, fam := range families {
		if fam.GetName() == "posync_sync_attempts_total" {
			found = true
		}
	}
	assert.True(t, found)
}
