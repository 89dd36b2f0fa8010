package sched

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentsched/internal/eventbus"
	"agentsched/internal/resource"
	"agentsched/internal/task"
	"agentsched/internal/worker"
	logx "agentsched/pkg/logx"
)

func newTestSupervisor(t *testing.T, maxSlots, queueCap int) *Supervisor {
	t.Helper()
	res := resource.NewManager(resource.Config{
		MaxConcurrentAgents:   maxSlots,
		OverflowQueueCapacity: queueCap,
		EnqueueWait:           20 * time.Millisecond,
		SampleInterval:        time.Hour,
	}, logx.Nop())
	s := New(Config{}, logx.Nop(), eventbus.New(), res)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitTerminal(t *testing.T, s *Supervisor, id string) Result {
	t.Helper()
	var r Result
	require.Eventually(t, func() bool {
		var err error
		r, err = s.TaskResult(id)
		return err == nil && r.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond, "task %s never reached a terminal state", id)
	return r
}

func TestEndToEndSingleSlot(t *testing.T) {
	s := newTestSupervisor(t, 1, 10)

	var inFlight, maxInFlight int32
	w := &worker.FuncWorker{
		WorkerID:   "w1",
		WorkerRole: "scrape",
		Run: func(ctx context.Context, tk *task.Task) (any, error) {
			cur := atomic.AddInt32(&inFlight, 1)
			defer atomic.AddInt32(&inFlight, -1)
			for {
				old := atomic.LoadInt32(&maxInFlight)
				if cur <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			return "ok", nil
		},
	}
	require.NoError(t, s.RegisterWorker(w))

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		id, err := s.Submit(context.Background(), task.Task{Role: "scrape", Priority: task.PriorityMedium})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		r := waitTerminal(t, s, id)
		assert.Equal(t, task.StatusCompleted, r.Status)
		assert.Equal(t, "ok", r.Result)
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))

	snap := s.Status()
	require.Len(t, snap.PerWorker, 1)
	assert.Equal(t, 3, snap.PerWorker[0].Metrics.TasksCompleted)
	assert.Equal(t, 1.0, snap.PerWorker[0].Metrics.SuccessRate)
}

func TestPriorityOrdering(t *testing.T) {
	s := newTestSupervisor(t, 1, 10)

	gate := make(chan struct{})
	var mu sync.Mutex
	var order []string

	w := &worker.FuncWorker{
		WorkerID:   "w1",
		WorkerRole: "scrape",
		Run: func(ctx context.Context, tk *task.Task) (any, error) {
			if tk.Payload["blocker"] == true {
				<-gate
			}
			mu.Lock()
			order = append(order, tk.ID)
			mu.Unlock()
			return nil, nil
		},
	}
	require.NoError(t, s.RegisterWorker(w))

	blocker, err := s.Submit(context.Background(), task.Task{
		Role: "scrape", Priority: task.PriorityMedium,
		Payload: map[string]any{"blocker": true},
	})
	require.NoError(t, err)

	// B (low) before A (critical); only one slot.
	b, err := s.Submit(context.Background(), task.Task{Role: "scrape", Priority: task.PriorityLow})
	require.NoError(t, err)
	a, err := s.Submit(context.Background(), task.Task{Role: "scrape", Priority: task.PriorityCritical})
	require.NoError(t, err)

	close(gate)
	waitTerminal(t, s, blocker)
	waitTerminal(t, s, a)
	waitTerminal(t, s, b)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{blocker, a, b}, order, "critical must run before low despite later submission")
}

func TestNoStarvationWithinCapacity(t *testing.T) {
	s := newTestSupervisor(t, 4, 10)

	gate := make(chan struct{})
	defer close(gate)
	w := &worker.FuncWorker{
		WorkerID:   "w1",
		WorkerRole: "scrape",
		Run: func(ctx context.Context, tk *task.Task) (any, error) {
			<-gate
			return nil, nil
		},
	}
	require.NoError(t, s.RegisterWorker(w))

	id, err := s.Submit(context.Background(), task.Task{Role: "scrape", Priority: task.PriorityHigh})
	require.NoError(t, err)

	// With capacity and an eligible worker, assignment happens within the
	// submission's own scheduling pass.
	r, err := s.TaskResult(id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, r.Status)
}

func TestQueueFullSynchronousRejection(t *testing.T) {
	s := newTestSupervisor(t, 1, 1)

	gate := make(chan struct{})
	defer close(gate)
	w := &worker.FuncWorker{
		WorkerID:   "w1",
		WorkerRole: "scrape",
		Run: func(ctx context.Context, tk *task.Task) (any, error) {
			<-gate
			return nil, nil
		},
	}
	require.NoError(t, s.RegisterWorker(w))

	_, err := s.Submit(context.Background(), task.Task{Role: "scrape", Priority: task.PriorityMedium})
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), task.Task{Role: "scrape", Priority: task.PriorityMedium})
	require.NoError(t, err)

	// Ceiling and overflow queue both exhausted now.
	id, err := s.Submit(context.Background(), task.Task{Role: "scrape", Priority: task.PriorityMedium})
	require.ErrorIs(t, err, resource.ErrQueueFull)
	assert.Empty(t, id)

	// The rejected task is not retained.
	snap := s.Status()
	assert.Equal(t, 0, snap.QueuedTasks)
	assert.Equal(t, 1, snap.DeferredTasks)
}

func TestMetricsRollup(t *testing.T) {
	s := newTestSupervisor(t, 2, 10)

	w := &worker.FuncWorker{
		WorkerID:   "w1",
		WorkerRole: "scrape",
		Run: func(ctx context.Context, tk *task.Task) (any, error) {
			if tk.Payload["fail"] == true {
				return nil, errors.New("boom")
			}
			return nil, nil
		},
	}
	require.NoError(t, s.RegisterWorker(w))

	outcomes := []bool{false, true, false} // fail flags
	for _, fail := range outcomes {
		id, err := s.Submit(context.Background(), task.Task{
			Role: "scrape", Priority: task.PriorityMedium,
			Payload: map[string]any{"fail": fail},
		})
		require.NoError(t, err)
		r := waitTerminal(t, s, id)
		if fail {
			assert.Equal(t, task.StatusFailed, r.Status)
			var ee *ExecError
			require.ErrorAs(t, r.Err, &ee)
			assert.Equal(t, "w1", ee.WorkerID)
		} else {
			assert.Equal(t, task.StatusCompleted, r.Status)
		}
	}

	snap := s.Status()
	require.Len(t, snap.PerWorker, 1)
	m := snap.PerWorker[0].Metrics
	assert.Equal(t, 3, m.TasksCompleted)
	assert.InDelta(t, 2.0/3.0, m.SuccessRate, 1e-9)
	assert.False(t, m.LastActiveAt.IsZero())
}

func TestPanicIsolation(t *testing.T) {
	s := newTestSupervisor(t, 2, 10)

	w := &worker.FuncWorker{
		WorkerID:   "w1",
		WorkerRole: "scrape",
		Run: func(ctx context.Context, tk *task.Task) (any, error) {
			if tk.Payload["panic"] == true {
				panic("kaboom")
			}
			return "fine", nil
		},
	}
	require.NoError(t, s.RegisterWorker(w))

	id, err := s.Submit(context.Background(), task.Task{
		Role: "scrape", Priority: task.PriorityMedium,
		Payload: map[string]any{"panic": true},
	})
	require.NoError(t, err)
	r := waitTerminal(t, s, id)
	assert.Equal(t, task.StatusFailed, r.Status)
	assert.Contains(t, r.Err.Error(), "panic")

	// The scheduler survives and keeps dispatching.
	id, err = s.Submit(context.Background(), task.Task{Role: "scrape", Priority: task.PriorityMedium})
	require.NoError(t, err)
	r = waitTerminal(t, s, id)
	assert.Equal(t, task.StatusCompleted, r.Status)
}

func TestDelegation(t *testing.T) {
	s := newTestSupervisor(t, 2, 10)

	w1 := &worker.FuncWorker{
		WorkerID:   "w1",
		WorkerRole: "scrape",
		Run: func(ctx context.Context, tk *task.Task) (any, error) {
			return nil, Delegate("overloaded")
		},
	}
	w2 := &worker.FuncWorker{
		WorkerID:   "w2",
		WorkerRole: "scrape",
		Run: func(ctx context.Context, tk *task.Task) (any, error) {
			return "handled by w2", nil
		},
	}
	require.NoError(t, s.RegisterWorker(w1))
	require.NoError(t, s.RegisterWorker(w2))

	id, err := s.Submit(context.Background(), task.Task{Role: "scrape", Priority: task.PriorityMedium})
	require.NoError(t, err)

	r := waitTerminal(t, s, id)
	require.Equal(t, task.StatusDelegated, r.Status)
	succID, ok := r.Result.(string)
	require.True(t, ok, "delegated task records its successor id")

	sr := waitTerminal(t, s, succID)
	assert.Equal(t, task.StatusCompleted, sr.Status)
	assert.Equal(t, "handled by w2", sr.Result)
}

func TestDelegationWithoutAlternative(t *testing.T) {
	s := newTestSupervisor(t, 2, 10)

	w := &worker.FuncWorker{
		WorkerID:   "w1",
		WorkerRole: "scrape",
		Run: func(ctx context.Context, tk *task.Task) (any, error) {
			return nil, Delegate("cannot do it")
		},
	}
	require.NoError(t, s.RegisterWorker(w))

	id, err := s.Submit(context.Background(), task.Task{Role: "scrape", Priority: task.PriorityMedium})
	require.NoError(t, err)

	r := waitTerminal(t, s, id)
	assert.Equal(t, task.StatusFailed, r.Status)
	assert.Contains(t, r.Err.Error(), "no alternative worker")
}

func TestCancelPending(t *testing.T) {
	s := newTestSupervisor(t, 2, 10)

	// No worker for this role, so the task stays pending.
	id, err := s.Submit(context.Background(), task.Task{Role: "translate", Priority: task.PriorityMedium})
	require.NoError(t, err)

	require.NoError(t, s.Cancel(id))
	r, err := s.TaskResult(id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, r.Status)

	assert.ErrorIs(t, s.Cancel(id), ErrNotCancellable)
	assert.ErrorIs(t, s.Cancel("no-such-task"), ErrUnknownTask)
}

func TestCancelInFlight(t *testing.T) {
	s := newTestSupervisor(t, 2, 10)

	started := make(chan struct{})
	w := &worker.FuncWorker{
		WorkerID:   "w1",
		WorkerRole: "scrape",
		Run: func(ctx context.Context, tk *task.Task) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	require.NoError(t, s.RegisterWorker(w))

	id, err := s.Submit(context.Background(), task.Task{Role: "scrape", Priority: task.PriorityMedium})
	require.NoError(t, err)
	<-started

	require.NoError(t, s.Cancel(id))
	r := waitTerminal(t, s, id)
	assert.Equal(t, task.StatusCancelled, r.Status)
}

func TestRegisterWorkerIdempotent(t *testing.T) {
	s := newTestSupervisor(t, 2, 10)

	w := &worker.FuncWorker{WorkerID: "w1", WorkerRole: "scrape"}
	require.NoError(t, s.RegisterWorker(w))
	require.NoError(t, s.RegisterWorker(w))
	assert.Equal(t, 1, s.Status().TotalWorkers)

	assert.Error(t, s.RegisterWorker(nil))
	assert.Error(t, s.RegisterWorker(&worker.FuncWorker{WorkerID: "  "}))
}

func TestSubmitValidation(t *testing.T) {
	s := newTestSupervisor(t, 2, 10)

	_, err := s.Submit(context.Background(), task.Task{Priority: task.PriorityMedium})
	assert.Error(t, err)

	_, err = s.Submit(context.Background(), task.Task{Role: "scrape", Priority: task.Priority(9)})
	assert.Error(t, err)
}

func TestSubmitRateLimit(t *testing.T) {
	res := resource.NewManager(resource.Config{SampleInterval: time.Hour}, logx.Nop())
	s := New(Config{SubmitRate: 1, SubmitBurst: 1}, logx.Nop(), nil, res)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	_, err := s.Submit(context.Background(), task.Task{Role: "scrape", Priority: task.PriorityMedium})
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), task.Task{Role: "scrape", Priority: task.PriorityMedium})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestSuitabilityScoring(t *testing.T) {
	fresh := &worker.Metrics{}

	// Busier workers are penalized but never to zero.
	assert.InDelta(t, 1.3, suitability(fresh, 0, task.PriorityMedium), 1e-9)
	assert.Greater(t,
		suitability(fresh, 0, task.PriorityMedium),
		suitability(fresh, 2, task.PriorityMedium))
	assert.InDelta(t, 0.1*1.3, suitability(fresh, 10, task.PriorityMedium), 1e-9)

	// More urgent tasks score higher for the same worker.
	assert.Greater(t,
		suitability(fresh, 0, task.PriorityCritical),
		suitability(fresh, 0, task.PriorityBackground))

	// Track record dominates between otherwise equal workers.
	good := &worker.Metrics{}
	bad := &worker.Metrics{}
	now := time.Now()
	good.Record(time.Second, true, now)
	bad.Record(time.Second, false, now)
	assert.Greater(t,
		suitability(good, 0, task.PriorityMedium),
		suitability(bad, 0, task.PriorityMedium))
}

func TestTerminalTaskEviction(t *testing.T) {
	res := resource.NewManager(resource.Config{SampleInterval: time.Hour}, logx.Nop())
	s := New(Config{HistorySize: 2}, logx.Nop(), nil, res)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	require.NoError(t, s.RegisterWorker(&worker.FuncWorker{
		WorkerID: "w1", WorkerRole: "scrape",
		Run: func(ctx context.Context, tk *task.Task) (any, error) { return nil, nil },
	}))

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		id, err := s.Submit(context.Background(), task.Task{Role: "scrape", Priority: task.PriorityMedium})
		require.NoError(t, err)
		waitTerminal(t, s, id)
		ids = append(ids, id)
	}

	// Only the newest two terminal outcomes stay pollable.
	_, err := s.TaskResult(ids[0])
	assert.ErrorIs(t, err, ErrUnknownTask)
	for _, id := range ids[1:] {
		r, err := s.TaskResult(id)
		require.NoError(t, err)
		assert.Equal(t, task.StatusCompleted, r.Status)
	}
}

func TestHistoryRing(t *testing.T) {
	res := resource.NewManager(resource.Config{SampleInterval: time.Hour}, logx.Nop())
	s := New(Config{HistorySize: 2}, logx.Nop(), nil, res)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	require.NoError(t, s.RegisterWorker(&worker.FuncWorker{
		WorkerID: "w1", WorkerRole: "scrape",
		Run: func(ctx context.Context, tk *task.Task) (any, error) { return nil, nil },
	}))

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		id, err := s.Submit(context.Background(), task.Task{Role: "scrape", Priority: task.PriorityMedium})
		require.NoError(t, err)
		waitTerminal(t, s, id)
		ids = append(ids, id)
	}

	h := s.Status().History
	require.Len(t, h, 2)
	assert.Equal(t, ids[1], h[0].ID)
	assert.Equal(t, ids[2], h[1].ID)
}
