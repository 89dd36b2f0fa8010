package sched

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"agentsched/internal/eventbus"
	"agentsched/internal/resource"
	rtsup "agentsched/internal/runtime/supervisor"
	"agentsched/internal/task"
	"agentsched/internal/worker"
	logx "agentsched/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Supervisor accepts tasks, ranks eligible workers by suitability, and runs
// assignments under the resource manager's admission gate.
//
// Scheduling passes are serialized by passMu: one pass runs to completion
// before the next starts, so no worker's bookkeeping is mutated by two
// passes at once. State reads/writes take mu and hold it briefly; admission
// calls that can block happen outside it.
type Supervisor struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	res *resource.Manager

	limiter *rate.Limiter

	passMu sync.Mutex

	mu        sync.Mutex
	started   bool
	ctx       context.Context
	workers   map[string]*workerState
	order     []string
	pending   []pendingEntry
	deferred  map[string]deferredEntry
	tasks     map[string]*task.Task
	cancels   map[string]context.CancelFunc
	cancelReq map[string]struct{}
	seq       uint64

	// retired lists terminal task ids oldest-first; entries beyond retain
	// are evicted from tasks so the map stays bounded on a long-running
	// daemon. TaskResult serves only the retained window.
	retired []string
	retain  int

	completed uint64

	sup *rtsup.Supervisor
	wg  sync.WaitGroup

	hmu     sync.Mutex
	history []HistoryItem

	lastRejectWarnAt int64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, res *resource.Manager) *Supervisor {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Supervisor{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		res:       res,
		workers:   make(map[string]*workerState),
		deferred:  make(map[string]deferredEntry),
		tasks:     make(map[string]*task.Task),
		cancels:   make(map[string]context.CancelFunc),
		cancelReq: make(map[string]struct{}),
		retain:    cfg.HistorySize,
	}
	s.limiter = rate.NewLimiter(rate.Inf, 1)
	if cfg.SubmitRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRate), cfg.SubmitBurst)
	}
	return s
}

// Apply updates the tunable parts of the configuration. The submit limiter
// and history bound take effect immediately; a zero SubmitRate disables
// rate limiting.
func (s *Supervisor) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	if cfg.SubmitRate > 0 {
		s.limiter.SetLimit(rate.Limit(cfg.SubmitRate))
		s.limiter.SetBurst(cfg.SubmitBurst)
	} else {
		s.limiter.SetLimit(rate.Inf)
		s.limiter.SetBurst(1)
	}
	s.mu.Lock()
	s.retain = cfg.HistorySize
	s.mu.Unlock()
	s.hmu.Lock()
	s.cfg = cfg
	if n := len(s.history); n > cfg.HistorySize {
		s.history = s.history[n-cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

// Start launches the background drain and health sampler. Idempotent.
func (s *Supervisor) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "sched"))),
		rtsup.WithCancelOnError(false),
	)
	s.ctx = s.sup.Context()
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("grant.drain", s.drainGrants)
	sup.GoRestart("health.sampler", s.res.RunSampler)

	s.log.Info("scheduler started")
}

// Stop cancels in-flight work contexts and waits for executions to settle
// or ctx to expire. Workers that ignore cancellation are not forcibly
// terminated.
func (s *Supervisor) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Any("err", ctx.Err()))
	}
}

// RegisterWorker adds w to the pool. Registering the same worker id twice
// is a no-op; workers live for the process lifetime.
func (s *Supervisor) RegisterWorker(w worker.Worker) error {
	if w == nil {
		return fmt.Errorf("register worker: nil worker")
	}
	id := strings.TrimSpace(w.ID())
	if id == "" {
		return fmt.Errorf("register worker: empty id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[id]; ok {
		return nil
	}
	s.workers[id] = &workerState{w: w, active: make(map[string]struct{})}
	s.order = append(s.order, id)
	s.log.Info("worker registered", logx.String("worker", id), logx.String("role", w.Role()))
	return nil
}

// Submit admits t into the scheduler and returns its id.
//
// Role and a valid priority are required; a missing id is generated. When
// admission is attempted immediately and both the concurrency ceiling and
// the overflow queue are exhausted, Submit fails synchronously with
// resource.ErrQueueFull and the task is not retained.
func (s *Supervisor) Submit(ctx context.Context, t task.Task) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(t.Role) == "" {
		return "", fmt.Errorf("submit: role is required")
	}
	if !t.Priority.Valid() {
		return "", fmt.Errorf("submit: invalid priority %d", t.Priority)
	}
	if !s.limiter.Allow() {
		return "", ErrRateLimited
	}

	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = task.NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.Status = task.StatusPending
	t.AssignedWorker = ""
	t.Result = nil
	t.Err = nil

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return "", ErrStopped
	}
	if _, ok := s.tasks[t.ID]; ok {
		s.mu.Unlock()
		return "", fmt.Errorf("submit: duplicate task id %s", t.ID)
	}
	tt := &t
	s.tasks[tt.ID] = tt
	s.seq++
	s.pending = append(s.pending, pendingEntry{t: tt, seq: s.seq})
	s.sortPendingLocked()
	s.mu.Unlock()

	s.publish(eventbus.TypeTaskSubmitted, tt, 0, nil)

	if err := s.schedule(tt.ID); err != nil {
		return "", err
	}
	return tt.ID, nil
}

// Cancel removes a pending or deferred task from consideration, or cancels
// the execution context of an in-flight one. Cancellation of running work
// is best-effort: the worker must honor its context.
func (s *Supervisor) Cancel(id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownTask
	}
	if t.Status.Terminal() {
		s.mu.Unlock()
		return ErrNotCancellable
	}

	if t.Status == task.StatusPending {
		s.removePendingLocked(id)
		delete(s.deferred, id)
		t.Status = task.StatusCancelled
		s.retireLocked(id)
		s.mu.Unlock()
		s.recordHistory(t, "", time.Now(), 0, "cancelled")
		s.publish(eventbus.TypeTaskCancelled, t, 0, nil)
		return nil
	}

	// In progress: deliver cancellation; the completion path settles state.
	s.cancelReq[id] = struct{}{}
	cancel := s.cancels[id]
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// TaskResult is a non-blocking poll of a task's status and outcome.
func (s *Supervisor) TaskResult(id string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Result{}, ErrUnknownTask
	}
	return Result{Status: t.Status, Result: t.Result, Err: t.Err}, nil
}

// Status returns the aggregate view used by monitoring collaborators.
func (s *Supervisor) Status() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		TotalWorkers:   len(s.workers),
		QueuedTasks:    len(s.pending),
		DeferredTasks:  len(s.deferred),
		CompletedTasks: s.completed,
	}
	for _, id := range s.order {
		ws := s.workers[id]
		snap.ActiveTasks += len(ws.active)
		snap.PerWorker = append(snap.PerWorker, WorkerStatus{
			ID:           id,
			Role:         ws.w.Role(),
			ActiveTasks:  len(ws.active),
			Metrics:      ws.metrics,
			Capabilities: ws.w.Capabilities(),
		})
	}
	s.mu.Unlock()

	snap.Health = s.res.Health()
	snap.ResourceStats = s.res.StatsNow()

	s.hmu.Lock()
	snap.History = make([]HistoryItem, len(s.history))
	copy(snap.History, s.history)
	s.hmu.Unlock()

	return snap
}

// schedule runs one scheduling pass. submitID names the task whose
// submission triggered the pass, if any; an admission rejection for that
// task is returned to the submitter instead of being retried.
func (s *Supervisor) schedule(submitID string) error {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	for {
		t, ws := s.nextAssignment()
		if t == nil {
			return nil
		}

		granted, err := s.res.Acquire(t.ID)
		switch {
		case err != nil:
			// Ceiling and overflow queue both exhausted.
			if t.ID == submitID {
				s.mu.Lock()
				s.removePendingLocked(t.ID)
				delete(s.tasks, t.ID)
				s.mu.Unlock()
				s.warnRejected(t)
				s.publish(eventbus.TypeTaskRejected, t, 0, err)
				return err
			}
			// An already-accepted task is never dropped; it stays queued
			// for a later pass.
			return nil

		case granted:
			s.mu.Lock()
			s.removePendingLocked(t.ID)
			s.mu.Unlock()
			s.dispatch(t, ws)

		default:
			// Parked on the overflow queue; the grant drain picks it up.
			s.mu.Lock()
			seq := s.removePendingLocked(t.ID)
			s.deferred[t.ID] = deferredEntry{t: t, seq: seq}
			s.mu.Unlock()
			s.publish(eventbus.TypeTaskDeferred, t, 0, nil)
		}
	}
}

// nextAssignment picks the highest-priority pending task that has an
// eligible worker, together with that worker. Tasks with no eligible
// worker stay pending for a later pass.
func (s *Supervisor) nextAssignment() (*task.Task, *workerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.pending {
		if ws := s.bestWorkerLocked(e.t, ""); ws != nil {
			return e.t, ws
		}
	}
	return nil, nil
}

// bestWorkerLocked ranks eligible workers by suitability. exclude names a
// worker id to skip (used for delegation). Caller holds s.mu.
func (s *Supervisor) bestWorkerLocked(t *task.Task, exclude string) *workerState {
	var best *workerState
	bestScore := -1.0
	for _, id := range s.order {
		if id == exclude {
			continue
		}
		ws := s.workers[id]
		if ws.w.Role() != t.Role || !ws.w.CanHandle(t) {
			continue
		}
		score := suitability(&ws.metrics, len(ws.active), t.Priority)
		if score > bestScore {
			best = ws
			bestScore = score
		}
	}
	return best
}

// suitability scores a worker for a task: its success rate, degraded by
// current workload, boosted for urgent tasks so near-ties break toward
// spare capacity.
func suitability(m *worker.Metrics, activeTasks int, p task.Priority) float64 {
	workload := 1 - 0.2*float64(activeTasks)
	if workload < 0.1 {
		workload = 0.1
	}
	prio := 1 + 0.1*float64(5-int(p))
	return m.EffectiveSuccessRate() * workload * prio
}

// dispatch launches t on ws. The caller must already hold t's admission
// slot; t has been removed from the pending queue.
func (s *Supervisor) dispatch(t *task.Task, ws *workerState) {
	s.mu.Lock()
	if t.Status.Terminal() {
		// Cancelled between selection and dispatch.
		s.mu.Unlock()
		s.res.Release(t.ID)
		return
	}
	t.Status = task.StatusInProgress
	t.AssignedWorker = ws.w.ID()
	ws.active[t.ID] = struct{}{}

	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	var cancel context.CancelFunc
	if !t.Deadline.IsZero() {
		ctx, cancel = context.WithDeadline(ctx, t.Deadline)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	s.cancels[t.ID] = cancel
	s.mu.Unlock()

	s.publish(eventbus.TypeTaskAssigned, t, 0, nil)
	s.log.Debug("task assigned",
		logx.String("id", t.ID),
		logx.String("role", t.Role),
		logx.String("worker", ws.w.ID()),
		logx.String("priority", t.Priority.String()),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.run(ctx, t, ws)
	}()
}

// run executes t on ws and settles the outcome. Panics and errors inside
// worker logic are confined to this task.
func (s *Supervisor) run(ctx context.Context, t *task.Task, ws *workerState) {
	start := time.Now()

	var (
		out any
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("worker panicked",
					logx.String("id", t.ID),
					logx.String("worker", ws.w.ID()),
					logx.Any("panic", r),
				)
			}
		}()
		out, err = ws.w.Execute(ctx, t)
	}()
	dur := time.Since(start)

	var deleg *DelegationError
	if errors.As(err, &deleg) {
		s.delegate(t, ws, deleg, dur)
		return
	}
	if err != nil {
		err = &ExecError{WorkerID: ws.w.ID(), Err: err}
	}
	s.complete(t, ws, out, err, dur)
}

// complete settles a terminal outcome, releases the slot, and re-runs the
// scheduling pass to drain anything newly unblocked.
func (s *Supervisor) complete(t *task.Task, ws *workerState, out any, err error, dur time.Duration) {
	now := time.Now()

	s.mu.Lock()
	delete(ws.active, t.ID)
	delete(s.cancels, t.ID)
	_, wasCancelled := s.cancelReq[t.ID]
	delete(s.cancelReq, t.ID)

	var evType string
	switch {
	case err == nil:
		t.Status = task.StatusCompleted
		t.Result = out
		ws.metrics.Record(dur, true, now)
		evType = eventbus.TypeTaskCompleted
	case wasCancelled && errors.Is(err, context.Canceled):
		t.Status = task.StatusCancelled
		t.Err = err
		ws.metrics.LastActiveAt = now
		evType = eventbus.TypeTaskCancelled
	default:
		t.Status = task.StatusFailed
		t.Err = err
		ws.metrics.Record(dur, false, now)
		evType = eventbus.TypeTaskFailed
	}
	s.completed++
	s.retireLocked(t.ID)
	s.mu.Unlock()

	errText := ""
	if err != nil {
		errText = err.Error()
		s.log.Warn("task failed",
			logx.String("id", t.ID),
			logx.String("worker", ws.w.ID()),
			logx.Duration("dur", dur),
			logx.Any("err", err),
		)
	} else {
		s.log.Debug("task completed",
			logx.String("id", t.ID),
			logx.String("worker", ws.w.ID()),
			logx.Duration("dur", dur),
		)
	}

	s.recordHistory(t, ws.w.ID(), now.Add(-dur), dur, errText)
	s.publish(evType, t, dur, err)

	s.res.Release(t.ID)
	_ = s.schedule("")
}

// delegate terminates t as Delegated and dispatches a successor carrying
// the same work to the next-best eligible worker, reusing t's admission
// slot. With no alternative worker the task fails instead.
func (s *Supervisor) delegate(t *task.Task, ws *workerState, d *DelegationError, dur time.Duration) {
	now := time.Now()

	succ := &task.Task{
		ID:           task.NewID(),
		Role:         t.Role,
		Priority:     t.Priority,
		Status:       task.StatusPending,
		CreatedAt:    now,
		Deadline:     t.Deadline,
		Dependencies: t.Dependencies,
		Payload:      t.Payload,
	}

	s.mu.Lock()
	delete(ws.active, t.ID)
	delete(s.cancels, t.ID)
	delete(s.cancelReq, t.ID)

	next := s.bestWorkerLocked(succ, ws.w.ID())
	if next == nil {
		t.Status = task.StatusFailed
		t.Err = fmt.Errorf("delegation failed (%s): no alternative worker", d.Reason)
		s.completed++
		ws.metrics.LastActiveAt = now
		s.retireLocked(t.ID)
		s.mu.Unlock()

		s.recordHistory(t, ws.w.ID(), now.Add(-dur), dur, t.Err.Error())
		s.publish(eventbus.TypeTaskFailed, t, dur, t.Err)
		s.res.Release(t.ID)
		_ = s.schedule("")
		return
	}

	t.Status = task.StatusDelegated
	t.Result = succ.ID
	s.completed++
	ws.metrics.LastActiveAt = now
	s.tasks[succ.ID] = succ
	s.retireLocked(t.ID)
	s.mu.Unlock()

	s.log.Info("task delegated",
		logx.String("id", t.ID),
		logx.String("successor", succ.ID),
		logx.String("from", ws.w.ID()),
		logx.String("to", next.w.ID()),
		logx.String("reason", d.Reason),
	)
	s.recordHistory(t, ws.w.ID(), now.Add(-dur), dur, "delegated: "+d.Reason)
	s.publish(eventbus.TypeTaskDelegated, t, dur, nil)

	// The successor inherits the slot; it bypasses the public queue.
	s.res.Rebind(t.ID, succ.ID)
	s.dispatch(succ, next)
}

// drainGrants dispatches tasks whose admission was deferred. A freed slot
// always goes to the current highest-priority deferred task, not
// necessarily the id the resource manager promoted; slots are rebound so
// the admission ledger stays truthful.
func (s *Supervisor) drainGrants(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-s.res.Grants():
			s.onGrant(id)
		}
	}
}

func (s *Supervisor) onGrant(grantedID string) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	s.mu.Lock()
	best, ok := s.bestDeferredLocked()
	if !ok {
		// Nothing wants the slot (e.g. the deferred task was cancelled).
		s.mu.Unlock()
		s.res.Release(grantedID)
		return
	}
	delete(s.deferred, best.t.ID)
	ws := s.bestWorkerLocked(best.t, "")
	s.mu.Unlock()

	if best.t.ID != grantedID {
		s.res.Rebind(grantedID, best.t.ID)
		// The task the grant named is still waiting; park it again.
		s.repark(grantedID)
	}

	if ws == nil {
		// Workers never unregister, so a deferred task keeps its
		// eligibility; this is unreachable in practice.
		s.mu.Lock()
		s.pending = append(s.pending, pendingEntry{t: best.t, seq: best.seq})
		s.sortPendingLocked()
		s.mu.Unlock()
		s.res.Release(best.t.ID)
		return
	}
	s.dispatch(best.t, ws)
}

// repark re-queues a still-deferred task's admission request after its
// grant was redirected to a higher-priority task.
func (s *Supervisor) repark(id string) {
	s.mu.Lock()
	e, ok := s.deferred[id]
	s.mu.Unlock()
	if !ok {
		return
	}

	granted, err := s.res.Acquire(id)
	switch {
	case err != nil:
		// Queue refilled in the meantime; fall back to the pending queue
		// so the task is retried on the next pass rather than lost.
		s.mu.Lock()
		delete(s.deferred, id)
		s.pending = append(s.pending, pendingEntry{t: e.t, seq: e.seq})
		s.sortPendingLocked()
		s.mu.Unlock()
	case granted:
		s.mu.Lock()
		delete(s.deferred, id)
		ws := s.bestWorkerLocked(e.t, "")
		s.mu.Unlock()
		if ws == nil {
			s.res.Release(id)
			return
		}
		s.dispatch(e.t, ws)
	}
}

// bestDeferredLocked picks the highest-priority deferred task, FIFO within
// a tier by submission sequence. Caller holds s.mu.
func (s *Supervisor) bestDeferredLocked() (deferredEntry, bool) {
	var best deferredEntry
	found := false
	for _, e := range s.deferred {
		if !found ||
			e.t.Priority < best.t.Priority ||
			(e.t.Priority == best.t.Priority && e.seq < best.seq) {
			best = e
			found = true
		}
	}
	return best, found
}

func (s *Supervisor) sortPendingLocked() {
	sort.SliceStable(s.pending, func(i, j int) bool {
		if s.pending[i].t.Priority != s.pending[j].t.Priority {
			return s.pending[i].t.Priority < s.pending[j].t.Priority
		}
		return s.pending[i].seq < s.pending[j].seq
	})
}

// removePendingLocked drops id from the pending queue, returning its
// submission sequence (0 if absent). Caller holds s.mu.
// retireLocked records a terminal task id and evicts the oldest retired
// entries beyond the retention bound, so tasks never grows without bound
// under recurring submissions. Caller holds s.mu.
func (s *Supervisor) retireLocked(id string) {
	s.retired = append(s.retired, id)
	for len(s.retired) > s.retain {
		old := s.retired[0]
		s.retired = s.retired[1:]
		delete(s.tasks, old)
	}
}

func (s *Supervisor) removePendingLocked(id string) uint64 {
	for i, e := range s.pending {
		if e.t.ID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return e.seq
		}
	}
	return 0
}

func (s *Supervisor) recordHistory(t *task.Task, workerID string, started time.Time, dur time.Duration, errText string) {
	item := HistoryItem{
		ID:       t.ID,
		Role:     t.Role,
		Worker:   workerID,
		Status:   t.Status,
		Started:  started,
		Duration: dur,
		Error:    errText,
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Supervisor) publish(evType string, t *task.Task, dur time.Duration, err error) {
	if s.bus == nil {
		return
	}
	ev := TaskEvent{
		ID:       t.ID,
		Role:     t.Role,
		Worker:   t.AssignedWorker,
		Priority: t.Priority,
		Status:   t.Status,
		Duration: dur,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: evType, Time: time.Now(), Data: ev})
}

func (s *Supervisor) warnRejected(t *task.Task) {
	if s.log.IsZero() || !s.shouldWarn(&s.lastRejectWarnAt, time.Now()) {
		return
	}
	stats := s.res.StatsNow()
	s.log.Warn("submission rejected: queue full",
		logx.String("id", t.ID),
		logx.String("role", t.Role),
		logx.Uint64("rejected", stats.Rejected),
	)
}

func (s *Supervisor) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}
