package sched

import (
	"errors"
	"fmt"
	"time"

	"agentsched/internal/resource"
	"agentsched/internal/task"
	"agentsched/internal/worker"
)

var (
	// ErrStopped is returned by Submit when the supervisor is not running.
	ErrStopped = errors.New("scheduler stopped")

	// ErrRateLimited is returned by Submit when the configured submission
	// rate limit is exceeded.
	ErrRateLimited = errors.New("submission rate limited")

	// ErrUnknownTask is returned for task ids the supervisor has never seen
	// or has already dropped.
	ErrUnknownTask = errors.New("unknown task")

	// ErrNotCancellable is returned by Cancel for tasks already terminal.
	ErrNotCancellable = errors.New("task already terminal")
)

// Config controls the scheduling supervisor.
type Config struct {
	// HistorySize bounds the in-memory ring of terminal task records.
	// Default 200.
	HistorySize int

	// SubmitRate limits accepted submissions per second. 0 disables the
	// limiter.
	SubmitRate float64
	// SubmitBurst is the limiter burst. Default 1 when SubmitRate > 0.
	SubmitBurst int
}

func (c Config) withDefaults() Config {
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.SubmitRate > 0 && c.SubmitBurst <= 0 {
		c.SubmitBurst = 1
	}
	return c
}

// ExecError wraps any failure raised inside worker execution, recovered
// panics included. It is recorded on the task and never propagated beyond
// it.
type ExecError struct {
	WorkerID string
	Err      error
}

func (e *ExecError) Error() string { return fmt.Sprintf("worker %s: %v", e.WorkerID, e.Err) }
func (e *ExecError) Unwrap() error { return e.Err }

// DelegationError signals that the executing worker wants the task handed
// to a different worker. Returned from Execute via Delegate.
type DelegationError struct {
	Reason string
}

func (e *DelegationError) Error() string { return "delegated: " + e.Reason }

// Delegate builds the error a worker returns from Execute to hand the
// task off. The supervisor terminates the task as Delegated and dispatches
// a successor to the next-best eligible worker.
func Delegate(reason string) error { return &DelegationError{Reason: reason} }

// TaskEvent is the payload published on the event bus for task lifecycle
// events.
type TaskEvent struct {
	ID       string        `json:"id"`
	Role     string        `json:"role"`
	Worker   string        `json:"worker,omitempty"`
	Priority task.Priority `json:"priority"`
	Status   task.Status   `json:"status"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// HistoryItem is one terminal task record kept in the bounded history ring.
type HistoryItem struct {
	ID       string
	Role     string
	Worker   string
	Status   task.Status
	Started  time.Time
	Duration time.Duration
	Error    string
}

// Result is the non-blocking poll view of a task.
type Result struct {
	Status task.Status
	Result any
	Err    error
}

// WorkerStatus is the per-worker slice of Snapshot.
type WorkerStatus struct {
	ID           string
	Role         string
	ActiveTasks  int
	Metrics      worker.Metrics
	Capabilities []worker.Capability
}

// Snapshot is the aggregate view returned by Status.
type Snapshot struct {
	TotalWorkers   int
	ActiveTasks    int
	QueuedTasks    int
	DeferredTasks  int
	CompletedTasks uint64

	Health        resource.Health
	ResourceStats resource.Stats

	PerWorker []WorkerStatus
	History   []HistoryItem
}

// workerState couples a registered worker with the bookkeeping only the
// supervisor mutates: its active task set and rolling metrics.
type workerState struct {
	w       worker.Worker
	active  map[string]struct{}
	metrics worker.Metrics
}

// pendingEntry keeps the submission sequence so ties within a priority
// tier stay FIFO.
type pendingEntry struct {
	t   *task.Task
	seq uint64
}

// deferredEntry is a task parked on the resource manager's overflow queue,
// keeping its submission sequence for FIFO tie-breaks at grant time.
type deferredEntry struct {
	t   *task.Task
	seq uint64
}
