package worker

import (
	"context"
	"time"

	"agentsched/internal/task"
)

// Capability describes one named thing a worker can do, with static
// planning hints used by callers (and surfaced in status output).
type Capability struct {
	Name          string
	EstimatedTime time.Duration
	CostEstimate  float64
	Confidence    float64
}

// Worker is a unit of specialized execution. Implementations are expected
// to be stateless between tasks; per-worker bookkeeping (active task set,
// performance metrics) is owned by the scheduling supervisor.
//
// Execute must honor ctx cancellation on a best-effort basis; the scheduler
// cancels the context on task cancellation and deadline expiry but never
// forcibly terminates a running worker.
type Worker interface {
	ID() string
	Role() string
	Capabilities() []Capability

	// CanHandle is a worker-supplied eligibility predicate over the task,
	// checked after the role filter.
	CanHandle(t *task.Task) bool

	Execute(ctx context.Context, t *task.Task) (any, error)
}

// Metrics is a rolling per-worker performance record.
//
// Averages use the running-mean update newAvg = (oldAvg*(n-1)+sample)/n.
// Only the scheduling supervisor mutates a worker's Metrics.
type Metrics struct {
	TasksCompleted   int       `json:"tasks_completed"`
	AvgCompletionMs  float64   `json:"avg_completion_ms"`
	SuccessRate      float64   `json:"success_rate"`
	LastActiveAt     time.Time `json:"last_active_at"`
}

// Record folds one terminal task outcome into the rolling metrics.
func (m *Metrics) Record(dur time.Duration, success bool, now time.Time) {
	m.TasksCompleted++
	n := float64(m.TasksCompleted)

	sample := float64(dur.Milliseconds())
	m.AvgCompletionMs = (m.AvgCompletionMs*(n-1) + sample) / n

	outcome := 0.0
	if success {
		outcome = 1.0
	}
	m.SuccessRate = (m.SuccessRate*(n-1) + outcome) / n

	m.LastActiveAt = now
}

// EffectiveSuccessRate returns the success rate used for suitability
// scoring. Workers with no history get an optimistic prior of 1.0 so a
// fresh worker is not starved behind veterans.
func (m *Metrics) EffectiveSuccessRate() float64 {
	if m.TasksCompleted == 0 {
		return 1.0
	}
	return m.SuccessRate
}
