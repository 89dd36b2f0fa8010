package task

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Priority orders tasks for assignment. Lower value = more urgent.
type Priority int

const (
	PriorityCritical   Priority = 0
	PriorityHigh       Priority = 1
	PriorityMedium     Priority = 2
	PriorityLow        Priority = 3
	PriorityBackground Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the defined priority tiers.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// Status is the task lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusDelegated  Status = "DELEGATED"
)

// Terminal reports whether no further transition can occur from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusDelegated:
		return true
	}
	return false
}

// Task is a unit of work flowing through the scheduler.
//
// Payload is owned by the caller and opaque to the scheduler; only the
// executing worker interprets it. Result/Err are written exactly once,
// by the execution path of the owning worker.
type Task struct {
	ID       string
	Role     string
	Priority Priority

	Status         Status
	AssignedWorker string

	CreatedAt time.Time
	Deadline  time.Time

	// Dependencies lists task IDs that callers expect to finish first.
	// The scheduler records but does not enforce them.
	Dependencies []string

	Payload map[string]any

	Result any
	Err    error
}

// NewID generates a sortable unique task ID.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
