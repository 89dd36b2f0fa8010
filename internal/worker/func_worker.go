package worker

import (
	"context"

	"agentsched/internal/task"
)

// FuncWorker adapts a plain function into a Worker. It is the common way
// to register built-in workers (and the workhorse of the package tests).
type FuncWorker struct {
	WorkerID   string
	WorkerRole string
	Caps       []Capability

	// Handles optionally narrows eligibility beyond the role match.
	// Nil means "handles everything with a matching role".
	Handles func(t *task.Task) bool

	Run func(ctx context.Context, t *task.Task) (any, error)
}

func (w *FuncWorker) ID() string                 { return w.WorkerID }
func (w *FuncWorker) Role() string               { return w.WorkerRole }
func (w *FuncWorker) Capabilities() []Capability { return w.Caps }

func (w *FuncWorker) CanHandle(t *task.Task) bool {
	if w.Handles == nil {
		return true
	}
	return w.Handles(t)
}

func (w *FuncWorker) Execute(ctx context.Context, t *task.Task) (any, error) {
	if w.Run == nil {
		return nil, nil
	}
	return w.Run(ctx, t)
}
