package main

import (
	"context"
	"fmt"
	"time"

	"agentsched/internal/app"
	"agentsched/internal/task"
	"agentsched/internal/worker"
)

// registerBuiltinWorkers installs the stock workers every deployment gets.
// Domain-specific workers are registered by the embedding program through
// app.RegisterWorker.
func registerBuiltinWorkers(a *app.App) error {
	echo := &worker.FuncWorker{
		WorkerID:   "builtin.echo",
		WorkerRole: "echo",
		Caps: []worker.Capability{
			{Name: "echo", EstimatedTime: time.Millisecond, Confidence: 1.0},
		},
		Run: func(ctx context.Context, t *task.Task) (any, error) {
			return t.Payload, nil
		},
	}

	// sleep waits for payload "duration" (a Go duration string), honoring
	// cancellation. Useful for smoke-testing admission and cancellation.
	sleep := &worker.FuncWorker{
		WorkerID:   "builtin.sleep",
		WorkerRole: "sleep",
		Caps: []worker.Capability{
			{Name: "sleep", EstimatedTime: time.Second, Confidence: 1.0},
		},
		Run: func(ctx context.Context, t *task.Task) (any, error) {
			d := time.Second
			if raw, ok := t.Payload["duration"].(string); ok {
				parsed, err := time.ParseDuration(raw)
				if err != nil {
					return nil, fmt.Errorf("sleep: invalid duration %q: %w", raw, err)
				}
				d = parsed
			}
			select {
			case <-time.After(d):
				return d.String(), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	for _, w := range []worker.Worker{echo, sleep} {
		if err := a.RegisterWorker(w); err != nil {
			return err
		}
	}
	return nil
}
