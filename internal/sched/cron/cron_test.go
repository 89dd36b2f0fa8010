package cron

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentsched/internal/task"
	logx "agentsched/pkg/logx"
)

type captureSubmitter struct {
	mu    sync.Mutex
	tasks []task.Task
}

func (c *captureSubmitter) Submit(_ context.Context, t task.Task) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, t)
	return task.NewID(), nil
}

func (c *captureSubmitter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

func TestNormalizeSpec(t *testing.T) {
	cases := []struct {
		in, want string
		ok       bool
	}{
		{"*/5 * * * *", "*/5 * * * *", true},
		{"@hourly", "@hourly", true},
		{"@every 55m", "@every 55m", true},
		{"55m", "@every 55m0s", true},
		{"2h30m", "@every 2h30m0s", true},
		{"", "", false},
		{"not-a-spec", "", false},
		{"-5m", "", false},
	}
	for _, tc := range cases {
		got, err := NormalizeSpec(tc.in)
		if tc.ok {
			require.NoError(t, err, "spec %q", tc.in)
			assert.Equal(t, tc.want, got)
		} else {
			assert.Error(t, err, "spec %q", tc.in)
		}
	}
}

func TestAddValidatesSpec(t *testing.T) {
	s := New(Config{Enabled: true}, &captureSubmitter{}, logx.Nop())

	err := s.Add(Definition{Name: "bad", Spec: "61 * * * * *"})
	assert.Error(t, err)

	err = s.Add(Definition{Spec: "@hourly"})
	assert.Error(t, err, "name is required")

	require.NoError(t, s.Add(Definition{Name: "ok", Spec: "@hourly", Template: task.Task{Role: "scrape"}}))
	assert.Equal(t, []string{"ok"}, s.Names())
}

func TestAddUpsertsByName(t *testing.T) {
	s := New(Config{Enabled: true}, &captureSubmitter{}, logx.Nop())

	require.NoError(t, s.Add(Definition{Name: "job", Spec: "@hourly"}))
	require.NoError(t, s.Add(Definition{Name: "job", Spec: "@daily"}))
	assert.Equal(t, []string{"job"}, s.Names())

	assert.True(t, s.Remove("job"))
	assert.False(t, s.Remove("job"))
	assert.Empty(t, s.Names())
}

func TestTriggerSubmits(t *testing.T) {
	sub := &captureSubmitter{}
	s := New(Config{Enabled: true}, sub, logx.Nop())
	require.NoError(t, s.Add(Definition{
		Name:     "tick",
		Spec:     "@every 1s",
		Template: task.Task{Role: "scrape", Priority: task.PriorityBackground},
	}))

	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	require.Eventually(t, func() bool { return sub.count() >= 1 }, 3*time.Second, 50*time.Millisecond)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	assert.Equal(t, "scrape", sub.tasks[0].Role)
	assert.Equal(t, task.PriorityBackground, sub.tasks[0].Priority)
	assert.Empty(t, sub.tasks[0].ID, "each firing submits a fresh task")
}

func TestDisabledDoesNotStart(t *testing.T) {
	sub := &captureSubmitter{}
	s := New(Config{Enabled: false}, sub, logx.Nop())
	require.NoError(t, s.Add(Definition{Name: "tick", Spec: "@every 1s", Template: task.Task{Role: "scrape"}}))

	s.Start(context.Background())
	time.Sleep(1200 * time.Millisecond)
	assert.Zero(t, sub.count())
}
