package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoRecoversPanic(t *testing.T) {
	s := New(context.Background())
	s.Go("boom", func(ctx context.Context) error {
		panic("kaput")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in boom")

	snap := s.SnapshotNow()
	require.Len(t, snap.Goroutines, 1)
	assert.Equal(t, uint64(1), snap.Goroutines[0].Panics)
}

func TestCancelOnError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))

	s.Go("failer", func(ctx context.Context) error {
		return errors.New("nope")
	})
	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
}

func TestGoRestartRestartsOnError(t *testing.T) {
	s := New(context.Background())

	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.GreaterOrEqual(t, runs.Load(), int32(3))
}

func TestStopCancelsContext(t *testing.T) {
	s := New(context.Background())

	started := make(chan struct{})
	s.Go0("loop", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, int64(0), s.CountersNow().Active)
}
