package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func failingOp(ctx context.Context) error { return errBoom }
func okOp(ctx context.Context) error      { return nil }

func TestOpensAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, RecoveryTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Do(ctx, failingOp), errBoom)
	}
	assert.Equal(t, Open, b.State())

	// Fourth call fails fast without invoking the operation.
	invoked := false
	err := b.Do(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, invoked)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(Config{FailureThreshold: 3, RecoveryTimeout: time.Minute})
	ctx := context.Background()

	require.Error(t, b.Do(ctx, failingOp))
	require.Error(t, b.Do(ctx, failingOp))
	require.NoError(t, b.Do(ctx, okOp))
	require.Error(t, b.Do(ctx, failingOp))
	require.Error(t, b.Do(ctx, failingOp))

	// Never saw 3 consecutive failures.
	assert.Equal(t, Closed, b.State())
}

func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	require.Error(t, b.Do(ctx, failingOp))
	require.Equal(t, Open, b.State())

	time.Sleep(30 * time.Millisecond)

	require.NoError(t, b.Do(ctx, okOp))
	assert.Equal(t, Closed, b.State())
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	require.Error(t, b.Do(ctx, failingOp))
	time.Sleep(30 * time.Millisecond)

	require.ErrorIs(t, b.Do(ctx, failingOp), errBoom)
	assert.Equal(t, Open, b.State())

	// Timer reset: an immediate call is still rejected.
	require.ErrorIs(t, b.Do(ctx, okOp), ErrOpen)
}

func TestSingleProbeDuringHalfOpen(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	require.Error(t, b.Do(ctx, failingOp))
	time.Sleep(20 * time.Millisecond)

	probeStarted := make(chan struct{})
	probeRelease := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(ctx, func(ctx context.Context) error {
			close(probeStarted)
			<-probeRelease
			return nil
		})
	}()
	<-probeStarted

	// While the probe is in flight, concurrent callers still see Open.
	err := b.Do(ctx, okOp)
	require.ErrorIs(t, err, ErrOpen)

	close(probeRelease)
	require.NoError(t, <-done)
	assert.Equal(t, Closed, b.State())
}

func TestCancellationDoesNotTrip(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	ctx := context.Background()

	err := b.Do(ctx, func(ctx context.Context) error { return context.Canceled })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Closed, b.State())
}

func TestCustomFailureClassifier(t *testing.T) {
	transient := errors.New("transient")
	b := New(Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		IsFailure:        func(err error) bool { return err != nil && !errors.Is(err, transient) },
	})
	ctx := context.Background()

	require.Error(t, b.Do(ctx, func(ctx context.Context) error { return transient }))
	assert.Equal(t, Closed, b.State())

	require.Error(t, b.Do(ctx, failingOp))
	assert.Equal(t, Open, b.State())
}

func TestRegistryIndependentBreakers(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	ctx := context.Background()

	require.Error(t, r.Do(ctx, "crm", failingOp))
	assert.Equal(t, Open, r.Get("crm").State())
	assert.Equal(t, Closed, r.Get("vector-store").State())

	require.NoError(t, r.Do(ctx, "vector-store", okOp))

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "open", snap["crm"].State)
	assert.Equal(t, "closed", snap["vector-store"].State)

	assert.True(t, r.Reset("crm"))
	assert.Equal(t, Closed, r.Get("crm").State())
	assert.False(t, r.Reset("unknown"))
}
