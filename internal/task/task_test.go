package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriorityOrdering(t *testing.T) {
	assert.Less(t, int(PriorityCritical), int(PriorityHigh))
	assert.Less(t, int(PriorityHigh), int(PriorityMedium))
	assert.Less(t, int(PriorityMedium), int(PriorityLow))
	assert.Less(t, int(PriorityLow), int(PriorityBackground))
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusDelegated} {
		assert.True(t, s.Terminal(), "expected %s to be terminal", s)
	}
	for _, s := range []Status{StatusPending, StatusInProgress} {
		assert.False(t, s.Terminal(), "expected %s to be non-terminal", s)
	}
}

func TestNewIDUnique(t *testing.T) {
	a := NewID()
	b := NewID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
