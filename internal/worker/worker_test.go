package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsRunningMean(t *testing.T) {
	var m Metrics
	now := time.Now()

	m.Record(100*time.Millisecond, true, now)
	m.Record(300*time.Millisecond, true, now)
	m.Record(200*time.Millisecond, false, now)

	assert.Equal(t, 3, m.TasksCompleted)
	assert.InDelta(t, 200.0, m.AvgCompletionMs, 0.001)
	assert.InDelta(t, 2.0/3.0, m.SuccessRate, 0.001)
	assert.Equal(t, now, m.LastActiveAt)
}

func TestEffectiveSuccessRateOptimisticPrior(t *testing.T) {
	var m Metrics
	assert.Equal(t, 1.0, m.EffectiveSuccessRate())

	m.Record(time.Millisecond, false, time.Now())
	assert.Equal(t, 0.0, m.EffectiveSuccessRate())
}
