// Copyright Checkmark Software, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCollectionStatistics_SuccessRate(t *testing.T) {
	stats := NewCollectionStatistics()
	assert.Equal(t, 0.0, stats.SuccessRate())

	stats.RecordOutcome(true, time.Millisecond, 10)
	stats.RecordOutcome(true, time.Millisecond, 10)
	stats.RecordOutcome(true, time.Millisecond, 10)
	stats.RecordOutcome(false, time.Millisecond, 0)

	assert.Equal(t, uint64(4), stats.TotalAttempts())
	assert.Equal(t, uint64(3), stats.SuccessfulAttempts())
	assert.Equal(t, uint64(1), stats.FailedAttempts())
	assert.Equal(t, 75.0, stats.SuccessRate())
	assert.Equal(t, uint64(30), stats.MetricsCollected())
}

func TestCollectionStatistics_MovingAverage(t *testing.T) {
	stats := NewCollectionStatistics()

	// The first sample seeds the average directly.
	stats.RecordOutcome(true, 10*time.Millisecond, 1)
	assert.InDelta(t, 10.0, float64(stats.AverageCollectionTime())/float64(time.Millisecond), 0.001)

	// Subsequent samples fold in with 0.9/0.1 weights.
	stats.RecordOutcome(true, 20*time.Millisecond, 1)
	assert.InDelta(t, 10.0*0.9+20.0*0.1, float64(stats.AverageCollectionTime())/float64(time.Millisecond), 0.001)

	assert.Equal(t, 20*time.Millisecond, stats.LastCollectionTime())
}

func TestCollectionStatistics_Snapshot(t *testing.T) {
	stats := NewCollectionStatistics()
	stats.RecordOutcome(true, 5*time.Millisecond, 12)

	snap := stats.Snapshot()
	assert.Equal(t, uint64(1), snap.TotalAttempts)
	assert.Equal(t, uint64(12), snap.MetricsCollected)
	assert.Equal(t, 100.0, snap.SuccessRate)
	assert.GreaterOrEqual(t, snap.Uptime, time.Duration(0))
	assert.GreaterOrEqual(t, snap.Throughput, 0.0)
}
