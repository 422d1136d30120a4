// Copyright Checkmark Software, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package telemetry

import (
	"math"
	"sync/atomic"
	"time"
)

// Smoothing weights for the collection-time moving average. Kept as named
// constants for behavioral compatibility with existing dashboards.
const (
	emaOldWeight = 0.9
	emaNewWeight = 0.1
)

// CollectionStatistics tracks running health counters for the collection
// loop. Every field is an independent atomic; no cross-field atomicity is
// guaranteed or required since these are approximate monitoring data.
type CollectionStatistics struct {
	totalAttempts      atomic.Uint64
	successfulAttempts atomic.Uint64
	failedAttempts     atomic.Uint64
	metricsCollected   atomic.Uint64
	// Millisecond timings stored as float64 bits.
	avgCollectionMillis  atomic.Uint64
	lastCollectionMillis atomic.Uint64
	startTime            time.Time
}

// NewCollectionStatistics returns statistics anchored at the current time.
func NewCollectionStatistics() *CollectionStatistics {
	return &CollectionStatistics{startTime: time.Now()}
}

// RecordOutcome records one collection tick. elapsed is folded into an
// exponential moving average (0.9 old, 0.1 new).
func (s *CollectionStatistics) RecordOutcome(success bool, elapsed time.Duration, metricsCollected int) {
	s.totalAttempts.Add(1)
	if success {
		s.successfulAttempts.Add(1)
	} else {
		s.failedAttempts.Add(1)
	}
	if metricsCollected > 0 {
		s.metricsCollected.Add(uint64(metricsCollected))
	}

	millis := float64(elapsed) / float64(time.Millisecond)
	s.lastCollectionMillis.Store(math.Float64bits(millis))

	for {
		oldBits := s.avgCollectionMillis.Load()
		oldAvg := math.Float64frombits(oldBits)
		newAvg := millis
		if s.totalAttempts.Load() > 1 {
			newAvg = oldAvg*emaOldWeight + millis*emaNewWeight
		}
		if s.avgCollectionMillis.CompareAndSwap(oldBits, math.Float64bits(newAvg)) {
			return
		}
	}
}

// TotalAttempts returns the number of collection ticks recorded.
func (s *CollectionStatistics) TotalAttempts() uint64 { return s.totalAttempts.Load() }

// SuccessfulAttempts returns the number of ticks that completed without a
// group failure.
func (s *CollectionStatistics) SuccessfulAttempts() uint64 { return s.successfulAttempts.Load() }

// FailedAttempts returns the number of ticks where at least one group failed.
func (s *CollectionStatistics) FailedAttempts() uint64 { return s.failedAttempts.Load() }

// MetricsCollected returns the total number of metric values written.
func (s *CollectionStatistics) MetricsCollected() uint64 { return s.metricsCollected.Load() }

// SuccessRate returns successful ticks as a percentage of all ticks, or 0
// when nothing has been recorded yet.
func (s *CollectionStatistics) SuccessRate() float64 {
	total := s.totalAttempts.Load()
	if total == 0 {
		return 0
	}
	return 100.0 * float64(s.successfulAttempts.Load()) / float64(total)
}

// AverageCollectionTime returns the smoothed per-tick collection duration.
func (s *CollectionStatistics) AverageCollectionTime() time.Duration {
	millis := math.Float64frombits(s.avgCollectionMillis.Load())
	return time.Duration(millis * float64(time.Millisecond))
}

// LastCollectionTime returns the duration of the most recent tick.
func (s *CollectionStatistics) LastCollectionTime() time.Duration {
	millis := math.Float64frombits(s.lastCollectionMillis.Load())
	return time.Duration(millis * float64(time.Millisecond))
}

// Uptime returns time elapsed since the statistics were created.
func (s *CollectionStatistics) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Throughput returns metric values written per second of uptime.
func (s *CollectionStatistics) Throughput() float64 {
	seconds := s.Uptime().Seconds()
	if seconds <= 0 {
		return 0
	}
	return float64(s.metricsCollected.Load()) / seconds
}

// StatisticsSnapshot is a point-in-time copy of the running counters.
type StatisticsSnapshot struct {
	TotalAttempts         uint64
	SuccessfulAttempts    uint64
	FailedAttempts        uint64
	MetricsCollected      uint64
	SuccessRate           float64
	AverageCollectionTime time.Duration
	LastCollectionTime    time.Duration
	Uptime                time.Duration
	Throughput            float64
}

// Snapshot copies the counters. Fields are read independently, so the
// snapshot is approximate under concurrent writes.
func (s *CollectionStatistics) Snapshot() StatisticsSnapshot {
	return StatisticsSnapshot{
		TotalAttempts:         s.TotalAttempts(),
		SuccessfulAttempts:    s.SuccessfulAttempts(),
		FailedAttempts:        s.FailedAttempts(),
		MetricsCollected:      s.MetricsCollected(),
		SuccessRate:           s.SuccessRate(),
		AverageCollectionTime: s.AverageCollectionTime(),
		LastCollectionTime:    s.LastCollectionTime(),
		Uptime:                s.Uptime(),
		Throughput:            s.Throughput(),
	}
}
