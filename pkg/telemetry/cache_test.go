// Copyright Checkmark Software, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, cores int) *MetricCache {
	t.Helper()
	return NewMetricCache(cores, logr.Discard())
}

func TestMetricCache_SimpleRoundTrip(t *testing.T) {
	cache := newTestCache(t, 4)
	now := time.Now()

	cache.UpdateMetric("memory_available_mbytes", 2048, now)

	value, ok := cache.Value("memory_available_mbytes")
	require.True(t, ok)
	assert.Equal(t, 2048.0, value)

	metric, ok := cache.Metric("memory_available_mbytes")
	require.True(t, ok)
	assert.True(t, metric.IsValid)
	assert.Equal(t, now, metric.Timestamp)
}

func TestMetricCache_MissIsNotAnError(t *testing.T) {
	cache := newTestCache(t, 4)

	_, ok := cache.Value("never_sampled")
	assert.False(t, ok)
	_, ok = cache.Metric("never_sampled")
	assert.False(t, ok)
	_, ok = cache.PerCore("never_sampled")
	assert.False(t, ok)
	_, ok = cache.Core("never_sampled", 0)
	assert.False(t, ok)
	assert.False(t, cache.Has("never_sampled"))
	assert.False(t, cache.IsValid("never_sampled"))
}

func TestMetricCache_PerCoreRoundTrip(t *testing.T) {
	cache := newTestCache(t, 4)
	now := time.Now()

	cache.UpdatePerCoreMetric("cpu", []float64{10.0, 20.0, -1.0, 40.0}, 70.0, now)

	values, ok := cache.PerCore("cpu")
	require.True(t, ok)
	assert.Equal(t, []float64{10.0, 20.0, -1.0, 40.0}, values)

	values, total, ok := cache.PerCoreWithTotal("cpu")
	require.True(t, ok)
	assert.Equal(t, 70.0, total)
	assert.Len(t, values, 4)

	// The -1.0 slot is stored invalid, not as data.
	_, ok = cache.Core("cpu", 2)
	assert.False(t, ok)
	v, ok := cache.Core("cpu", 3)
	require.True(t, ok)
	assert.Equal(t, 40.0, v)
}

func TestMetricCache_LazyGrowthKeepsShape(t *testing.T) {
	cache := newTestCache(t, 4)
	now := time.Now()

	// A single-core write must still surface a full-width array with
	// sentinel slots for the cores that never reported.
	cache.UpdateCoreValue("cpu", 1, 55.0, now)

	values, ok := cache.PerCore("cpu")
	require.True(t, ok)
	require.Len(t, values, 4)
	assert.Equal(t, []float64{InvalidCoreValue, 55.0, InvalidCoreValue, InvalidCoreValue}, values)
}

func TestMetricCache_OutOfRangeCoreIsNoOp(t *testing.T) {
	cache := newTestCache(t, 2)

	cache.UpdateCoreValue("cpu", 7, 99.0, time.Now())
	cache.UpdateCoreValue("cpu", -1, 99.0, time.Now())

	_, ok := cache.PerCore("cpu")
	assert.False(t, ok, "out-of-range writes must not create a record")
}

func TestMetricCache_MarkInvalid(t *testing.T) {
	cache := newTestCache(t, 2)
	now := time.Now()

	cache.UpdateMetric("simple", 1.5, now)
	cache.UpdatePerCoreMetric("cores", []float64{1, 2}, 3, now)

	cache.MarkInvalid("simple")
	cache.MarkInvalid("cores")
	cache.MarkInvalid("unknown") // no-op

	_, ok := cache.Value("simple")
	assert.False(t, ok)
	assert.False(t, cache.IsValid("simple"))
	assert.False(t, cache.IsValid("cores"))

	// Entries survive invalidation so staleness queries still work.
	assert.True(t, cache.Has("simple"))
	assert.GreaterOrEqual(t, cache.Age("simple"), time.Duration(0))

	values, ok := cache.PerCore("cores")
	require.True(t, ok)
	assert.Equal(t, []float64{InvalidCoreValue, InvalidCoreValue}, values)
}

func TestMetricCache_AllValues(t *testing.T) {
	cache := newTestCache(t, 2)
	now := time.Now()

	cache.UpdateMetric("simple", 5, now)
	cache.UpdateMetric("invalidated", 6, now)
	cache.MarkInvalid("invalidated")
	cache.UpdatePerCoreMetric("cpu", []float64{10, 20}, 30, now)

	values := cache.AllValues()
	assert.Equal(t, map[string]float64{"simple": 5, "cpu_total": 30}, values)

	metrics := cache.AllMetrics()
	assert.Len(t, metrics, 3)
	assert.False(t, metrics["invalidated"].IsValid)
	assert.Equal(t, 30.0, metrics["cpu_total"].Value)
}

func TestMetricCache_AvailableAndCount(t *testing.T) {
	cache := newTestCache(t, 2)
	now := time.Now()

	cache.UpdateMetric("b_metric", 1, now)
	cache.UpdatePerCoreMetric("a_metric", []float64{1, 2}, 3, now)

	assert.Equal(t, []string{"a_metric", "b_metric"}, cache.Available())
	assert.Equal(t, 2, cache.Count())

	cache.Clear()
	assert.Empty(t, cache.Available())
	assert.Equal(t, 0, cache.Count())
}

func TestMetricCache_AgeAndFreshness(t *testing.T) {
	cache := newTestCache(t, 2)

	assert.Equal(t, AgeUnknown, cache.Age("unknown"))
	assert.False(t, cache.IsFresh("unknown", time.Minute))

	cache.UpdateMetric("m", 1, time.Now())
	first := cache.Age("m")
	assert.GreaterOrEqual(t, first, time.Duration(0))

	// With no intervening write, age never decreases.
	second := cache.Age("m")
	assert.GreaterOrEqual(t, second, first)

	assert.True(t, cache.IsFresh("m", time.Minute))
	assert.False(t, cache.IsFresh("m", time.Duration(0)-time.Nanosecond))

	cache.UpdateMetric("stale", 1, time.Now().Add(-time.Hour))
	assert.False(t, cache.IsFresh("stale", time.Minute))
	assert.True(t, cache.IsFresh("stale", 2*time.Hour))
}

func TestMetricCache_NoCrossStoreCollision(t *testing.T) {
	cache := newTestCache(t, 2)
	now := time.Now()

	cache.UpdateMetric("simple_only", 1, now)
	cache.UpdatePerCoreMetric("percore_only", []float64{1, 2}, 3, now)

	assert.True(t, cache.Has("simple_only"))
	_, ok := cache.PerCore("simple_only")
	assert.False(t, ok)

	assert.True(t, cache.Has("percore_only"))
	_, ok = cache.Value("percore_only")
	assert.False(t, ok)
}

func TestMetricCache_ConcurrentReadersOneWriter(t *testing.T) {
	cache := newTestCache(t, 4)
	stop := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			now := time.Now()
			cache.UpdateMetric("simple", float64(i), now)
			cache.UpdatePerCoreMetric("cpu", []float64{1, 2, 3, 4}, 10, now)
		}
	}()

	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				cache.Value("simple")
				cache.PerCore("cpu")
				cache.AllValues()
				cache.Age("cpu")
				cache.DebugSummary()
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(stop)
	wg.Wait()
}

func TestMetricCache_DebugSummary(t *testing.T) {
	cache := newTestCache(t, 2)
	cache.UpdateMetric("m", 1, time.Now())
	cache.RecordCollectionOutcome(true, 5*time.Millisecond, 1)

	summary := cache.DebugSummary()
	assert.Contains(t, summary, "1 simple")
	assert.Contains(t, summary, "100.0% success")
}
