// Copyright Checkmark Software, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package telemetry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// AgeUnknown is returned by Age for names the cache has never seen.
const AgeUnknown = time.Duration(-1)

// MetricCache stores the latest sample per metric and serves concurrent
// readers while the collection engine writes.
//
// Two independent read-write locks guard the simple-metric store and the
// per-core store. No operation ever holds both at once: any API needing both
// stores acquires, uses, and releases one lock before taking the other, so
// there is no lock ordering to get wrong.
type MetricCache struct {
	logger    logr.Logger
	coreCount int

	simpleMu sync.RWMutex
	simple   map[string]MetricValue

	perCoreMu sync.RWMutex
	perCore   map[string]*PerCoreMetricRecord

	stats *CollectionStatistics
}

// NewMetricCache creates a cache sized for coreCount logical cores.
func NewMetricCache(coreCount int, logger logr.Logger) *MetricCache {
	if coreCount <= 0 {
		coreCount = 1
	}
	return &MetricCache{
		logger:    logger.WithName("metric-cache"),
		coreCount: coreCount,
		simple:    make(map[string]MetricValue),
		perCore:   make(map[string]*PerCoreMetricRecord),
		stats:     NewCollectionStatistics(),
	}
}

// CoreCount returns the configured logical core count.
func (c *MetricCache) CoreCount() int { return c.coreCount }

// UpdateMetric replaces or inserts a valid sample in the simple store.
func (c *MetricCache) UpdateMetric(name string, value float64, timestamp time.Time) {
	c.simpleMu.Lock()
	defer c.simpleMu.Unlock()
	c.simple[name] = MetricValue{Value: value, Timestamp: timestamp, IsValid: true}
}

// UpdatePerCoreMetric replaces the full per-core array and the total in one
// write. The stored array is resized if the incoming length differs.
func (c *MetricCache) UpdatePerCoreMetric(name string, coreValues []float64, total float64, timestamp time.Time) {
	c.perCoreMu.Lock()
	defer c.perCoreMu.Unlock()

	record, ok := c.perCore[name]
	if !ok || len(record.CoreValues) != len(coreValues) {
		record = &PerCoreMetricRecord{CoreValues: make([]MetricValue, len(coreValues))}
		c.perCore[name] = record
	}
	for i, v := range coreValues {
		record.CoreValues[i] = MetricValue{Value: v, Timestamp: timestamp, IsValid: v != InvalidCoreValue}
	}
	record.TotalValue = MetricValue{Value: total, Timestamp: timestamp, IsValid: true}
}

// UpdateCoreValue updates a single core slot, lazily growing the record to
// the configured core count. An out-of-range index is a silent no-op.
func (c *MetricCache) UpdateCoreValue(name string, coreIndex int, value float64, timestamp time.Time) {
	if coreIndex < 0 || coreIndex >= c.coreCount {
		return
	}

	c.perCoreMu.Lock()
	defer c.perCoreMu.Unlock()

	record, ok := c.perCore[name]
	if !ok {
		record = &PerCoreMetricRecord{CoreValues: make([]MetricValue, c.coreCount)}
		c.perCore[name] = record
	} else if len(record.CoreValues) < c.coreCount {
		grown := make([]MetricValue, c.coreCount)
		copy(grown, record.CoreValues)
		record.CoreValues = grown
	}
	record.CoreValues[coreIndex] = MetricValue{Value: value, Timestamp: timestamp, IsValid: true}
}

// MarkInvalid flips the validity flag on an existing entry without deleting
// it, so age queries still see the last-known timestamp. Unknown names are a
// no-op.
func (c *MetricCache) MarkInvalid(name string) {
	c.simpleMu.Lock()
	if entry, ok := c.simple[name]; ok {
		entry.IsValid = false
		c.simple[name] = entry
		c.simpleMu.Unlock()
		return
	}
	c.simpleMu.Unlock()

	c.perCoreMu.Lock()
	defer c.perCoreMu.Unlock()
	if record, ok := c.perCore[name]; ok {
		for i := range record.CoreValues {
			record.CoreValues[i].IsValid = false
		}
		record.TotalValue.IsValid = false
	}
}

// Clear empties both stores. Used when starting a fresh diagnostic run.
func (c *MetricCache) Clear() {
	c.simpleMu.Lock()
	c.simple = make(map[string]MetricValue)
	c.simpleMu.Unlock()

	c.perCoreMu.Lock()
	c.perCore = make(map[string]*PerCoreMetricRecord)
	c.perCoreMu.Unlock()
}

// Value returns the latest valid sample for a simple metric.
func (c *MetricCache) Value(name string) (float64, bool) {
	c.simpleMu.RLock()
	defer c.simpleMu.RUnlock()
	entry, ok := c.simple[name]
	if !ok || !entry.IsValid {
		return 0, false
	}
	return entry.Value, true
}

// Metric returns the full sample (value plus metadata) for a simple metric.
func (c *MetricCache) Metric(name string) (MetricValue, bool) {
	c.simpleMu.RLock()
	defer c.simpleMu.RUnlock()
	entry, ok := c.simple[name]
	return entry, ok
}

// PerCore returns the per-core values for a metric. Invalid core slots are
// surfaced as InvalidCoreValue, never omitted, so the returned slice length
// always equals the record's core count.
func (c *MetricCache) PerCore(name string) ([]float64, bool) {
	values, _, ok := c.PerCoreWithTotal(name)
	return values, ok
}

// PerCoreWithTotal returns the per-core values plus the aggregated total.
func (c *MetricCache) PerCoreWithTotal(name string) ([]float64, float64, bool) {
	c.perCoreMu.RLock()
	defer c.perCoreMu.RUnlock()

	record, ok := c.perCore[name]
	if !ok {
		return nil, 0, false
	}
	values := make([]float64, len(record.CoreValues))
	for i, v := range record.CoreValues {
		if v.IsValid {
			values[i] = v.Value
		} else {
			values[i] = InvalidCoreValue
		}
	}
	return values, record.TotalValue.Value, true
}

// PerCoreRecord returns a full-fidelity copy of a per-core record.
func (c *MetricCache) PerCoreRecord(name string) (PerCoreMetricRecord, bool) {
	c.perCoreMu.RLock()
	defer c.perCoreMu.RUnlock()

	record, ok := c.perCore[name]
	if !ok {
		return PerCoreMetricRecord{}, false
	}
	return PerCoreMetricRecord{
		CoreValues: append([]MetricValue(nil), record.CoreValues...),
		TotalValue: record.TotalValue,
	}, true
}

// Core returns one core's latest valid value.
func (c *MetricCache) Core(name string, coreIndex int) (float64, bool) {
	c.perCoreMu.RLock()
	defer c.perCoreMu.RUnlock()

	record, ok := c.perCore[name]
	if !ok || coreIndex < 0 || coreIndex >= len(record.CoreValues) {
		return 0, false
	}
	entry := record.CoreValues[coreIndex]
	if !entry.IsValid {
		return 0, false
	}
	return entry.Value, true
}

// AllValues returns every valid metric as name → value. Per-core metrics
// contribute their aggregate under name + "_total".
func (c *MetricCache) AllValues() map[string]float64 {
	out := make(map[string]float64)

	c.simpleMu.RLock()
	for name, entry := range c.simple {
		if entry.IsValid {
			out[name] = entry.Value
		}
	}
	c.simpleMu.RUnlock()

	c.perCoreMu.RLock()
	for name, record := range c.perCore {
		if record.TotalValue.IsValid {
			out[name+"_total"] = record.TotalValue.Value
		}
	}
	c.perCoreMu.RUnlock()

	return out
}

// AllMetrics returns the same shape as AllValues but preserving timestamp and
// validity metadata.
func (c *MetricCache) AllMetrics() map[string]MetricValue {
	out := make(map[string]MetricValue)

	c.simpleMu.RLock()
	for name, entry := range c.simple {
		out[name] = entry
	}
	c.simpleMu.RUnlock()

	c.perCoreMu.RLock()
	for name, record := range c.perCore {
		out[name+"_total"] = record.TotalValue
	}
	c.perCoreMu.RUnlock()

	return out
}

// Available lists every metric name present in either store, sorted.
func (c *MetricCache) Available() []string {
	var names []string

	c.simpleMu.RLock()
	for name := range c.simple {
		names = append(names, name)
	}
	c.simpleMu.RUnlock()

	c.perCoreMu.RLock()
	for name := range c.perCore {
		names = append(names, name)
	}
	c.perCoreMu.RUnlock()

	sort.Strings(names)
	return names
}

// Has reports whether the name exists in either store.
func (c *MetricCache) Has(name string) bool {
	c.simpleMu.RLock()
	_, ok := c.simple[name]
	c.simpleMu.RUnlock()
	if ok {
		return true
	}

	c.perCoreMu.RLock()
	_, ok = c.perCore[name]
	c.perCoreMu.RUnlock()
	return ok
}

// IsValid reports whether the latest sample for the name carries valid data.
// For per-core metrics the total's flag decides.
func (c *MetricCache) IsValid(name string) bool {
	c.simpleMu.RLock()
	if entry, ok := c.simple[name]; ok {
		c.simpleMu.RUnlock()
		return entry.IsValid
	}
	c.simpleMu.RUnlock()

	c.perCoreMu.RLock()
	defer c.perCoreMu.RUnlock()
	if record, ok := c.perCore[name]; ok {
		return record.TotalValue.IsValid
	}
	return false
}

// Count returns the combined size of both stores.
func (c *MetricCache) Count() int {
	c.simpleMu.RLock()
	n := len(c.simple)
	c.simpleMu.RUnlock()

	c.perCoreMu.RLock()
	n += len(c.perCore)
	c.perCoreMu.RUnlock()
	return n
}

// Age returns now minus the stored timestamp, checking the simple store
// first, then the per-core total. Unknown names yield AgeUnknown.
func (c *MetricCache) Age(name string) time.Duration {
	c.simpleMu.RLock()
	if entry, ok := c.simple[name]; ok {
		c.simpleMu.RUnlock()
		return time.Since(entry.Timestamp)
	}
	c.simpleMu.RUnlock()

	c.perCoreMu.RLock()
	defer c.perCoreMu.RUnlock()
	if record, ok := c.perCore[name]; ok {
		return time.Since(record.TotalValue.Timestamp)
	}
	return AgeUnknown
}

// IsFresh reports whether the metric was sampled within maxAge. Unknown
// names are never fresh.
func (c *MetricCache) IsFresh(name string, maxAge time.Duration) bool {
	age := c.Age(name)
	return age >= 0 && age <= maxAge
}

// RecordCollectionOutcome forwards a tick outcome into the running
// statistics. Invoked by the collection engine after each tick.
func (c *MetricCache) RecordCollectionOutcome(success bool, elapsed time.Duration, metricsCollected int) {
	c.stats.RecordOutcome(success, elapsed, metricsCollected)
}

// Stats returns the running collection statistics.
func (c *MetricCache) Stats() *CollectionStatistics { return c.stats }

// DebugSummary renders a human-readable dump of store sizes and statistics.
// Diagnostic only.
func (c *MetricCache) DebugSummary() string {
	c.simpleMu.RLock()
	simpleCount := len(c.simple)
	c.simpleMu.RUnlock()

	c.perCoreMu.RLock()
	perCoreCount := len(c.perCore)
	c.perCoreMu.RUnlock()

	snap := c.stats.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "metric cache: %d simple, %d per-core (cores=%d)\n", simpleCount, perCoreCount, c.coreCount)
	fmt.Fprintf(&b, "collections: %d total, %.1f%% success, avg %v, last %v\n",
		snap.TotalAttempts, snap.SuccessRate, snap.AverageCollectionTime, snap.LastCollectionTime)
	fmt.Fprintf(&b, "throughput: %.1f metrics/sec over %v", snap.Throughput, snap.Uptime.Round(time.Second))
	return b.String()
}

// LogSummary emits DebugSummary through the cache's logger at V(1).
func (c *MetricCache) LogSummary() {
	c.logger.V(1).Info(c.DebugSummary())
}
