// Copyright Checkmark Software, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package telemetry

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Category groups metric definitions by the subsystem they describe.
type Category string

const (
	CategoryCPU    Category = "cpu"
	CategoryMemory Category = "memory"
	CategoryDisk   Category = "disk"
	CategorySystem Category = "system"
	// CategoryAll selects the union of every category.
	CategoryAll Category = "all"
)

// CorePlaceholder is the token in a per-core counter path template that is
// replaced with the logical core index at registration time.
const CorePlaceholder = "{core}"

// MetricDefinition describes one performance counter to collect. Definitions
// are created once from the static catalog tables and never mutated.
type MetricDefinition struct {
	// Name is the stable key used by every downstream consumer.
	Name string
	// ProviderPath is the counter path template, e.g.
	// `\Processor({core})\% Processor Time`. It may contain CorePlaceholder
	// and/or a `(*)` wildcard instance marker.
	ProviderPath string
	Category     Category
	// PerCore marks counters collected once per logical core plus an aggregate.
	PerCore bool
	// RequiresBaseline marks rate counters whose first sample after
	// registration is a throwaway warm-up, not real data.
	RequiresBaseline bool
}

// IsWildcard reports whether the counter path rolls multiple provider
// instances into one named series.
func (d MetricDefinition) IsWildcard() bool {
	return strings.Contains(d.ProviderPath, "(*)")
}

// MetricValue is one sample. It is replaced wholesale on each update and
// never partially mutated.
type MetricValue struct {
	Value     float64
	Timestamp time.Time
	IsValid   bool
}

// InvalidCoreValue is surfaced for core slots that have never been written or
// were marked invalid. Callers must treat it as "no data", never as zero.
const InvalidCoreValue = -1.0

// PerCoreMetricRecord holds the latest per-core samples plus the aggregated
// total for one per-core metric. The core slice is always sized to the
// configured logical core count once first touched.
type PerCoreMetricRecord struct {
	CoreValues []MetricValue
	TotalValue MetricValue
}

// CollectionConfig configures the collection engine.
type CollectionConfig struct {
	// RequestedMetrics is the set of definitions to collect. Required.
	RequestedMetrics []MetricDefinition
	// CollectionInterval is the steady-state tick period.
	CollectionInterval time.Duration
	// CoreCount is the number of logical cores to register per-core counters
	// for. Defaults to the detected logical core count.
	CoreCount int
	// EnableDetailedLogging gates verbose per-tick timing logs only. It never
	// gates correctness.
	EnableDetailedLogging bool
}

// DefaultCollectionConfig returns a configuration collecting every essential
// metric once per second.
func DefaultCollectionConfig() CollectionConfig {
	return CollectionConfig{
		RequestedMetrics:   AllEssentialMetrics(),
		CollectionInterval: time.Second,
		CoreCount:          runtime.NumCPU(),
	}
}

// ApplyDefaults fills in zero values with defaults.
func (c *CollectionConfig) ApplyDefaults() {
	defaults := DefaultCollectionConfig()

	if c.CollectionInterval == 0 {
		c.CollectionInterval = defaults.CollectionInterval
	}
	if c.CoreCount <= 0 {
		c.CoreCount = defaults.CoreCount
	}
}

// Validate ensures the configuration can drive a collection run.
func (c *CollectionConfig) Validate() error {
	if len(c.RequestedMetrics) == 0 {
		return fmt.Errorf("no metrics requested")
	}
	if c.CollectionInterval < 0 {
		return fmt.Errorf("collection interval must be non-negative, got %v", c.CollectionInterval)
	}
	if errs := ValidateDefinitions(c.RequestedMetrics); len(errs) > 0 {
		return fmt.Errorf("invalid metric definitions: %s", strings.Join(errs, "; "))
	}
	return nil
}
