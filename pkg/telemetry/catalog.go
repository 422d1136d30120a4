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
)

// Static catalog tables. One entry per collectable counter; definitions are
// immutable for the process lifetime.
var (
	cpuMetrics = []MetricDefinition{
		{
			Name:             "cpu_usage",
			ProviderPath:     `\Processor({core})\% Processor Time`,
			Category:         CategoryCPU,
			PerCore:          true,
			RequiresBaseline: true,
		},
		{
			Name:             "cpu_privileged_time",
			ProviderPath:     `\Processor(_Total)\% Privileged Time`,
			Category:         CategoryCPU,
			RequiresBaseline: true,
		},
		{
			Name:             "cpu_interrupt_time",
			ProviderPath:     `\Processor(_Total)\% Interrupt Time`,
			Category:         CategoryCPU,
			RequiresBaseline: true,
		},
		{
			Name:         "cpu_queue_length",
			ProviderPath: `\System\Processor Queue Length`,
			Category:     CategoryCPU,
		},
	}

	memoryMetrics = []MetricDefinition{
		{
			Name:         "memory_available_mbytes",
			ProviderPath: `\Memory\Available MBytes`,
			Category:     CategoryMemory,
		},
		{
			Name:         "memory_committed_percent",
			ProviderPath: `\Memory\% Committed Bytes In Use`,
			Category:     CategoryMemory,
		},
		{
			Name:             "memory_pages_per_sec",
			ProviderPath:     `\Memory\Pages/sec`,
			Category:         CategoryMemory,
			RequiresBaseline: true,
		},
		{
			Name:         "memory_cache_bytes",
			ProviderPath: `\Memory\Cache Bytes`,
			Category:     CategoryMemory,
		},
	}

	diskMetrics = []MetricDefinition{
		{
			Name:             "disk_read_bytes_per_sec",
			ProviderPath:     `\LogicalDisk(*)\Disk Read Bytes/sec`,
			Category:         CategoryDisk,
			RequiresBaseline: true,
		},
		{
			Name:             "disk_write_bytes_per_sec",
			ProviderPath:     `\LogicalDisk(*)\Disk Write Bytes/sec`,
			Category:         CategoryDisk,
			RequiresBaseline: true,
		},
		{
			Name:             "disk_time_percent",
			ProviderPath:     `\LogicalDisk(_Total)\% Disk Time`,
			Category:         CategoryDisk,
			RequiresBaseline: true,
		},
		{
			Name:         "disk_queue_length",
			ProviderPath: `\LogicalDisk(*)\Avg. Disk Queue Length`,
			Category:     CategoryDisk,
		},
	}

	systemMetrics = []MetricDefinition{
		{
			Name:             "system_context_switches_per_sec",
			ProviderPath:     `\System\Context Switches/sec`,
			Category:         CategorySystem,
			RequiresBaseline: true,
		},
		{
			Name:         "system_processes",
			ProviderPath: `\System\Processes`,
			Category:     CategorySystem,
		},
		{
			Name:         "system_threads",
			ProviderPath: `\System\Threads`,
			Category:     CategorySystem,
		},
		{
			Name:         "system_uptime",
			ProviderPath: `\System\System Up Time`,
			Category:     CategorySystem,
		},
	}
)

// MetricsForCategory returns the static definition list for one category.
// CategoryAll returns the union of every category.
func MetricsForCategory(category Category) []MetricDefinition {
	switch category {
	case CategoryCPU:
		return append([]MetricDefinition(nil), cpuMetrics...)
	case CategoryMemory:
		return append([]MetricDefinition(nil), memoryMetrics...)
	case CategoryDisk:
		return append([]MetricDefinition(nil), diskMetrics...)
	case CategorySystem:
		return append([]MetricDefinition(nil), systemMetrics...)
	case CategoryAll:
		return AllEssentialMetrics()
	default:
		return nil
	}
}

// MetricsForCategories unions multiple categories and deduplicates by name.
// Later entries with the same name as an earlier one are dropped silently.
func MetricsForCategories(categories []Category) []MetricDefinition {
	var metrics []MetricDefinition
	for _, category := range categories {
		metrics = append(metrics, MetricsForCategory(category)...)
	}
	return dedupeByName(metrics)
}

// AllEssentialMetrics returns the union of every catalog category.
func AllEssentialMetrics() []MetricDefinition {
	metrics := make([]MetricDefinition, 0,
		len(cpuMetrics)+len(memoryMetrics)+len(diskMetrics)+len(systemMetrics))
	metrics = append(metrics, cpuMetrics...)
	metrics = append(metrics, memoryMetrics...)
	metrics = append(metrics, diskMetrics...)
	metrics = append(metrics, systemMetrics...)
	return dedupeByName(metrics)
}

// unknownProviderObject buckets metrics whose path cannot be parsed.
const unknownProviderObject = "Unknown"

// GroupByProviderObject splits metrics by the provider object named in their
// counter path so the engine can open one query per logical subsystem instead
// of one per metric. The object key is the segment between the first and
// second backslash, trimmed at an opening parenthesis if one is present.
func GroupByProviderObject(metrics []MetricDefinition) map[string][]MetricDefinition {
	groups := make(map[string][]MetricDefinition)
	for _, m := range metrics {
		key := providerObject(m.ProviderPath)
		groups[key] = append(groups[key], m)
	}
	return groups
}

func providerObject(path string) string {
	if !strings.HasPrefix(path, `\`) {
		return unknownProviderObject
	}
	rest := path[1:]
	end := strings.IndexByte(rest, '\\')
	if end < 0 {
		return unknownProviderObject
	}
	object := rest[:end]
	if paren := strings.IndexByte(object, '('); paren >= 0 {
		object = object[:paren]
	}
	if object == "" {
		return unknownProviderObject
	}
	return object
}

// ValidateDefinitions flags duplicate names and empty or malformed provider
// paths. It accumulates error strings instead of failing on the first issue.
func ValidateDefinitions(metrics []MetricDefinition) []string {
	var errs []string
	seen := make(map[string]bool, len(metrics))
	for _, m := range metrics {
		if seen[m.Name] {
			errs = append(errs, fmt.Sprintf("duplicate metric name %q", m.Name))
		}
		seen[m.Name] = true

		if m.ProviderPath == "" {
			errs = append(errs, fmt.Sprintf("metric %q has an empty provider path", m.Name))
		} else if !strings.HasPrefix(m.ProviderPath, `\`) {
			errs = append(errs, fmt.Sprintf("metric %q has a malformed provider path %q", m.Name, m.ProviderPath))
		}
	}
	return errs
}

// ResolveDependencies returns the requested metrics with duplicates removed.
// Today no metric depends on another, so this is a deduplication pass; the
// signature is the seam where real dependency expansion would live.
func ResolveDependencies(metrics []MetricDefinition) []MetricDefinition {
	return dedupeByName(metrics)
}

// dedupeByName sorts by name and removes adjacent duplicates, keeping the
// first occurrence.
func dedupeByName(metrics []MetricDefinition) []MetricDefinition {
	if len(metrics) == 0 {
		return metrics
	}
	out := append([]MetricDefinition(nil), metrics...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	unique := out[:1]
	for _, m := range out[1:] {
		if m.Name != unique[len(unique)-1].Name {
			unique = append(unique, m)
		}
	}
	return unique
}
