// Copyright Checkmark Software, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllEssentialMetrics_UniqueNames(t *testing.T) {
	metrics := AllEssentialMetrics()
	require.NotEmpty(t, metrics)

	seen := make(map[string]bool)
	for _, m := range metrics {
		assert.False(t, seen[m.Name], "duplicate metric name %q", m.Name)
		seen[m.Name] = true
	}
}

func TestMetricsForCategory(t *testing.T) {
	tests := []struct {
		name     string
		category Category
		wantAny  bool
	}{
		{name: "cpu", category: CategoryCPU, wantAny: true},
		{name: "memory", category: CategoryMemory, wantAny: true},
		{name: "disk", category: CategoryDisk, wantAny: true},
		{name: "system", category: CategorySystem, wantAny: true},
		{name: "all", category: CategoryAll, wantAny: true},
		{name: "unknown", category: Category("gpu"), wantAny: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := MetricsForCategory(tt.category)
			if !tt.wantAny {
				assert.Empty(t, metrics)
				return
			}
			require.NotEmpty(t, metrics)
			if tt.category != CategoryAll {
				for _, m := range metrics {
					assert.Equal(t, tt.category, m.Category)
				}
			}
		})
	}
}

func TestMetricsForCategories_Dedupes(t *testing.T) {
	// Requesting the same category twice must not duplicate definitions.
	once := MetricsForCategories([]Category{CategoryCPU})
	twice := MetricsForCategories([]Category{CategoryCPU, CategoryCPU})
	assert.Equal(t, once, twice)

	union := MetricsForCategories([]Category{CategoryCPU, CategoryMemory})
	assert.Len(t, union, len(MetricsForCategory(CategoryCPU))+len(MetricsForCategory(CategoryMemory)))
}

func TestGroupByProviderObject(t *testing.T) {
	metrics := []MetricDefinition{
		{Name: "a", ProviderPath: `\Processor(0)\% Processor Time`},
		{Name: "b", ProviderPath: `\Processor(_Total)\% Privileged Time`},
		{Name: "c", ProviderPath: `\Memory\Available MBytes`},
		{Name: "d", ProviderPath: `\LogicalDisk(*)\Disk Read Bytes/sec`},
		{Name: "e", ProviderPath: `no-leading-separator`},
		{Name: "f", ProviderPath: `\OnlyObject`},
	}

	groups := GroupByProviderObject(metrics)

	assert.Len(t, groups["Processor"], 2)
	assert.Len(t, groups["Memory"], 1)
	assert.Len(t, groups["LogicalDisk"], 1)
	assert.Len(t, groups[unknownProviderObject], 2)
}

func TestGroupByProviderObject_Deterministic(t *testing.T) {
	metrics := AllEssentialMetrics()
	first := GroupByProviderObject(metrics)
	second := GroupByProviderObject(metrics)
	assert.Equal(t, first, second)
}

func TestValidateDefinitions(t *testing.T) {
	tests := []struct {
		name    string
		metrics []MetricDefinition
		wantLen int
	}{
		{
			name:    "catalog is clean",
			metrics: AllEssentialMetrics(),
			wantLen: 0,
		},
		{
			name: "duplicate names",
			metrics: []MetricDefinition{
				{Name: "dup", ProviderPath: `\Memory\A`},
				{Name: "dup", ProviderPath: `\Memory\B`},
			},
			wantLen: 1,
		},
		{
			name: "empty and malformed paths",
			metrics: []MetricDefinition{
				{Name: "empty", ProviderPath: ""},
				{Name: "malformed", ProviderPath: `Memory\A`},
			},
			wantLen: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := ValidateDefinitions(tt.metrics)
			assert.Len(t, errs, tt.wantLen, "errors: %v", errs)
		})
	}
}

func TestResolveDependencies_Dedupes(t *testing.T) {
	metrics := []MetricDefinition{
		{Name: "b", ProviderPath: `\Memory\B`},
		{Name: "a", ProviderPath: `\Memory\A`},
		{Name: "b", ProviderPath: `\Memory\B2`},
	}

	resolved := ResolveDependencies(metrics)
	require.Len(t, resolved, 2)
	assert.Equal(t, "a", resolved[0].Name)
	assert.Equal(t, "b", resolved[1].Name)
	// First occurrence wins.
	assert.Equal(t, `\Memory\B`, resolved[1].ProviderPath)
}
