// Copyright Checkmark Software, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package metrics

import (
	"time"

	"github.com/checkmark/agent/pkg/telemetry"
)

// MetricEvent is one sampled metric flowing through the pipeline. Every
// event carries a single float64 value; per-core metrics additionally carry
// the per-core breakdown with the invalid-slot marker preserved.
type MetricEvent struct {
	// Event metadata
	Timestamp time.Time
	Source    string // e.g. "collection-engine"
	HostName  string

	// Metric identification
	Name      string
	Category  telemetry.Category
	EventType EventType

	// Value is the metric sample; for per-core metrics it is the total
	// across valid cores.
	Value float64

	// PerCore holds the per-core breakdown when the metric is per-core,
	// nil otherwise. Slots holding telemetry.InvalidCoreValue mark cores
	// whose counter failed.
	PerCore []float64
}

// EventType indicates how to interpret the sample.
type EventType string

const (
	EventTypeGauge   EventType = "gauge"   // point-in-time value
	EventTypeCounter EventType = "counter" // monotonically increasing value
)

// Router defines the interface for routing metrics events to consumers
type Router interface {
	// Publish emits a metrics event to all registered consumers
	Publish(event MetricEvent) error

	// PublishBatch emits multiple metrics events efficiently
	PublishBatch(events []MetricEvent) error
}
