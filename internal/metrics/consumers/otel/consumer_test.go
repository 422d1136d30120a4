// Copyright Checkmark Software, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package otel

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/checkmark/agent/internal/metrics"
	"github.com/checkmark/agent/pkg/telemetry"
)

func TestNewConsumer_ValidatesConfig(t *testing.T) {
	_, err := NewConsumer(Config{}, logr.Discard())
	assert.Error(t, err)

	c, err := NewConsumer(DefaultConfig(), logr.Discard())
	require.NoError(t, err)
	assert.Equal(t, "opentelemetry", c.Name())
	assert.True(t, c.Health().Healthy)
}

func TestConsumer_DropsEventsBeforeStart(t *testing.T) {
	c, err := NewConsumer(DefaultConfig(), logr.Discard())
	require.NoError(t, err)

	event := metrics.MetricEvent{
		Timestamp: time.Now(),
		Name:      "cpu_usage",
		Category:  telemetry.CategoryCPU,
		EventType: metrics.EventTypeGauge,
		Value:     12.5,
	}
	require.NoError(t, c.HandleEvent(event))

	health := c.Health()
	assert.Equal(t, uint64(0), health.EventsCount, "events before Start are dropped, not processed")
	assert.Equal(t, uint64(0), health.ErrorsCount)
	assert.Equal(t, uint64(1), c.eventsDropped.Load())
}
