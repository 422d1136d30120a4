// Copyright Checkmark Software, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/checkmark/agent/pkg/telemetry"
)

// mockConsumer implements the Consumer interface for testing
type mockConsumer struct {
	name      string
	events    []MetricEvent
	mu        sync.Mutex
	started   bool
	handleErr error
}

func newMockConsumer(name string) *mockConsumer {
	return &mockConsumer{
		name:   name,
		events: make([]MetricEvent, 0),
	}
}

func (m *mockConsumer) Name() string {
	return m.name
}

func (m *mockConsumer) HandleEvent(event MetricEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handleErr != nil {
		return m.handleErr
	}
	m.events = append(m.events, event)
	return nil
}

func (m *mockConsumer) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	return nil
}

func (m *mockConsumer) Health() ConsumerHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConsumerHealth{
		Healthy:     m.started,
		EventsCount: uint64(len(m.events)),
	}
}

func (m *mockConsumer) getEvents() []MetricEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MetricEvent{}, m.events...)
}

func testEvent(name string, value float64) MetricEvent {
	return MetricEvent{
		Timestamp: time.Now(),
		Source:    "test",
		Name:      name,
		Category:  telemetry.CategoryCPU,
		EventType: EventTypeGauge,
		Value:     value,
	}
}

func TestMetricsRouter_ConcurrentPublish(t *testing.T) {
	// Test that concurrent publishes don't cause race conditions
	router := NewMetricsRouter(logr.Discard())

	consumer := newMockConsumer("test-consumer")
	require.NoError(t, router.RegisterConsumer(consumer))

	var wg sync.WaitGroup
	numGoroutines := 10
	eventsPerGoroutine := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				err := router.Publish(testEvent("cpu_usage", float64(id*eventsPerGoroutine+j)))
				assert.NoError(t, err)
			}
		}(i)
	}

	wg.Wait()
	assert.Equal(t, numGoroutines*eventsPerGoroutine, len(consumer.getEvents()))
}

func TestMetricsRouter_PublishAfterClose(t *testing.T) {
	router := NewMetricsRouter(logr.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, router.Start(ctx))
	}()

	require.NoError(t, router.Publish(testEvent("cpu_usage", 1)))

	cancel()
	<-done

	err := router.Publish(testEvent("cpu_usage", 2))
	assert.Equal(t, ErrRouterClosed, err)
}

func TestMetricsRouter_DirectDelivery(t *testing.T) {
	// Events are delivered to every consumer synchronously, with no
	// buffering at the router level.
	router := NewMetricsRouter(logr.Discard())

	consumer1 := newMockConsumer("consumer1")
	consumer2 := newMockConsumer("consumer2")
	require.NoError(t, router.RegisterConsumer(consumer1))
	require.NoError(t, router.RegisterConsumer(consumer2))

	numEvents := 100
	for i := 0; i < numEvents; i++ {
		require.NoError(t, router.Publish(testEvent("memory_available_mb", float64(i))))
	}

	assert.Equal(t, numEvents, len(consumer1.getEvents()))
	assert.Equal(t, numEvents, len(consumer2.getEvents()))
}

func TestMetricsRouter_ConsumerRegistration(t *testing.T) {
	router := NewMetricsRouter(logr.Discard())

	consumer1 := newMockConsumer("consumer1")
	require.NoError(t, router.RegisterConsumer(consumer1))

	// Duplicate names are rejected.
	consumer2 := newMockConsumer("consumer1")
	err := router.RegisterConsumer(consumer2)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	consumer3 := newMockConsumer("consumer2")
	require.NoError(t, router.RegisterConsumer(consumer3))

	stats := router.GetStats()
	assert.Equal(t, 2, stats.ConsumerCount)

	require.NoError(t, router.UnregisterConsumer("consumer1"))
	stats = router.GetStats()
	assert.Equal(t, 1, stats.ConsumerCount)

	err = router.UnregisterConsumer("non-existent")
	assert.Error(t, err)
}

func TestMetricsRouter_ConsumerErrorDoesNotBlockOthers(t *testing.T) {
	router := NewMetricsRouter(logr.Discard())

	failing := newMockConsumer("failing")
	failing.handleErr = errors.New("consumer backend down")
	healthy := newMockConsumer("healthy")
	require.NoError(t, router.RegisterConsumer(failing))
	require.NoError(t, router.RegisterConsumer(healthy))

	err := router.Publish(testEvent("cpu_usage", 42))
	assert.Error(t, err, "the consumer error surfaces to the publisher")
	assert.Equal(t, 1, len(healthy.getEvents()), "other consumers still receive the event")
}

func TestMetricsRouter_PublishBatch(t *testing.T) {
	router := NewMetricsRouter(logr.Discard())
	consumer := newMockConsumer("batch")
	require.NoError(t, router.RegisterConsumer(consumer))

	events := []MetricEvent{
		testEvent("cpu_usage", 10),
		testEvent("memory_available_mb", 2048),
	}
	require.NoError(t, router.PublishBatch(events))

	got := consumer.getEvents()
	require.Len(t, got, 2)
	assert.Equal(t, "cpu_usage", got[0].Name)
	assert.Equal(t, "memory_available_mb", got[1].Name)
}
