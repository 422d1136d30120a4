// Copyright Checkmark Software, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package debug

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/checkmark/agent/internal/metrics"
)

const (
	consumerName = "debug"
)

// Consumer implements the metrics consumer interface for debug logging
type Consumer struct {
	config Config
	logger logr.Logger

	// Runtime state
	healthy   atomic.Bool
	lastError atomic.Pointer[error]

	// Metrics
	eventsProcessed atomic.Uint64
	errorsCount     atomic.Uint64
	startTime       time.Time

	// Statistics tracking
	eventsByCategory map[string]*atomic.Uint64
	statsMutex       sync.RWMutex
}

func NewConsumer(config Config, logger logr.Logger) (*Consumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	consumer := &Consumer{
		config:           config,
		logger:           logger.WithName("debug-consumer"),
		startTime:        time.Now(),
		eventsByCategory: make(map[string]*atomic.Uint64),
	}

	consumer.healthy.Store(true)
	return consumer, nil
}

func (c *Consumer) Name() string {
	return consumerName
}

// HandleEvent processes a metric event by logging it immediately.
// This is non-blocking and returns immediately after logging.
func (c *Consumer) HandleEvent(event metrics.MetricEvent) error {
	if err := c.processEvent(event); err != nil {
		c.logger.Error(err, "Failed to process metrics event",
			"metric", event.Name,
			"source", event.Source)
		c.errorsCount.Add(1)
		c.lastError.Store(&err)
		return err
	}
	c.eventsProcessed.Add(1)
	return nil
}

func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting Debug consumer",
		"log_level", c.config.LogLevel,
		"log_format", c.config.LogFormat)

	return nil
}

func (c *Consumer) Health() metrics.ConsumerHealth {
	var lastErr error
	if errPtr := c.lastError.Load(); errPtr != nil {
		lastErr = *errPtr
	}

	return metrics.ConsumerHealth{
		Healthy:     c.healthy.Load(),
		LastError:   lastErr,
		EventsCount: c.eventsProcessed.Load(),
		ErrorsCount: c.errorsCount.Load(),
	}
}

func (c *Consumer) processEvent(event metrics.MetricEvent) error {
	// Check filters
	if !c.config.ShouldLogMetric(event.Name) {
		return nil
	}
	if !c.config.ShouldLogCategory(string(event.Category)) {
		return nil
	}

	c.updateStats(event)

	if c.config.LogFormat == LogFormatJSON {
		return c.logEventJSON(event)
	}
	return c.logEventText(event)
}

func (c *Consumer) updateStats(event metrics.MetricEvent) {
	c.statsMutex.Lock()
	defer c.statsMutex.Unlock()

	key := string(event.Category)
	if counter, exists := c.eventsByCategory[key]; exists {
		counter.Add(1)
	} else {
		counter := &atomic.Uint64{}
		counter.Store(1)
		c.eventsByCategory[key] = counter
	}
}

// logEntry is the JSON shape of one logged event.
type logEntry struct {
	Timestamp time.Time `json:"timestamp,omitempty"`
	Consumer  string    `json:"consumer"`
	Metric    string    `json:"metric"`
	Category  string    `json:"category,omitempty"`
	Source    string    `json:"source,omitempty"`
	Host      string    `json:"host,omitempty"`
	Value     float64   `json:"value"`
	PerCore   []float64 `json:"per_core,omitempty"`
}

func (c *Consumer) logEventJSON(event metrics.MetricEvent) error {
	entry := logEntry{
		Consumer: consumerName,
		Metric:   event.Name,
		Value:    event.Value,
	}

	if c.config.IncludeTimestamp {
		entry.Timestamp = event.Timestamp
	}
	if c.config.LogLevel >= LogLevelDetails {
		entry.Category = string(event.Category)
		entry.Source = event.Source
		entry.Host = event.HostName
	}
	if c.config.LogLevel >= LogLevelVerbose {
		entry.PerCore = event.PerCore
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	c.logger.Info(string(jsonBytes))
	return nil
}

func (c *Consumer) logEventText(event metrics.MetricEvent) error {
	var parts []string

	parts = append(parts, fmt.Sprintf("Metric: %s = %.2f", event.Name, event.Value))

	if c.config.LogLevel >= LogLevelDetails {
		if event.Category != "" {
			parts = append(parts, fmt.Sprintf("Category: %s", event.Category))
		}
		if event.Source != "" {
			parts = append(parts, fmt.Sprintf("Source: %s", event.Source))
		}
		if event.HostName != "" {
			parts = append(parts, fmt.Sprintf("Host: %s", event.HostName))
		}
	}

	if c.config.LogLevel >= LogLevelVerbose && len(event.PerCore) > 0 {
		parts = append(parts, fmt.Sprintf("PerCore: %v", event.PerCore))
	}

	message := strings.Join(parts, " | ")

	if c.config.IncludeTimestamp {
		timestamp := event.Timestamp.Format("2006-01-02 15:04:05.000")
		message = fmt.Sprintf("[%s] %s", timestamp, message)
	}

	c.logger.Info(message)

	// Log periodic stats
	if c.eventsProcessed.Load()%1000 == 0 {
		c.logStats()
	}

	return nil
}

func (c *Consumer) logStats() {
	c.statsMutex.RLock()
	categories := len(c.eventsByCategory)
	c.statsMutex.RUnlock()

	c.logger.Info("Debug consumer stats",
		"events_processed", c.eventsProcessed.Load(),
		"errors", c.errorsCount.Load(),
		"uptime", time.Since(c.startTime),
		"categories", categories)
}

// Compile-time check that Consumer implements the consumer interface
var _ metrics.Consumer = (*Consumer)(nil)
