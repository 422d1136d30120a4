// Copyright Checkmark Software, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/checkmark/agent/pkg/telemetry"
)

const bridgeSource = "collection-engine"

// BridgeConfig controls how cache contents are turned into events.
type BridgeConfig struct {
	// Interval between cache sweeps.
	Interval time.Duration

	// MaxAge filters out metrics whose last update is older than this.
	// Zero disables the freshness filter.
	MaxAge time.Duration

	// HostName stamped on every event.
	HostName string
}

// ApplyDefaults fills zero fields with usable values.
func (c *BridgeConfig) ApplyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
}

// Validate checks the configuration for nonsensical values.
func (c *BridgeConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("bridge interval must be positive, got %v", c.Interval)
	}
	if c.MaxAge < 0 {
		return fmt.Errorf("bridge max age must not be negative, got %v", c.MaxAge)
	}
	return nil
}

// CacheBridge periodically sweeps a metric cache and publishes every fresh
// value as an event. It decouples the collection loop from consumers: the
// engine only writes the cache, and consumer slowness can never stall a
// collection tick.
type CacheBridge struct {
	logger logr.Logger
	cache  *telemetry.MetricCache
	router Router
	config BridgeConfig

	// defs indexes the collected metric definitions by name so events carry
	// category and per-core shape.
	defs map[string]telemetry.MetricDefinition
}

// NewCacheBridge builds a bridge over the cache for the given definitions.
func NewCacheBridge(cache *telemetry.MetricCache, router Router, defs []telemetry.MetricDefinition, config BridgeConfig, logger logr.Logger) (*CacheBridge, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	index := make(map[string]telemetry.MetricDefinition, len(defs))
	for _, def := range defs {
		index[def.Name] = def
	}

	return &CacheBridge{
		logger: logger.WithName("cache-bridge"),
		cache:  cache,
		router: router,
		config: config,
		defs:   index,
	}, nil
}

// Run sweeps the cache on every tick until the context is cancelled.
func (b *CacheBridge) Run(ctx context.Context) error {
	b.logger.Info("Starting cache bridge",
		"interval", b.config.Interval, "metrics", len(b.defs))

	ticker := time.NewTicker(b.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Cache bridge shutdown")
			return nil
		case <-ticker.C:
			if err := b.sweep(); err != nil {
				b.logger.V(1).Info("sweep failed", "error", err.Error())
			}
		}
	}
}

// Sweep publishes one batch of events for the cache's current contents.
// Exposed for callers that drive their own schedule.
func (b *CacheBridge) Sweep() error { return b.sweep() }

func (b *CacheBridge) sweep() error {
	events := make([]MetricEvent, 0, len(b.defs))
	for name, def := range b.defs {
		if b.config.MaxAge > 0 && !b.cache.IsFresh(name, b.config.MaxAge) {
			continue
		}

		if def.PerCore {
			record, ok := b.cache.PerCoreRecord(name)
			if !ok || !record.TotalValue.IsValid {
				continue
			}
			cores := make([]float64, len(record.CoreValues))
			for i, cv := range record.CoreValues {
				cores[i] = telemetry.InvalidCoreValue
				if cv.IsValid {
					cores[i] = cv.Value
				}
			}
			events = append(events, MetricEvent{
				Timestamp: record.TotalValue.Timestamp,
				Source:    bridgeSource,
				HostName:  b.config.HostName,
				Name:      name,
				Category:  def.Category,
				EventType: EventTypeGauge,
				Value:     record.TotalValue.Value,
				PerCore:   cores,
			})
			continue
		}

		mv, ok := b.cache.Metric(name)
		if !ok || !mv.IsValid {
			continue
		}
		events = append(events, MetricEvent{
			Timestamp: mv.Timestamp,
			Source:    bridgeSource,
			HostName:  b.config.HostName,
			Name:      name,
			Category:  def.Category,
			EventType: EventTypeGauge,
			Value:     mv.Value,
		})
	}

	if len(events) == 0 {
		return nil
	}
	return b.router.PublishBatch(events)
}
