// Copyright Checkmark Software, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package otel

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	metricSDK "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/checkmark/agent/internal/metrics"
	"github.com/checkmark/agent/pkg/telemetry"
)

// Compile-time check
var _ metrics.Consumer = (*Consumer)(nil)

const (
	consumerName = "opentelemetry"
)

var (
	// ErrNotStarted is returned when events arrive before Start
	ErrNotStarted = errors.New("otel consumer not started")
)

// Consumer exports metric events over OTLP gRPC. Every event becomes a
// float64 gauge named after the metric; per-core breakdowns are recorded as
// additional points with a core attribute.
type Consumer struct {
	config Config
	logger logr.Logger

	// OpenTelemetry components, initialized in Start
	exporter metricSDK.Exporter
	provider *metricSDK.MeterProvider
	meter    metric.Meter

	// gauges caches instruments by metric name
	gaugesMu sync.Mutex
	gauges   map[string]metric.Float64Gauge

	// Runtime state
	started   atomic.Bool
	healthy   atomic.Bool
	lastError atomic.Pointer[error]

	// Metrics
	eventsProcessed atomic.Uint64
	eventsDropped   atomic.Uint64
	errorsCount     atomic.Uint64
	startTime       time.Time
}

// NewConsumer creates a new OpenTelemetry metrics consumer
func NewConsumer(config Config, logger logr.Logger) (*Consumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	consumer := &Consumer{
		config:    config,
		logger:    logger.WithName("otel-consumer"),
		startTime: time.Now(),
		gauges:    make(map[string]metric.Float64Gauge),
	}

	// OpenTelemetry components are initialized in Start() when we have a context
	consumer.healthy.Store(true)
	return consumer, nil
}

// initOpenTelemetry initializes the OpenTelemetry components
func (c *Consumer) initOpenTelemetry(ctx context.Context) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(c.config.Endpoint),
		otlpmetricgrpc.WithTimeout(c.config.Timeout),
	}

	if c.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	if len(c.config.Headers) > 0 {
		opts = append(opts, otlpmetricgrpc.WithHeaders(c.config.Headers))
	}
	if c.config.Compression == CompressionGZip {
		opts = append(opts, otlpmetricgrpc.WithCompressor(c.config.Compression.String()))
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return err
	}
	c.exporter = exporter

	res := resource.NewWithAttributes(
		"",
		semconv.ServiceName(c.config.ServiceName),
		semconv.ServiceVersion(c.config.ServiceVersion),
	)

	c.provider = metricSDK.NewMeterProvider(
		metricSDK.WithReader(metricSDK.NewPeriodicReader(
			exporter,
			metricSDK.WithInterval(c.config.ExportInterval),
		)),
		metricSDK.WithResource(res),
	)

	c.meter = c.provider.Meter(
		"github.com/checkmark/agent",
		metric.WithInstrumentationVersion(c.config.ServiceVersion),
	)

	return nil
}

// Name returns the consumer name identifier.
func (c *Consumer) Name() string {
	return consumerName
}

// HandleEvent records a metric event on its gauge. Events arriving before
// Start are dropped and counted, never buffered.
func (c *Consumer) HandleEvent(event metrics.MetricEvent) error {
	if !c.started.Load() {
		c.eventsDropped.Add(1)
		return nil
	}

	gauge, err := c.gauge(event.Name)
	if err != nil {
		c.errorsCount.Add(1)
		c.lastError.Store(&err)
		return err
	}

	ctx := context.Background()
	attrs := []attribute.KeyValue{
		attribute.String("category", string(event.Category)),
	}
	if event.HostName != "" {
		attrs = append(attrs, attribute.String("host", event.HostName))
	}

	gauge.Record(ctx, event.Value, metric.WithAttributes(attrs...))

	for core, value := range event.PerCore {
		if value == telemetry.InvalidCoreValue {
			continue
		}
		coreAttrs := append(attrs, attribute.String("core", strconv.Itoa(core)))
		gauge.Record(ctx, value, metric.WithAttributes(coreAttrs...))
	}

	c.eventsProcessed.Add(1)
	return nil
}

func (c *Consumer) gauge(name string) (metric.Float64Gauge, error) {
	c.gaugesMu.Lock()
	defer c.gaugesMu.Unlock()

	if g, ok := c.gauges[name]; ok {
		return g, nil
	}
	g, err := c.meter.Float64Gauge(name)
	if err != nil {
		return nil, err
	}
	c.gauges[name] = g
	return g, nil
}

// Start initializes the exporter and begins periodic export.
func (c *Consumer) Start(ctx context.Context) error {
	if c.started.Load() {
		return nil
	}

	if err := c.initOpenTelemetry(ctx); err != nil {
		c.healthy.Store(false)
		return err
	}
	c.started.Store(true)

	c.logger.Info("Starting OpenTelemetry consumer",
		"endpoint", c.config.Endpoint,
		"insecure", c.config.Insecure,
		"export_interval", c.config.ExportInterval)

	// Flush and release the provider when the context ends.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
		defer cancel()
		if err := c.provider.Shutdown(shutdownCtx); err != nil {
			c.logger.Error(err, "Failed to shut down meter provider")
		}
		c.started.Store(false)
	}()

	return nil
}

// Health returns the current health status.
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
