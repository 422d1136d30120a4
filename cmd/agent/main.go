// Copyright Checkmark Software, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/checkmark/agent/internal/config"
	"github.com/checkmark/agent/internal/metrics"
	"github.com/checkmark/agent/internal/metrics/consumers/debug"
	"github.com/checkmark/agent/internal/metrics/consumers/otel"
	"github.com/checkmark/agent/pkg/telemetry"
)

var (
	configPath  string
	duration    time.Duration
	verbose     bool
	listMetrics bool
)

func init() {
	flag.StringVar(&configPath, "config", "", "Path to YAML config file (watched for changes)")
	flag.DurationVar(&duration, "duration", 0, "Run duration, 0 runs until interrupted (e.g. 5m, 1h)")
	flag.BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&listMetrics, "list-metrics", false, "List available metrics and exit")
}

func main() {
	flag.Parse()

	var logger logr.Logger
	if verbose {
		zapLog, _ := zap.NewDevelopment()
		logger = zapr.NewLogger(zapLog)
	} else {
		zapLog, _ := zap.NewProduction()
		logger = zapr.NewLogger(zapLog)
	}

	if listMetrics {
		listAvailableMetrics()
		return
	}

	if err := run(logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(logger logr.Logger) error {
	cfg := config.Default()
	var watcher *config.FileWatcher
	if configPath != "" {
		var err error
		watcher, err = config.NewFileWatcher(configPath, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := watcher.Close(); err != nil {
				logger.Error(err, "failed to close config watcher")
			}
		}()
		cfg = watcher.Current()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received interrupt, shutting down")
		cancel()
	}()

	router := metrics.NewMetricsRouter(logger)
	go func() {
		if err := router.Start(ctx); err != nil {
			logger.Error(err, "metrics router failed")
		}
	}()

	if err := registerConsumers(ctx, cfg, router, logger); err != nil {
		return err
	}

	runner := &agentRunner{logger: logger, router: router}
	if err := runner.start(ctx, cfg); err != nil {
		return err
	}
	defer runner.stop()

	for {
		select {
		case <-ctx.Done():
			runner.logSummary()
			return nil
		case newCfg, ok := <-updates(watcher):
			if !ok {
				<-ctx.Done()
				runner.logSummary()
				return nil
			}
			logger.Info("Config changed, restarting collection")
			runner.stop()
			if err := runner.start(ctx, newCfg); err != nil {
				return err
			}
		}
	}
}

func updates(watcher *config.FileWatcher) <-chan config.Config {
	if watcher == nil {
		return nil
	}
	return watcher.Updates()
}

func registerConsumers(ctx context.Context, cfg config.Config, router *metrics.MetricsRouter, logger logr.Logger) error {
	if cfg.Consumers.Debug.Enabled {
		debugCfg := debug.DefaultConfig()
		debugCfg.LogLevel = debug.LogLevel(cfg.Consumers.Debug.LogLevel)
		debugCfg.LogFormat = debug.LogFormat(cfg.Consumers.Debug.LogFormat)
		consumer, err := debug.NewConsumer(debugCfg, logger)
		if err != nil {
			return fmt.Errorf("failed to create debug consumer: %w", err)
		}
		if err := consumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start debug consumer: %w", err)
		}
		if err := router.RegisterConsumer(consumer); err != nil {
			return err
		}
	}

	if cfg.Consumers.OTLP.Enabled {
		otelCfg := otel.DefaultConfig()
		otelCfg.Endpoint = cfg.Consumers.OTLP.Endpoint
		otelCfg.Insecure = cfg.Consumers.OTLP.Insecure
		otelCfg.Headers = cfg.Consumers.OTLP.Headers
		if cfg.Consumers.OTLP.Timeout > 0 {
			otelCfg.Timeout = cfg.Consumers.OTLP.Timeout
		}
		if cfg.Consumers.OTLP.ExportInterval > 0 {
			otelCfg.ExportInterval = cfg.Consumers.OTLP.ExportInterval
		}
		if cfg.Consumers.OTLP.ServiceName != "" {
			otelCfg.ServiceName = cfg.Consumers.OTLP.ServiceName
		}
		if cfg.Consumers.OTLP.ServiceVersion != "" {
			otelCfg.ServiceVersion = cfg.Consumers.OTLP.ServiceVersion
		}
		consumer, err := otel.NewConsumer(otelCfg, logger)
		if err != nil {
			return fmt.Errorf("failed to create otel consumer: %w", err)
		}
		if err := consumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start otel consumer: %w", err)
		}
		if err := router.RegisterConsumer(consumer); err != nil {
			return err
		}
	}

	return nil
}

// agentRunner owns the engine and bridge for one configuration generation,
// so a config reload can tear them down and bring up replacements.
type agentRunner struct {
	logger logr.Logger
	router *metrics.MetricsRouter

	engine       *telemetry.CollectionEngine
	bridgeCancel context.CancelFunc
	bridgeDone   chan struct{}
}

func (r *agentRunner) start(ctx context.Context, cfg config.Config) error {
	provider := newProvider(r.logger)
	engine := telemetry.NewCollectionEngine(provider, cfg.CollectionConfig(), r.logger)
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start collection: %w", err)
	}
	r.engine = engine

	bridge, err := metrics.NewCacheBridge(engine.Cache(), r.router, cfg.Metrics(), metrics.BridgeConfig{
		Interval: cfg.Bridge.Interval,
		MaxAge:   cfg.Bridge.MaxAge,
		HostName: cfg.HostName,
	}, r.logger)
	if err != nil {
		engine.Shutdown()
		return err
	}

	bridgeCtx, cancel := context.WithCancel(ctx)
	r.bridgeCancel = cancel
	r.bridgeDone = make(chan struct{})
	go func() {
		defer close(r.bridgeDone)
		if err := bridge.Run(bridgeCtx); err != nil {
			r.logger.Error(err, "cache bridge failed")
		}
	}()

	r.logger.Info("Agent started",
		"metrics", len(engine.RegisteredMetrics()),
		"interval", cfg.CollectionInterval,
		"host", cfg.HostName)
	return nil
}

func (r *agentRunner) stop() {
	if r.bridgeCancel != nil {
		r.bridgeCancel()
		<-r.bridgeDone
		r.bridgeCancel = nil
	}
	if r.engine != nil {
		r.engine.Shutdown()
	}
}

func (r *agentRunner) logSummary() {
	if r.engine == nil {
		return
	}
	snap := r.engine.Cache().Stats().Snapshot()
	r.logger.Info("Collection summary",
		"attempts", snap.TotalAttempts,
		"success_rate", fmt.Sprintf("%.1f%%", snap.SuccessRate),
		"metrics_collected", snap.MetricsCollected,
		"avg_collection_time", snap.AverageCollectionTime,
		"uptime", snap.Uptime)
}

func listAvailableMetrics() {
	defs := telemetry.AllEssentialMetrics()
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Category != defs[j].Category {
			return defs[i].Category < defs[j].Category
		}
		return defs[i].Name < defs[j].Name
	})

	fmt.Printf("Available metrics:\n\n")
	category := telemetry.Category("")
	for _, def := range defs {
		if def.Category != category {
			category = def.Category
			fmt.Printf("[%s]\n", category)
		}
		shape := ""
		if def.PerCore {
			shape = " (per-core)"
		} else if def.IsWildcard() {
			shape = " (all instances)"
		}
		fmt.Printf("  %-32s %s%s\n", def.Name, def.ProviderPath, shape)
	}
}
