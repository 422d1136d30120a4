// Copyright Checkmark Software, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/checkmark/agent/pkg/perfquery"
)

var (
	// ErrNoMetricsRequested is returned by Initialize when the configuration
	// carries an empty metric list.
	ErrNoMetricsRequested = errors.New("no metrics requested")

	// ErrAllGroupsFailed is returned by Initialize when every provider query
	// group failed to open. Partial coverage is accepted; total failure is not.
	ErrAllGroupsFailed = errors.New("every query group failed to open")
)

// queryOpenMaxTries bounds the open retries before a group is skipped.
const queryOpenMaxTries = 3

type engineState int

const (
	stateUninitialized engineState = iota
	stateInitialized
	stateRunning
	stateStopped
)

// collectorKind tags the collection strategy for one registered metric. The
// three strategies are known exhaustively at registration time.
type collectorKind int

const (
	collectSimple collectorKind = iota
	collectWildcard
	collectPerCore
)

// collector is a pre-built descriptor for one registered metric: definition
// pointer, counter handle(s), and reusable scratch buffers. Built once at
// initialize time so the hot loop does no map lookups and no allocation.
type collector struct {
	kind collectorKind
	def  *MetricDefinition

	// Simple and wildcard strategies use a single counter.
	counter perfquery.Counter

	// Per-core strategy keeps one handle per logical core; a nil slot marks a
	// counter that failed to register, keeping indices aligned with cores.
	coreCounters []perfquery.Counter
	coreBuf      []float64

	// Wildcard scratch, grown once via the provider's "needs more space"
	// response and never shrunk.
	arrayBuf []perfquery.InstanceValue
}

// queryGroup bundles one provider query handle with the collectors it serves.
type queryGroup struct {
	objectName string
	query      perfquery.Query
	metrics    []MetricDefinition
	collectors []*collector
}

// CollectionEngine owns provider counter registration and the background
// polling loop. It is the only writer of its MetricCache.
//
// Lifecycle: Uninitialized → Initialized → Running → Stopped; Shutdown
// collapses any state back to fully uninitialized.
type CollectionEngine struct {
	logger   logr.Logger
	provider perfquery.Provider
	config   CollectionConfig
	cache    *MetricCache

	// mu guards state transitions; Initialize may race with Shutdown.
	mu     sync.Mutex
	state  engineState
	groups []*queryGroup
	runID  string

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCollectionEngine builds an engine around a provider. The configuration
// is defaulted but not validated until Initialize.
func NewCollectionEngine(provider perfquery.Provider, config CollectionConfig, logger logr.Logger) *CollectionEngine {
	config.ApplyDefaults()
	return &CollectionEngine{
		logger:   logger.WithName("collection-engine"),
		provider: provider,
		config:   config,
		cache:    NewMetricCache(config.CoreCount, logger),
	}
}

// Cache returns the cache this engine writes to. Safe to read from any
// goroutine.
func (e *CollectionEngine) Cache() *MetricCache { return e.cache }

// Config returns the effective configuration.
func (e *CollectionEngine) Config() CollectionConfig { return e.config }

// Initialize opens one provider query per counter object and registers every
// requested metric. A group that fails to open is logged and skipped;
// Initialize fails only when the metric list is empty or every group failed.
// Idempotent: a second call while initialized returns nil without rework.
func (e *CollectionEngine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initializeLocked(ctx)
}

func (e *CollectionEngine) initializeLocked(ctx context.Context) error {
	if e.state != stateUninitialized {
		return nil
	}

	if len(e.config.RequestedMetrics) == 0 {
		e.logger.Error(ErrNoMetricsRequested, "refusing to initialize")
		return ErrNoMetricsRequested
	}

	metrics := ResolveDependencies(e.config.RequestedMetrics)
	if errs := ValidateDefinitions(metrics); len(errs) > 0 {
		e.logger.Info("metric definitions failed validation", "errors", strings.Join(errs, "; "))
	}

	grouped := GroupByProviderObject(metrics)
	objects := make([]string, 0, len(grouped))
	for object := range grouped {
		objects = append(objects, object)
	}
	sort.Strings(objects)

	var groups []*queryGroup
	for _, object := range objects {
		group, err := e.setupGroup(ctx, object, grouped[object])
		if err != nil {
			e.logger.Error(err, "skipping query group", "object", object)
			continue
		}
		groups = append(groups, group)
	}

	if len(groups) == 0 {
		return fmt.Errorf("%w: %d groups requested", ErrAllGroupsFailed, len(grouped))
	}

	e.groups = groups
	e.state = stateInitialized
	e.logger.Info("collection engine initialized",
		"groups", len(groups), "requested_groups", len(grouped), "metrics", len(metrics))
	return nil
}

// setupGroup opens the group's query and registers its counters. The query
// handle is released on every failure path so registration errors can never
// leak a provider query.
func (e *CollectionEngine) setupGroup(ctx context.Context, object string, metrics []MetricDefinition) (*queryGroup, error) {
	query, err := e.openQuery(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open query for object %s: %w", object, err)
	}

	group := &queryGroup{objectName: object, query: query, metrics: metrics}
	for i := range metrics {
		def := &group.metrics[i]
		col := e.registerMetric(query, def)
		if col == nil {
			continue
		}
		group.collectors = append(group.collectors, col)
	}

	if len(group.collectors) == 0 {
		if cerr := query.Close(); cerr != nil {
			e.logger.Error(cerr, "failed to close query with no collectors", "object", object)
		}
		return nil, fmt.Errorf("no counters registered for object %s", object)
	}
	return group, nil
}

// openQuery retries transient open failures with exponential backoff before
// giving up on the group.
func (e *CollectionEngine) openQuery(ctx context.Context) (perfquery.Query, error) {
	return backoff.Retry(ctx, func() (perfquery.Query, error) {
		return e.provider.OpenQuery()
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(queryOpenMaxTries),
	)
}

func (e *CollectionEngine) registerMetric(query perfquery.Query, def *MetricDefinition) *collector {
	switch {
	case def.PerCore:
		counters := make([]perfquery.Counter, e.config.CoreCount)
		registered := 0
		for core := 0; core < e.config.CoreCount; core++ {
			path := strings.ReplaceAll(def.ProviderPath, CorePlaceholder, strconv.Itoa(core))
			counter, err := query.AddCounter(path)
			if err != nil {
				// Keep the nil placeholder so slot indices stay aligned with
				// core indices.
				e.logger.V(1).Info("failed to register per-core counter",
					"metric", def.Name, "core", core, "error", err.Error())
				continue
			}
			counters[core] = counter
			registered++
		}
		if registered == 0 {
			e.logger.Info("no per-core counters registered", "metric", def.Name)
			return nil
		}
		return &collector{
			kind:         collectPerCore,
			def:          def,
			coreCounters: counters,
			coreBuf:      make([]float64, e.config.CoreCount),
		}

	case def.IsWildcard():
		counter, err := query.AddCounter(def.ProviderPath)
		if err != nil {
			e.logger.V(1).Info("failed to register wildcard counter",
				"metric", def.Name, "error", err.Error())
			return nil
		}
		return &collector{kind: collectWildcard, def: def, counter: counter}

	default:
		counter, err := query.AddCounter(def.ProviderPath)
		if err != nil {
			e.logger.V(1).Info("failed to register counter",
				"metric", def.Name, "error", err.Error())
			return nil
		}
		return &collector{kind: collectSimple, def: def, counter: counter}
	}
}

// Start spawns the background collection goroutine, initializing first if
// needed. Calling Start while running is a no-op.
func (e *CollectionEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == stateRunning {
		return nil
	}
	if err := e.initializeLocked(ctx); err != nil {
		return err
	}

	e.runID = uuid.NewString()
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.state = stateRunning

	go e.run(e.stopCh, e.doneCh)

	e.logger.Info("collection started",
		"run_id", e.runID, "interval", e.config.CollectionInterval, "groups", len(e.groups))
	return nil
}

// Stop signals the loop to exit and joins the background goroutine. The stop
// flag is checked once per tick, so worst-case latency is one collection
// interval plus the in-flight provider call. Safe to call when not running.
func (e *CollectionEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
}

func (e *CollectionEngine) stopLocked() {
	if e.state != stateRunning {
		return
	}
	close(e.stopCh)
	<-e.doneCh
	e.state = stateStopped
	e.logger.Info("collection stopped", "run_id", e.runID)
}

// Shutdown stops collection, closes every provider query handle, and resets
// the engine to fully uninitialized.
func (e *CollectionEngine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopLocked()
	for _, group := range e.groups {
		if err := group.query.Close(); err != nil {
			e.logger.Error(err, "failed to close query", "object", group.objectName)
		}
	}
	e.groups = nil
	e.state = stateUninitialized
}

// IsRunning reports whether the background loop is active.
func (e *CollectionEngine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateRunning
}

// RegisteredMetrics returns the names of every metric that has at least one
// registered counter, sorted.
func (e *CollectionEngine) RegisteredMetrics() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var names []string
	for _, group := range e.groups {
		for _, col := range group.collectors {
			names = append(names, col.def.Name)
		}
	}
	sort.Strings(names)
	return names
}

// run is the collection loop. It owns all provider state; nothing else
// touches the query or counter handles while it is alive.
func (e *CollectionEngine) run(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	// Throw-away warm-up pass with no cache writes. Rate counters need one
	// collection before their first sample means anything.
	for _, group := range e.groups {
		if err := group.query.Collect(); err != nil {
			e.logger.V(1).Info("baseline collection failed",
				"object", group.objectName, "error", err.Error())
		}
	}

	// Give the provider a full interval to establish its internal baseline
	// before the first real tick.
	select {
	case <-stopCh:
		return
	case <-time.After(e.config.CollectionInterval):
	}

	for {
		tickStart := time.Now()
		success := true
		collected := 0

		for _, group := range e.groups {
			if err := group.query.Collect(); err != nil {
				// One group's provider error must not abort the others.
				e.logger.V(1).Info("group collection failed",
					"object", group.objectName, "error", err.Error())
				success = false
				continue
			}
			for _, col := range group.collectors {
				collected += e.drain(col, tickStart)
			}
		}

		elapsed := time.Since(tickStart)
		e.cache.RecordCollectionOutcome(success, elapsed, collected)

		if e.config.EnableDetailedLogging {
			e.logger.V(2).Info("collection tick",
				"run_id", e.runID, "elapsed", elapsed, "metrics", collected, "success", success)
		}

		// Never sleep negative: an overlong tick starts the next one
		// immediately, with no catch-up skipping.
		sleep := e.config.CollectionInterval - elapsed
		if sleep < 0 {
			sleep = 0
		}
		select {
		case <-stopCh:
			return
		case <-time.After(sleep):
		}
	}
}

// drain reads one collector's counters into the cache and returns the number
// of metric values written.
func (e *CollectionEngine) drain(col *collector, timestamp time.Time) int {
	switch col.kind {
	case collectSimple:
		value, err := col.counter.Value()
		if err != nil {
			// Not updated this tick; the last value ages naturally.
			return 0
		}
		e.cache.UpdateMetric(col.def.Name, value, timestamp)
		return 1

	case collectWildcard:
		values, err := col.counter.ArrayValues(col.arrayBuf[:0])
		if err != nil {
			return 0
		}
		col.arrayBuf = values
		sum := 0.0
		valid := 0
		for _, v := range values {
			if v.Valid {
				sum += v.Value
				valid++
			}
		}
		if valid == 0 {
			return 0
		}
		e.cache.UpdateMetric(col.def.Name, sum, timestamp)
		return 1

	case collectPerCore:
		total := 0.0
		anyValid := false
		for core, counter := range col.coreCounters {
			if counter == nil {
				col.coreBuf[core] = InvalidCoreValue
				continue
			}
			value, err := counter.Value()
			if err != nil {
				col.coreBuf[core] = InvalidCoreValue
				continue
			}
			col.coreBuf[core] = value
			total += value
			anyValid = true
		}
		if !anyValid {
			return 0
		}
		e.cache.UpdatePerCoreMetric(col.def.Name, col.coreBuf, total, timestamp)
		return 1
	}
	return 0
}
