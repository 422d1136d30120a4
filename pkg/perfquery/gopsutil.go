// Copyright Checkmark Software, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package perfquery

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

const pageSize = 4096

// GopsutilProvider synthesizes the `\Object(Instance)\Counter` path
// convention from gopsutil reads, so the collection engine runs unchanged on
// platforms without a native counter facility. Rate counters are computed
// from deltas between Collect calls; their first sample reports
// ErrInvalidData, which lines up with the engine's baseline warm-up pass.
type GopsutilProvider struct {
	logger logr.Logger
}

// NewGopsutilProvider returns the portable provider backend.
func NewGopsutilProvider(logger logr.Logger) *GopsutilProvider {
	return &GopsutilProvider{logger: logger.WithName("gopsutil-provider")}
}

// OpenQuery implements Provider.
func (p *GopsutilProvider) OpenQuery() (Query, error) {
	return &gopsutilQuery{logger: p.logger}, nil
}

// counterSource identifies which snapshot family a counter reads from.
type counterSource int

const (
	srcCPUPercent counterSource = iota
	srcCPUTimes
	srcMemory
	srcSwap
	srcDisk
	srcMisc
	srcHost
)

type gopsutilQuery struct {
	logger logr.Logger

	mu       sync.Mutex
	closed   bool
	counters []*gopsutilCounter
	needs    map[counterSource]bool

	snap gopsutilSnapshot
}

// gopsutilSnapshot holds one Collect's worth of derived values. Rate fields
// carry a valid flag that stays false until two samples exist.
type gopsutilSnapshot struct {
	collectTime time.Time
	collects    int

	corePercents []float64
	totalPercent float64
	cpuValid     bool

	prevCPUTimes     *cpu.TimesStat
	privilegedPct    float64
	interruptPct     float64
	cpuTimesValid    bool

	vm *mem.VirtualMemoryStat

	prevSwap    *mem.SwapMemoryStat
	pagesPerSec float64
	pagesValid  bool

	prevDisk  map[string]disk.IOCountersStat
	diskRates map[string]diskRate
	diskValid bool

	prevCtxt    int64
	ctxtPerSec  float64
	ctxtValid   bool
	procs       float64
	procsValid  bool

	uptimeSecs float64
	hostValid  bool
}

type diskRate struct {
	readBytesPerSec  float64
	writeBytesPerSec float64
	busyPercent      float64
	queueLength      float64
}

// AddCounter implements Query. Unsupported paths fail here so the engine can
// skip them at registration time.
func (q *gopsutilQuery) AddCounter(path string) (Counter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueryClosed
	}

	read, src, err := q.resolve(path)
	if err != nil {
		return nil, err
	}

	if q.needs == nil {
		q.needs = make(map[counterSource]bool)
	}
	q.needs[src] = true

	c := &gopsutilCounter{query: q, path: path, read: read}
	q.counters = append(q.counters, c)
	return c, nil
}

// resolve maps a counter path to a read function over the query snapshot.
func (q *gopsutilQuery) resolve(path string) (readFunc, counterSource, error) {
	object, instance, counter, err := parseCounterPath(path)
	if err != nil {
		return nil, 0, err
	}

	switch object {
	case "Processor":
		return q.resolveProcessor(instance, counter)
	case "Memory":
		return q.resolveMemory(counter)
	case "LogicalDisk":
		return q.resolveDisk(instance, counter)
	case "System":
		return q.resolveSystem(counter)
	default:
		return nil, 0, fmt.Errorf("object %s: %w", object, ErrNotSupported)
	}
}

func (q *gopsutilQuery) resolveProcessor(instance, counter string) (readFunc, counterSource, error) {
	switch counter {
	case "% Processor Time":
		if instance == "_Total" {
			return func(s *gopsutilSnapshot) (float64, error) {
				if !s.cpuValid {
					return 0, ErrInvalidData
				}
				return s.totalPercent, nil
			}, srcCPUPercent, nil
		}
		core, err := strconv.Atoi(instance)
		if err != nil {
			return nil, 0, fmt.Errorf("processor instance %q: %w", instance, ErrNotSupported)
		}
		return func(s *gopsutilSnapshot) (float64, error) {
			if !s.cpuValid || core >= len(s.corePercents) {
				return 0, ErrInvalidData
			}
			return s.corePercents[core], nil
		}, srcCPUPercent, nil

	case "% Privileged Time":
		return func(s *gopsutilSnapshot) (float64, error) {
			if !s.cpuTimesValid {
				return 0, ErrInvalidData
			}
			return s.privilegedPct, nil
		}, srcCPUTimes, nil

	case "% Interrupt Time":
		return func(s *gopsutilSnapshot) (float64, error) {
			if !s.cpuTimesValid {
				return 0, ErrInvalidData
			}
			return s.interruptPct, nil
		}, srcCPUTimes, nil
	}
	return nil, 0, fmt.Errorf("processor counter %q: %w", counter, ErrNotSupported)
}

func (q *gopsutilQuery) resolveMemory(counter string) (readFunc, counterSource, error) {
	switch counter {
	case "Available MBytes":
		return func(s *gopsutilSnapshot) (float64, error) {
			if s.vm == nil {
				return 0, ErrInvalidData
			}
			return float64(s.vm.Available) / (1024 * 1024), nil
		}, srcMemory, nil

	case "% Committed Bytes In Use":
		return func(s *gopsutilSnapshot) (float64, error) {
			if s.vm == nil {
				return 0, ErrInvalidData
			}
			return s.vm.UsedPercent, nil
		}, srcMemory, nil

	case "Cache Bytes":
		return func(s *gopsutilSnapshot) (float64, error) {
			if s.vm == nil {
				return 0, ErrInvalidData
			}
			return float64(s.vm.Cached), nil
		}, srcMemory, nil

	case "Pages/sec":
		return func(s *gopsutilSnapshot) (float64, error) {
			if !s.pagesValid {
				return 0, ErrInvalidData
			}
			return s.pagesPerSec, nil
		}, srcSwap, nil
	}
	return nil, 0, fmt.Errorf("memory counter %q: %w", counter, ErrNotSupported)
}

func (q *gopsutilQuery) resolveDisk(instance, counter string) (readFunc, counterSource, error) {
	pick := func(s *gopsutilSnapshot, field func(diskRate) float64) (float64, error) {
		if !s.diskValid {
			return 0, ErrInvalidData
		}
		if instance == "_Total" || instance == "*" {
			sum := 0.0
			for _, rate := range s.diskRates {
				sum += field(rate)
			}
			return sum, nil
		}
		rate, ok := s.diskRates[instance]
		if !ok {
			return 0, ErrInvalidData
		}
		return field(rate), nil
	}

	switch counter {
	case "Disk Read Bytes/sec":
		return func(s *gopsutilSnapshot) (float64, error) {
			return pick(s, func(r diskRate) float64 { return r.readBytesPerSec })
		}, srcDisk, nil
	case "Disk Write Bytes/sec":
		return func(s *gopsutilSnapshot) (float64, error) {
			return pick(s, func(r diskRate) float64 { return r.writeBytesPerSec })
		}, srcDisk, nil
	case "% Disk Time":
		return func(s *gopsutilSnapshot) (float64, error) {
			return pick(s, func(r diskRate) float64 { return r.busyPercent })
		}, srcDisk, nil
	case "Avg. Disk Queue Length":
		return func(s *gopsutilSnapshot) (float64, error) {
			return pick(s, func(r diskRate) float64 { return r.queueLength })
		}, srcDisk, nil
	}
	return nil, 0, fmt.Errorf("disk counter %q: %w", counter, ErrNotSupported)
}

func (q *gopsutilQuery) resolveSystem(counter string) (readFunc, counterSource, error) {
	switch counter {
	case "Context Switches/sec":
		return func(s *gopsutilSnapshot) (float64, error) {
			if !s.ctxtValid {
				return 0, ErrInvalidData
			}
			return s.ctxtPerSec, nil
		}, srcMisc, nil

	case "Processes":
		return func(s *gopsutilSnapshot) (float64, error) {
			if !s.procsValid {
				return 0, ErrInvalidData
			}
			return s.procs, nil
		}, srcHost, nil

	case "System Up Time":
		return func(s *gopsutilSnapshot) (float64, error) {
			if !s.hostValid {
				return 0, ErrInvalidData
			}
			return s.uptimeSecs, nil
		}, srcHost, nil
	}
	// Thread totals have no portable source; PDH-only.
	return nil, 0, fmt.Errorf("system counter %q: %w", counter, ErrNotSupported)
}

// Collect implements Query: it refreshes exactly the snapshot families the
// registered counters need, once each.
func (q *gopsutilQuery) Collect() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueryClosed
	}

	now := time.Now()
	interval := now.Sub(q.snap.collectTime)
	first := q.snap.collects == 0

	if q.needs[srcCPUPercent] {
		q.collectCPUPercent()
	}
	if q.needs[srcCPUTimes] {
		q.collectCPUTimes(first)
	}
	if q.needs[srcMemory] {
		q.collectMemory()
	}
	if q.needs[srcSwap] {
		q.collectSwap(first, interval)
	}
	if q.needs[srcDisk] {
		q.collectDisk(first, interval)
	}
	if q.needs[srcMisc] {
		q.collectMisc(first, interval)
	}
	if q.needs[srcHost] {
		q.collectHost()
	}

	q.snap.collectTime = now
	q.snap.collects++
	return nil
}

func (q *gopsutilQuery) collectCPUPercent() {
	perCore, err := cpu.Percent(0, true)
	if err != nil {
		q.logger.V(1).Info("per-core cpu sample failed", "error", err.Error())
		q.snap.cpuValid = false
		return
	}
	total, err := cpu.Percent(0, false)
	if err != nil || len(total) == 0 {
		q.snap.cpuValid = false
		return
	}
	q.snap.corePercents = perCore
	q.snap.totalPercent = total[0]
	// cpu.Percent with a zero interval measures since the previous call, so
	// the first sample is meaningless.
	q.snap.cpuValid = q.snap.collects > 0
}

func (q *gopsutilQuery) collectCPUTimes(first bool) {
	times, err := cpu.Times(false)
	if err != nil || len(times) == 0 {
		q.snap.cpuTimesValid = false
		return
	}
	current := times[0]
	prev := q.snap.prevCPUTimes
	q.snap.prevCPUTimes = &current

	if first || prev == nil {
		q.snap.cpuTimesValid = false
		return
	}

	totalDelta := totalCPUTime(current) - totalCPUTime(*prev)
	if totalDelta <= 0 {
		q.snap.cpuTimesValid = false
		return
	}
	q.snap.privilegedPct = 100 * ((current.System + current.Irq + current.Softirq) -
		(prev.System + prev.Irq + prev.Softirq)) / totalDelta
	q.snap.interruptPct = 100 * ((current.Irq + current.Softirq) -
		(prev.Irq + prev.Softirq)) / totalDelta
	q.snap.cpuTimesValid = true
}

func totalCPUTime(t cpu.TimesStat) float64 {
	return t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq +
		t.Softirq + t.Steal + t.Guest + t.GuestNice
}

func (q *gopsutilQuery) collectMemory() {
	vm, err := mem.VirtualMemory()
	if err != nil {
		q.logger.V(1).Info("memory sample failed", "error", err.Error())
		q.snap.vm = nil
		return
	}
	q.snap.vm = vm
}

func (q *gopsutilQuery) collectSwap(first bool, interval time.Duration) {
	swap, err := mem.SwapMemory()
	if err != nil {
		q.snap.pagesValid = false
		return
	}
	prev := q.snap.prevSwap
	q.snap.prevSwap = swap

	if first || prev == nil || interval <= 0 {
		q.snap.pagesValid = false
		return
	}
	deltaBytes := float64(swap.Sin-prev.Sin) + float64(swap.Sout-prev.Sout)
	q.snap.pagesPerSec = deltaBytes / pageSize / interval.Seconds()
	q.snap.pagesValid = true
}

func (q *gopsutilQuery) collectDisk(first bool, interval time.Duration) {
	current, err := disk.IOCounters()
	if err != nil {
		q.logger.V(1).Info("disk sample failed", "error", err.Error())
		q.snap.diskValid = false
		return
	}
	prev := q.snap.prevDisk
	q.snap.prevDisk = current

	if first || prev == nil || interval <= 0 {
		q.snap.diskValid = false
		return
	}

	rates := make(map[string]diskRate, len(current))
	seconds := interval.Seconds()
	for name, cur := range current {
		before, ok := prev[name]
		if !ok {
			continue
		}
		rates[name] = diskRate{
			readBytesPerSec:  float64(cur.ReadBytes-before.ReadBytes) / seconds,
			writeBytesPerSec: float64(cur.WriteBytes-before.WriteBytes) / seconds,
			busyPercent:      100 * float64(cur.IoTime-before.IoTime) / float64(interval.Milliseconds()),
			queueLength:      float64(cur.IopsInProgress),
		}
	}
	q.snap.diskRates = rates
	q.snap.diskValid = len(rates) > 0
}

func (q *gopsutilQuery) collectMisc(first bool, interval time.Duration) {
	misc, err := load.Misc()
	if err != nil {
		q.snap.ctxtValid = false
		return
	}
	prev := q.snap.prevCtxt
	q.snap.prevCtxt = int64(misc.Ctxt)

	if first || interval <= 0 {
		q.snap.ctxtValid = false
		return
	}
	q.snap.ctxtPerSec = float64(int64(misc.Ctxt)-prev) / interval.Seconds()
	q.snap.ctxtValid = q.snap.ctxtPerSec >= 0
}

func (q *gopsutilQuery) collectHost() {
	info, err := host.Info()
	if err != nil {
		q.snap.hostValid = false
		q.snap.procsValid = false
		return
	}
	q.snap.uptimeSecs = float64(info.Uptime)
	q.snap.procs = float64(info.Procs)
	q.snap.hostValid = true
	q.snap.procsValid = info.Procs > 0
}

// Close implements Query.
func (q *gopsutilQuery) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.counters = nil
	return nil
}

type readFunc func(*gopsutilSnapshot) (float64, error)

type gopsutilCounter struct {
	query *gopsutilQuery
	path  string
	read  readFunc
}

// Path implements Counter.
func (c *gopsutilCounter) Path() string { return c.path }

// Value implements Counter.
func (c *gopsutilCounter) Value() (float64, error) {
	c.query.mu.Lock()
	defer c.query.mu.Unlock()
	if c.query.closed {
		return 0, ErrQueryClosed
	}
	return c.read(&c.query.snap)
}

// ArrayValues implements Counter. Only disk wildcard paths expand into
// per-instance arrays on this backend.
func (c *gopsutilCounter) ArrayValues(buf []InstanceValue) ([]InstanceValue, error) {
	c.query.mu.Lock()
	defer c.query.mu.Unlock()
	if c.query.closed {
		return buf, ErrQueryClosed
	}

	object, _, counter, err := parseCounterPath(c.path)
	if err != nil || object != "LogicalDisk" {
		// Fall back to the scalar read as a single-instance array.
		value, verr := c.read(&c.query.snap)
		if verr != nil {
			return buf, verr
		}
		return append(buf, InstanceValue{Name: "_Total", Value: value, Valid: true}), nil
	}

	if !c.query.snap.diskValid {
		return buf, ErrInvalidData
	}
	for name, rate := range c.query.snap.diskRates {
		var value float64
		switch counter {
		case "Disk Read Bytes/sec":
			value = rate.readBytesPerSec
		case "Disk Write Bytes/sec":
			value = rate.writeBytesPerSec
		case "% Disk Time":
			value = rate.busyPercent
		case "Avg. Disk Queue Length":
			value = rate.queueLength
		default:
			continue
		}
		buf = append(buf, InstanceValue{Name: name, Value: value, Valid: true})
	}
	if len(buf) == 0 {
		return buf, ErrInvalidData
	}
	return buf, nil
}

// parseCounterPath splits `\Object(Instance)\Counter` into its parts.
// Instance is empty when the object carries no parenthesized instance.
func parseCounterPath(path string) (object, instance, counter string, err error) {
	if !strings.HasPrefix(path, `\`) {
		return "", "", "", fmt.Errorf("path %q must start with a separator: %w", path, ErrNotSupported)
	}
	rest := path[1:]
	sep := strings.IndexByte(rest, '\\')
	if sep < 0 {
		return "", "", "", fmt.Errorf("path %q has no counter segment: %w", path, ErrNotSupported)
	}
	object = rest[:sep]
	counter = rest[sep+1:]
	if open := strings.IndexByte(object, '('); open >= 0 {
		closeIdx := strings.LastIndexByte(object, ')')
		if closeIdx <= open {
			return "", "", "", fmt.Errorf("path %q has an unterminated instance: %w", path, ErrNotSupported)
		}
		instance = object[open+1 : closeIdx]
		object = object[:open]
	}
	if object == "" || counter == "" {
		return "", "", "", fmt.Errorf("path %q is missing object or counter: %w", path, ErrNotSupported)
	}
	return object, instance, counter, nil
}
