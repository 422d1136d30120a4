// Copyright Checkmark Software, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package perfquery abstracts the platform performance-counter facility
// behind five operations: open a query, add a counter to it, collect fresh
// data for every counter in the query, then read a formatted scalar or
// instance array per counter.
//
// The Windows backend drives the native PDH API; the portable backend
// synthesizes the same counter paths from gopsutil reads so the collection
// engine stays platform-neutral.
package perfquery

import "errors"

var (
	// ErrInvalidData means the counter produced no usable value this
	// collection cycle. Callers skip the update and let the previous sample
	// age naturally; this is the designed staleness path, not a failure.
	ErrInvalidData = errors.New("counter data invalid this cycle")

	// ErrNotSupported means the counter path cannot be registered on this
	// backend. Registration-time only.
	ErrNotSupported = errors.New("counter path not supported")

	// ErrQueryClosed is returned when using a query after Close.
	ErrQueryClosed = errors.New("query is closed")
)

// InstanceValue is one instance's formatted value from a wildcard counter.
type InstanceValue struct {
	Name  string
	Value float64
	Valid bool
}

// Provider opens counter queries. Implementations must be safe to share, but
// the Query and Counter handles they return are owned by a single goroutine.
type Provider interface {
	OpenQuery() (Query, error)
}

// Query batches counters that refresh together in one Collect call.
type Query interface {
	// AddCounter registers a counter path with the query. Paths follow the
	// `\Object(Instance)\Counter` convention; `(*)` selects all instances.
	AddCounter(path string) (Counter, error)

	// Collect refreshes every registered counter in one provider call.
	Collect() error

	// Close releases the query and every counter registered on it.
	Close() error
}

// Counter reads formatted values after a Collect.
type Counter interface {
	// Path returns the counter path this handle was registered with.
	Path() string

	// Value returns the formatted scalar value. ErrInvalidData means no
	// usable sample this cycle.
	Value() (float64, error)

	// ArrayValues appends one entry per instance of a wildcard counter into
	// buf, reusing its capacity, and returns the filled slice. Callers keep
	// the returned slice as the next call's buf so the buffer grows once and
	// is never reallocated on the hot path.
	ArrayValues(buf []InstanceValue) ([]InstanceValue, error)
}
