// Copyright Checkmark Software, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package perfquery

import (
	"fmt"
	"sync"
)

// MockProvider is a scriptable in-memory provider for tests. Counter values
// are keyed by path; failures can be injected per open call, per counter
// path, and per collect call.
type MockProvider struct {
	mu sync.Mutex

	// OpenHook, when set, is consulted on every OpenQuery with a zero-based
	// call index; a non-nil error fails that open.
	OpenHook func(call int) error

	openCalls int
	queries   []*MockQuery

	scalars    map[string]float64
	arrays     map[string][]InstanceValue
	pathErrs   map[string]error
	addErrs    map[string]error
	collectErr error
}

// NewMockProvider returns an empty provider; every counter read fails with
// ErrInvalidData until a value is scripted.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		scalars:  make(map[string]float64),
		arrays:   make(map[string][]InstanceValue),
		pathErrs: make(map[string]error),
		addErrs:  make(map[string]error),
	}
}

// SetValue scripts the scalar returned for a counter path.
func (p *MockProvider) SetValue(path string, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scalars[path] = value
	delete(p.pathErrs, path)
}

// SetArray scripts the instance array returned for a wildcard counter path.
func (p *MockProvider) SetArray(path string, values []InstanceValue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.arrays[path] = values
	delete(p.pathErrs, path)
}

// SetReadError makes reads of the path fail with err until a new value is
// scripted.
func (p *MockProvider) SetReadError(path string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pathErrs[path] = err
}

// FailAddCounter makes AddCounter fail for the path on every query.
func (p *MockProvider) FailAddCounter(path string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addErrs[path] = err
}

// SetCollectError makes every Collect fail with err (nil clears it).
func (p *MockProvider) SetCollectError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.collectErr = err
}

// OpenQuery implements Provider.
func (p *MockProvider) OpenQuery() (Query, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	call := p.openCalls
	p.openCalls++
	if p.OpenHook != nil {
		if err := p.OpenHook(call); err != nil {
			return nil, err
		}
	}

	q := &MockQuery{provider: p}
	p.queries = append(p.queries, q)
	return q, nil
}

// OpenCalls returns how many times OpenQuery has been invoked.
func (p *MockProvider) OpenCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openCalls
}

// Queries returns every query handed out so far.
func (p *MockProvider) Queries() []*MockQuery {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*MockQuery(nil), p.queries...)
}

// MockQuery implements Query against the provider's scripted state.
type MockQuery struct {
	provider *MockProvider

	mu       sync.Mutex
	counters []*MockCounter
	collects int
	closed   bool
}

// AddCounter implements Query.
func (q *MockQuery) AddCounter(path string) (Counter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueryClosed
	}

	q.provider.mu.Lock()
	addErr := q.provider.addErrs[path]
	q.provider.mu.Unlock()
	if addErr != nil {
		return nil, fmt.Errorf("add counter %s: %w", path, addErr)
	}

	c := &MockCounter{provider: q.provider, query: q, path: path}
	q.counters = append(q.counters, c)
	return c, nil
}

// Collect implements Query.
func (q *MockQuery) Collect() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueryClosed
	}
	q.collects++
	q.mu.Unlock()

	q.provider.mu.Lock()
	defer q.provider.mu.Unlock()
	return q.provider.collectErr
}

// Collects returns how many times Collect has been called.
func (q *MockQuery) Collects() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.collects
}

// Close implements Query.
func (q *MockQuery) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (q *MockQuery) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// MockCounter implements Counter against scripted state.
type MockCounter struct {
	provider *MockProvider
	query    *MockQuery
	path     string
}

// Path implements Counter.
func (c *MockCounter) Path() string { return c.path }

// Value implements Counter.
func (c *MockCounter) Value() (float64, error) {
	c.provider.mu.Lock()
	defer c.provider.mu.Unlock()

	if err := c.provider.pathErrs[c.path]; err != nil {
		return 0, err
	}
	value, ok := c.provider.scalars[c.path]
	if !ok {
		return 0, ErrInvalidData
	}
	return value, nil
}

// ArrayValues implements Counter.
func (c *MockCounter) ArrayValues(buf []InstanceValue) ([]InstanceValue, error) {
	c.provider.mu.Lock()
	defer c.provider.mu.Unlock()

	if err := c.provider.pathErrs[c.path]; err != nil {
		return buf, err
	}
	values, ok := c.provider.arrays[c.path]
	if !ok {
		return buf, ErrInvalidData
	}
	return append(buf, values...), nil
}
