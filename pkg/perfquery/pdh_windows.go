// Copyright Checkmark Software, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build windows

package perfquery

import (
	"fmt"
	"strings"
	"sync"
	"unsafe"

	"github.com/go-logr/logr"
	"golang.org/x/sys/windows"
)

var (
	pdhDLL = windows.NewLazySystemDLL("pdh.dll")

	procPdhOpenQueryW               = pdhDLL.NewProc("PdhOpenQueryW")
	procPdhCloseQuery               = pdhDLL.NewProc("PdhCloseQuery")
	procPdhAddEnglishCounterW       = pdhDLL.NewProc("PdhAddEnglishCounterW")
	procPdhCollectQueryData         = pdhDLL.NewProc("PdhCollectQueryData")
	procPdhGetFormattedCounterValue = pdhDLL.NewProc("PdhGetFormattedCounterValue")
	procPdhGetFormattedCounterArray = pdhDLL.NewProc("PdhGetFormattedCounterArrayW")
)

const (
	pdhFmtDouble = 0x00000200

	pdhOK              = 0x00000000
	pdhMoreData        = 0x800007D2
	pdhCstatusValid    = 0x00000000
	pdhCstatusNewData  = 0x00000001
	pdhInvalidData     = 0xC0000BBA
	pdhNoData          = 0x800007D5
	pdhCstatusNoObject = 0xC0000BB8
)

// pdhFmtCounterValue mirrors PDH_FMT_COUNTERVALUE with the double member of
// the union.
type pdhFmtCounterValue struct {
	CStatus     uint32
	_           uint32
	DoubleValue float64
}

// pdhFmtCounterValueItem mirrors PDH_FMT_COUNTERVALUE_ITEM_W.
type pdhFmtCounterValueItem struct {
	SzName   *uint16
	FmtValue pdhFmtCounterValue
}

// PDHProvider drives the native Windows Performance Data Helper facility.
type PDHProvider struct {
	logger logr.Logger
}

// NewPDHProvider returns the native Windows provider backend.
func NewPDHProvider(logger logr.Logger) *PDHProvider {
	return &PDHProvider{logger: logger.WithName("pdh-provider")}
}

// OpenQuery implements Provider.
func (p *PDHProvider) OpenQuery() (Query, error) {
	var handle uintptr
	ret, _, _ := procPdhOpenQueryW.Call(0, 0, uintptr(unsafe.Pointer(&handle)))
	if uint32(ret) != pdhOK {
		return nil, fmt.Errorf("PdhOpenQuery failed with status 0x%08x", uint32(ret))
	}
	return &pdhQuery{logger: p.logger, handle: handle}, nil
}

type pdhQuery struct {
	logger logr.Logger

	mu     sync.Mutex
	handle uintptr
	closed bool
}

// AddCounter implements Query.
func (q *pdhQuery) AddCounter(path string) (Counter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueryClosed
	}

	utfPath, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, fmt.Errorf("counter path %q: %w", path, err)
	}

	var counter uintptr
	ret, _, _ := procPdhAddEnglishCounterW.Call(
		q.handle,
		uintptr(unsafe.Pointer(utfPath)),
		0,
		uintptr(unsafe.Pointer(&counter)),
	)
	if uint32(ret) != pdhOK {
		if uint32(ret) == pdhCstatusNoObject {
			return nil, fmt.Errorf("counter %q: object not present (0x%08x): %w", path, uint32(ret), ErrNotSupported)
		}
		return nil, fmt.Errorf("PdhAddEnglishCounter(%q) failed with status 0x%08x", path, uint32(ret))
	}
	return &pdhCounter{query: q, handle: counter, path: path}, nil
}

// Collect implements Query.
func (q *pdhQuery) Collect() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueryClosed
	}

	ret, _, _ := procPdhCollectQueryData.Call(q.handle)
	switch uint32(ret) {
	case pdhOK:
		return nil
	case pdhNoData:
		return fmt.Errorf("no counter data yet: %w", ErrInvalidData)
	default:
		return fmt.Errorf("PdhCollectQueryData failed with status 0x%08x", uint32(ret))
	}
}

// Close implements Query. Closing the query releases every counter handle
// registered on it.
func (q *pdhQuery) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true

	ret, _, _ := procPdhCloseQuery.Call(q.handle)
	if uint32(ret) != pdhOK {
		return fmt.Errorf("PdhCloseQuery failed with status 0x%08x", uint32(ret))
	}
	return nil
}

type pdhCounter struct {
	query  *pdhQuery
	handle uintptr
	path   string

	// arrayBytes is the raw buffer for formatted-array reads; grown once on
	// a more-data response and never shrunk.
	arrayBytes []byte
}

// Path implements Counter.
func (c *pdhCounter) Path() string { return c.path }

// Value implements Counter.
func (c *pdhCounter) Value() (float64, error) {
	c.query.mu.Lock()
	defer c.query.mu.Unlock()
	if c.query.closed {
		return 0, ErrQueryClosed
	}

	var value pdhFmtCounterValue
	ret, _, _ := procPdhGetFormattedCounterValue.Call(
		c.handle,
		pdhFmtDouble,
		0,
		uintptr(unsafe.Pointer(&value)),
	)
	if uint32(ret) != pdhOK {
		if uint32(ret) == pdhInvalidData {
			return 0, ErrInvalidData
		}
		return 0, fmt.Errorf("PdhGetFormattedCounterValue(%q) failed with status 0x%08x", c.path, uint32(ret))
	}
	if value.CStatus != pdhCstatusValid && value.CStatus != pdhCstatusNewData {
		return 0, ErrInvalidData
	}
	return value.DoubleValue, nil
}

// ArrayValues implements Counter using the PDH more-data handshake: a first
// call sized at the current buffer reports the required size, the buffer is
// grown once, and subsequent ticks reuse it.
func (c *pdhCounter) ArrayValues(buf []InstanceValue) ([]InstanceValue, error) {
	c.query.mu.Lock()
	defer c.query.mu.Unlock()
	if c.query.closed {
		return buf, ErrQueryClosed
	}

	for {
		size := uint32(len(c.arrayBytes))
		var itemCount uint32
		var itemPtr uintptr
		if size > 0 {
			itemPtr = uintptr(unsafe.Pointer(&c.arrayBytes[0]))
		}

		ret, _, _ := procPdhGetFormattedCounterArray.Call(
			c.handle,
			pdhFmtDouble,
			uintptr(unsafe.Pointer(&size)),
			uintptr(unsafe.Pointer(&itemCount)),
			itemPtr,
		)
		switch uint32(ret) {
		case pdhMoreData:
			c.arrayBytes = make([]byte, size)
			continue
		case pdhOK:
			return c.appendItems(buf, itemCount), nil
		case pdhInvalidData:
			return buf, ErrInvalidData
		default:
			return buf, fmt.Errorf("PdhGetFormattedCounterArray(%q) failed with status 0x%08x", c.path, uint32(ret))
		}
	}
}

func (c *pdhCounter) appendItems(buf []InstanceValue, itemCount uint32) []InstanceValue {
	if itemCount == 0 || len(c.arrayBytes) == 0 {
		return buf
	}
	items := unsafe.Slice((*pdhFmtCounterValueItem)(unsafe.Pointer(&c.arrayBytes[0])), itemCount)
	for _, item := range items {
		name := windows.UTF16PtrToString(item.SzName)
		// Per-instance _Total rows are provider aggregates; keep them out so
		// wildcard sums do not double count.
		if strings.EqualFold(name, "_Total") {
			continue
		}
		valid := item.FmtValue.CStatus == pdhCstatusValid || item.FmtValue.CStatus == pdhCstatusNewData
		value := item.FmtValue.DoubleValue
		if !valid {
			value = 0
		}
		buf = append(buf, InstanceValue{Name: name, Value: value, Valid: valid})
	}
	return buf
}
