// Copyright Checkmark Software, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package perfquery

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCounterPath(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		object   string
		instance string
		counter  string
		wantErr  bool
	}{
		{
			name:    "simple",
			path:    `\Memory\Available MBytes`,
			object:  "Memory",
			counter: "Available MBytes",
		},
		{
			name:     "instanced",
			path:     `\Processor(0)\% Processor Time`,
			object:   "Processor",
			instance: "0",
			counter:  "% Processor Time",
		},
		{
			name:     "wildcard instance",
			path:     `\LogicalDisk(*)\Disk Read Bytes/sec`,
			object:   "LogicalDisk",
			instance: "*",
			counter:  "Disk Read Bytes/sec",
		},
		{
			name:     "total instance",
			path:     `\Processor(_Total)\% Processor Time`,
			object:   "Processor",
			instance: "_Total",
			counter:  "% Processor Time",
		},
		{
			name:    "missing leading separator",
			path:    `Memory\Available MBytes`,
			wantErr: true,
		},
		{
			name:    "no counter segment",
			path:    `\Memory`,
			wantErr: true,
		},
		{
			name:    "unterminated instance",
			path:    `\Processor(0\% Processor Time`,
			wantErr: true,
		},
		{
			name:    "empty counter",
			path:    `\Memory\`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			object, instance, counter, err := parseCounterPath(tt.path)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrNotSupported)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.object, object)
			assert.Equal(t, tt.instance, instance)
			assert.Equal(t, tt.counter, counter)
		})
	}
}

func TestGopsutilProvider_UnknownCounterRejected(t *testing.T) {
	provider := NewGopsutilProvider(logr.Discard())
	query, err := provider.OpenQuery()
	require.NoError(t, err)
	defer query.Close()

	_, err = query.AddCounter(`\Network Interface(*)\Bytes Total/sec`)
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestGopsutilProvider_ClosedQueryRejectsCalls(t *testing.T) {
	provider := NewGopsutilProvider(logr.Discard())
	query, err := provider.OpenQuery()
	require.NoError(t, err)
	require.NoError(t, query.Close())

	_, err = query.AddCounter(`\Memory\Available MBytes`)
	assert.ErrorIs(t, err, ErrQueryClosed)
	assert.ErrorIs(t, query.Collect(), ErrQueryClosed)
}

func TestGopsutilProvider_MemoryCounters(t *testing.T) {
	provider := NewGopsutilProvider(logr.Discard())
	query, err := provider.OpenQuery()
	require.NoError(t, err)
	defer query.Close()

	available, err := query.AddCounter(`\Memory\Available MBytes`)
	require.NoError(t, err)

	require.NoError(t, query.Collect())

	v, err := available.Value()
	require.NoError(t, err)
	assert.Greater(t, v, 0.0)
}

func TestGopsutilProvider_RateCountersNeedBaseline(t *testing.T) {
	provider := NewGopsutilProvider(logr.Discard())
	query, err := provider.OpenQuery()
	require.NoError(t, err)
	defer query.Close()

	ctxt, err := query.AddCounter(`\System\Context Switches/sec`)
	require.NoError(t, err)

	// Rates are deltas; the first sample has nothing to diff against.
	require.NoError(t, query.Collect())
	_, err = ctxt.Value()
	assert.ErrorIs(t, err, ErrInvalidData)

	require.NoError(t, query.Collect())
	v, err := ctxt.Value()
	if err == nil {
		assert.GreaterOrEqual(t, v, 0.0)
	}
}
