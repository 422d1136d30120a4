// Copyright Checkmark Software, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package otel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "defaults are valid",
			config: DefaultConfig(),
		},
		{
			name:    "missing endpoint",
			config:  Config{},
			wantErr: true,
		},
		{
			name: "invalid compression",
			config: Config{
				Endpoint:    "localhost:4317",
				Compression: CompressionType("brotli"),
			},
			wantErr: true,
		},
		{
			name: "gzip compression",
			config: Config{
				Endpoint:    "localhost:4317",
				Compression: CompressionGZip,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestConfig_ValidateDefaultsOptionalFields(t *testing.T) {
	config := Config{Endpoint: "collector:4317"}
	require.NoError(t, config.Validate())

	assert.Equal(t, CompressionNone, config.Compression)
	assert.Equal(t, 30*time.Second, config.Timeout)
	assert.Equal(t, 10*time.Second, config.ExportInterval)
	assert.Equal(t, "checkmark-agent", config.ServiceName)
}
