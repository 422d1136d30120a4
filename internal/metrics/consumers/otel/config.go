// Copyright Checkmark Software, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package otel

import (
	"fmt"
	"time"
)

// CompressionType represents the compression type for OTLP exports
type CompressionType string

const (
	CompressionGZip CompressionType = "gzip" // GZIP compression
	CompressionNone CompressionType = "none" // No compression
)

// String returns the string representation of the compression type
func (c CompressionType) String() string {
	return string(c)
}

// IsValid checks if the compression type is valid
func (c CompressionType) IsValid() bool {
	return c == CompressionGZip || c == CompressionNone
}

type Config struct {
	// OTLP gRPC configuration
	Endpoint string // OTLP gRPC endpoint (default: localhost:4317)
	Insecure bool   // Disable TLS (default: false)

	// Headers for gRPC metadata
	Headers map[string]string

	// Compression type for OTLP exports
	Compression CompressionType

	// Timeout for export operations
	Timeout time.Duration

	// ExportInterval is the periodic reader's push interval
	ExportInterval time.Duration

	// Resource attributes
	ServiceName    string // Service name (default: checkmark-agent)
	ServiceVersion string // Service version
}

// DefaultConfig returns a configuration pointed at a local collector.
func DefaultConfig() Config {
	return Config{
		Endpoint:       "localhost:4317",
		Insecure:       false,
		Compression:    CompressionNone,
		Timeout:        30 * time.Second,
		ExportInterval: 10 * time.Second,
		ServiceName:    "checkmark-agent",
		ServiceVersion: "dev",
	}
}

// Validate ensures the configuration is valid, defaulting optional fields.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.Compression == "" {
		c.Compression = CompressionNone
	}
	if !c.Compression.IsValid() {
		return fmt.Errorf("invalid compression type: %s", c.Compression)
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.ExportInterval <= 0 {
		c.ExportInterval = 10 * time.Second
	}
	if c.ServiceName == "" {
		c.ServiceName = "checkmark-agent"
	}
	return nil
}
