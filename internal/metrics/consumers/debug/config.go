// Copyright Checkmark Software, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package debug

import "fmt"

// LogLevel determines the verbosity of debug output
type LogLevel int

const (
	LogLevelBasic   LogLevel = 0 // metric name and value only
	LogLevelDetails LogLevel = 1 // include category, source, and host details
	LogLevelVerbose LogLevel = 2 // include per-core breakdowns
)

// Common errors
var (
	ErrInvalidLogLevel  = fmt.Errorf("log level must be basic (%d), details (%d), or verbose (%d)", LogLevelBasic, LogLevelDetails, LogLevelVerbose)
	ErrInvalidLogFormat = fmt.Errorf("log format must be '%s' or '%s'", LogFormatJSON, LogFormatText)
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelBasic:
		return "basic"
	case LogLevelDetails:
		return "details"
	case LogLevelVerbose:
		return "verbose"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

// LogFormat determines the output format
type LogFormat string

const (
	LogFormatJSON LogFormat = "json" // structured JSON output
	LogFormatText LogFormat = "text" // human-readable text format
)

// String returns the string representation of the log format
func (f LogFormat) String() string {
	return string(f)
}

// IsValid checks if the log format is valid
func (f LogFormat) IsValid() bool {
	return f == LogFormatJSON || f == LogFormatText
}

type Config struct {
	// LogLevel determines the verbosity of debug output
	LogLevel LogLevel

	// LogFormat determines the output format
	LogFormat LogFormat

	IncludeTimestamp bool

	// MetricFilter only logs events matching these metric names (empty = all)
	MetricFilter []string

	// CategoryFilter only logs events in these categories (empty = all)
	CategoryFilter []string
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		LogLevel:         LogLevelDetails,
		LogFormat:        LogFormatText,
		IncludeTimestamp: true,
		MetricFilter:     []string{},
		CategoryFilter:   []string{},
	}
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	if c.LogLevel < LogLevelBasic || c.LogLevel > LogLevelVerbose {
		return ErrInvalidLogLevel
	}

	if !c.LogFormat.IsValid() {
		return ErrInvalidLogFormat
	}

	return nil
}

func (c *Config) ShouldLogMetric(name string) bool {
	if len(c.MetricFilter) == 0 {
		return true
	}

	for _, filter := range c.MetricFilter {
		if filter == name {
			return true
		}
	}
	return false
}

func (c *Config) ShouldLogCategory(category string) bool {
	if len(c.CategoryFilter) == 0 {
		return true
	}

	for _, filter := range c.CategoryFilter {
		if filter == category {
			return true
		}
	}
	return false
}
