// Copyright Checkmark Software, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/checkmark/agent/pkg/telemetry"
)

// Config is the agent's file configuration. Zero values mean "use the
// default"; Validate fills them in.
type Config struct {
	// Categories selects which metric groups to collect. Empty means all.
	Categories []string `yaml:"categories"`

	// CollectionInterval is the engine tick period.
	CollectionInterval time.Duration `yaml:"collection_interval"`

	// CoreCount overrides the detected logical core count. Zero detects.
	CoreCount int `yaml:"core_count"`

	// DetailedLogging enables verbose per-tick timing logs.
	DetailedLogging bool `yaml:"detailed_logging"`

	// HostName stamped on published events. Defaults to os.Hostname.
	HostName string `yaml:"host_name"`

	Bridge    BridgeConfig    `yaml:"bridge"`
	Consumers ConsumersConfig `yaml:"consumers"`
}

// BridgeConfig controls how cached values are published as events.
type BridgeConfig struct {
	Interval time.Duration `yaml:"interval"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// ConsumersConfig enables and configures event consumers.
type ConsumersConfig struct {
	Debug DebugConsumerConfig `yaml:"debug"`
	OTLP  OTLPConsumerConfig  `yaml:"otlp"`
}

type DebugConsumerConfig struct {
	Enabled   bool   `yaml:"enabled"`
	LogLevel  int    `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

type OTLPConsumerConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Endpoint       string            `yaml:"endpoint"`
	Insecure       bool              `yaml:"insecure"`
	Headers        map[string]string `yaml:"headers"`
	Timeout        time.Duration     `yaml:"timeout"`
	ExportInterval time.Duration     `yaml:"export_interval"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if len(c.Categories) == 0 {
		c.Categories = []string{string(telemetry.CategoryAll)}
	}
	if c.CollectionInterval <= 0 {
		c.CollectionInterval = time.Second
	}
	if c.HostName == "" {
		if hostname, err := os.Hostname(); err == nil {
			c.HostName = hostname
		}
	}
	if c.Bridge.Interval <= 0 {
		c.Bridge.Interval = c.CollectionInterval
	}
	if c.Consumers.Debug.LogFormat == "" {
		c.Consumers.Debug.LogFormat = "text"
	}
	if c.Consumers.OTLP.Endpoint == "" {
		c.Consumers.OTLP.Endpoint = "localhost:4317"
	}
}

// Validate checks the configuration and fills defaulted fields.
func (c *Config) Validate() error {
	c.applyDefaults()

	for _, category := range c.Categories {
		switch telemetry.Category(category) {
		case telemetry.CategoryCPU, telemetry.CategoryMemory,
			telemetry.CategoryDisk, telemetry.CategorySystem, telemetry.CategoryAll:
		default:
			return fmt.Errorf("unknown metric category %q", category)
		}
	}
	if c.CoreCount < 0 {
		return fmt.Errorf("core count must not be negative, got %d", c.CoreCount)
	}
	if c.Bridge.MaxAge < 0 {
		return fmt.Errorf("bridge max age must not be negative, got %v", c.Bridge.MaxAge)
	}
	return nil
}

// Metrics resolves the configured categories into metric definitions.
func (c *Config) Metrics() []telemetry.MetricDefinition {
	categories := make([]telemetry.Category, 0, len(c.Categories))
	for _, category := range c.Categories {
		categories = append(categories, telemetry.Category(category))
	}
	return telemetry.MetricsForCategories(categories)
}

// CollectionConfig maps the file configuration onto the engine's.
func (c *Config) CollectionConfig() telemetry.CollectionConfig {
	return telemetry.CollectionConfig{
		RequestedMetrics:      c.Metrics(),
		CollectionInterval:    c.CollectionInterval,
		CoreCount:             c.CoreCount,
		EnableDetailedLogging: c.DetailedLogging,
	}
}

// Load reads and validates a YAML configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(data) == 0 {
		return Config{}, fmt.Errorf("config file %s is empty", path)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}
