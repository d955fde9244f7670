/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config holds on-disk configuration for ptptrace: capture
// parameters, timing thresholds, and logging options.
package config

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"
)

const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// CaptureConfig controls how frames are sourced.
type CaptureConfig struct {
	Interfaces       []string `yaml:"interfaces"`
	PcapFile         string   `yaml:"pcap_file"`
	Promiscuous      bool     `yaml:"promiscuous"`
	FilterVirtual    bool     `yaml:"interface_filter_virtual"`
	SnapLen          int32    `yaml:"snap_len"`
	InitialBackoffMs int      `yaml:"initial_backoff_ms"`
	MaxBackoffMs     int      `yaml:"max_backoff_ms"`
	JoinMulticast    bool     `yaml:"join_multicast"`
	QueueCapacity    int      `yaml:"queue_capacity"`
}

// Validate CaptureConfig is sane.
func (c *CaptureConfig) Validate() error {
	if len(c.Interfaces) > 0 && c.PcapFile != "" {
		return fmt.Errorf("capture: interfaces and pcap_file are mutually exclusive")
	}
	// Interfaces and PcapFile both empty means "auto-discover live
	// interfaces at startup", so that combination is left valid here.
	if c.SnapLen < 0 {
		return fmt.Errorf("capture: snap_len must be 0 or positive")
	}
	if c.InitialBackoffMs < 0 || c.MaxBackoffMs < 0 {
		return fmt.Errorf("capture: backoff values must be 0 or positive")
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("capture: queue_capacity must be positive")
	}
	return nil
}

// RegistryConfig controls host classification and eviction thresholds.
type RegistryConfig struct {
	AnnounceTimeoutMultiplier float64 `yaml:"announce_timeout_multiplier"`
	HostEvictionSeconds       int     `yaml:"host_eviction_seconds"`
	PacketRingCapacity        int     `yaml:"packet_ring_capacity"`
}

// Validate RegistryConfig is sane.
func (c *RegistryConfig) Validate() error {
	if c.AnnounceTimeoutMultiplier <= 0 {
		return fmt.Errorf("registry: announce_timeout_multiplier must be positive")
	}
	if c.HostEvictionSeconds <= 0 {
		return fmt.Errorf("registry: host_eviction_seconds must be positive")
	}
	if c.PacketRingCapacity <= 0 {
		return fmt.Errorf("registry: packet_ring_capacity must be positive")
	}
	return nil
}

// LoggingConfig controls the ambient logrus setup.
type LoggingConfig struct {
	Level  string `yaml:"log_level"`
	Format string `yaml:"log_format"`
}

// Validate LoggingConfig is sane.
func (c *LoggingConfig) Validate() error {
	if c.Format != LogFormatText && c.Format != LogFormatJSON {
		return fmt.Errorf("logging: log_format must be %q or %q", LogFormatText, LogFormatJSON)
	}
	return nil
}

// Config is the full on-disk configuration.
type Config struct {
	UpdateIntervalMs int            `yaml:"update_interval_ms"`
	Capture          CaptureConfig  `yaml:"capture"`
	Registry         RegistryConfig `yaml:"registry"`
	Logging          LoggingConfig  `yaml:"logging"`
}

// Validate checks every sub-config in turn.
func (c *Config) Validate() error {
	if c.UpdateIntervalMs <= 0 {
		return fmt.Errorf("update_interval_ms must be positive")
	}
	if err := c.Capture.Validate(); err != nil {
		return err
	}
	if err := c.Registry.Validate(); err != nil {
		return err
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	return nil
}

// DefaultConfig returns the configuration ptptrace runs with when no file
// is supplied.
func DefaultConfig() *Config {
	return &Config{
		UpdateIntervalMs: 1000,
		Capture: CaptureConfig{
			Promiscuous:      true,
			FilterVirtual:    true,
			SnapLen:          1600,
			InitialBackoffMs: 250,
			MaxBackoffMs:     5000,
			JoinMulticast:    true,
			QueueCapacity:    8192,
		},
		Registry: RegistryConfig{
			AnnounceTimeoutMultiplier: 3,
			HostEvictionSeconds:       60,
			PacketRingCapacity:        10000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: LogFormatText,
		},
	}
}

// ReadConfig reads and validates the config at path, layering it over the
// defaults so an on-disk file only needs to override what it cares about.
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
