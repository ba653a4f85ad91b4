// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the share partition service.
type Config struct {
	Share      ShareConfig      `yaml:"share"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Log        LogConfig        `yaml:"log"`
	Storage    StorageConfig    `yaml:"storage"`
	Raft       RaftConfig       `yaml:"raft"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Health     HealthConfig     `yaml:"health"`
	Simulator  SimulatorConfig  `yaml:"simulator"`
}

// ShareConfig holds the delivery policy applied to every share partition.
type ShareConfig struct {
	MaxDeliveryCount   int   `yaml:"max_delivery_count"`    // 0 = unlimited
	MaxInFlightRecords int   `yaml:"max_in_flight_records"` // 0 = unlimited
	MaxFetchRecords    int   `yaml:"max_fetch_records"`     // per acquire call, 0 = unlimited
	StartOffset        int64 `yaml:"start_offset"`

	// Per member acquire rate limiting
	MemberAcquireRate  float64       `yaml:"member_acquire_rate"` // acquires/sec, 0 = disabled
	MemberAcquireBurst int           `yaml:"member_acquire_burst"`
	MemberIdleTimeout  time.Duration `yaml:"member_idle_timeout"`
}

// CheckpointConfig controls snapshot persistence.
type CheckpointConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval"`
	FailureThreshold int           `yaml:"failure_threshold"` // consecutive failures before the breaker opens
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig selects the state store.
type StorageConfig struct {
	Type        string `yaml:"type"` // memory, badger
	BadgerDir   string `yaml:"badger_dir"`
	Compression string `yaml:"compression"` // none, s2, zstd
}

// RaftConfig holds replication settings.
type RaftConfig struct {
	Enabled           bool          `yaml:"enabled"`
	NodeID            string        `yaml:"node_id"`
	BindAddr          string        `yaml:"bind_addr"`
	DataDir           string        `yaml:"data_dir"`
	Bootstrap         bool          `yaml:"bootstrap"`
	Peers             []RaftPeer    `yaml:"peers"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ElectionTimeout   time.Duration `yaml:"election_timeout"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	SnapshotThreshold uint64        `yaml:"snapshot_threshold"`
	ApplyTimeout      time.Duration `yaml:"apply_timeout"`
}

// RaftPeer is one voter of the raft cluster.
type RaftPeer struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	OTLPEndpoint    string  `yaml:"otlp_endpoint"`
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// HealthConfig holds the health and status HTTP server settings.
type HealthConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SimulatorConfig drives the bundled workload simulator.
type SimulatorConfig struct {
	GroupID      string        `yaml:"group_id"`
	Topic        string        `yaml:"topic"`
	Partitions   int           `yaml:"partitions"`
	Members      int           `yaml:"members"`
	Records      int64         `yaml:"records"`    // log end offset per partition
	BatchSize    int           `yaml:"batch_size"` // records per fetched batch
	Rounds       int           `yaml:"rounds"`
	ReleaseRatio float64       `yaml:"release_ratio"`
	RejectRatio  float64       `yaml:"reject_ratio"`
	GapRatio     float64       `yaml:"gap_ratio"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Share: ShareConfig{
			MaxDeliveryCount:   5,
			MaxInFlightRecords: 200,
			MaxFetchRecords:    0,
			StartOffset:        0,
			MemberAcquireRate:  0,
			MemberAcquireBurst: 10,
			MemberIdleTimeout:  5 * time.Minute,
		},
		Checkpoint: CheckpointConfig{
			Enabled:          true,
			Interval:         time.Second,
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:        "memory",
			BadgerDir:   "/tmp/fluxshare/data",
			Compression: "s2",
		},
		Raft: RaftConfig{
			Enabled:           false,
			NodeID:            "node-1",
			BindAddr:          "127.0.0.1:7100",
			DataDir:           "/tmp/fluxshare/raft",
			Bootstrap:         true,
			HeartbeatTimeout:  time.Second,
			ElectionTimeout:   3 * time.Second,
			SnapshotInterval:  5 * time.Minute,
			SnapshotThreshold: 8192,
			ApplyTimeout:      5 * time.Second,
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled:  false,
			TracesEnabled:   false,
			OTLPEndpoint:    "localhost:4317",
			ServiceName:     "fluxshare",
			ServiceVersion:  "1.0.0",
			TraceSampleRate: 0.1,
		},
		Health: HealthConfig{
			Enabled:         false,
			Addr:            "127.0.0.1:8081",
			ShutdownTimeout: 5 * time.Second,
		},
		Simulator: SimulatorConfig{
			GroupID:      "group-1",
			Topic:        "orders",
			Partitions:   3,
			Members:      4,
			Records:      10000,
			BatchSize:    50,
			Rounds:       500,
			ReleaseRatio: 0.1,
			RejectRatio:  0.02,
			GapRatio:     0.01,
			Timeout:      time.Minute,
		},
	}
}

// Load reads configuration from a YAML file. A missing file yields the defaults.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Share.MaxDeliveryCount < 0 {
		return fmt.Errorf("share.max_delivery_count cannot be negative")
	}
	if c.Share.MaxInFlightRecords < 0 {
		return fmt.Errorf("share.max_in_flight_records cannot be negative")
	}
	if c.Share.MaxFetchRecords < 0 {
		return fmt.Errorf("share.max_fetch_records cannot be negative")
	}
	if c.Share.StartOffset < 0 {
		return fmt.Errorf("share.start_offset cannot be negative")
	}
	if c.Share.MemberAcquireRate < 0 {
		return fmt.Errorf("share.member_acquire_rate cannot be negative")
	}
	if c.Share.MemberAcquireRate > 0 && c.Share.MemberAcquireBurst < 1 {
		return fmt.Errorf("share.member_acquire_burst must be at least 1 when rate limiting is enabled")
	}

	if c.Checkpoint.Enabled {
		if c.Checkpoint.Interval < 10*time.Millisecond {
			return fmt.Errorf("checkpoint.interval must be at least 10ms")
		}
		if c.Checkpoint.FailureThreshold < 1 {
			return fmt.Errorf("checkpoint.failure_threshold must be at least 1")
		}
		if c.Checkpoint.ResetTimeout < time.Second {
			return fmt.Errorf("checkpoint.reset_timeout must be at least 1 second")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}
	validCompression := map[string]bool{"none": true, "s2": true, "zstd": true}
	if !validCompression[c.Storage.Compression] {
		return fmt.Errorf("storage.compression must be one of: none, s2, zstd")
	}

	if c.Raft.Enabled {
		if c.Raft.NodeID == "" {
			return fmt.Errorf("raft.node_id required when raft is enabled")
		}
		if c.Raft.BindAddr == "" {
			return fmt.Errorf("raft.bind_addr required when raft is enabled")
		}
		if c.Raft.DataDir == "" {
			return fmt.Errorf("raft.data_dir required when raft is enabled")
		}
		if c.Raft.ApplyTimeout <= 0 {
			return fmt.Errorf("raft.apply_timeout must be positive")
		}
		for i, p := range c.Raft.Peers {
			if p.ID == "" || p.Addr == "" {
				return fmt.Errorf("raft.peers[%d] requires id and addr", i)
			}
		}
	}

	if c.Telemetry.MetricsEnabled || c.Telemetry.TracesEnabled {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	if c.Health.Enabled && c.Health.Addr == "" {
		return fmt.Errorf("health.addr required when health server is enabled")
	}

	if c.Simulator.Partitions < 1 {
		return fmt.Errorf("simulator.partitions must be at least 1")
	}
	if c.Simulator.Members < 1 {
		return fmt.Errorf("simulator.members must be at least 1")
	}
	if c.Simulator.BatchSize < 1 {
		return fmt.Errorf("simulator.batch_size must be at least 1")
	}
	for name, ratio := range map[string]float64{
		"release_ratio": c.Simulator.ReleaseRatio,
		"reject_ratio":  c.Simulator.RejectRatio,
		"gap_ratio":     c.Simulator.GapRatio,
	} {
		if ratio < 0 || ratio > 1 {
			return fmt.Errorf("simulator.%s must be between 0.0 and 1.0", name)
		}
	}
	if c.Simulator.ReleaseRatio+c.Simulator.RejectRatio > 1 {
		return fmt.Errorf("simulator.release_ratio and simulator.reject_ratio cannot exceed 1.0 together")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
