// Package config provides bridge configuration types, defaults, and loading.
//
// This module contains ONLY configuration that is relevant to the bridge:
//   - Timeouts and poll intervals
//   - Queue and retention limits
//   - Host liveness thresholds
//
// Environment parsing happens in cmd/bridged bootstrap, not here.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Host execution modes.
const (
	// ModeRemote expects an external host process to poll for commands over HTTP.
	ModeRemote = "remote"
	// ModeLoopback runs an in-process owner thread with the built-in dev handlers.
	ModeLoopback = "loopback"
)

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	// Addr is the listen address for the HTTP API, e.g. ":8787".
	Addr string `yaml:"addr"`
	// ReadHeaderTimeoutMs bounds how long a client may take to send request headers.
	ReadHeaderTimeoutMs int `yaml:"read_header_timeout_ms"`
	// ShutdownTimeoutMs bounds graceful shutdown before in-flight requests are dropped.
	ShutdownTimeoutMs int `yaml:"shutdown_timeout_ms"`
	// MaxDrainBatch caps the max query parameter on GET /pending_commands.
	MaxDrainBatch int `yaml:"max_drain_batch"`
	// MaxAwaitTimeoutMs caps the timeout query parameter on GET /results/{id}.
	MaxAwaitTimeoutMs int `yaml:"max_await_timeout_ms"`
}

// BridgeConfig holds command lifecycle settings.
type BridgeConfig struct {
	// DrainBatchSize is how many commands the loopback executor pulls per poll.
	DrainBatchSize int `yaml:"drain_batch_size"`
	// PollIntervalMs is how long the loopback executor sleeps when the queue is empty.
	PollIntervalMs int `yaml:"poll_interval_ms"`
	// AwaitTimeoutMs is the default producer wait for a result when none is given.
	AwaitTimeoutMs int `yaml:"await_timeout_ms"`
	// ResultRetentionMs is how long a result stays retrievable after first retrieval.
	ResultRetentionMs int `yaml:"result_retention_ms"`
	// MarshalTimeoutMs bounds the wait for the owner thread to pick up and run a command.
	MarshalTimeoutMs int `yaml:"marshal_timeout_ms"`
	// FeedBuffer is the per-subscriber event channel depth.
	FeedBuffer int `yaml:"feed_buffer"`
	// JanitorIntervalMs is how often the session janitor sweeps the command ledger.
	JanitorIntervalMs int `yaml:"janitor_interval_ms"`
	// StuckExecutingAfterMs is the age at which an executing command is logged as stuck.
	StuckExecutingAfterMs int `yaml:"stuck_executing_after_ms"`
}

// RegistryConfig holds entity registry persistence settings.
type RegistryConfig struct {
	// DataDir is where the journal and snapshot live. Empty means in-memory only.
	DataDir string `yaml:"data_dir"`
	// SnapshotThreshold is the journal entry count that triggers compaction.
	SnapshotThreshold int `yaml:"snapshot_threshold"`
	// TypeHints adds extra keyword-to-type mappings for reference resolution.
	TypeHints map[string]string `yaml:"type_hints"`
}

// HostConfig holds host liveness monitoring settings.
type HostConfig struct {
	// Mode selects remote polling or the in-process loopback executor.
	Mode string `yaml:"mode"`
	// SuspectAfterMs is the poll silence after which the host is marked suspect.
	SuspectAfterMs int `yaml:"suspect_after_ms"`
	// DeadAfterMs is the poll silence after which the host is marked down.
	DeadAfterMs int `yaml:"dead_after_ms"`
	// CheckIntervalMs is how often the monitor re-evaluates host status.
	CheckIntervalMs int `yaml:"check_interval_ms"`
	// MaxConsecutiveFailures is the marshal timeout streak that pauses dispatching.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
	// RetryBackoffMs is how long dispatching stays paused after a failure streak.
	RetryBackoffMs int `yaml:"retry_backoff_ms"`
}

// ObservabilityConfig holds tracing settings.
type ObservabilityConfig struct {
	// ServiceName identifies this process in traces.
	ServiceName string `yaml:"service_name"`
	// OTLPEndpoint is the OTLP gRPC collector address. Empty disables tracing.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Config holds all bridge configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Bridge        BridgeConfig        `yaml:"bridge"`
	Registry      RegistryConfig      `yaml:"registry"`
	Host          HostConfig          `yaml:"host"`
	Observability ObservabilityConfig `yaml:"observability"`

	// LogLevel sets the minimum severity for log output.
	// Accepted values: "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns a Config with safe default values.
// Used as the base for file loading so absent keys keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:                ":8787",
			ReadHeaderTimeoutMs: 5000,
			ShutdownTimeoutMs:   10000,
			MaxDrainBatch:       64,
			MaxAwaitTimeoutMs:   30000,
		},
		Bridge: BridgeConfig{
			DrainBatchSize:        16,
			PollIntervalMs:        50,
			AwaitTimeoutMs:        8000,
			ResultRetentionMs:     300000, // 5 minutes
			MarshalTimeoutMs:      120000, // 2 minutes
			FeedBuffer:            64,
			JanitorIntervalMs:     30000,
			StuckExecutingAfterMs: 600000, // 10 minutes
		},
		Registry: RegistryConfig{
			DataDir:           "",
			SnapshotThreshold: 512,
		},
		Host: HostConfig{
			Mode:                   ModeRemote,
			SuspectAfterMs:         30000,
			DeadAfterMs:            120000, // 2 minutes
			CheckIntervalMs:        10000,
			MaxConsecutiveFailures: 3,
			RetryBackoffMs:         30000,
		},
		Observability: ObservabilityConfig{
			ServiceName:  "modelbridge",
			OTLPEndpoint: "",
		},
		LogLevel: "info",
	}
}

// Load reads a YAML config file over the defaults.
// Keys absent from the file keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.MaxDrainBatch < 1 {
		return fmt.Errorf("server.max_drain_batch must be at least 1, got %d", c.Server.MaxDrainBatch)
	}
	if c.Bridge.DrainBatchSize < 1 {
		return fmt.Errorf("bridge.drain_batch_size must be at least 1, got %d", c.Bridge.DrainBatchSize)
	}
	if c.Bridge.PollIntervalMs < 1 {
		return fmt.Errorf("bridge.poll_interval_ms must be at least 1, got %d", c.Bridge.PollIntervalMs)
	}
	if c.Bridge.AwaitTimeoutMs < 1 {
		return fmt.Errorf("bridge.await_timeout_ms must be at least 1, got %d", c.Bridge.AwaitTimeoutMs)
	}
	if c.Bridge.MarshalTimeoutMs < 1 {
		return fmt.Errorf("bridge.marshal_timeout_ms must be at least 1, got %d", c.Bridge.MarshalTimeoutMs)
	}
	if c.Registry.SnapshotThreshold < 1 {
		return fmt.Errorf("registry.snapshot_threshold must be at least 1, got %d", c.Registry.SnapshotThreshold)
	}
	if c.Host.Mode != ModeRemote && c.Host.Mode != ModeLoopback {
		return fmt.Errorf("host.mode must be %q or %q, got %q", ModeRemote, ModeLoopback, c.Host.Mode)
	}
	if c.Host.SuspectAfterMs >= c.Host.DeadAfterMs {
		return fmt.Errorf("host.suspect_after_ms (%d) must be below host.dead_after_ms (%d)",
			c.Host.SuspectAfterMs, c.Host.DeadAfterMs)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	return nil
}

// =============================================================================
// DURATION ACCESSORS
// =============================================================================

// ReadHeaderTimeout returns the header read bound as a duration.
func (s ServerConfig) ReadHeaderTimeout() time.Duration {
	return time.Duration(s.ReadHeaderTimeoutMs) * time.Millisecond
}

// ShutdownTimeout returns the graceful shutdown bound as a duration.
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutMs) * time.Millisecond
}

// MaxAwaitTimeout returns the await cap as a duration.
func (s ServerConfig) MaxAwaitTimeout() time.Duration {
	return time.Duration(s.MaxAwaitTimeoutMs) * time.Millisecond
}

// PollInterval returns the executor idle sleep as a duration.
func (b BridgeConfig) PollInterval() time.Duration {
	return time.Duration(b.PollIntervalMs) * time.Millisecond
}

// AwaitTimeout returns the default producer wait as a duration.
func (b BridgeConfig) AwaitTimeout() time.Duration {
	return time.Duration(b.AwaitTimeoutMs) * time.Millisecond
}

// ResultRetention returns the post-retrieval retention as a duration.
func (b BridgeConfig) ResultRetention() time.Duration {
	return time.Duration(b.ResultRetentionMs) * time.Millisecond
}

// MarshalTimeout returns the owner-thread wait bound as a duration.
func (b BridgeConfig) MarshalTimeout() time.Duration {
	return time.Duration(b.MarshalTimeoutMs) * time.Millisecond
}

// JanitorInterval returns the ledger sweep period as a duration.
func (b BridgeConfig) JanitorInterval() time.Duration {
	return time.Duration(b.JanitorIntervalMs) * time.Millisecond
}

// StuckExecutingAfter returns the stuck-command age as a duration.
func (b BridgeConfig) StuckExecutingAfter() time.Duration {
	return time.Duration(b.StuckExecutingAfterMs) * time.Millisecond
}

// SuspectAfter returns the suspect silence threshold as a duration.
func (h HostConfig) SuspectAfter() time.Duration {
	return time.Duration(h.SuspectAfterMs) * time.Millisecond
}

// DeadAfter returns the down silence threshold as a duration.
func (h HostConfig) DeadAfter() time.Duration {
	return time.Duration(h.DeadAfterMs) * time.Millisecond
}

// CheckInterval returns the monitor re-evaluation period as a duration.
func (h HostConfig) CheckInterval() time.Duration {
	return time.Duration(h.CheckIntervalMs) * time.Millisecond
}

// RetryBackoff returns the dispatch pause after a failure streak as a duration.
func (h HostConfig) RetryBackoff() time.Duration {
	return time.Duration(h.RetryBackoffMs) * time.Millisecond
}
