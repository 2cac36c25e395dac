// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/mediacore/internal/core"
	"firestige.xyz/mediacore/internal/core/decoder"
	"firestige.xyz/mediacore/internal/linkqueue"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `mediacore:` root key in YAML.
type GlobalConfig struct {
	Node     NodeConfig       `mapstructure:"node" yaml:"node"`
	Log      LogConfig        `mapstructure:"log" yaml:"log"`
	Metrics  MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Pool     PoolConfig       `mapstructure:"pool" yaml:"pool"`
	Dispatch DispatchConfig   `mapstructure:"dispatch" yaml:"dispatch"`
	Pending  linkqueue.Config `mapstructure:"pending" yaml:"pending"`
	Pipeline PipelineConfig   `mapstructure:"pipeline" yaml:"pipeline"`
	Decoder  decoder.Config   `mapstructure:"decoder" yaml:"decoder"`
	Source   SourceConfig     `mapstructure:"source" yaml:"source"`
	Streams  []StreamConfig   `mapstructure:"streams" yaml:"streams"`
}

// ─── Node Identity ───

// NodeConfig contains node identification settings.
type NodeConfig struct {
	ID       string            `mapstructure:"id" yaml:"id"`             // Empty = hostname
	Hostname string            `mapstructure:"hostname" yaml:"hostname"` // Empty = os.Hostname()
	Tags     map[string]string `mapstructure:"tags" yaml:"tags,omitempty"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format  string           `mapstructure:"format" yaml:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Listen          string        `mapstructure:"listen" yaml:"listen"`
	Path            string        `mapstructure:"path" yaml:"path"`
	CollectInterval time.Duration `mapstructure:"collect_interval" yaml:"collect_interval"`
}

// ─── Packet Pool ───

// PoolConfig sizes the packet block arena.
type PoolConfig struct {
	Blocks       int           `mapstructure:"blocks" yaml:"blocks"`
	BlockSize    int           `mapstructure:"block_size" yaml:"block_size"`
	AllocTimeout time.Duration `mapstructure:"alloc_timeout" yaml:"alloc_timeout"` // Source fails after waiting this long for a free block
}

// ─── Dispatch ───

// DispatchConfig sizes the worker pool and its rings.
type DispatchConfig struct {
	Workers         int           `mapstructure:"workers" yaml:"workers"` // 0 = GOMAXPROCS
	Slots           int           `mapstructure:"slots" yaml:"slots"`
	SlotCapacity    int           `mapstructure:"slot_capacity" yaml:"slot_capacity"`
	Staging         bool          `mapstructure:"staging" yaml:"staging"`
	StagingCapacity int           `mapstructure:"staging_capacity" yaml:"staging_capacity"`
	Backoff         BackoffConfig `mapstructure:"backoff" yaml:"backoff"`
}

// BackoffConfig tunes busy-wait polling on a full ring.
type BackoffConfig struct {
	Spins    int           `mapstructure:"spins" yaml:"spins"`
	Sleep    time.Duration `mapstructure:"sleep" yaml:"sleep"`
	MaxSleep time.Duration `mapstructure:"max_sleep" yaml:"max_sleep"`
}

// ─── Pipelines ───

// PipelineConfig configures the producer pipelines.
type PipelineConfig struct {
	Count           int    `mapstructure:"count" yaml:"count"`
	ChannelCapacity int    `mapstructure:"channel_capacity" yaml:"channel_capacity"`
	Strategy        string `mapstructure:"strategy" yaml:"strategy"` // flow-hash | round-robin

	// StreamTTL expires registered media streams idle this long.
	StreamTTL time.Duration `mapstructure:"stream_ttl" yaml:"stream_ttl"`
}

// ─── Source ───

// SourceConfig configures the pcap replay source.
type SourceConfig struct {
	File   string `mapstructure:"file" yaml:"file"`
	Filter string `mapstructure:"filter" yaml:"filter,omitempty"` // tcpdump expression
}

// ─── Streams ───

// StreamConfig declares a media stream up front, for replays without
// signaling.
type StreamConfig struct {
	Call    string   `mapstructure:"call" yaml:"call"`
	Caller  string   `mapstructure:"caller" yaml:"caller"` // ip:port
	Callee  string   `mapstructure:"callee" yaml:"callee"` // ip:port
	Media   []string `mapstructure:"media" yaml:"media"`   // audio | video | application
	RTCPMux bool     `mapstructure:"rtcp_mux" yaml:"rtcp_mux"`
	Persist bool     `mapstructure:"persist" yaml:"persist"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `mediacore: ...`.
type configRoot struct {
	Mediacore GlobalConfig `mapstructure:"mediacore"`
}

// Load loads configuration from file. An empty path loads defaults only.
// Env vars use the MEDIACORE_ prefix (e.g., MEDIACORE_DISPATCH_WORKERS).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `mediacore.` key prefix maps to `MEDIACORE_` through the replacer.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Mediacore

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "mediacore." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("mediacore.log.level", "info")
	v.SetDefault("mediacore.log.format", "json")
	v.SetDefault("mediacore.log.outputs.file.enabled", false)
	v.SetDefault("mediacore.log.outputs.file.path", "/var/log/mediacore/mediacore.log")
	v.SetDefault("mediacore.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("mediacore.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("mediacore.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("mediacore.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("mediacore.metrics.enabled", false)
	v.SetDefault("mediacore.metrics.listen", ":9091")
	v.SetDefault("mediacore.metrics.path", "/metrics")
	v.SetDefault("mediacore.metrics.collect_interval", "5s")

	// Pool defaults: 4096 blocks of 64 KiB
	v.SetDefault("mediacore.pool.blocks", 4096)
	v.SetDefault("mediacore.pool.block_size", 65536)
	v.SetDefault("mediacore.pool.alloc_timeout", "5s")

	// Dispatch defaults
	v.SetDefault("mediacore.dispatch.workers", 0)
	v.SetDefault("mediacore.dispatch.slots", 64)
	v.SetDefault("mediacore.dispatch.slot_capacity", 256)
	v.SetDefault("mediacore.dispatch.staging", true)
	v.SetDefault("mediacore.dispatch.staging_capacity", 256)
	v.SetDefault("mediacore.dispatch.backoff.spins", 32)
	v.SetDefault("mediacore.dispatch.backoff.sleep", "10us")
	v.SetDefault("mediacore.dispatch.backoff.max_sleep", "1ms")

	// Pending buffer defaults
	v.SetDefault("mediacore.pending.cleanup_interval", "5s")
	v.SetDefault("mediacore.pending.expiration", "10s")
	v.SetDefault("mediacore.pending.max_packets", 20)
	v.SetDefault("mediacore.pending.detach", false)

	// Pipeline defaults
	v.SetDefault("mediacore.pipeline.count", 2)
	v.SetDefault("mediacore.pipeline.channel_capacity", 4096)
	v.SetDefault("mediacore.pipeline.strategy", "flow-hash")
	v.SetDefault("mediacore.pipeline.stream_ttl", "60s")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: log level %q (must be debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("%w: log format %q (must be json/text)", core.ErrConfigInvalid, cfg.Log.Format)
	}

	// ── Node identity ──
	if cfg.Node.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		cfg.Node.Hostname = hostname
	}
	if cfg.Node.ID == "" {
		cfg.Node.ID = cfg.Node.Hostname
	}

	// ── Sizing ──
	if cfg.Pool.Blocks <= 0 || cfg.Pool.BlockSize <= 0 {
		return fmt.Errorf("%w: pool.blocks and pool.block_size must be positive", core.ErrConfigInvalid)
	}
	if cfg.Dispatch.Workers < 0 {
		return fmt.Errorf("%w: dispatch.workers must not be negative", core.ErrConfigInvalid)
	}
	if cfg.Dispatch.Slots < 2 {
		return fmt.Errorf("%w: dispatch.slots must be at least 2", core.ErrConfigInvalid)
	}
	if cfg.Dispatch.SlotCapacity <= 0 {
		return fmt.Errorf("%w: dispatch.slot_capacity must be positive", core.ErrConfigInvalid)
	}
	if cfg.Dispatch.Staging && cfg.Dispatch.StagingCapacity <= 0 {
		return fmt.Errorf("%w: dispatch.staging_capacity must be positive when staging is enabled", core.ErrConfigInvalid)
	}
	if cfg.Pending.MaxPackets <= 0 {
		return fmt.Errorf("%w: pending.max_packets must be positive", core.ErrConfigInvalid)
	}
	if cfg.Pending.Expiration <= 0 || cfg.Pending.CleanupInterval <= 0 {
		return fmt.Errorf("%w: pending.expiration and pending.cleanup_interval must be positive", core.ErrConfigInvalid)
	}
	if cfg.Pipeline.Count < 1 {
		cfg.Pipeline.Count = 1
	}
	if cfg.Pipeline.ChannelCapacity <= 0 {
		return fmt.Errorf("%w: pipeline.channel_capacity must be positive", core.ErrConfigInvalid)
	}
	if cfg.Pipeline.Strategy != "flow-hash" && cfg.Pipeline.Strategy != "round-robin" {
		return fmt.Errorf("%w: pipeline.strategy %q (must be flow-hash/round-robin)", core.ErrConfigInvalid, cfg.Pipeline.Strategy)
	}

	// ── Static streams ──
	for i, s := range cfg.Streams {
		if s.Call == "" {
			return fmt.Errorf("%w: streams[%d].call is required", core.ErrConfigInvalid, i)
		}
		if _, err := netip.ParseAddrPort(s.Caller); err != nil {
			return fmt.Errorf("%w: streams[%d].caller: %v", core.ErrConfigInvalid, i, err)
		}
		if _, err := netip.ParseAddrPort(s.Callee); err != nil {
			return fmt.Errorf("%w: streams[%d].callee: %v", core.ErrConfigInvalid, i, err)
		}
		for _, m := range s.Media {
			if m != "audio" && m != "video" && m != "application" {
				return fmt.Errorf("%w: streams[%d].media %q (must be audio/video/application)", core.ErrConfigInvalid, i, m)
			}
		}
	}

	return nil
}
