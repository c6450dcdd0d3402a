// Package config loads the node configuration from YAML.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PathEnv names the environment variable holding the config file path.
const PathEnv = "SHARDGRID_CONFIG"

type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Map      MapConfig      `yaml:"map"`
	NonStop  NonStopConfig  `yaml:"nonstop"`
	Retry    RetryConfig    `yaml:"retry"`
	Throttle ThrottleConfig `yaml:"throttle"`
	Logging  LoggingConfig  `yaml:"logging"`
	Health   HealthConfig   `yaml:"health"`
}

type NodeConfig struct {
	ID     string       `yaml:"id"`
	Listen string       `yaml:"listen"`
	Addr   string       `yaml:"addr"`
	Peers  []PeerConfig `yaml:"peers"`
}

type PeerConfig struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

type MapConfig struct {
	Name               string  `yaml:"name"`
	Consistency        string  `yaml:"consistency"`
	ShardCount         int     `yaml:"shard_count"`
	MaxTTISeconds      int64   `yaml:"max_tti_seconds"`
	MaxTTLSeconds      int64   `yaml:"max_ttl_seconds"`
	MaxTotalCount      int     `yaml:"max_total_count"`
	EvictionEnabled    bool    `yaml:"eviction_enabled"`
	LocalCacheEnabled  bool    `yaml:"local_cache_enabled"`
	CompressionEnabled bool    `yaml:"compression_enabled"`
	CopyOnReadEnabled  bool    `yaml:"copy_on_read_enabled"`
	LockStrategy       string  `yaml:"lock_strategy"`
	BulkOpByteBudget   int     `yaml:"bulk_op_byte_budget"`
	GetAllBatchSize    int     `yaml:"get_all_batch_size"`
	IdleUpdateFraction float64 `yaml:"idle_update_fraction"`
}

type NonStopConfig struct {
	Enabled    bool                     `yaml:"enabled"`
	Timeout    time.Duration            `yaml:"timeout"`
	Behavior   string                   `yaml:"behavior"`
	OpTimeouts map[string]time.Duration `yaml:"op_timeouts"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      time.Duration `yaml:"jitter"`
	LogEvery    int           `yaml:"log_every"`
}

type ThrottleConfig struct {
	WritesPerSecond int `yaml:"writes_per_second"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type HealthConfig struct {
	Interval           time.Duration `yaml:"interval"`
	ReplicationTimeout time.Duration `yaml:"replication_timeout"`
}

// Read parses the YAML file at path without applying defaults.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Load reads path, fills in defaults and validates the result. An empty
// path yields the default configuration.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		cfg.PopulateDefaults()
		return cfg, cfg.Validate()
	}
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	cfg.PopulateDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// PathFromEnv returns the path named by SHARDGRID_CONFIG, or fallback.
func PathFromEnv(fallback string) string {
	if p := os.Getenv(PathEnv); p != "" {
		return p
	}
	return fallback
}
