package config

import (
	"time"

	"github.com/google/uuid"
)

var defaultNode = NodeConfig{
	Listen: ":8081",
	Addr:   "http://127.0.0.1:8081",
	Peers:  []PeerConfig{},
}

var defaultMap = MapConfig{
	Name:               "default",
	Consistency:        "STRONG",
	ShardCount:         8,
	LockStrategy:       "numeric",
	BulkOpByteBudget:   1 << 20,
	GetAllBatchSize:    1000,
	IdleUpdateFraction: 0.5,
}

var defaultNonStop = NonStopConfig{
	Enabled:  true,
	Timeout:  30 * time.Second,
	Behavior: "local-reads",
}

var defaultRetry = RetryConfig{
	MaxDelay: 50 * time.Millisecond,
	LogEvery: 10,
}

var defaultLogging = LoggingConfig{
	Level:  "info",
	Format: "json",
}

var defaultHealth = HealthConfig{
	Interval:           5 * time.Second,
	ReplicationTimeout: 2 * time.Second,
}

func Default() *Config {
	return &Config{
		Node:     defaultNode,
		Map:      defaultMap,
		NonStop:  defaultNonStop,
		Retry:    defaultRetry,
		Throttle: ThrottleConfig{},
		Logging:  defaultLogging,
		Health:   defaultHealth,
	}
}

func (c *NodeConfig) PopulateDefaults() {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}

	if c.Listen == "" {
		c.Listen = defaultNode.Listen
	}

	if c.Addr == "" {
		c.Addr = defaultNode.Addr
	}
}

func (c *MapConfig) PopulateDefaults() {
	if c.Name == "" {
		c.Name = defaultMap.Name
	}

	if c.Consistency == "" {
		c.Consistency = defaultMap.Consistency
	}

	if c.ShardCount == 0 {
		c.ShardCount = defaultMap.ShardCount
	}

	if c.LockStrategy == "" {
		c.LockStrategy = defaultMap.LockStrategy
	}

	if c.BulkOpByteBudget == 0 {
		c.BulkOpByteBudget = defaultMap.BulkOpByteBudget
	}

	if c.GetAllBatchSize == 0 {
		c.GetAllBatchSize = defaultMap.GetAllBatchSize
	}

	if c.IdleUpdateFraction == 0 {
		c.IdleUpdateFraction = defaultMap.IdleUpdateFraction
	}
}

func (c *NonStopConfig) PopulateDefaults() {
	if c.Timeout == 0 {
		c.Timeout = defaultNonStop.Timeout
	}

	if c.Behavior == "" {
		c.Behavior = defaultNonStop.Behavior
	}
}

func (c *RetryConfig) PopulateDefaults() {
	if c.MaxDelay == 0 {
		c.MaxDelay = defaultRetry.MaxDelay
	}

	if c.LogEvery == 0 {
		c.LogEvery = defaultRetry.LogEvery
	}
}

func (c *LoggingConfig) PopulateDefaults() {
	if c.Level == "" {
		c.Level = defaultLogging.Level
	}

	if c.Format == "" {
		c.Format = defaultLogging.Format
	}
}

func (c *HealthConfig) PopulateDefaults() {
	if c.Interval == 0 {
		c.Interval = defaultHealth.Interval
	}

	if c.ReplicationTimeout == 0 {
		c.ReplicationTimeout = defaultHealth.ReplicationTimeout
	}
}

func (c *Config) PopulateDefaults() {
	c.Node.PopulateDefaults()
	c.Map.PopulateDefaults()
	c.NonStop.PopulateDefaults()
	c.Retry.PopulateDefaults()
	c.Logging.PopulateDefaults()
	c.Health.PopulateDefaults()
}
