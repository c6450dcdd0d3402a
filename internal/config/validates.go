package config

import (
	"fmt"
	"strings"
)

var knownConsistencies = map[string]bool{"STRONG": true, "SYNCHRONOUS_STRONG": true, "EVENTUAL": true}

var knownLockStrategies = map[string]bool{"numeric": true, "string": true, "whole-map": true}

var knownBehaviors = map[string]bool{
	"exception":                           true,
	"noop":                                true,
	"local-reads":                         true,
	"local-reads-and-exception-on-writes": true,
}

func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigIsNil
	}
	if err := c.Node.Validate(); err != nil {
		return err
	}
	if err := c.Map.Validate(); err != nil {
		return err
	}
	if err := c.NonStop.Validate(); err != nil {
		return err
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if err := c.Health.Validate(); err != nil {
		return err
	}
	return nil
}

func (c *NodeConfig) Validate() error {
	for _, p := range c.Peers {
		if p.Addr == "" {
			return fmt.Errorf("%w: %q", ErrMissingPeerAddr, p.ID)
		}
	}
	return nil
}

func (c *MapConfig) Validate() error {
	if !knownConsistencies[strings.ToUpper(c.Consistency)] {
		return fmt.Errorf("%w: %q", ErrUnknownConsistency, c.Consistency)
	}

	if !knownLockStrategies[c.LockStrategy] {
		return fmt.Errorf("%w: %q", ErrUnknownLockStrategy, c.LockStrategy)
	}

	if c.ShardCount <= 0 {
		return ErrInvalidShardCount
	}

	if c.MaxTTISeconds < 0 || c.MaxTTLSeconds < 0 || c.MaxTotalCount < 0 {
		return ErrInvalidLifespan
	}

	if c.BulkOpByteBudget <= 0 || c.GetAllBatchSize <= 0 {
		return ErrInvalidBudget
	}

	if c.IdleUpdateFraction <= 0 || c.IdleUpdateFraction > 1 {
		return ErrInvalidFraction
	}
	return nil
}

func (c *NonStopConfig) Validate() error {
	if !knownBehaviors[c.Behavior] {
		return fmt.Errorf("%w: %q", ErrUnknownBehavior, c.Behavior)
	}

	if c.Enabled && c.Timeout <= 0 {
		return ErrInvalidTimeout
	}

	for op, d := range c.OpTimeouts {
		if d <= 0 {
			return fmt.Errorf("%w: %s", ErrInvalidTimeout, op)
		}
	}
	return nil
}

func (c *RetryConfig) Validate() error {
	if c.MaxAttempts < 0 || c.LogEvery < 0 || c.BaseDelay < 0 || c.MaxDelay < c.BaseDelay || c.Jitter < 0 {
		return ErrInvalidRetry
	}
	return nil
}

func (c *LoggingConfig) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("%w: %q", ErrUnknownLogFormat, c.Format)
	}
	return nil
}

func (c *HealthConfig) Validate() error {
	if c.Interval <= 0 || c.ReplicationTimeout <= 0 {
		return ErrInvalidTimeout
	}
	return nil
}
