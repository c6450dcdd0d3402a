package config

import "errors"

var ErrConfigIsNil = errors.New("config is nil")
var ErrUnknownConsistency = errors.New("unknown consistency")
var ErrUnknownLockStrategy = errors.New("unknown lock strategy")
var ErrUnknownBehavior = errors.New("unknown non-stop behavior")
var ErrUnknownLogFormat = errors.New("unknown log format")
var ErrInvalidShardCount = errors.New("shard count must be positive")
var ErrInvalidLifespan = errors.New("lifespans must not be negative")
var ErrInvalidBudget = errors.New("bulk budgets must be positive")
var ErrInvalidFraction = errors.New("idle update fraction must be in (0, 1]")
var ErrInvalidTimeout = errors.New("timeouts must be positive")
var ErrInvalidRetry = errors.New("invalid retry settings")
var ErrMissingPeerAddr = errors.New("peer address is missing")
