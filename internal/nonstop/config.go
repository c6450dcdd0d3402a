// Package nonstop bounds how long a caller waits for a map operation.
//
// Every operation runs with a timeout taken from an immutable Config. When
// the timeout fires, or the cluster aborts the operation, a fallback chosen by
// the configured Behavior answers instead:
//
//	Behavior                              reads                 writes
//	exception                             error                 error
//	noop                                  absent / zero         ignored
//	local-reads                           local cache           ignored
//	local-reads-and-exception-on-writes   local cache           error
//
// local-reads is the default. The operation itself is never interrupted; the
// wrapper only stops waiting for it. Destroy always falls back to disposing the map locally.
package nonstop

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/dreamware/shardgrid/internal/config"
)

var (
	// ErrTimeout is returned when an operation outlives its timeout.
	ErrTimeout = errors.New("non-stop timeout")
	// ErrUnknownBehavior is returned by ParseBehavior.
	ErrUnknownBehavior = errors.New("unknown non-stop behavior")
)

type Behavior string

const (
	Exception                      Behavior = "exception"
	NoOp                           Behavior = "noop"
	LocalReads                     Behavior = "local-reads"
	LocalReadsAndExceptionOnWrites Behavior = "local-reads-and-exception-on-writes"
)

func ParseBehavior(s string) (Behavior, error) {
	switch b := Behavior(s); b {
	case Exception, NoOp, LocalReads, LocalReadsAndExceptionOnWrites:
		return b, nil
	case "":
		return LocalReads, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownBehavior, s)
	}
}

func (b Behavior) localReads() bool {
	return b == LocalReads || b == LocalReadsAndExceptionOnWrites
}

func (b Behavior) failWrites() bool {
	return b == Exception || b == LocalReadsAndExceptionOnWrites
}

// Config is the non-stop setup of one map. It is not modified after
// construction.
type Config struct {
	Enabled    bool
	Timeout    time.Duration
	Behavior   Behavior
	opTimeouts map[string]time.Duration
}

// NewConfig returns a Config with per-operation timeout overrides, keyed by
// operation name ("get", "put_all", ...).
func NewConfig(enabled bool, timeout time.Duration, behavior Behavior, opTimeouts map[string]time.Duration) Config {
	return Config{
		Enabled:    enabled,
		Timeout:    timeout,
		Behavior:   behavior,
		opTimeouts: maps.Clone(opTimeouts),
	}
}

// FromConfig converts the nonstop section of the node configuration.
func FromConfig(c config.NonStopConfig) (Config, error) {
	b, err := ParseBehavior(c.Behavior)
	if err != nil {
		return Config{}, err
	}
	return NewConfig(c.Enabled, c.Timeout, b, c.OpTimeouts), nil
}

// TimeoutFor returns the timeout of op.
func (c Config) TimeoutFor(op string) time.Duration {
	if d, ok := c.opTimeouts[op]; ok {
		return d
	}
	return c.Timeout
}
