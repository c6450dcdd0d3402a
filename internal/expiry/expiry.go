// Package expiry decides when an entry has outlived its time-to-idle or
// time-to-live, and when a read should refresh the idle timer.
//
// All times are whole seconds since the Unix epoch. Lifespans are compared
// with a strict ">" so an entry is still alive at exactly its boundary.
package expiry

import (
	"sync/atomic"
	"time"
)

// UseDefault as a custom lifespan means "use the map's configured value".
// A custom lifespan of 0 means "never expire on this limit".
const UseDefault int64 = -1

// DefaultIdleUpdateFraction is the share of the TTI window that must elapse
// before a read refreshes an entry's idle timer.
const DefaultIdleUpdateFraction = 0.5

// Clock supplies the current time in seconds.
type Clock interface {
	NowSeconds() int64
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) NowSeconds() int64 { return time.Now().Unix() }

// ManualClock is a settable clock for tests and simulations.
type ManualClock struct {
	now atomic.Int64
}

// NewManualClock returns a clock frozen at start.
func NewManualClock(start int64) *ManualClock {
	c := &ManualClock{}
	c.now.Store(start)
	return c
}

func (c *ManualClock) NowSeconds() int64 { return c.now.Load() }

// Set moves the clock to an absolute time.
func (c *ManualClock) Set(sec int64) { c.now.Store(sec) }

// Advance moves the clock forward by d seconds and returns the new time.
func (c *ManualClock) Advance(d int64) int64 { return c.now.Add(d) }

// Stamp carries the time bookkeeping of one entry.
type Stamp struct {
	CreateTime   int64
	LastAccessed int64
	CustomTTI    int64
	CustomTTL    int64
}

// Policy holds the map-wide lifespans. Zero disables a limit.
type Policy struct {
	MaxTTI             int64
	MaxTTL             int64
	IdleUpdateFraction float64
}

// TTI returns the idle limit in force for s.
func (p Policy) TTI(s Stamp) int64 {
	if s.CustomTTI == UseDefault {
		return p.MaxTTI
	}
	return s.CustomTTI
}

// TTL returns the live limit in force for s.
func (p Policy) TTL(s Stamp) int64 {
	if s.CustomTTL == UseDefault {
		return p.MaxTTL
	}
	return s.CustomTTL
}

// Enabled reports whether expiration has to be evaluated for s at all.
func (p Policy) Enabled(s Stamp) bool {
	return p.MaxTTI > 0 || p.MaxTTL > 0 || s.CustomTTI != UseDefault || s.CustomTTL != UseDefault
}

// Expired reports whether s is past its TTL or TTI at now.
func (p Policy) Expired(s Stamp, now int64) bool {
	if !p.Enabled(s) {
		return false
	}
	if ttl := p.TTL(s); ttl > 0 && now-s.CreateTime > ttl {
		return true
	}
	if tti := p.TTI(s); tti > 0 && now-s.LastAccessed > tti {
		return true
	}
	return false
}

// ShouldTouch reports whether a non-quiet read at now should refresh the idle
// timer of s. Refreshes are suppressed until the configured fraction of the
// TTI window has passed since the last one.
func (p Policy) ShouldTouch(s Stamp, now int64) bool {
	tti := p.TTI(s)
	if tti <= 0 {
		return false
	}
	fraction := p.IdleUpdateFraction
	if fraction <= 0 || fraction > 1 {
		fraction = DefaultIdleUpdateFraction
	}
	return float64(now-s.LastAccessed) >= float64(tti)*fraction
}
