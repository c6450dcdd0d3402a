// Package throttle provides admission control for map mutations. A shard
// calls its Throttler before taking any lock, so a delayed writer never holds
// a lock while it waits.
package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Throttler may delay a mutation of the entry with the given identity.
type Throttler interface {
	Throttle(ctx context.Context, identity uuid.UUID) error
}

// None admits everything immediately.
type None struct{}

func (None) Throttle(context.Context, uuid.UUID) error { return nil }

// Func adapts a function to Throttler.
type Func func(ctx context.Context, identity uuid.UUID) error

func (f Func) Throttle(ctx context.Context, identity uuid.UUID) error { return f(ctx, identity) }

// TokenBucket admits up to rate mutations per second with bursts of up to
// one second's worth. A zero-rate bucket admits everything.
type TokenBucket struct {
	mu       sync.Mutex
	rate     float64
	capacity float64
	tokens   float64
	last     time.Time
	now      func() time.Time
}

func NewTokenBucket(writesPerSecond int) *TokenBucket {
	if writesPerSecond <= 0 {
		return &TokenBucket{}
	}
	r := float64(writesPerSecond)
	return &TokenBucket{rate: r, capacity: r, tokens: r, last: time.Now(), now: time.Now}
}

// Throttle waits for a token or until ctx is done.
func (t *TokenBucket) Throttle(ctx context.Context, _ uuid.UUID) error {
	if t == nil || t.rate <= 0 {
		return nil
	}

	for {
		t.mu.Lock()
		now := t.now()
		if elapsed := now.Sub(t.last); elapsed > 0 {
			t.tokens += t.rate * elapsed.Seconds()
			if t.tokens > t.capacity {
				t.tokens = t.capacity
			}
			t.last = now
		}
		if t.tokens >= 1 {
			t.tokens--
			t.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - t.tokens) / t.rate * float64(time.Second))
		t.mu.Unlock()

		if wait <= 0 {
			wait = time.Millisecond
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
