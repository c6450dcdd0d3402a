// Package retry runs an optimistic operation again until it settles.
//
// It is used by the eventual consistency mode, where read-validate-write
// sequences are not protected by a lock and a concurrent writer can make a
// conditional write fail. The loop is bounded by an attempt cap, by the
// cluster liveness signal, and by the caller's context.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrExhausted is returned when MaxAttempts were used without success.
	ErrExhausted = errors.New("retry attempts exhausted")
	// ErrNotLive is returned when the liveness signal reports the cluster gone.
	ErrNotLive = errors.New("cluster is not live")
	// ErrInvalidPolicy is returned by Policy.Validate.
	ErrInvalidPolicy = errors.New("invalid retry policy")
)

// Policy bounds and paces a retry loop.
type Policy struct {
	// MaxAttempts caps the number of calls; 0 bounds the loop by liveness only.
	MaxAttempts int
	// BaseDelay is the pause before the second attempt; 0 retries immediately.
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// Jitter spreads each pause by up to Jitter/2 either way.
	Jitter time.Duration
	// LogEvery logs one line per LogEvery retries; 0 disables logging.
	LogEvery int
}

// DefaultPolicy retries conflicts without a cap, backing off gently.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 0,
		BaseDelay:   0,
		MaxDelay:    50 * time.Millisecond,
		LogEvery:    10,
	}
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 0 || p.LogEvery < 0 {
		return ErrInvalidPolicy
	}
	if p.BaseDelay < 0 || p.MaxDelay < p.BaseDelay || p.Jitter < 0 {
		return ErrInvalidPolicy
	}
	return nil
}

// Liveness reports whether the cluster can still make progress.
// A nil Liveness is always live.
type Liveness func() bool

// Func is one attempt. It returns done once the operation has settled, or an
// error that ends the loop immediately.
type Func func(attempt int) (done bool, err error)

// Do calls fn until it is done, fails, or the loop is stopped by the policy,
// the liveness signal or ctx. It returns the number of attempts made.
func Do(ctx context.Context, p Policy, live Liveness, log zerolog.Logger, fn Func) (int, error) {
	for attempt := 1; ; attempt++ {
		done, err := fn(attempt)
		if err != nil {
			return attempt, err
		}
		if done {
			return attempt, nil
		}

		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return attempt, ErrExhausted
		}
		if live != nil && !live() {
			return attempt, ErrNotLive
		}
		if p.LogEvery > 0 && attempt%p.LogEvery == 0 {
			log.Warn().Int("attempt", attempt).Msg("conditional write still contended, retrying")
		}
		if err := pause(ctx, p.delay(attempt)); err != nil {
			return attempt, err
		}
	}
}

func (p Policy) delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	d := p.BaseDelay << shift
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(p.Jitter))) - p.Jitter/2
	}
	return max(d, 0)
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
