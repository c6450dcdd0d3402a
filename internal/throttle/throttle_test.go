package throttle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNone(t *testing.T) {
	assert.NoError(t, None{}.Throttle(context.Background(), uuid.New()))

	var nilBucket *TokenBucket
	assert.NoError(t, nilBucket.Throttle(context.Background(), uuid.New()))
	assert.NoError(t, NewTokenBucket(0).Throttle(context.Background(), uuid.New()))
}

func TestTokenBucketBurstThenWait(t *testing.T) {
	b := NewTokenBucket(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Throttle(ctx, uuid.New()))
	}

	// the bucket is empty; a short deadline cannot be met
	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	err := b.Throttle(short, uuid.New())
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestTokenBucketRefill(t *testing.T) {
	b := NewTokenBucket(10)
	clock := time.Unix(1000, 0)
	b.now = func() time.Time { return clock }
	b.last = clock
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Throttle(ctx, uuid.New()))
	}

	clock = clock.Add(500 * time.Millisecond)
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Throttle(ctx, uuid.New()), "refilled token %d", i)
	}
	assert.Less(t, b.tokens, 1.0)
}

func TestFunc(t *testing.T) {
	var seen uuid.UUID
	id := uuid.New()
	f := Func(func(_ context.Context, identity uuid.UUID) error {
		seen = identity
		return nil
	})
	require.NoError(t, f.Throttle(context.Background(), id))
	assert.Equal(t, id, seen)
}
