package locks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "", want: "numeric"},
		{name: "numeric", want: "numeric"},
		{name: "string", want: "string"},
		{name: "whole-map", want: "whole-map"},
		{name: "per-bucket", wantErr: true},
	}

	for _, tt := range tests {
		t.Run("strategy "+tt.name, func(t *testing.T) {
			s, err := ParseStrategy(tt.name, "users")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Name())
		})
	}
}

// TestStrategyIDs verifies IDs are deterministic and scoped to their map
func TestStrategyIDs(t *testing.T) {
	num := Numeric{Scope: "users"}
	assert.Equal(t, num.IDFor("a"), num.IDFor("a"))
	assert.NotEqual(t, num.IDFor("a"), num.IDFor("b"))
	assert.NotEqual(t, num.IDFor("a"), Numeric{Scope: "orders"}.IDFor("a"))

	named := Named{Scope: "users"}
	assert.Equal(t, "users/s:a", named.IDFor("a").String())
	assert.NotEqual(t, named.IDFor("1"), named.IDFor(1))

	// scope "a/s" with key "b" must not collide with scope "a" and key "s/b"
	assert.NotEqual(t, Named{Scope: "a/s"}.IDFor("b"), Named{Scope: "a"}.IDFor("s/b"))

	whole := WholeMap{Scope: "users"}
	assert.Equal(t, MapID("users"), whole.IDFor("a"))
	assert.Equal(t, whole.IDFor("a"), whole.IDFor(42))
}

func TestManagerReadersShare(t *testing.T) {
	m := NewManager()
	id := MapID("m")
	ctx := context.Background()

	r1, err := m.Lock(ctx, id, Read)
	require.NoError(t, err)
	r2, err := m.Lock(ctx, id, Read)
	require.NoError(t, err)

	_, ok := m.TryLock(id, Write)
	assert.False(t, ok, "writer must wait for readers")

	r1()
	r2()

	w, ok := m.TryLock(id, Write)
	require.True(t, ok)
	w()
	assert.Equal(t, 0, m.Len())
}

func TestManagerWriterExcludes(t *testing.T) {
	m := NewManager()
	id := Numeric{Scope: "m"}.IDFor("k")

	w, err := m.Lock(context.Background(), id, SynchronousWrite)
	require.NoError(t, err)

	for _, typ := range []Type{Read, Write, Concurrent} {
		_, ok := m.TryLock(id, typ)
		assert.False(t, ok, "%s must wait for the writer", typ)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx, id, Read)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	w()
	w() // idempotent
	assert.Equal(t, 0, m.Len())
}

func TestManagerConcurrentSlots(t *testing.T) {
	m := NewManager()
	id := MapID("m")

	c1, ok := m.TryLock(id, Concurrent)
	require.True(t, ok)
	c2, ok := m.TryLock(id, Concurrent)
	require.True(t, ok)

	_, ok = m.TryLock(id, Write)
	assert.False(t, ok)

	c1()
	c2()
}

// TestManagerMutualExclusion increments a plain counter under a write lock
func TestManagerMutualExclusion(t *testing.T) {
	m := NewManager()
	id := Named{Scope: "m"}.IDFor("counter")
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				release, err := m.Lock(context.Background(), id, Write)
				if err != nil {
					t.Error(err)
					return
				}
				counter++
				release()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000, counter)
	assert.Equal(t, 0, m.Len())
}

func TestManagerWriterNotStarved(t *testing.T) {
	m := NewManager()
	id := MapID("m")
	ctx := context.Background()

	r1, err := m.Lock(ctx, id, Read)
	require.NoError(t, err)

	var acquired atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		w, err := m.Lock(ctx, id, Write)
		if err == nil {
			acquired.Store(true)
			w()
		}
	}()

	// wait until the writer is queued
	assert.Eventually(t, func() bool {
		r, ok := m.TryLock(id, Read)
		if ok {
			r()
		}
		return !ok
	}, time.Second, time.Millisecond)

	r1()
	<-done
	assert.True(t, acquired.Load())
}

func TestScope(t *testing.T) {
	m := NewManager()
	id := Numeric{Scope: "m"}.IDFor("k")

	assert.False(t, Explicit(context.Background()))

	ctx, scope := WithScope(context.Background())
	assert.True(t, Explicit(ctx))

	same, again := WithScope(ctx)
	assert.Equal(t, ctx, same)
	assert.Same(t, scope, again)

	require.NoError(t, scope.Acquire(ctx, m, id, Read))
	assert.True(t, HeldRead(ctx, id))

	// re-entrant read inside the scope is a no-op
	release, err := m.Lock(ctx, id, Read)
	require.NoError(t, err)
	release()

	_, err = m.Lock(ctx, id, Write)
	assert.True(t, errors.Is(err, ErrUpgrade))

	scope.Release(id)
	assert.False(t, HeldRead(ctx, id))
	assert.Equal(t, 0, scope.Len())
	assert.Equal(t, 0, m.Len())
}

func TestScopeWriteCoversEverything(t *testing.T) {
	m := NewManager()
	id := MapID("m")
	ctx, scope := WithScope(context.Background())

	require.NoError(t, scope.Acquire(ctx, m, id, Write))
	held, ok := Held(ctx, id)
	require.True(t, ok)
	assert.Equal(t, Write, held)
	assert.False(t, HeldRead(ctx, id))

	for _, typ := range []Type{Read, Write, SynchronousWrite, Concurrent} {
		release, err := m.Lock(ctx, id, typ)
		require.NoError(t, err)
		release()
	}

	// other goroutines without the scope are excluded
	_, ok = m.TryLock(id, Read)
	assert.False(t, ok)

	scope.ReleaseAll()
	r, ok := m.TryLock(id, Read)
	require.True(t, ok)
	r()
}

func TestBatchScopeIsNotExplicit(t *testing.T) {
	m := NewManager()
	id := MapID("m")

	ctx, scope := WithBatchScope(context.Background())
	assert.False(t, Explicit(ctx))
	require.NoError(t, scope.Acquire(ctx, m, id, Concurrent))

	// a queued writer must not block re-entry by the batch
	go func() {
		w, err := m.Lock(context.Background(), id, Write)
		if err == nil {
			w()
		}
	}()
	assert.Eventually(t, func() bool {
		r, ok := m.TryLock(id, Concurrent)
		if ok {
			r()
		}
		return !ok
	}, time.Second, time.Millisecond)

	release, err := m.Lock(ctx, id, Concurrent)
	require.NoError(t, err)
	release()

	scope.ReleaseAll()
}
