package nonstop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/shardgrid/internal/aggregate"
	"github.com/dreamware/shardgrid/internal/cluster"
	"github.com/dreamware/shardgrid/internal/metrics"
	"github.com/dreamware/shardgrid/internal/shard"
)

// Map wraps an Aggregator so that no call waits longer than its timeout.
type Map struct {
	agg     *aggregate.Aggregator
	cfg     Config
	metrics *metrics.Map
	logger  zerolog.Logger
}

// New wraps agg so that every call is bounded by cfg.
//
// Parameters:
//   - agg: the map to protect; its metrics count the fallbacks
//   - cfg: timeouts and behavior, fixed for the life of the wrapper
//
// Example:
//
//	cfg := nonstop.NewConfig(true, 2*time.Second, nonstop.LocalReads, nil)
//	grid := nonstop.New(agg, cfg)
//	v, ok, err := grid.Get(ctx, "user:1") // answers from the local cache if the cluster stalls
func New(agg *aggregate.Aggregator, cfg Config) *Map {
	return &Map{
		agg:     agg,
		cfg:     cfg,
		metrics: agg.Metrics(),
		logger:  zerolog.Nop(),
	}
}

// SetLogger sets the logger fallbacks are reported to.
func (m *Map) SetLogger(logger zerolog.Logger) {
	m.logger = logger.With().Str("map", m.agg.Name()).Logger()
}

// Aggregator returns the wrapped map.
func (m *Map) Aggregator() *aggregate.Aggregator { return m.agg }

// Config returns the wrapper's configuration.
func (m *Map) Config() Config { return m.cfg }

// recoverable reports whether err is handed to the fallback.
func recoverable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, cluster.ErrAborted)
}

// run calls fn and waits for it at most the timeout of op. fn keeps running
// after a timeout; its result is then dropped.
func run[T any](ctx context.Context, m *Map, op string, fn func(context.Context) (T, error)) (T, error) {
	if !m.cfg.Enabled {
		return fn(ctx)
	}

	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(ctx)
		done <- outcome{v, err}
	}()

	timeout := m.cfg.TimeoutFor(op)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero T
	select {
	case o := <-done:
		return o.v, o.err
	case <-timer.C:
		return zero, fmt.Errorf("%w: %s after %s", ErrTimeout, op, timeout)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (m *Map) fellBack(op string, cause error) {
	m.metrics.IncFallback(op, string(m.cfg.Behavior))
	m.logger.Warn().Err(cause).Str("op", op).Str("behavior", string(m.cfg.Behavior)).Msg("non-stop fallback")
}

// write runs a mutation. On fallback the zero value is returned, with the
// cause when the behavior fails writes.
func write[T any](ctx context.Context, m *Map, op string, fn func(context.Context) (T, error)) (T, error) {
	v, err := run(ctx, m, op, fn)
	if err == nil || !m.cfg.Enabled || !recoverable(err) {
		return v, err
	}
	m.fellBack(op, err)
	var zero T
	if m.cfg.Behavior.failWrites() {
		return zero, err
	}
	return zero, nil
}

// read runs a lookup. On fallback local answers the call when the behavior
// allows local reads; noop yields the zero value.
func read[T any](ctx context.Context, m *Map, op string, fn func(context.Context) (T, error), local func() T) (T, error) {
	v, err := run(ctx, m, op, fn)
	if err == nil || !m.cfg.Enabled || !recoverable(err) {
		return v, err
	}
	m.fellBack(op, err)
	var zero T
	switch {
	case m.cfg.Behavior.localReads():
		return local(), nil
	case m.cfg.Behavior == NoOp:
		return zero, nil
	default:
		return zero, err
	}
}

type lookup struct {
	v  []byte
	ok bool
}

func (m *Map) localLookup(key any) func() lookup {
	return func() lookup {
		v, ok := m.agg.UnsafeLocalGet(key)
		return lookup{v, ok}
	}
}

// Get returns the value of key. Under a local-reads behavior a stalled
// read is answered from the local cache; under noop it reports absent.
func (m *Map) Get(ctx context.Context, key any) ([]byte, bool, error) {
	r, err := read(ctx, m, "get", func(ctx context.Context) (lookup, error) {
		v, ok, err := m.agg.Get(ctx, key)
		return lookup{v, ok}, err
	}, m.localLookup(key))
	return r.v, r.ok, err
}

// GetQuiet is Get without moving the idle timer.
func (m *Map) GetQuiet(ctx context.Context, key any) ([]byte, bool, error) {
	r, err := read(ctx, m, "get_quiet", func(ctx context.Context) (lookup, error) {
		v, ok, err := m.agg.GetQuiet(ctx, key)
		return lookup{v, ok}, err
	}, m.localLookup(key))
	return r.v, r.ok, err
}

// ContainsKey falls back to the local cache like Get.
func (m *Map) ContainsKey(ctx context.Context, key any) (bool, error) {
	return read(ctx, m, "contains_key", func(ctx context.Context) (bool, error) {
		return m.agg.ContainsKey(ctx, key)
	}, func() bool {
		_, ok := m.agg.UnsafeLocalGet(key)
		return ok
	})
}

// GetVersioned has no local answer: the local cache does not keep versions.
func (m *Map) GetVersioned(ctx context.Context, key any) (shard.VersionedValue, bool, error) {
	type versioned struct {
		vv shard.VersionedValue
		ok bool
	}
	r, err := read(ctx, m, "get_versioned", func(ctx context.Context) (versioned, error) {
		vv, ok, err := m.agg.GetVersioned(ctx, key)
		return versioned{vv, ok}, err
	}, func() versioned { return versioned{} })
	return r.vv, r.ok, err
}

// UnsafeLocalGet never blocks and needs no protection.
func (m *Map) UnsafeLocalGet(key any) ([]byte, bool) {
	return m.agg.UnsafeLocalGet(key)
}

// GetAll reads every key eagerly, so the whole read is bounded by one timeout.
func (m *Map) GetAll(ctx context.Context, ks []any) (map[any][]byte, error) {
	return read(ctx, m, "get_all", func(ctx context.Context) (map[any][]byte, error) {
		r, err := m.agg.GetAll(ks)
		if err != nil {
			return nil, err
		}
		return r.Map(ctx)
	}, func() map[any][]byte {
		out := make(map[any][]byte)
		for _, k := range ks {
			if v, ok := m.agg.UnsafeLocalGet(k); ok {
				out[k] = v
			}
		}
		return out
	})
}

func (m *Map) GetAllVersioned(ctx context.Context, ks []any) (map[any]shard.VersionedValue, error) {
	return read(ctx, m, "get_all_versioned", func(ctx context.Context) (map[any]shard.VersionedValue, error) {
		return m.agg.GetAllVersioned(ctx, ks)
	}, func() map[any]shard.VersionedValue { return map[any]shard.VersionedValue{} })
}

// Size falls back to the number of locally cached values.
func (m *Map) Size(ctx context.Context) (int, error) {
	return read(ctx, m, "size", m.agg.Size, m.agg.LocalSize)
}

// Keys falls back to an empty set.
func (m *Map) Keys(ctx context.Context) ([]any, error) {
	return read(ctx, m, "keys", m.agg.Keys, func() []any { return nil })
}

type swap struct {
	v  []byte
	ok bool
}

// Put stores value for key and returns the value it replaced.
//
// Returns:
//   - the previous value and true when key was present
//   - on timeout or abort: ErrTimeout or the cause under exception and
//     local-reads-and-exception-on-writes; nil, false, nil under noop and
//     local-reads, the write having been dropped by the wrapper
func (m *Map) Put(ctx context.Context, key any, value []byte, opts ...shard.PutOption) ([]byte, bool, error) {
	r, err := write(ctx, m, "put", func(ctx context.Context) (swap, error) {
		old, ok, err := m.agg.Put(ctx, key, value, opts...)
		return swap{old, ok}, err
	})
	return r.v, r.ok, err
}

// PutNoReturn is Put without the previous value.
func (m *Map) PutNoReturn(ctx context.Context, key any, value []byte, opts ...shard.PutOption) error {
	_, err := write(ctx, m, "put", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.agg.PutNoReturn(ctx, key, value, opts...)
	})
	return err
}

// PutIfAbsent stores value only if key is absent.
func (m *Map) PutIfAbsent(ctx context.Context, key any, value []byte, opts ...shard.PutOption) ([]byte, bool, error) {
	r, err := write(ctx, m, "put_if_absent", func(ctx context.Context) (swap, error) {
		cur, ok, err := m.agg.PutIfAbsent(ctx, key, value, opts...)
		return swap{cur, ok}, err
	})
	return r.v, r.ok, err
}

// Replace stores value only if key is present.
func (m *Map) Replace(ctx context.Context, key any, value []byte, opts ...shard.PutOption) ([]byte, bool, error) {
	r, err := write(ctx, m, "replace", func(ctx context.Context) (swap, error) {
		old, ok, err := m.agg.Replace(ctx, key, value, opts...)
		return swap{old, ok}, err
	})
	return r.v, r.ok, err
}

func (m *Map) ReplaceIf(ctx context.Context, key any, old, value []byte, opts ...shard.PutOption) (bool, error) {
	return write(ctx, m, "replace", func(ctx context.Context) (bool, error) {
		return m.agg.ReplaceIf(ctx, key, old, value, opts...)
	})
}

// Remove deletes key and returns the value it held.
func (m *Map) Remove(ctx context.Context, key any) ([]byte, bool, error) {
	r, err := write(ctx, m, "remove", func(ctx context.Context) (swap, error) {
		old, ok, err := m.agg.Remove(ctx, key)
		return swap{old, ok}, err
	})
	return r.v, r.ok, err
}

func (m *Map) RemoveIf(ctx context.Context, key any, expected []byte) (bool, error) {
	return write(ctx, m, "remove", func(ctx context.Context) (bool, error) {
		return m.agg.RemoveIf(ctx, key, expected)
	})
}

// RemoveNoReturn is Remove without the old value.
func (m *Map) RemoveNoReturn(ctx context.Context, key any) error {
	_, err := write(ctx, m, "remove", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.agg.RemoveNoReturn(ctx, key)
	})
	return err
}

// PutVersioned stores value stamped with version.
func (m *Map) PutVersioned(ctx context.Context, key any, value []byte, version int64, opts ...shard.PutOption) error {
	_, err := write(ctx, m, "put_versioned", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.agg.PutVersioned(ctx, key, value, version, opts...)
	})
	return err
}

func (m *Map) PutIfAbsentVersioned(ctx context.Context, key any, value []byte, version int64, opts ...shard.PutOption) ([]byte, bool, error) {
	r, err := write(ctx, m, "put_if_absent_versioned", func(ctx context.Context) (swap, error) {
		cur, ok, err := m.agg.PutIfAbsentVersioned(ctx, key, value, version, opts...)
		return swap{cur, ok}, err
	})
	return r.v, r.ok, err
}

// RemoveVersioned deletes key unless its entry is newer than version.
func (m *Map) RemoveVersioned(ctx context.Context, key any, version int64) error {
	_, err := write(ctx, m, "remove_versioned", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.agg.RemoveVersioned(ctx, key, version)
	})
	return err
}

// PutAll stores every entry; a fallback covers the whole call.
func (m *Map) PutAll(ctx context.Context, entries map[any][]byte, opts ...shard.PutOption) error {
	_, err := write(ctx, m, "put_all", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.agg.PutAll(ctx, entries, opts...)
	})
	return err
}

// RemoveAll deletes every key; a fallback covers the whole call.
func (m *Map) RemoveAll(ctx context.Context, ks []any) error {
	_, err := write(ctx, m, "remove_all", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.agg.RemoveAll(ctx, ks)
	})
	return err
}

// Drain applies a buffer of pending operations.
func (m *Map) Drain(ctx context.Context, buffer map[any]*shard.BufferedOperation) error {
	_, err := write(ctx, m, "drain", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.agg.Drain(ctx, buffer)
	})
	return err
}

// Clear removes every entry on every holder.
func (m *Map) Clear(ctx context.Context) error {
	_, err := write(ctx, m, "clear", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.agg.Clear(ctx)
	})
	return err
}

// Destroy removes the map from the cluster. When the cluster does not answer
// in time the map is disposed of locally and the call succeeds.
func (m *Map) Destroy(ctx context.Context) error {
	_, err := run(ctx, m, "destroy", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.agg.Destroy(ctx)
	})
	if err == nil || !m.cfg.Enabled || !recoverable(err) {
		return err
	}
	m.fellBack("destroy", err)
	m.agg.DisposeLocally()
	return nil
}
