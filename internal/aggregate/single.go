package aggregate

import (
	"bytes"
	"context"
	"strconv"
	"time"

	"github.com/dreamware/shardgrid/internal/keys"
	"github.com/dreamware/shardgrid/internal/locks"
	"github.com/dreamware/shardgrid/internal/shard"
)

func (a *Aggregator) observe(op string, err *error) func() {
	start := time.Now()
	return func() { a.metrics.ObserveOp(op, start, *err) }
}

type cachedRead struct {
	value []byte
	ok    bool
}

// Get returns the value of key.
//
// On an EVENTUAL map with local caches, concurrent misses for the same key
// share one read of the partition. The shared read runs detached from every
// caller's cancellation; each caller stops waiting when its own ctx is done.
// Locked consistencies and callers inside a lock scope always read for
// themselves, so a caller never sees a value older than its own last write.
//
// Parameters:
//   - ctx: bounds the wait; carries the caller's lock scope, if any
//   - key: a literal key
//
// Returns:
//   - the value and true when present, nil and false when absent
//   - an error wrapping shard.ErrUnsupported for a non-literal key, or the
//     shard's lock, membership or codec error
func (a *Aggregator) Get(ctx context.Context, key any) (v []byte, ok bool, err error) {
	defer a.observe("get", &err)()
	m, err := a.shardFor(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !a.coalesces(ctx, m) || keys.Validate(key) != nil {
		return m.Get(ctx, key)
	}
	if v, ok := m.UnsafeLocalGet(key); ok {
		return v, true, nil
	}

	flightKey := strconv.FormatUint(a.Epoch(), 10) + "/" + keys.Encode(key)
	detached := context.WithoutCancel(ctx)
	ch := a.flight.DoChan(flightKey, func() (any, error) {
		v, ok, err := m.Get(detached, key)
		return cachedRead{value: v, ok: ok}, err
	})
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		r := res.Val.(cachedRead)
		if res.Shared {
			return bytes.Clone(r.value), r.ok, nil
		}
		return r.value, r.ok, nil
	}
}

// coalesces reports whether a miss on m may share a read with other callers.
func (a *Aggregator) coalesces(ctx context.Context, m *shard.Map) bool {
	return m.LocalCache() != nil && m.Consistency() == shard.Eventual && locks.ScopeFrom(ctx) == nil
}

// GetQuiet is Get without moving the idle timer.
func (a *Aggregator) GetQuiet(ctx context.Context, key any) (v []byte, ok bool, err error) {
	defer a.observe("get_quiet", &err)()
	m, err := a.shardFor(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return m.GetQuiet(ctx, key)
}

// UnlockedGet reads key without the protocol's read lock. quiet leaves the
// idle timer alone.
func (a *Aggregator) UnlockedGet(ctx context.Context, key any, quiet bool) ([]byte, bool, error) {
	m, err := a.shardFor(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return m.UnlockedGet(ctx, key, quiet)
}

// UnsafeLocalGet reads only the local cache of the owning shard. It never
// waits, not even for a rejoin.
func (a *Aggregator) UnsafeLocalGet(key any) ([]byte, bool) {
	if keys.Validate(key) != nil {
		return nil, false
	}
	return a.snap.Load().shards[a.ShardIndex(key)].UnsafeLocalGet(key)
}

// ContainsKey reports whether key has a live entry without moving its idle
// timer.
func (a *Aggregator) ContainsKey(ctx context.Context, key any) (ok bool, err error) {
	defer a.observe("contains_key", &err)()
	m, err := a.shardFor(ctx, key)
	if err != nil {
		return false, err
	}
	return m.ContainsKey(ctx, key)
}

// GetVersioned returns the value of key with the version of its entry.
func (a *Aggregator) GetVersioned(ctx context.Context, key any) (vv shard.VersionedValue, ok bool, err error) {
	defer a.observe("get_versioned", &err)()
	m, err := a.shardFor(ctx, key)
	if err != nil {
		return shard.VersionedValue{}, false, err
	}
	return m.GetVersioned(ctx, key)
}

// Put stores value for key on the owning shard and returns the value it
// replaced.
//
// The write follows the map's consistency: STRONG and SYNCHRONOUS_STRONG
// take the key's write lock and commit to the cluster before applying
// locally; EVENTUAL applies first and rolls back if the commit fails.
//
// Parameters:
//   - ctx: bounds lock and throttle waits; may carry a scope from LockEntry
//   - key: a literal key (string, integer, float, bool or rune)
//   - value: the value, never nil
//   - opts: per-entry lifespans and create time, see shard.WithTTI
//
// Returns:
//   - the previous value and true when key was present
//   - an error wrapping shard.ErrUnsupported, cluster.ErrAborted or
//     search.ErrSchemaConflict; the map is unchanged on error
//
// Example:
//
//	old, existed, err := agg.Put(ctx, "user:1", []byte("ann"), shard.WithTTI(300))
func (a *Aggregator) Put(ctx context.Context, key any, value []byte, opts ...shard.PutOption) (old []byte, ok bool, err error) {
	defer a.observe("put", &err)()
	m, err := a.shardFor(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return m.Put(ctx, key, value, opts...)
}

// PutNoReturn is Put without decoding the previous value.
func (a *Aggregator) PutNoReturn(ctx context.Context, key any, value []byte, opts ...shard.PutOption) (err error) {
	defer a.observe("put", &err)()
	m, err := a.shardFor(ctx, key)
	if err != nil {
		return err
	}
	return m.PutNoReturn(ctx, key, value, opts...)
}

// PutIfAbsent stores value only if key has no live entry. Under EVENTUAL
// concurrent callers race through compare-and-swap and exactly one wins;
// every caller observes the winner.
//
// Returns:
//   - the value already present and true, in which case nothing was written
//   - nil and false when value was stored
func (a *Aggregator) PutIfAbsent(ctx context.Context, key any, value []byte, opts ...shard.PutOption) (cur []byte, ok bool, err error) {
	defer a.observe("put_if_absent", &err)()
	m, err := a.shardFor(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return m.PutIfAbsent(ctx, key, value, opts...)
}

// Replace stores value only if key is present and returns the old value.
func (a *Aggregator) Replace(ctx context.Context, key any, value []byte, opts ...shard.PutOption) (old []byte, ok bool, err error) {
	defer a.observe("replace", &err)()
	m, err := a.shardFor(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return m.Replace(ctx, key, value, opts...)
}

// ReplaceIf stores value only if the current value matches old under the
// map's comparator.
func (a *Aggregator) ReplaceIf(ctx context.Context, key any, old, value []byte, opts ...shard.PutOption) (ok bool, err error) {
	defer a.observe("replace", &err)()
	m, err := a.shardFor(ctx, key)
	if err != nil {
		return false, err
	}
	return m.ReplaceIf(ctx, key, old, value, opts...)
}

// Remove deletes key and returns the value it held.
func (a *Aggregator) Remove(ctx context.Context, key any) (old []byte, ok bool, err error) {
	defer a.observe("remove", &err)()
	m, err := a.shardFor(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return m.Remove(ctx, key)
}

// RemoveIf deletes key only if its value matches expected.
func (a *Aggregator) RemoveIf(ctx context.Context, key any, expected []byte) (ok bool, err error) {
	defer a.observe("remove", &err)()
	m, err := a.shardFor(ctx, key)
	if err != nil {
		return false, err
	}
	return m.RemoveIf(ctx, key, expected)
}

// RemoveNoReturn is Remove without decoding the old value.
func (a *Aggregator) RemoveNoReturn(ctx context.Context, key any) (err error) {
	defer a.observe("remove", &err)()
	m, err := a.shardFor(ctx, key)
	if err != nil {
		return err
	}
	return m.RemoveNoReturn(ctx, key)
}

// PutVersioned stores value stamped with version. A write older than the
// stored entry's version is ignored without error; shard.Unversioned turns
// the check off.
func (a *Aggregator) PutVersioned(ctx context.Context, key any, value []byte, version int64, opts ...shard.PutOption) (err error) {
	defer a.observe("put_versioned", &err)()
	m, err := a.shardFor(ctx, key)
	if err != nil {
		return err
	}
	return m.PutVersioned(ctx, key, value, version, opts...)
}

// PutIfAbsentVersioned is PutIfAbsent stamping version on the new entry.
func (a *Aggregator) PutIfAbsentVersioned(ctx context.Context, key any, value []byte, version int64, opts ...shard.PutOption) (cur []byte, ok bool, err error) {
	defer a.observe("put_if_absent_versioned", &err)()
	m, err := a.shardFor(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return m.PutIfAbsentVersioned(ctx, key, value, version, opts...)
}

// RemoveVersioned deletes key unless the stored entry is newer than version.
func (a *Aggregator) RemoveVersioned(ctx context.Context, key any, version int64) (err error) {
	defer a.observe("remove_versioned", &err)()
	m, err := a.shardFor(ctx, key)
	if err != nil {
		return err
	}
	return m.RemoveVersioned(ctx, key, version)
}
