package shard

import (
	"context"

	"github.com/google/uuid"

	"github.com/dreamware/shardgrid/internal/expiry"
	"github.com/dreamware/shardgrid/internal/locks"
	"github.com/dreamware/shardgrid/internal/search"
	"github.com/dreamware/shardgrid/internal/storage"
)

// Unversioned is the version that turns version comparison off.
const Unversioned int64 = -1

// PutOptions carries the per-entry settings of a write.
type PutOptions struct {
	// CreateTime in epoch seconds; zero means now.
	CreateTime int64
	// CustomTTI and CustomTTL override the map lifespans. expiry.UseDefault
	// keeps the map setting and 0 means no limit.
	CustomTTI int64
	CustomTTL int64
}

// PutOption adjusts PutOptions.
type PutOption func(*PutOptions)

// WithCreateTime sets the creation time, in seconds, of a new entry.
func WithCreateTime(sec int64) PutOption {
	return func(o *PutOptions) { o.CreateTime = sec }
}

// WithTTI overrides the time-to-idle of the entry; 0 disables it.
func WithTTI(sec int64) PutOption {
	return func(o *PutOptions) { o.CustomTTI = sec }
}

// WithTTL overrides the time-to-live of the entry; 0 disables it.
func WithTTL(sec int64) PutOption {
	return func(o *PutOptions) { o.CustomTTL = sec }
}

// WithOptions applies a complete PutOptions value.
func WithOptions(opts PutOptions) PutOption {
	return func(o *PutOptions) { *o = opts }
}

func resolveOptions(opts []PutOption) PutOptions {
	o := PutOptions{CustomTTI: expiry.UseDefault, CustomTTL: expiry.UseDefault}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// newEntry builds the entry that will hold value. An unversioned write keeps
// the version of the entry it replaces.
func (m *Map) newEntry(key any, value []byte, o PutOptions, version int64, cur storage.Entry, exists bool) storage.Entry {
	now := m.clock.NowSeconds()
	created := o.CreateTime
	if created <= 0 {
		created = now
	}
	last := now
	if last < created {
		last = created
	}
	if version == Unversioned {
		version = 0
		if exists {
			version = cur.Version
		}
	}
	return storage.Entry{
		Key:          key,
		Value:        m.codec.Encode(value),
		CreateTime:   created,
		LastAccessed: last,
		CustomTTI:    o.CustomTTI,
		CustomTTL:    o.CustomTTL,
		Version:      version,
		Identity:     uuid.New(),
	}
}

// mutate runs fn for key under the map's protocol, after the admission
// throttle, and finishes the side effects of an applied write.
func (m *Map) mutate(ctx context.Context, key any, fn mutateFunc) (result, error) {
	if err := m.usable(); err != nil {
		return result{}, err
	}
	if err := checkKey(key); err != nil {
		return result{}, err
	}

	var identity uuid.UUID
	if cur, ok := m.store.Get(key); ok {
		identity = cur.Identity
	}
	if err := m.throttler.Throttle(ctx, identity); err != nil {
		return result{}, err
	}

	res, err := m.proto.mutate(ctx, m, key, fn)
	if err != nil || !res.applied {
		return res, err
	}

	m.invalidate(key)
	if res.next == nil {
		m.ops.removes.Add(1)
	} else {
		m.ops.puts.Add(1)
	}
	m.publish(ctx, res.rec)
	if res.inserted() {
		m.evictIfNeeded(ctx, res.next.Identity)
	}
	return res, nil
}

// previous decodes the value res replaced.
func (m *Map) previous(res result) ([]byte, bool, error) {
	if !res.existed {
		return nil, false, nil
	}
	v, err := m.codec.Decode(res.prev.Value)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (m *Map) matches(cur storage.Entry, expected []byte) bool {
	v, err := m.codec.Decode(cur.Value)
	if err != nil {
		return false
	}
	return m.compare(v, expected)
}

func (m *Map) put(ctx context.Context, key any, value []byte, version int64, opts []PutOption) (result, error) {
	if err := checkValue(value); err != nil {
		return result{}, err
	}
	o := resolveOptions(opts)
	return m.mutate(ctx, key, func(cur storage.Entry, exists bool) mutation {
		if version != Unversioned && exists && version < cur.Version {
			return mutation{}
		}
		e := m.newEntry(key, value, o, version, cur, exists)
		return mutation{
			apply: true,
			next:  &e,
			value: value,
			cmd:   search.CommandPut,
			blind: version == Unversioned,
		}
	})
}

// Put stores value for key and returns the value it replaced.
//
// The write runs the map's consistency protocol after the admission
// throttle. Once applied it invalidates the local cache, publishes the
// metadata record and, for a new key, trims the shard to its share of the
// cluster-wide count.
//
// Parameters:
//   - key: a literal key
//   - value: never nil
//   - opts: WithTTI, WithTTL and WithCreateTime override the map defaults
//
// Returns:
//   - the previous value and true when key held a live entry
//   - ErrUnsupported, ErrDestroyed, ErrStaleMembership, a transport abort or
//     a schema conflict; nothing is applied on error
//
// Example:
//
//	old, existed, err := m.Put(ctx, 42, []byte("answer"), WithTTL(60))
func (m *Map) Put(ctx context.Context, key any, value []byte, opts ...PutOption) ([]byte, bool, error) {
	res, err := m.put(ctx, key, value, Unversioned, opts)
	if err != nil {
		return nil, false, err
	}
	return m.previous(res)
}

// PutNoReturn stores value for key without decoding the previous value.
func (m *Map) PutNoReturn(ctx context.Context, key any, value []byte, opts ...PutOption) error {
	_, err := m.put(ctx, key, value, Unversioned, opts)
	return err
}

// PutVersioned stores value unless the stored entry carries a higher version.
func (m *Map) PutVersioned(ctx context.Context, key any, value []byte, version int64, opts ...PutOption) error {
	_, err := m.put(ctx, key, value, version, opts)
	return err
}

func (m *Map) putIfAbsent(ctx context.Context, key any, value []byte, version int64, opts []PutOption) ([]byte, bool, error) {
	if err := checkValue(value); err != nil {
		return nil, false, err
	}
	o := resolveOptions(opts)
	res, err := m.mutate(ctx, key, func(cur storage.Entry, exists bool) mutation {
		if exists {
			return mutation{}
		}
		e := m.newEntry(key, value, o, version, cur, exists)
		return mutation{apply: true, next: &e, value: value, cmd: search.CommandPutIfAbsent}
	})
	if err != nil {
		return nil, false, err
	}
	return m.previous(res)
}

// PutIfAbsent stores value only if key is absent. It returns the value
// already present, if any; in that case nothing was written.
func (m *Map) PutIfAbsent(ctx context.Context, key any, value []byte, opts ...PutOption) ([]byte, bool, error) {
	return m.putIfAbsent(ctx, key, value, Unversioned, opts)
}

// PutIfAbsentVersioned is PutIfAbsent stamping version on the new entry.
func (m *Map) PutIfAbsentVersioned(ctx context.Context, key any, value []byte, version int64, opts ...PutOption) ([]byte, bool, error) {
	return m.putIfAbsent(ctx, key, value, version, opts)
}

// Replace stores value only if key is present and returns the old value.
func (m *Map) Replace(ctx context.Context, key any, value []byte, opts ...PutOption) ([]byte, bool, error) {
	if err := checkValue(value); err != nil {
		return nil, false, err
	}
	o := resolveOptions(opts)
	res, err := m.mutate(ctx, key, func(cur storage.Entry, exists bool) mutation {
		if !exists {
			return mutation{}
		}
		e := m.newEntry(key, value, o, Unversioned, cur, exists)
		return mutation{apply: true, next: &e, value: value, cmd: search.CommandReplace}
	})
	if err != nil || !res.applied {
		return nil, false, err
	}
	return m.previous(res)
}

// ReplaceIf stores value only if the current value is equivalent to old
// under the map's Comparator.
func (m *Map) ReplaceIf(ctx context.Context, key any, old, value []byte, opts ...PutOption) (bool, error) {
	if err := checkValue(old); err != nil {
		return false, err
	}
	if err := checkValue(value); err != nil {
		return false, err
	}
	o := resolveOptions(opts)
	res, err := m.mutate(ctx, key, func(cur storage.Entry, exists bool) mutation {
		if !exists || !m.matches(cur, old) {
			return mutation{}
		}
		e := m.newEntry(key, value, o, Unversioned, cur, exists)
		return mutation{apply: true, next: &e, value: value, cmd: search.CommandReplace}
	})
	return res.applied, err
}

func (m *Map) remove(ctx context.Context, key any, cond func(storage.Entry) bool, cmd search.Command) (result, error) {
	return m.mutate(ctx, key, func(cur storage.Entry, exists bool) mutation {
		if !exists || (cond != nil && !cond(cur)) {
			return mutation{}
		}
		return mutation{apply: true, cmd: cmd}
	})
}

// Remove deletes key and returns the value it held.
func (m *Map) Remove(ctx context.Context, key any) ([]byte, bool, error) {
	res, err := m.remove(ctx, key, nil, search.CommandRemove)
	if err != nil || !res.applied {
		return nil, false, err
	}
	return m.previous(res)
}

// RemoveNoReturn deletes key without decoding the old value.
func (m *Map) RemoveNoReturn(ctx context.Context, key any) error {
	_, err := m.remove(ctx, key, nil, search.CommandRemove)
	return err
}

// RemoveIf deletes key only if its value is equivalent to expected.
func (m *Map) RemoveIf(ctx context.Context, key any, expected []byte) (bool, error) {
	if err := checkValue(expected); err != nil {
		return false, err
	}
	res, err := m.remove(ctx, key, func(cur storage.Entry) bool {
		return m.matches(cur, expected)
	}, search.CommandRemoveIfValueEqual)
	return res.applied, err
}

// RemoveVersioned deletes key unless the stored entry carries a higher
// version.
func (m *Map) RemoveVersioned(ctx context.Context, key any, version int64) error {
	var cond func(storage.Entry) bool
	if version != Unversioned {
		cond = func(cur storage.Entry) bool { return cur.Version <= version }
	}
	_, err := m.remove(ctx, key, cond, search.CommandRemove)
	return err
}

// Clear removes every entry of the partition on every holder. It excludes
// every Eventual write and whole-map locked operation while it runs.
func (m *Map) Clear(ctx context.Context) error {
	if err := m.usable(); err != nil {
		return err
	}
	release, err := m.locks.Lock(ctx, m.mapLock, locks.Write)
	if err != nil {
		return err
	}
	defer release()

	rec, err := m.indexer.Prepare(search.CommandClear, nil, nil, uuid.Nil)
	if err != nil {
		return err
	}
	if err := m.commit(ctx, m.clearOp(), m.proto.syncCommit()); err != nil {
		return err
	}
	n := m.store.Clear()
	m.ClearLocalCache()
	m.ops.removes.Add(uint64(n))
	m.publish(ctx, rec)
	return nil
}
