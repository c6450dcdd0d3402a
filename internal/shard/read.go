package shard

import (
	"bytes"
	"context"

	"github.com/dreamware/shardgrid/internal/locks"
	"github.com/dreamware/shardgrid/internal/storage"
)

// VersionedValue is a value together with the version of the entry that
// held it.
type VersionedValue struct {
	Value   []byte
	Version int64
}

type readMode struct {
	lock  bool // take the protocol's read lock
	touch bool // move the idle timer forward
	cache bool // serve from and fill the local cache
}

// lookup returns the live entry for key, expiring it on the way if its
// lifespan is over.
func (m *Map) lookup(ctx context.Context, key any, mode readMode) (storage.Entry, bool, error) {
	if err := m.usable(); err != nil {
		return storage.Entry{}, false, err
	}
	if err := checkKey(key); err != nil {
		return storage.Entry{}, false, err
	}
	m.ops.gets.Add(1)

	var (
		e  storage.Entry
		ok bool
	)
	if mode.lock {
		release, err := m.proto.readLock(ctx, m, key)
		if err != nil {
			return storage.Entry{}, false, err
		}
		e, ok = m.store.Get(key)
		release()
	} else {
		e, ok = m.store.Get(key)
	}
	if !ok {
		return storage.Entry{}, false, nil
	}

	now := m.clock.NowSeconds()
	stamp := e.Stamp()
	if m.policy.Expired(stamp, now) {
		// a caller holding only a read lock would deadlock on its own lock
		if !locks.HeldRead(ctx, m.strategy.IDFor(key)) {
			m.expire(ctx, e)
		}
		return storage.Entry{}, false, nil
	}
	if mode.touch && m.policy.ShouldTouch(stamp, now) && m.store.Touch(key, e.Identity, now) {
		e.LastAccessed = now
	}
	return e, true, nil
}

func (m *Map) cached(key any) ([]byte, bool) {
	if m.cache == nil {
		return nil, false
	}
	v, ok := m.cache.Get(key)
	m.metrics.LocalCacheLookup(ok)
	if ok && m.codec.CopyOnRead {
		v = bytes.Clone(v)
	}
	return v, ok
}

// decode returns the caller view of e. Entries that can expire are never
// cached locally, so a cache hit never outlives its entry.
func (m *Map) decode(key any, e storage.Entry, fill bool) ([]byte, error) {
	v, err := m.codec.Decode(e.Value)
	if err != nil {
		return nil, err
	}
	if fill && m.cache != nil && !m.policy.Enabled(e.Stamp()) {
		m.cache.Put(key, bytes.Clone(v))
		// a writer that got in after our read has invalidated already or
		// is visible now
		if cur, ok := m.store.Get(key); !ok || cur.Identity != e.Identity {
			m.cache.Invalidate(key)
		}
	}
	return v, nil
}

func (m *Map) get(ctx context.Context, key any, mode readMode) ([]byte, bool, error) {
	if mode.cache {
		if err := m.usable(); err != nil {
			return nil, false, err
		}
		if err := checkKey(key); err != nil {
			return nil, false, err
		}
		if v, ok := m.cached(key); ok {
			return v, true, nil
		}
	}
	e, ok, err := m.lookup(ctx, key, mode)
	if err != nil || !ok {
		return nil, false, err
	}
	v, err := m.decode(key, e, mode.cache)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Get returns the value of key.
func (m *Map) Get(ctx context.Context, key any) ([]byte, bool, error) {
	return m.get(ctx, key, readMode{lock: true, touch: true, cache: true})
}

// GetQuiet is Get without moving the idle timer.
func (m *Map) GetQuiet(ctx context.Context, key any) ([]byte, bool, error) {
	return m.get(ctx, key, readMode{lock: true, cache: true})
}

// UnlockedGet reads without taking the read lock. quiet leaves the idle timer
// alone.
func (m *Map) UnlockedGet(ctx context.Context, key any, quiet bool) ([]byte, bool, error) {
	return m.get(ctx, key, readMode{touch: !quiet, cache: true})
}

// CheckAndGetNonExpired reads key for a bulk operation whose caller already
// holds the locks it needs. It expires the entry if due and skips the local
// cache.
func (m *Map) CheckAndGetNonExpired(ctx context.Context, key any) ([]byte, bool, error) {
	return m.get(ctx, key, readMode{touch: true})
}

// UnsafeLocalGet consults only the local cache. It never blocks and never
// reaches the partition.
func (m *Map) UnsafeLocalGet(key any) ([]byte, bool) {
	if m.destroyed.Load() {
		return nil, false
	}
	return m.cached(key)
}

// ContainsKey reports whether key has a live entry. It does not move the idle
// timer.
func (m *Map) ContainsKey(ctx context.Context, key any) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	if _, ok := m.UnsafeLocalGet(key); ok {
		return true, nil
	}
	_, ok, err := m.lookup(ctx, key, readMode{lock: true})
	return ok, err
}

// GetVersioned returns the value of key with its version. Both come from the
// same entry.
func (m *Map) GetVersioned(ctx context.Context, key any) (VersionedValue, bool, error) {
	e, ok, err := m.lookup(ctx, key, readMode{lock: true, touch: true})
	if err != nil || !ok {
		return VersionedValue{}, false, err
	}
	v, err := m.decode(key, e, false)
	if err != nil {
		return VersionedValue{}, false, err
	}
	return VersionedValue{Value: v, Version: e.Version}, true, nil
}
