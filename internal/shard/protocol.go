package shard

import (
	"context"

	"github.com/google/uuid"

	"github.com/dreamware/shardgrid/internal/locks"
	"github.com/dreamware/shardgrid/internal/retry"
	"github.com/dreamware/shardgrid/internal/search"
	"github.com/dreamware/shardgrid/internal/storage"
)

// mutation is what a mutateFunc decides after looking at the current entry.
type mutation struct {
	apply bool
	// next is the entry to store; nil removes the key.
	next *storage.Entry
	// value is the caller's value, handed to the attribute extractor.
	value []byte
	cmd   search.Command
	// blind marks writes whose outcome does not depend on the current entry.
	// Eventual maps apply them with a plain store write.
	blind bool
}

type mutateFunc func(cur storage.Entry, exists bool) mutation

type result struct {
	prev    storage.Entry
	existed bool
	applied bool
	next    *storage.Entry
	rec     *search.Record
}

func (r result) inserted() bool {
	return r.applied && !r.existed && r.next != nil
}

// protocol is the per-consistency way of running operations.
type protocol interface {
	// readLock guards a read of key.
	readLock(ctx context.Context, m *Map, key any) (func(), error)
	// writeLock guards a single-step write of key, such as an expiry.
	writeLock(ctx context.Context, m *Map, key any) (func(), error)
	mutate(ctx context.Context, m *Map, key any, fn mutateFunc) (result, error)
	syncCommit() bool
}

func protocolFor(c Consistency) protocol {
	switch c {
	case SynchronousStrong:
		return lockedProtocol{lockType: locks.SynchronousWrite, sync: true}
	case Eventual:
		return eventualProtocol{}
	default:
		return lockedProtocol{lockType: locks.Write}
	}
}

// lockedProtocol serializes every operation on a key through the lock
// manager.
type lockedProtocol struct {
	lockType locks.Type
	sync     bool
}

func (p lockedProtocol) readLock(ctx context.Context, m *Map, key any) (func(), error) {
	return m.locks.Lock(ctx, m.strategy.IDFor(key), locks.Read)
}

func (p lockedProtocol) writeLock(ctx context.Context, m *Map, key any) (func(), error) {
	return m.locks.Lock(ctx, m.strategy.IDFor(key), p.lockType)
}

func (p lockedProtocol) syncCommit() bool { return p.sync }

func (p lockedProtocol) mutate(ctx context.Context, m *Map, key any, fn mutateFunc) (result, error) {
	release, err := p.writeLock(ctx, m, key)
	if err != nil {
		return result{}, err
	}
	defer release()
	if err := m.usable(); err != nil {
		return result{}, err
	}

	cur, ok := m.store.Get(key)
	if ok && m.policy.Expired(cur.Stamp(), m.clock.NowSeconds()) {
		m.expireEntry(ctx, cur)
		cur, ok = storage.Entry{}, false
	}

	res := result{prev: cur, existed: ok}
	mu := fn(cur, ok)
	if !mu.apply {
		return res, nil
	}
	rec, err := m.prepare(key, mu, cur)
	if err != nil {
		return res, err
	}
	if err := m.commit(ctx, m.opFor(key, mu.next, cur), p.sync); err != nil {
		return res, err
	}
	if mu.next == nil {
		m.store.Delete(key)
	} else {
		m.store.Put(*mu.next)
	}
	res.applied, res.next, res.rec = true, mu.next, rec
	return res, nil
}

// eventualProtocol runs without per-key locks. Writes share a Concurrent
// section on the whole map, which only Clear and Destroy exclude.
type eventualProtocol struct{}

func (eventualProtocol) escalated() lockedProtocol {
	return lockedProtocol{lockType: locks.Write}
}

func (p eventualProtocol) readLock(ctx context.Context, m *Map, key any) (func(), error) {
	if locks.Explicit(ctx) {
		return p.escalated().readLock(ctx, m, key)
	}
	return func() {}, nil
}

func (p eventualProtocol) writeLock(ctx context.Context, m *Map, key any) (func(), error) {
	if locks.Explicit(ctx) {
		return p.escalated().writeLock(ctx, m, key)
	}
	return m.locks.Lock(ctx, m.mapLock, locks.Concurrent)
}

func (eventualProtocol) syncCommit() bool { return false }

func (p eventualProtocol) mutate(ctx context.Context, m *Map, key any, fn mutateFunc) (result, error) {
	if locks.Explicit(ctx) {
		return p.escalated().mutate(ctx, m, key, fn)
	}
	release, err := m.locks.Lock(ctx, m.mapLock, locks.Concurrent)
	if err != nil {
		return result{}, err
	}
	defer release()
	if err := m.usable(); err != nil {
		return result{}, err
	}

	var res result
	attempts, err := retry.Do(ctx, m.retry, m.live, m.logger, func(int) (bool, error) {
		cur, ok := m.store.Get(key)
		if ok && m.policy.Expired(cur.Stamp(), m.clock.NowSeconds()) {
			m.expireEntry(ctx, cur)
			cur, ok = storage.Entry{}, false
		}

		res = result{prev: cur, existed: ok}
		mu := fn(cur, ok)
		if !mu.apply {
			return true, nil
		}
		rec, err := m.prepare(key, mu, cur)
		if err != nil {
			return false, err
		}

		switch {
		case mu.next == nil:
			if !ok {
				return true, nil
			}
			if _, removed := m.store.CompareAndDelete(key, cur.Identity); !removed {
				return false, nil
			}
		case mu.blind:
			res.prev, res.existed = m.store.Put(*mu.next)
			if res.existed && m.policy.Expired(res.prev.Stamp(), m.clock.NowSeconds()) {
				res.prev, res.existed = storage.Entry{}, false
			}
		default:
			expect := uuid.Nil
			if ok {
				expect = cur.Identity
			}
			if !m.store.CompareAndSwap(expect, *mu.next) {
				return false, nil
			}
		}
		res.applied, res.next, res.rec = true, mu.next, rec
		return true, nil
	})
	m.metrics.AddRetries(attempts - 1)
	if err != nil || !res.applied {
		return res, err
	}

	if err := m.commit(ctx, m.opFor(key, res.next, res.prev), false); err != nil {
		m.rollback(key, res)
		return result{prev: res.prev, existed: res.existed}, err
	}
	return res, nil
}

// rollback undoes an applied eventual write whose commit failed, unless the
// entry has changed again since.
func (m *Map) rollback(key any, res result) {
	switch {
	case res.next == nil:
		m.store.CompareAndSwap(uuid.Nil, res.prev)
	case res.existed:
		m.store.CompareAndSwap(res.next.Identity, res.prev)
	default:
		m.store.CompareAndDelete(key, res.next.Identity)
	}
}
