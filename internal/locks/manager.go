package locks

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrUpgrade is returned when a scope holding a read lock asks for a write
// lock on the same ID. Upgrading in place would deadlock against other readers.
var ErrUpgrade = errors.New("cannot upgrade a held read lock")

// Type is the mode a lock is taken in.
type Type uint8

const (
	// Read is shared with other readers, exclusive with writers.
	Read Type = iota + 1
	// Write is exclusive.
	Write
	// SynchronousWrite is exclusive; the holder also waits for durable
	// acknowledgement of its commit before releasing.
	SynchronousWrite
	// Concurrent is a shared slot that only excludes writers on the same ID.
	Concurrent
)

func (t Type) String() string {
	switch t {
	case Read:
		return "read"
	case Write:
		return "write"
	case SynchronousWrite:
		return "synchronous-write"
	case Concurrent:
		return "concurrent"
	}
	return "unknown"
}

// Exclusive reports whether the type excludes every other holder.
func (t Type) Exclusive() bool {
	return t == Write || t == SynchronousWrite
}

// covers reports whether holding t already grants want.
func (t Type) covers(want Type) bool {
	if t.Exclusive() {
		return true
	}
	return t == want
}

// exclusiveWeight is the semaphore weight of an exclusive holder. Shared
// holders take a weight of one, so up to exclusiveWeight of them fit at once.
const exclusiveWeight = 1 << 30

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// Manager hands out reader/writer locks keyed by ID.
//
// Each ID is backed by a weighted semaphore: shared holders acquire one unit,
// exclusive holders acquire the full weight. The semaphore queues waiters in
// FIFO order, so a waiting writer is not starved by a stream of readers, and
// acquisition honours context cancellation.
//
// Entries are reference counted and dropped once no goroutine holds or waits
// for them, keeping memory proportional to contended keys.
type Manager struct {
	mu    sync.Mutex
	locks map[ID]*lockEntry
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	return &Manager{locks: make(map[ID]*lockEntry)}
}

// Lock acquires id in mode t and returns the function that releases it.
//
// When ctx carries a Scope that already holds id in a mode covering t, Lock
// returns immediately with a no-op release. A held read lock cannot be
// upgraded: that case fails with ErrUpgrade.
//
// Lock blocks until the lock is granted or ctx is done.
func (m *Manager) Lock(ctx context.Context, id ID, t Type) (func(), error) {
	if held, ok := Held(ctx, id); ok {
		if held.covers(t) {
			return func() {}, nil
		}
		if held == Read && t.Exclusive() {
			return nil, ErrUpgrade
		}
	}

	e := m.ref(id)
	weight := int64(1)
	if t.Exclusive() {
		weight = exclusiveWeight
	}
	if err := e.sem.Acquire(ctx, weight); err != nil {
		m.unref(id, e)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(weight)
			m.unref(id, e)
		})
	}, nil
}

// TryLock acquires id in mode t without blocking.
func (m *Manager) TryLock(id ID, t Type) (func(), bool) {
	e := m.ref(id)
	weight := int64(1)
	if t.Exclusive() {
		weight = exclusiveWeight
	}
	if !e.sem.TryAcquire(weight) {
		m.unref(id, e)
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(weight)
			m.unref(id, e)
		})
	}, true
}

// Len returns the number of IDs currently held or waited on.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *Manager) ref(id ID) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[id]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(exclusiveWeight)}
		m.locks[id] = e
	}
	e.refs++
	return e
}

func (m *Manager) unref(id ID, e *lockEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, id)
	}
}
