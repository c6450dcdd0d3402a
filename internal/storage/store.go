package storage

import (
	"sync"

	"github.com/dreamware/shardgrid/internal/expiry"
	"github.com/dreamware/shardgrid/internal/keys"
	"github.com/google/uuid"
)

// Entry is one key/value pair with its lifetime bookkeeping.
// Value holds the stored (possibly compressed) bytes; stores never modify it
// in place, so snapshots may share it.
type Entry struct {
	Key          any
	Value        []byte
	CreateTime   int64
	LastAccessed int64
	CustomTTI    int64
	CustomTTL    int64
	Version      int64
	Identity     uuid.UUID
}

// Stamp returns the expiry view of the entry.
func (e Entry) Stamp() expiry.Stamp {
	return expiry.Stamp{
		CreateTime:   e.CreateTime,
		LastAccessed: e.LastAccessed,
		CustomTTI:    e.CustomTTI,
		CustomTTL:    e.CustomTTL,
	}
}

// Store is the state of one partition.
// All implementations must be safe for concurrent use, and every method must
// be atomic with respect to the others.
type Store interface {
	// Get returns a snapshot of the entry for key.
	Get(key any) (Entry, bool)

	// Put stores e unconditionally and returns the entry it replaced.
	Put(e Entry) (prev Entry, existed bool)

	// PutIfAbsent stores e only if its key is absent. It returns the entry
	// present after the call and whether e was stored.
	PutIfAbsent(e Entry) (cur Entry, stored bool)

	// CompareAndSwap stores e only if the current entry of e.Key has the
	// identity expect. uuid.Nil expects the key to be absent.
	CompareAndSwap(expect uuid.UUID, e Entry) bool

	// CompareAndDelete removes key only if its entry has the identity expect.
	CompareAndDelete(key any, expect uuid.UUID) (Entry, bool)

	// Delete removes key and returns the removed entry.
	Delete(key any) (Entry, bool)

	// Touch moves the idle timer of key forward to at, provided the entry
	// still has the given identity.
	Touch(key any, identity uuid.UUID, at int64) bool

	// Keys returns the keys present, in no particular order.
	Keys() []any

	// Len returns the number of entries.
	Len() int

	// Clear removes every entry and returns how many were removed.
	Clear() int

	// Oldest returns the least recently accessed entry among a sample of up
	// to n entries, skipping the entry whose identity is exclude.
	Oldest(n int, exclude uuid.UUID) (Entry, bool)

	// Stats returns storage statistics.
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys  int // Number of entries
	Bytes int // Total size of all stored values in bytes
}

// MemoryStore implements Store with a map guarded by a sync.RWMutex.
// Keys are indexed by their canonical encoding so equal literal keys of
// different widths land on the same entry.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Entry
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Entry),
	}
}

func (m *MemoryStore) Get(key any) (Entry, bool) {
	k := keys.Encode(key)

	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.data[k]
	return e, ok
}

func (m *MemoryStore) Put(e Entry) (Entry, bool) {
	k := keys.Encode(e.Key)

	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.data[k]
	m.data[k] = e
	return prev, ok
}

func (m *MemoryStore) PutIfAbsent(e Entry) (Entry, bool) {
	k := keys.Encode(e.Key)

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.data[k]; ok {
		return cur, false
	}
	m.data[k] = e
	return e, true
}

func (m *MemoryStore) CompareAndSwap(expect uuid.UUID, e Entry) bool {
	k := keys.Encode(e.Key)

	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data[k]
	switch {
	case expect == uuid.Nil && ok:
		return false
	case expect != uuid.Nil && (!ok || cur.Identity != expect):
		return false
	}
	m.data[k] = e
	return true
}

func (m *MemoryStore) CompareAndDelete(key any, expect uuid.UUID) (Entry, bool) {
	k := keys.Encode(key)

	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data[k]
	if !ok || cur.Identity != expect {
		return Entry{}, false
	}
	delete(m.data, k)
	return cur, true
}

// Delete is idempotent: deleting an absent key reports false.
func (m *MemoryStore) Delete(key any) (Entry, bool) {
	k := keys.Encode(key)

	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data[k]
	if ok {
		delete(m.data, k)
	}
	return cur, ok
}

func (m *MemoryStore) Touch(key any, identity uuid.UUID, at int64) bool {
	k := keys.Encode(key)

	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data[k]
	if !ok || cur.Identity != identity || at <= cur.LastAccessed {
		return false
	}
	cur.LastAccessed = at
	m.data[k] = cur
	return true
}

func (m *MemoryStore) Keys() []any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]any, 0, len(m.data))
	for _, e := range m.data {
		out = append(out, e.Key)
	}
	return out
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *MemoryStore) Clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.data)
	m.data = make(map[string]Entry)
	return n
}

// Oldest relies on randomized map iteration for its sample.
func (m *MemoryStore) Oldest(n int, exclude uuid.UUID) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		oldest Entry
		found  bool
		seen   int
	)
	for _, e := range m.data {
		if seen >= n {
			break
		}
		if e.Identity == exclude {
			continue
		}
		seen++
		if !found || e.LastAccessed < oldest.LastAccessed {
			oldest, found = e, true
		}
	}
	return oldest, found
}

func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalBytes := 0
	for _, e := range m.data {
		totalBytes += len(e.Value)
	}

	return StoreStats{
		Keys:  len(m.data),
		Bytes: totalBytes,
	}
}
