// Package localcache is the near-cache a shard keeps in front of its
// partition. The shard populates it on reads and invalidates it on every
// mutation, expiry and eviction; the cache has no eviction policy of its own.
package localcache

import (
	"sync"

	"github.com/dreamware/shardgrid/internal/keys"
)

// Store is a local read cache keyed by literal keys.
type Store interface {
	Get(key any) ([]byte, bool)
	Put(key any, value []byte)
	Invalidate(key any)
	ClearAll()
	Len() int
}

// MapStore is a Store backed by a plain map.
type MapStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMapStore() *MapStore {
	return &MapStore{data: make(map[string][]byte)}
}

func (s *MapStore) Get(key any) ([]byte, bool) {
	k := keys.Encode(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[k]
	return v, ok
}

// Put keeps value as given; callers hand over a slice they no longer modify.
func (s *MapStore) Put(key any, value []byte) {
	k := keys.Encode(key)
	s.mu.Lock()
	s.data[k] = value
	s.mu.Unlock()
}

func (s *MapStore) Invalidate(key any) {
	k := keys.Encode(key)
	s.mu.Lock()
	delete(s.data, k)
	s.mu.Unlock()
}

func (s *MapStore) ClearAll() {
	s.mu.Lock()
	s.data = make(map[string][]byte)
	s.mu.Unlock()
}

func (s *MapStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
