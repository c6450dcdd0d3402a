// Package storage holds the partition state of a shard: the entries, their
// lifetime bookkeeping and the atomic primitives the consistency protocols
// are built on.
//
// # Overview
//
// A shard never touches a Go map directly. It goes through Store, whose
// methods are each atomic on their own. The locked consistency modes wrap
// a read and a write in a per-key lock; the eventual mode has no lock and
// builds multi-step operations from CompareAndSwap and CompareAndDelete.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│            shard.Map                │
//	│  (locked / eventual protocol)       │
//	└─────────────────────────────────────┘
//	         │                   │
//	         ▼                   ▼
//	┌────────────────┐   ┌────────────────┐
//	│     Codec      │   │     Store      │
//	│ snappy, copies │   │  MemoryStore   │
//	└────────────────┘   └────────────────┘
//
// # Entries and Identity
//
// Every stored Entry carries an Identity (a random UUID) that changes
// whenever the entry's value is replaced. Identity is the handle for
// conditional operations:
//   - CompareAndSwap(uuid.Nil, e) inserts only if the key is absent
//   - CompareAndSwap(id, e) replaces only the entry that was read
//   - CompareAndDelete(key, id) removes only the entry that was read
//   - Touch(key, id, now) refreshes the idle timer without a new identity
//
// An entry that expired and was replaced by a fresh put therefore cannot be
// removed by a stale expiry pass: its identity no longer matches.
//
// # Values
//
// Entry.Value holds the stored bytes, which Codec may have compressed with
// snappy. Stored slices are never modified in place, so Get returns a cheap
// snapshot. Whether decoded values are copied is Codec.CopyOnRead.
//
// # Concurrency and Thread Safety
//
// MemoryStore guards its map with a sync.RWMutex:
//   - Get, Keys, Len, Oldest and Stats take the read lock
//   - every mutation takes the write lock for one map operation
//
// No method calls back into caller code while holding the lock.
//
// # Usage Examples
//
//	store := storage.NewMemoryStore()
//	e := storage.Entry{Key: "user:1", Value: codec.Encode(v), Identity: uuid.New()}
//	if !store.CompareAndSwap(uuid.Nil, e) {
//	    // somebody else inserted first
//	}
package storage
