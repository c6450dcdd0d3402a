// Package shard implements one partition of a distributed map: the unit that
// stores entries, enforces the map's consistency level, evaluates entry
// lifespans and keeps its local read cache coherent.
//
// # Overview
//
// A Map owns a subset of the key space, selected by the aggregate layer with
// hash(key) mod shardCount. Every operation runs against the partition's
// storage under the protocol of the map's Consistency, which is fixed when
// the Map is built. Mutations are committed to the rest of the cluster
// through a cluster.Transport; reads are served locally.
//
// # Architecture
//
//	┌───────────────────────────────────────────────┐
//	│                  shard.Map                    │
//	├───────────────────────────────────────────────┤
//	│  throttle ──► protocol ──► storage.Store      │
//	│                  │              │             │
//	│                  ▼              ▼             │
//	│          locks.Manager    expiry.Policy       │
//	│                  │                            │
//	│                  ▼                            │
//	│       cluster.Transport (commit)              │
//	│                                               │
//	│  side effects: search.Indexer, localcache,    │
//	│                listeners, metrics             │
//	└───────────────────────────────────────────────┘
//
// # Consistency
//
// Each Consistency has its own protocol object:
//
//   - Strong: reads take a Read lock and mutations a Write lock on the ID the
//     lock strategy assigns to the key. The op is committed before the local
//     store changes, while the lock is held.
//   - SynchronousStrong: like Strong, but mutations take a SynchronousWrite
//     lock and the commit waits for every holder to acknowledge it.
//   - Eventual: no per-key lock. Mutations run inside a shared Concurrent
//     section on the whole map, and conditional ones use an optimistic
//     compare-and-swap loop on the entry identity. Inside an explicit lock
//     section (locks.WithScope) an Eventual map behaves like Strong.
//
// # Expiration
//
// Lifespans are checked lazily. A read that finds an expired entry removes it
// (unless the caller holds only a read lock on the key), commits an expire op,
// emits an EXPIRE record and notifies the listeners. Non-quiet reads move the
// idle timer forward only once the configured fraction of the TTI window has
// passed since the last move.
//
// # Versioning
//
// PutVersioned, PutIfAbsentVersioned and RemoveVersioned compare an explicit
// version instead of arrival order. A write carrying a version lower than the
// stored one is ignored. Unversioned turns the comparison off.
//
// # Errors
//
// Not-found is reported with a boolean, never an error. Failures are:
//
//   - ErrUnsupported: non-literal key or nil value.
//   - cluster.ErrAborted: the commit could not complete; state is unchanged.
//   - search.ErrSchemaConflict: attribute type conflict; state is unchanged.
//   - ErrStaleMembership: the Map was replaced by a rejoin.
//   - ErrDestroyed: the Map was destroyed or disposed.
//
// # Thread Safety
//
// All Map methods are safe for concurrent use.
package shard
