// Package aggregate routes map operations to the shard that owns each key and
// fans whole-map operations out over every shard.
//
// # Routing
//
// A key belongs to shard hash(key) mod shardCount. The hash is the xxhash of
// the key's canonical encoding, so every node computes the same owner without
// asking anyone. The shard array is an immutable snapshot behind an atomic
// pointer; it only changes on a rejoin, and then wholesale:
//
//	RejoinStarted                      RejoinCompleted
//	     │                                    │
//	     ▼                                    ▼
//	mark shards stale ── new calls wait ── resolve new shards,
//	(in-flight calls fail                  hand over local caches,
//	 with ErrStaleMembership)              swap snapshot, open gate
//
// # Bulk operations
//
// Under Strong and SynchronousStrong consistency PutAll, RemoveAll and GetAll
// go key by key through the locked path. Under Eventual the keys are ordered
// by shard and cut into batches whose estimated size reaches the byte budget
// (the entry that crosses the budget closes its batch). Each batch runs under
// one shared Concurrent lock on the map, released before the next batch.
// Batches are a resource bound, not a unit of atomicity.
//
// GetAll is lazy: the requested keys are split in fixed-size groups and a
// group is fetched the first time one of its keys is read or the iteration
// reaches it.
package aggregate
