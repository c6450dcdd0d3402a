// Package cluster is the map engine's view of the rest of the grid: the
// transport that ships logical ops to the other holders of a shard, the
// registry of which nodes hold which shard, and the health monitor whose
// liveness signal bounds optimistic retries and triggers rejoin.
//
// # Overview
//
// The engine never implements replication itself. Every mutation of a shard
// becomes one LogicalOp (put, remove, expire or clear) handed to a
// Transport. The transport either succeeds or reports an error wrapping
// ErrAborted, which the non-stop layer turns into a local fallback.
//
// # Architecture
//
//	┌──────────────┐  Commit(op)   ┌──────────────────┐
//	│  shard.Map   │ ─────────────▶│    Transport     │
//	└──────────────┘               ├──────────────────┤
//	                               │ Loopback         │ in-process, tests
//	                               │ HTTPTransport    │ POST /replicate
//	                               └──────────────────┘
//	                                        │
//	                     ┌──────────────────┼──────────────────┐
//	                     ▼                  ▼                  ▼
//	               ┌──────────┐       ┌──────────┐       ┌──────────┐
//	               │  Node 1  │       │  Node 2  │       │  Node 3  │
//	               └──────────┘       └──────────┘       └──────────┘
//
// # Communication Protocol
//
// The package uses HTTP/JSON for all inter-node communication:
//
// Replication (POST /replicate):
//   - Body is a ReplicateRequest carrying one LogicalOp
//   - Keys travel in their canonical encoding (see package keys)
//   - Values travel as the stored bytes, compressed or not
//   - Synchronous ops wait for every peer; others are sent in the background
//
// Health Checking (GET /health):
//   - Probed by HealthMonitor on a fixed interval
//   - Three consecutive failures mark a peer unhealthy
//   - The first success after that marks it recovered
//
// # Consistency Barrier
//
// WaitForInFlight blocks until every op committed so far has settled. The
// aggregate map calls it before counting entries so the size reflects the
// writes that returned before the call.
//
// # Thread Safety
//
// Every exported type in this package is safe for concurrent use.
package cluster
