package cluster

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dreamware/shardgrid/internal/keys"
)

var (
	// ErrInvalidShard is returned for shard IDs outside [0, NumShards).
	ErrInvalidShard = errors.New("invalid shard id")
	// ErrNoNodes is returned when rebalancing onto an empty node list.
	ErrNoNodes = errors.New("no nodes to assign shards to")
	// ErrUnassigned is returned when a shard has no owner.
	ErrUnassigned = errors.New("shard is not assigned")
)

// ShardAssignment records which nodes hold a shard.
//
// The primary serves locked writes for the shard; replicas receive the
// logical ops the primary commits. Assignments returned by the registry are
// copies and may be kept by callers.
type ShardAssignment struct {
	// NodeID is the primary holder.
	NodeID string

	// Replicas lists the other holders, primary excluded.
	Replicas []string

	// ShardID is in [0, numShards).
	ShardID int
}

// Nodes returns the primary followed by the replicas.
func (a *ShardAssignment) Nodes() []string {
	out := make([]string, 0, 1+len(a.Replicas))
	out = append(out, a.NodeID)
	return append(out, a.Replicas...)
}

func (a *ShardAssignment) clone() *ShardAssignment {
	return &ShardAssignment{
		ShardID:  a.ShardID,
		NodeID:   a.NodeID,
		Replicas: append([]string(nil), a.Replicas...),
	}
}

// ShardRegistry maps shards to the nodes holding them.
//
// Keys are routed with the same function the aggregate map uses, so the
// registry can answer "which nodes hold this key" without asking anyone:
//
//	┌─────────────────────────────────────┐
//	│         ShardRegistry               │
//	├─────────────────────────────────────┤
//	│  assignments: map[shardID]→nodes    │
//	│  numShards: total shard count       │
//	├─────────────────────────────────────┤
//	│  Key → xxhash → Shard → Nodes       │
//	│  "user:123" → 0x1a2b → 5 → [n2,n3]  │
//	└─────────────────────────────────────┘
//
// Thread Safety:
// All methods are safe for concurrent use. Reads take a shared lock.
type ShardRegistry struct {
	assignments map[int]*ShardAssignment
	mu          sync.RWMutex
	numShards   int
}

// NewShardRegistry creates a registry for numShards shards, all unassigned.
//
// Example:
//
//	registry := NewShardRegistry(8)
//	registry.RebalanceShards([]string{"node-1", "node-2"}, 1)
func NewShardRegistry(numShards int) *ShardRegistry {
	return &ShardRegistry{
		assignments: make(map[int]*ShardAssignment),
		numShards:   numShards,
	}
}

// AssignShard makes nodeID the primary of shardID with the given replicas.
//
// Returns:
//   - ErrInvalidShard if shardID is out of range
//   - an error if nodeID is empty
func (r *ShardRegistry) AssignShard(shardID int, nodeID string, replicas ...string) error {
	if shardID < 0 || shardID >= r.numShards {
		return fmt.Errorf("%w: %d, must be in range [0, %d)", ErrInvalidShard, shardID, r.numShards)
	}
	if nodeID == "" {
		return errors.New("node ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.assignments[shardID] = &ShardAssignment{
		ShardID:  shardID,
		NodeID:   nodeID,
		Replicas: append([]string(nil), replicas...),
	}
	return nil
}

// RemoveShard drops the assignment of shardID. Removing an unassigned shard
// is not an error.
func (r *ShardRegistry) RemoveShard(shardID int) error {
	if shardID < 0 || shardID >= r.numShards {
		return fmt.Errorf("%w: %d, must be in range [0, %d)", ErrInvalidShard, shardID, r.numShards)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.assignments, shardID)
	return nil
}

// GetAssignment returns a copy of the assignment of shardID, or nil.
func (r *ShardRegistry) GetAssignment(shardID int) *ShardAssignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a := r.assignments[shardID]
	if a == nil {
		return nil
	}
	return a.clone()
}

// GetAllAssignments returns copies of every assignment, in no order.
func (r *ShardRegistry) GetAllAssignments() []*ShardAssignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ShardAssignment, 0, len(r.assignments))
	for _, a := range r.assignments {
		out = append(out, a.clone())
	}
	return out
}

// GetShardForKey routes key to a shard. The result depends only on the key
// and the shard count, so every node computes the same answer.
func (r *ShardRegistry) GetShardForKey(key any) int {
	return int(keys.Hash(key) % uint64(r.numShards))
}

// NodesForShard returns the holders of shardID, primary first.
func (r *ShardRegistry) NodesForShard(shardID int) ([]string, error) {
	r.mu.RLock()
	a := r.assignments[shardID]
	r.mu.RUnlock()

	if a == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnassigned, shardID)
	}
	return a.Nodes(), nil
}

// GetNodeShards returns the shards nodeID holds as primary or replica.
func (r *ShardRegistry) GetNodeShards(nodeID string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var shards []int
	for shardID, a := range r.assignments {
		for _, n := range a.Nodes() {
			if n == nodeID {
				shards = append(shards, shardID)
				break
			}
		}
	}
	return shards
}

// NumShards returns the fixed shard count.
func (r *ShardRegistry) NumShards() int {
	return r.numShards
}

// RebalanceShards spreads every shard round-robin over nodes. Shard i gets
// nodes[i%n] as primary and the next replicas nodes as replicas, capped at
// n-1 so a node never replicates its own shard.
func (r *ShardRegistry) RebalanceShards(nodes []string, replicas int) error {
	if len(nodes) == 0 {
		return ErrNoNodes
	}
	if replicas > len(nodes)-1 {
		replicas = len(nodes) - 1
	}
	if replicas < 0 {
		replicas = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for shardID := 0; shardID < r.numShards; shardID++ {
		a := &ShardAssignment{ShardID: shardID, NodeID: nodes[shardID%len(nodes)]}
		for i := 1; i <= replicas; i++ {
			a.Replicas = append(a.Replicas, nodes[(shardID+i)%len(nodes)])
		}
		r.assignments[shardID] = a
	}
	return nil
}
