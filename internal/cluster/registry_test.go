package cluster

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slices"
)

// TestNewShardRegistry tests creation of shard registry
func TestNewShardRegistry(t *testing.T) {
	for _, n := range []int{1, 4, 100} {
		t.Run(fmt.Sprintf("%d shards", n), func(t *testing.T) {
			registry := NewShardRegistry(n)
			assert.Equal(t, n, registry.NumShards())
			assert.Empty(t, registry.GetAllAssignments())
		})
	}
}

func TestAssignShard(t *testing.T) {
	registry := NewShardRegistry(4)

	require.NoError(t, registry.AssignShard(0, "node1", "node2"))
	a := registry.GetAssignment(0)
	require.NotNil(t, a)
	assert.Equal(t, "node1", a.NodeID)
	assert.Equal(t, []string{"node1", "node2"}, a.Nodes())

	// returned assignments are copies
	a.Replicas[0] = "mutated"
	assert.Equal(t, []string{"node2"}, registry.GetAssignment(0).Replicas)

	err := registry.AssignShard(4, "node1")
	assert.True(t, errors.Is(err, ErrInvalidShard))
	assert.Error(t, registry.AssignShard(1, ""))

	require.NoError(t, registry.RemoveShard(0))
	assert.Nil(t, registry.GetAssignment(0))
	assert.True(t, errors.Is(registry.RemoveShard(-1), ErrInvalidShard))

	_, err = registry.NodesForShard(0)
	assert.True(t, errors.Is(err, ErrUnassigned))
}

func TestGetShardForKey(t *testing.T) {
	registry := NewShardRegistry(16)

	for _, k := range []any{"user:1", "user:2", 42, uint8(3), 1.5} {
		shard := registry.GetShardForKey(k)
		assert.GreaterOrEqual(t, shard, 0)
		assert.Less(t, shard, 16)
		for i := 0; i < 10; i++ {
			assert.Equal(t, shard, registry.GetShardForKey(k), "routing must be stable")
		}
	}
	assert.Equal(t, registry.GetShardForKey(int64(42)), registry.GetShardForKey(int8(42)))
}

func TestRebalanceShards(t *testing.T) {
	registry := NewShardRegistry(6)
	nodes := []string{"n1", "n2", "n3"}

	require.NoError(t, registry.RebalanceShards(nodes, 1))
	assert.Len(t, registry.GetAllAssignments(), 6)

	holders, err := registry.NodesForShard(1)
	require.NoError(t, err)
	assert.Equal(t, []string{"n2", "n3"}, holders)

	holders, err = registry.NodesForShard(2)
	require.NoError(t, err)
	assert.Equal(t, []string{"n3", "n1"}, holders)

	shards := registry.GetNodeShards("n1")
	slices.Sort(shards)
	assert.Equal(t, []int{0, 2, 3, 5}, shards)

	// replica count is capped so nodes never hold a shard twice
	require.NoError(t, registry.RebalanceShards([]string{"solo"}, 3))
	assert.Empty(t, registry.GetAssignment(0).Replicas)

	assert.True(t, errors.Is(registry.RebalanceShards(nil, 0), ErrNoNodes))
}

func TestRegistryConcurrentAccess(t *testing.T) {
	registry := NewShardRegistry(32)
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for s := 0; s < 32; s++ {
				_ = registry.AssignShard(s, fmt.Sprintf("node-%d", i))
			}
		}(i)
		go func() {
			defer wg.Done()
			for s := 0; s < 32; s++ {
				_ = registry.GetAssignment(s)
				_ = registry.GetNodeShards("node-1")
			}
		}()
	}
	wg.Wait()

	assert.Len(t, registry.GetAllAssignments(), 32)
}
