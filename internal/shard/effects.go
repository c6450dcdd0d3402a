package shard

import (
	"context"

	"github.com/google/uuid"

	"github.com/dreamware/shardgrid/internal/cluster"
	"github.com/dreamware/shardgrid/internal/keys"
	"github.com/dreamware/shardgrid/internal/search"
	"github.com/dreamware/shardgrid/internal/storage"
)

const (
	// evictionSample is how many entries Oldest looks at per eviction.
	evictionSample = 8
	// evictionRounds bounds one eviction pass when victims keep changing.
	evictionRounds = 64
)

func (m *Map) commit(ctx context.Context, op cluster.LogicalOp, sync bool) error {
	op.Sync = sync
	return m.transport.Commit(ctx, op)
}

// opFor describes the write that replaces cur with next, or removes cur when
// next is nil.
func (m *Map) opFor(key any, next *storage.Entry, cur storage.Entry) cluster.LogicalOp {
	op := cluster.LogicalOp{
		Map:   m.name,
		Shard: m.index,
		Key:   keys.Encode(key),
	}
	if next == nil {
		op.Kind = cluster.OpRemove
		op.Identity = cur.Identity
		op.Version = cur.Version
		return op
	}
	op.Kind = cluster.OpPut
	op.Value = next.Value
	op.Version = next.Version
	op.CreateTime = next.CreateTime
	op.CustomTTI = next.CustomTTI
	op.CustomTTL = next.CustomTTL
	op.Identity = next.Identity
	return op
}

func (m *Map) clearOp() cluster.LogicalOp {
	return cluster.LogicalOp{Kind: cluster.OpClear, Map: m.name, Shard: m.index}
}

func (m *Map) prepare(key any, mu mutation, cur storage.Entry) (*search.Record, error) {
	identity := cur.Identity
	if mu.next != nil {
		identity = mu.next.Identity
	}
	return m.indexer.Prepare(mu.cmd, key, mu.value, identity)
}

func (m *Map) publish(ctx context.Context, rec *search.Record) {
	if err := m.indexer.Publish(ctx, rec); err != nil {
		m.logger.Warn().Err(err).Str("command", string(rec.Command)).Msg("metadata sink rejected record")
	}
}

func (m *Map) invalidate(key any) {
	if m.cache != nil {
		m.cache.Invalidate(key)
	}
}

// expire takes the write lock for e and removes it if it is still the same
// entry.
func (m *Map) expire(ctx context.Context, e storage.Entry) {
	release, err := m.proto.writeLock(ctx, m, e.Key)
	if err != nil {
		m.logger.Debug().Err(err).Msg("expiry skipped")
		return
	}
	defer release()
	m.expireEntry(ctx, e)
}

// expireEntry removes e if it is still the current entry of its key. The
// caller holds whatever lock the protocol needs.
func (m *Map) expireEntry(ctx context.Context, e storage.Entry) bool {
	if _, ok := m.store.CompareAndDelete(e.Key, e.Identity); !ok {
		return false
	}
	m.invalidate(e.Key)
	m.ops.expired.Add(1)
	m.metrics.IncExpired()

	op := cluster.LogicalOp{
		Kind:     cluster.OpExpire,
		Map:      m.name,
		Shard:    m.index,
		Key:      keys.Encode(e.Key),
		Version:  e.Version,
		Identity: e.Identity,
	}
	if err := m.commit(ctx, op, false); err != nil {
		m.logger.Warn().Err(err).Str("key", op.Key).Msg("expiry not committed")
	}
	rec, _ := m.indexer.Prepare(search.CommandExpire, e.Key, nil, e.Identity)
	m.publish(ctx, rec)
	m.listeners.expired(e.Key)
	return true
}

// evictIfNeeded trims the shard to its share of the cluster-wide count,
// never evicting the entry identified by keep.
func (m *Map) evictIfNeeded(ctx context.Context, keep uuid.UUID) {
	if !m.evictionEnabled || m.maxCount <= 0 {
		return
	}
	share := (m.maxCount + m.shardCount - 1) / m.shardCount
	for i := 0; i < evictionRounds && m.store.Len() > share; i++ {
		victim, ok := m.store.Oldest(evictionSample, keep)
		if !ok {
			return
		}
		m.evict(ctx, victim)
	}
}

func (m *Map) evict(ctx context.Context, e storage.Entry) {
	if _, ok := m.store.CompareAndDelete(e.Key, e.Identity); !ok {
		return
	}
	m.invalidate(e.Key)
	m.ops.evicted.Add(1)
	m.metrics.IncEvicted()

	op := m.opFor(e.Key, nil, e)
	if err := m.commit(ctx, op, false); err != nil {
		m.logger.Warn().Err(err).Str("key", op.Key).Msg("eviction not committed")
	}
	rec, _ := m.indexer.Prepare(search.CommandEvict, e.Key, nil, e.Identity)
	m.publish(ctx, rec)
	m.listeners.evicted(e.Key)
}
