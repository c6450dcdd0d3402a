package shard

import (
	"fmt"

	"github.com/dreamware/shardgrid/internal/cluster"
	"github.com/dreamware/shardgrid/internal/keys"
	"github.com/dreamware/shardgrid/internal/storage"
)

// ApplyReplicated applies an op committed by a peer holding the same
// partition. It takes no lock, skips the throttle and commits nothing; the
// peer already did all of that. Stored values arrive already encoded.
func (m *Map) ApplyReplicated(op cluster.LogicalOp) error {
	if err := m.usable(); err != nil {
		return err
	}
	if op.Kind == cluster.OpClear {
		m.store.Clear()
		m.ClearLocalCache()
		return nil
	}

	key, err := keys.Decode(op.Key)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupported, err)
	}
	defer m.invalidate(key)

	switch op.Kind {
	case cluster.OpPut:
		last := m.clock.NowSeconds()
		if last < op.CreateTime {
			last = op.CreateTime
		}
		m.store.Put(storage.Entry{
			Key:          key,
			Value:        op.Value,
			CreateTime:   op.CreateTime,
			LastAccessed: last,
			CustomTTI:    op.CustomTTI,
			CustomTTL:    op.CustomTTL,
			Version:      op.Version,
			Identity:     op.Identity,
		})
	case cluster.OpRemove:
		m.store.Delete(key)
	case cluster.OpExpire:
		m.store.CompareAndDelete(key, op.Identity)
	default:
		return fmt.Errorf("%w: op kind %q", ErrUnsupported, op.Kind)
	}
	return nil
}
