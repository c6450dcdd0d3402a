package aggregate

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/shardgrid/internal/keys"
	"github.com/dreamware/shardgrid/internal/locks"
	"github.com/dreamware/shardgrid/internal/shard"
)

// item is one key of a bulk operation.
type item struct {
	key   any
	enc   string
	shard int
	size  int
	value []byte
}

func (a *Aggregator) newItem(key any, value []byte) (item, error) {
	if err := keys.Validate(key); err != nil {
		return item{}, fmt.Errorf("%w: %w", shard.ErrUnsupported, err)
	}
	return item{
		key:   key,
		enc:   keys.Encode(key),
		shard: a.ShardIndex(key),
		size:  keys.Size(key) + len(value),
		value: value,
	}, nil
}

// plan orders items by shard and cuts them into batches. A batch is closed
// by the item that brings it to the byte budget or past it.
func (a *Aggregator) plan(items []item) [][]item {
	slices.SortFunc(items, func(x, y item) int {
		if c := cmp.Compare(x.shard, y.shard); c != 0 {
			return c
		}
		return strings.Compare(x.enc, y.enc)
	})

	var (
		batches [][]item
		cur     []item
		total   int
	)
	for _, it := range items {
		cur = append(cur, it)
		total += it.size
		if total >= a.budget {
			batches = append(batches, cur)
			cur, total = nil, 0
		}
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

// inBatch runs fn holding a shared Concurrent lock on the whole map. Inside
// an existing lock section fn runs as is.
func (a *Aggregator) inBatch(ctx context.Context, fn func(context.Context) error) error {
	if locks.ScopeFrom(ctx) != nil {
		return fn(ctx)
	}
	bctx, scope := locks.WithBatchScope(ctx)
	defer scope.ReleaseAll()
	if err := scope.Acquire(bctx, a.locks, a.mapLock, locks.Concurrent); err != nil {
		return err
	}
	a.batches.Add(1)
	a.metrics.IncBatch()
	return fn(bctx)
}

func (a *Aggregator) eventual() bool {
	return a.Consistency() == shard.Eventual
}

// runItems applies fn to every item, batch by batch under Eventual
// consistency and one by one otherwise. It stops at the first failure.
func (a *Aggregator) runItems(ctx context.Context, items []item, fn func(context.Context, *shard.Map, item) error) error {
	s, err := a.current(ctx)
	if err != nil {
		return err
	}
	if !a.eventual() {
		for _, it := range items {
			if err := fn(ctx, s.shards[it.shard], it); err != nil {
				return err
			}
		}
		return nil
	}
	for _, batch := range a.plan(items) {
		err := a.inBatch(ctx, func(bctx context.Context) error {
			for _, it := range batch {
				if err := fn(bctx, s.shards[it.shard], it); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// PutAll stores every entry. It is not atomic: on failure a prefix of the
// entries may have been applied.
func (a *Aggregator) PutAll(ctx context.Context, entries map[any][]byte, opts ...shard.PutOption) (err error) {
	defer a.observe("put_all", &err)()
	items := make([]item, 0, len(entries))
	for k, v := range entries {
		it, err := a.newItem(k, v)
		if err != nil {
			return err
		}
		items = append(items, it)
	}
	return a.runItems(ctx, items, func(ctx context.Context, m *shard.Map, it item) error {
		return m.PutNoReturn(ctx, it.key, it.value, opts...)
	})
}

// RemoveAll removes every key.
func (a *Aggregator) RemoveAll(ctx context.Context, ks []any) (err error) {
	defer a.observe("remove_all", &err)()
	items := make([]item, 0, len(ks))
	for _, k := range ks {
		it, err := a.newItem(k, nil)
		if err != nil {
			return err
		}
		items = append(items, it)
	}
	return a.runItems(ctx, items, func(ctx context.Context, m *shard.Map, it item) error {
		return m.RemoveNoReturn(ctx, it.key)
	})
}

// GetAllVersioned reads every key with its version. Absent keys are left out
// of the result.
func (a *Aggregator) GetAllVersioned(ctx context.Context, ks []any) (out map[any]shard.VersionedValue, err error) {
	defer a.observe("get_all_versioned", &err)()
	items := make([]item, 0, len(ks))
	for _, k := range ks {
		it, err := a.newItem(k, nil)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	out = make(map[any]shard.VersionedValue, len(items))
	err = a.runItems(ctx, items, func(ctx context.Context, m *shard.Map, it item) error {
		vv, ok, err := m.GetVersioned(ctx, it.key)
		if ok {
			out[it.key] = vv
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateBufferedOperation returns an operation for Drain.
func (a *Aggregator) CreateBufferedOperation(t shard.BufferedOpType, value []byte, version int64, opts ...shard.PutOption) *shard.BufferedOperation {
	return a.snap.Load().shards[0].CreateBufferedOperation(t, value, version, opts...)
}

// Drain applies a buffer of queued operations, one goroutine per shard.
// Every failure is reported.
func (a *Aggregator) Drain(ctx context.Context, buffer map[any]*shard.BufferedOperation) (err error) {
	defer a.observe("drain", &err)()
	s, err := a.current(ctx)
	if err != nil {
		return err
	}

	var errs []error
	parts := make(map[int]map[any]*shard.BufferedOperation)
	for k, op := range buffer {
		if err := keys.Validate(k); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", shard.ErrUnsupported, err))
			continue
		}
		idx := a.ShardIndex(k)
		if parts[idx] == nil {
			parts[idx] = make(map[any]*shard.BufferedOperation)
		}
		parts[idx][k] = op
	}

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for idx, part := range parts {
		g.Go(func() error {
			drain := func(ctx context.Context) error { return s.shards[idx].Drain(ctx, part) }
			var err error
			if a.eventual() {
				err = a.inBatch(ctx, drain)
			} else {
				err = drain(ctx)
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
