package aggregate

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/dreamware/shardgrid/internal/cluster"
	"github.com/dreamware/shardgrid/internal/keys"
	"github.com/dreamware/shardgrid/internal/localcache"
	"github.com/dreamware/shardgrid/internal/locks"
	"github.com/dreamware/shardgrid/internal/metrics"
	"github.com/dreamware/shardgrid/internal/shard"
	"github.com/dreamware/shardgrid/internal/storage"
)

const (
	// DefaultBulkByteBudget bounds the estimated size of one Eventual batch.
	DefaultBulkByteBudget = 1 << 20
	// DefaultGetAllBatchSize is the number of keys in one lazy GetAll group.
	DefaultGetAllBatchSize = 1000
)

// ErrNoSuchSegment is returned for a shard index outside the array.
var ErrNoSuchSegment = errors.New("no such segment")

// Config describes the shards an Aggregator builds and how it batches.
type Config struct {
	// Shard is the template for every shard. Index, ShardCount, Store,
	// LocalCache and Listeners are filled in per shard.
	Shard shard.Config

	ShardCount      int
	BulkByteBudget  int
	GetAllBatchSize int

	// Hasher maps a key to its routing hash. Defaults to keys.Hash.
	Hasher func(key any) uint64

	// NewStore returns the partition state of a shard. It is called once per
	// index; the stores outlive rejoins. Defaults to storage.NewMemoryStore.
	NewStore func(index int) storage.Store

	// NewLocalCache returns the local cache of a shard; nil disables local
	// caching.
	NewLocalCache func(index int) localcache.Store

	// Registry and NodeID answer GetNodesWithKeys. Without a registry every
	// key is reported on NodeID.
	Registry *cluster.ShardRegistry
	NodeID   string
}

type snapshot struct {
	epoch  uint64
	shards []*shard.Map
}

// Aggregator is the client-facing view of a sharded map.
type Aggregator struct {
	cfg       Config
	name      string
	count     int
	budget    int
	groupSize int
	hasher    func(any) uint64

	stores    []storage.Store
	listeners *shard.Listeners
	locks     *locks.Manager
	mapLock   locks.ID
	metrics   *metrics.Map
	logger    zerolog.Logger

	snap   atomic.Pointer[snapshot]
	gate   gate
	flight singleflight.Group

	batches atomic.Uint64
}

// Stats summarizes the aggregate.
type Stats struct {
	Epoch   uint64
	Batches uint64
	Shards  []shard.ShardStats
}

// New builds the shards and returns the Aggregator routing to them.
//
// Every shard shares cfg.Shard, with its own index, store and local cache
// (from NewLocalCache when set). A ShardCount below one is treated as one.
//
// Example:
//
//	agg := aggregate.New(aggregate.Config{
//	    Shard:      shard.Config{Name: "users", Consistency: shard.Strong},
//	    ShardCount: 16,
//	})
func New(cfg Config) *Aggregator {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 1
	}
	if cfg.BulkByteBudget <= 0 {
		cfg.BulkByteBudget = DefaultBulkByteBudget
	}
	if cfg.GetAllBatchSize <= 0 {
		cfg.GetAllBatchSize = DefaultGetAllBatchSize
	}
	if cfg.Hasher == nil {
		cfg.Hasher = keys.Hash
	}
	if cfg.NewStore == nil {
		cfg.NewStore = func(int) storage.Store { return storage.NewMemoryStore() }
	}
	// every shard must share one lock manager and transport for map-wide
	// locks and the size barrier to mean anything
	if cfg.Shard.Locks == nil {
		cfg.Shard.Locks = locks.NewManager()
	}
	if cfg.Shard.Transport == nil {
		cfg.Shard.Transport = cluster.NewLoopback()
	}
	if cfg.Shard.Strategy == nil {
		cfg.Shard.Strategy = locks.Numeric{Scope: cfg.Shard.Name}
	}

	a := &Aggregator{
		cfg:       cfg,
		name:      cfg.Shard.Name,
		count:     cfg.ShardCount,
		budget:    cfg.BulkByteBudget,
		groupSize: cfg.GetAllBatchSize,
		hasher:    cfg.Hasher,
		stores:    make([]storage.Store, cfg.ShardCount),
		listeners: &shard.Listeners{},
		locks:     cfg.Shard.Locks,
		mapLock:   locks.MapID(cfg.Shard.Name),
		metrics:   cfg.Shard.Metrics,
		logger:    zerolog.Nop(),
	}
	for i := range a.stores {
		a.stores[i] = cfg.NewStore(i)
	}
	a.gate.init()

	caches := make([]localcache.Store, a.count)
	if cfg.NewLocalCache != nil {
		for i := range caches {
			caches[i] = cfg.NewLocalCache(i)
		}
	}
	a.snap.Store(&snapshot{epoch: 1, shards: a.resolve(caches)})
	return a
}

func (a *Aggregator) resolve(caches []localcache.Store) []*shard.Map {
	shards := make([]*shard.Map, a.count)
	for i := range shards {
		c := a.cfg.Shard
		c.Index = i
		c.ShardCount = a.count
		c.Store = a.stores[i]
		c.LocalCache = caches[i]
		c.Listeners = a.listeners
		shards[i] = shard.New(c)
		shards[i].SetLogger(a.logger)
	}
	return shards
}

// SetLogger sets the logger of the aggregate and of every shard.
func (a *Aggregator) SetLogger(logger zerolog.Logger) {
	a.logger = logger
	for _, m := range a.snap.Load().shards {
		m.SetLogger(logger)
	}
}

// Name returns the map name shared by every shard.
func (a *Aggregator) Name() string { return a.name }

func (a *Aggregator) Consistency() shard.Consistency { return a.cfg.Shard.Consistency }

// Metrics returns the instruments of the map, possibly nil.
func (a *Aggregator) Metrics() *metrics.Map { return a.metrics }

// AddListener registers l on every shard, present and future.
func (a *Aggregator) AddListener(l shard.Listener) {
	a.listeners.Add(l)
}

// ShardIndex returns the index of the shard owning key: hash(key) mod the
// shard count. The hash is unsigned, so every node computes the same index
// for the same key without any sign correction.
//
// Example:
//
//	i := agg.ShardIndex("user:123") // same value on every node, every call
func (a *Aggregator) ShardIndex(key any) int {
	return int(a.hasher(key) % uint64(a.count))
}

// current waits for a rejoin in progress and returns the shard array.
func (a *Aggregator) current(ctx context.Context) (*snapshot, error) {
	if err := a.gate.wait(ctx); err != nil {
		return nil, err
	}
	return a.snap.Load(), nil
}

func (a *Aggregator) shardFor(ctx context.Context, key any) (*shard.Map, error) {
	s, err := a.current(ctx)
	if err != nil {
		return nil, err
	}
	return s.shards[a.ShardIndex(key)], nil
}

// Shards iterates over the current shard array.
func (a *Aggregator) Shards() iter.Seq2[int, *shard.Map] {
	s := a.snap.Load()
	return func(yield func(int, *shard.Map) bool) {
		for i, m := range s.shards {
			if !yield(i, m) {
				return
			}
		}
	}
}

// Epoch returns the generation of the shard array.
func (a *Aggregator) Epoch() uint64 {
	return a.snap.Load().epoch
}

// Size returns the number of entries across all shards once the ops in
// flight have settled. The result is clamped to math.MaxInt32.
func (a *Aggregator) Size(ctx context.Context) (n int, err error) {
	defer a.observe("size", &err)()
	s, err := a.current(ctx)
	if err != nil {
		return 0, err
	}
	if err := a.cfg.Shard.Transport.WaitForInFlight(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, m := range s.shards {
		total += int64(m.Size())
	}
	if total > math.MaxInt32 {
		total = math.MaxInt32
	}
	return int(total), nil
}

// LocalSize returns the number of values held by the local caches.
func (a *Aggregator) LocalSize() int {
	n := 0
	for _, m := range a.snap.Load().shards {
		n += m.LocalSize()
	}
	return n
}

// Keys returns the keys of every live entry.
func (a *Aggregator) Keys(ctx context.Context) ([]any, error) {
	s, err := a.current(ctx)
	if err != nil {
		return nil, err
	}
	var out []any
	for _, m := range s.shards {
		out = append(out, m.Keys()...)
	}
	return out, nil
}

// KeySetForSegment returns the live keys of shard i.
func (a *Aggregator) KeySetForSegment(ctx context.Context, i int) ([]any, error) {
	s, err := a.current(ctx)
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(s.shards) {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchSegment, i)
	}
	return s.shards[i].Keys(), nil
}

// GetNodesWithKeys groups keys by the nodes holding their shard.
func (a *Aggregator) GetNodesWithKeys(ctx context.Context, ks []any) (map[string][]any, error) {
	if _, err := a.current(ctx); err != nil {
		return nil, err
	}
	out := make(map[string][]any)
	for _, k := range ks {
		if a.cfg.Registry == nil {
			out[a.cfg.NodeID] = append(out[a.cfg.NodeID], k)
			continue
		}
		nodes, err := a.cfg.Registry.NodesForShard(a.ShardIndex(k))
		if err != nil {
			return nil, err
		}
		for _, n := range nodes {
			out[n] = append(out[n], k)
		}
	}
	return out, nil
}

// Clear removes every entry of every shard.
func (a *Aggregator) Clear(ctx context.Context) (err error) {
	defer a.observe("clear", &err)()
	s, err := a.current(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range s.shards {
		errs = append(errs, m.Clear(ctx))
	}
	return errors.Join(errs...)
}

// ClearLocalCache drops every local cache.
func (a *Aggregator) ClearLocalCache() {
	for _, m := range a.snap.Load().shards {
		m.ClearLocalCache()
	}
}

// Destroy removes the map from the cluster.
func (a *Aggregator) Destroy(ctx context.Context) (err error) {
	defer a.observe("destroy", &err)()
	s, err := a.current(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range s.shards {
		errs = append(errs, m.Destroy(ctx))
	}
	return errors.Join(errs...)
}

// DisposeLocally retires the map on this node only.
func (a *Aggregator) DisposeLocally() {
	for _, m := range a.snap.Load().shards {
		m.DisposeLocally()
	}
}

// RejoinStarted closes the gate and marks the current shards stale. Calls
// already running against them fail with shard.ErrStaleMembership; new calls
// wait for RejoinCompleted.
func (a *Aggregator) RejoinStarted() {
	a.gate.close()
	for _, m := range a.snap.Load().shards {
		m.MarkStale()
	}
	a.logger.Info().Str("map", a.name).Msg("rejoin started")
}

// RejoinCompleted resolves a fresh shard array, hands the local caches over
// and lets waiting calls through.
func (a *Aggregator) RejoinCompleted() {
	old := a.snap.Load()
	caches := make([]localcache.Store, a.count)
	for i, m := range old.shards {
		caches[i] = m.LocalCache()
		if caches[i] != nil {
			caches[i].ClearAll()
		}
	}
	a.snap.Store(&snapshot{epoch: old.epoch + 1, shards: a.resolve(caches)})
	a.gate.open()
	a.logger.Info().Str("map", a.name).Uint64("epoch", old.epoch+1).Msg("rejoin completed")
}

// LockEntry takes the write lock of key for an explicit section. Operations
// using the returned context run as part of the section.
func (a *Aggregator) LockEntry(ctx context.Context, key any) (context.Context, func(), error) {
	return a.lockEntry(ctx, key, locks.Write)
}

// ReadLockEntry takes the read lock of key for an explicit section.
func (a *Aggregator) ReadLockEntry(ctx context.Context, key any) (context.Context, func(), error) {
	return a.lockEntry(ctx, key, locks.Read)
}

func (a *Aggregator) lockEntry(ctx context.Context, key any, t locks.Type) (context.Context, func(), error) {
	if err := keys.Validate(key); err != nil {
		return ctx, func() {}, fmt.Errorf("%w: %w", shard.ErrUnsupported, err)
	}
	sctx, scope := locks.WithScope(ctx)
	id := a.cfg.Shard.Strategy.IDFor(key)
	if err := scope.Acquire(sctx, a.locks, id, t); err != nil {
		return ctx, func() {}, err
	}
	return sctx, func() { scope.Release(id) }, nil
}

// Stats sums the shard counters of the current shard array.
func (a *Aggregator) Stats() Stats {
	s := a.snap.Load()
	st := Stats{Epoch: s.epoch, Batches: a.batches.Load()}
	for _, m := range s.shards {
		st.Shards = append(st.Shards, m.Stats())
	}
	return st
}

// gate holds calls back while a rejoin is in progress.
type gate struct {
	mu sync.Mutex
	ch chan struct{}
}

func (g *gate) init() {
	g.ch = make(chan struct{})
	close(g.ch)
}

func (g *gate) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
	}
}

func (g *gate) open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
	default:
		close(g.ch)
	}
}

func (g *gate) wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
