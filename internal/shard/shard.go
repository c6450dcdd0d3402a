package shard

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/dreamware/shardgrid/internal/cluster"
	"github.com/dreamware/shardgrid/internal/expiry"
	"github.com/dreamware/shardgrid/internal/localcache"
	"github.com/dreamware/shardgrid/internal/locks"
	"github.com/dreamware/shardgrid/internal/metrics"
	"github.com/dreamware/shardgrid/internal/retry"
	"github.com/dreamware/shardgrid/internal/search"
	"github.com/dreamware/shardgrid/internal/storage"
	"github.com/dreamware/shardgrid/internal/throttle"
)

// Comparator decides whether two values are equivalent for ReplaceIf and
// RemoveIf.
type Comparator func(a, b []byte) bool

// Listener is notified of entries leaving the map without a caller removing
// them.
type Listener interface {
	OnExpiration(key any)
	OnEviction(key any)
}

// Listeners is a set of Listener shared by the shards of one map.
type Listeners struct {
	mu   sync.RWMutex
	list []Listener
}

func (l *Listeners) Add(listener Listener) {
	l.mu.Lock()
	l.list = append(l.list, listener)
	l.mu.Unlock()
}

func (l *Listeners) expired(key any) {
	if l == nil {
		return
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, listener := range l.list {
		listener.OnExpiration(key)
	}
}

func (l *Listeners) evicted(key any) {
	if l == nil {
		return
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, listener := range l.list {
		listener.OnEviction(key)
	}
}

// Config holds everything a Map is built from. Only Name is required; every
// nil collaborator gets a working default.
type Config struct {
	Name        string
	Index       int
	ShardCount  int
	Consistency Consistency
	Expiry      expiry.Policy

	// MaxCountInCluster bounds the whole map when EvictionEnabled is set.
	// Each shard keeps at most its share of it.
	MaxCountInCluster int
	EvictionEnabled   bool

	Codec      storage.Codec
	Store      storage.Store
	Strategy   locks.Strategy
	Locks      *locks.Manager
	Transport  cluster.Transport
	LocalCache localcache.Store
	Indexer    *search.Indexer
	Throttler  throttle.Throttler
	Clock      expiry.Clock
	Retry      retry.Policy
	Liveness   retry.Liveness
	Comparator Comparator
	Listeners  *Listeners
	Metrics    *metrics.Map
}

// Map is one shard of a distributed map.
type Map struct {
	name       string
	index      int
	shardCount int

	consistency Consistency
	proto       protocol

	store  storage.Store
	codec  storage.Codec
	policy expiry.Policy
	clock  expiry.Clock

	maxCount        int
	evictionEnabled bool

	strategy locks.Strategy
	locks    *locks.Manager
	mapLock  locks.ID

	transport cluster.Transport
	cache     localcache.Store
	indexer   *search.Indexer
	throttler throttle.Throttler
	retry     retry.Policy
	live      retry.Liveness
	compare   Comparator
	listeners *Listeners
	metrics   *metrics.Map
	logger    zerolog.Logger

	stale     atomic.Bool
	destroyed atomic.Bool
	ops       opCounters
}

// OperationStats counts the operations a Map served.
type OperationStats struct {
	Gets    uint64 // Reads, including misses
	Puts    uint64 // Applied writes
	Removes uint64 // Applied removals
	Expired uint64 // Entries removed because their lifespan ended
	Evicted uint64 // Entries removed to respect the cluster-wide count
}

// ShardStats combines operation and storage statistics.
type ShardStats struct {
	Ops     OperationStats
	Storage storage.StoreStats
}

// ShardInfo is a summary of a Map for status endpoints.
type ShardInfo struct {
	Name        string `json:"name"`
	Index       int    `json:"index"`
	Consistency string `json:"consistency"`
	KeyCount    int    `json:"key_count"`
	ByteSize    int    `json:"byte_size"`
	Stale       bool   `json:"stale"`
}

type opCounters struct {
	gets, puts, removes, expired, evicted atomic.Uint64
}

// New builds a Map from cfg.
func New(cfg Config) *Map {
	m := &Map{
		name:            cfg.Name,
		index:           cfg.Index,
		shardCount:      cfg.ShardCount,
		consistency:     cfg.Consistency,
		store:           cfg.Store,
		codec:           cfg.Codec,
		policy:          cfg.Expiry,
		clock:           cfg.Clock,
		maxCount:        cfg.MaxCountInCluster,
		evictionEnabled: cfg.EvictionEnabled,
		strategy:        cfg.Strategy,
		locks:           cfg.Locks,
		mapLock:         locks.MapID(cfg.Name),
		transport:       cfg.Transport,
		cache:           cfg.LocalCache,
		indexer:         cfg.Indexer,
		throttler:       cfg.Throttler,
		retry:           cfg.Retry,
		live:            cfg.Liveness,
		compare:         cfg.Comparator,
		listeners:       cfg.Listeners,
		metrics:         cfg.Metrics,
		logger:          zerolog.Nop(),
	}
	if m.shardCount <= 0 {
		m.shardCount = 1
	}
	if m.store == nil {
		m.store = storage.NewMemoryStore()
	}
	if m.clock == nil {
		m.clock = expiry.SystemClock{}
	}
	if m.strategy == nil {
		m.strategy = locks.Numeric{Scope: cfg.Name}
	}
	if m.locks == nil {
		m.locks = locks.NewManager()
	}
	if m.transport == nil {
		m.transport = cluster.NewLoopback()
	}
	if m.throttler == nil {
		m.throttler = throttle.None{}
	}
	if m.retry == (retry.Policy{}) {
		m.retry = retry.DefaultPolicy()
	}
	if m.compare == nil {
		m.compare = bytes.Equal
	}
	if m.listeners == nil {
		m.listeners = &Listeners{}
	}
	m.proto = protocolFor(m.consistency)
	return m
}

// SetLogger sets the logger used for retries and background failures.
func (m *Map) SetLogger(logger zerolog.Logger) {
	m.logger = logger.With().Str("map", m.name).Int("shard", m.index).Logger()
}

// Name returns the name of the map this shard belongs to.
func (m *Map) Name() string { return m.name }

// Index returns the position of the shard in the map's shard array.
func (m *Map) Index() int { return m.index }

// Consistency returns the fixed consistency of the map.
func (m *Map) Consistency() Consistency { return m.consistency }

// AddListener registers l for expiration and eviction events.
func (m *Map) AddListener(l Listener) {
	m.listeners.Add(l)
}

// LocalCache returns the attached local cache, or nil. A rejoin hands it to
// the replacement Map.
func (m *Map) LocalCache() localcache.Store {
	return m.cache
}

// MarkStale makes every following call fail with ErrStaleMembership.
func (m *Map) MarkStale() {
	m.stale.Store(true)
}

// Stale reports whether a rejoin has replaced this shard.
func (m *Map) Stale() bool {
	return m.stale.Load()
}

func (m *Map) usable() error {
	if m.destroyed.Load() {
		return ErrDestroyed
	}
	if m.stale.Load() {
		return ErrStaleMembership
	}
	return nil
}

// Destroy clears the partition on every holder and retires the Map.
func (m *Map) Destroy(ctx context.Context) error {
	if err := m.usable(); err != nil {
		return err
	}
	release, err := m.locks.Lock(ctx, m.mapLock, locks.Write)
	if err != nil {
		return err
	}
	defer release()

	if err := m.commit(ctx, m.clearOp(), m.proto.syncCommit()); err != nil {
		return err
	}
	m.store.Clear()
	m.ClearLocalCache()
	m.destroyed.Store(true)
	return nil
}

// DisposeLocally retires the Map on this node only. The partition and its
// replicas are left alone.
func (m *Map) DisposeLocally() {
	m.ClearLocalCache()
	m.destroyed.Store(true)
}

// Size returns the number of entries in the partition.
func (m *Map) Size() int {
	return m.store.Len()
}

// LocalSize returns the number of values held by the local cache.
func (m *Map) LocalSize() int {
	if m.cache == nil {
		return 0
	}
	return m.cache.Len()
}

// ClearLocalCache drops the local cache contents.
func (m *Map) ClearLocalCache() {
	if m.cache != nil {
		m.cache.ClearAll()
	}
}

// Keys returns the keys of live entries. Expired entries are skipped but not
// removed.
func (m *Map) Keys() []any {
	now := m.clock.NowSeconds()
	all := m.store.Keys()
	out := all[:0]
	for _, k := range all {
		e, ok := m.store.Get(k)
		if !ok || m.policy.Expired(e.Stamp(), now) {
			continue
		}
		out = append(out, k)
	}
	return out
}

// Stats returns operation and storage statistics.
func (m *Map) Stats() ShardStats {
	return ShardStats{
		Ops: OperationStats{
			Gets:    m.ops.gets.Load(),
			Puts:    m.ops.puts.Load(),
			Removes: m.ops.removes.Load(),
			Expired: m.ops.expired.Load(),
			Evicted: m.ops.evicted.Load(),
		},
		Storage: m.store.Stats(),
	}
}

// Info summarizes the shard for the node's /info endpoint.
func (m *Map) Info() ShardInfo {
	st := m.store.Stats()
	return ShardInfo{
		Name:        m.name,
		Index:       m.index,
		Consistency: m.consistency.String(),
		KeyCount:    st.Keys,
		ByteSize:    st.Bytes,
		Stale:       m.stale.Load(),
	}
}
