package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dreamware/shardgrid/internal/aggregate"
	"github.com/dreamware/shardgrid/internal/cluster"
	"github.com/dreamware/shardgrid/internal/config"
	"github.com/dreamware/shardgrid/internal/expiry"
	"github.com/dreamware/shardgrid/internal/localcache"
	"github.com/dreamware/shardgrid/internal/locks"
	"github.com/dreamware/shardgrid/internal/metrics"
	"github.com/dreamware/shardgrid/internal/nonstop"
	"github.com/dreamware/shardgrid/internal/retry"
	"github.com/dreamware/shardgrid/internal/shard"
	"github.com/dreamware/shardgrid/internal/storage"
	"github.com/dreamware/shardgrid/internal/throttle"
)

// maxValueSize bounds the body of PUT /map/{key}.
const maxValueSize = 32 << 20

// Node is one member of the grid. It owns a full copy of every shard of the
// configured map and keeps its peers in step by shipping logical ops.
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│                 Node                     │
//	├──────────────────────────────────────────┤
//	│  HTTP API:                               │
//	│    /map/{key}   - GET, PUT, DELETE       │
//	│    /map         - key listing            │
//	│    /size        - entry count            │
//	│    /replicate   - ops from peers         │
//	│    /health      - liveness probe         │
//	│    /info        - shard summary          │
//	│    /metrics     - Prometheus             │
//	├──────────────────────────────────────────┤
//	│  nonstop.Map → aggregate → shard.Map ×N  │
//	│  HealthMonitor → rejoin on recovery      │
//	└──────────────────────────────────────────┘
type Node struct {
	ID       string
	grid     *nonstop.Map
	agg      *aggregate.Aggregator
	peers    []cluster.NodeInfo
	monitor  *cluster.HealthMonitor
	registry *prometheus.Registry
	logger   zerolog.Logger
}

// NewNode wires the map described by cfg. The health monitor is created but
// not started.
func NewNode(cfg *config.Config, logger zerolog.Logger) (*Node, error) {
	consistency, err := shard.ParseConsistency(cfg.Map.Consistency)
	if err != nil {
		return nil, err
	}
	strategy, err := locks.ParseStrategy(cfg.Map.LockStrategy, cfg.Map.Name)
	if err != nil {
		return nil, err
	}
	nsCfg, err := nonstop.FromConfig(cfg.NonStop)
	if err != nil {
		return nil, err
	}

	n := &Node{
		ID:       cfg.Node.ID,
		registry: prometheus.NewRegistry(),
		monitor:  cluster.NewHealthMonitor(cfg.Health.Interval),
		logger:   logger,
	}
	n.registry.MustRegister(collectors.NewGoCollector())
	for _, p := range cfg.Node.Peers {
		n.peers = append(n.peers, cluster.NodeInfo{ID: p.ID, Addr: p.Addr})
	}

	members := []string{n.ID}
	for _, p := range n.peers {
		members = append(members, p.ID)
	}
	shardRegistry := cluster.NewShardRegistry(cfg.Map.ShardCount)
	if err := shardRegistry.RebalanceShards(members, len(members)-1); err != nil {
		return nil, err
	}

	var transport cluster.Transport = cluster.NewLoopback()
	if len(n.peers) > 0 {
		ht := cluster.NewHTTPTransport(n.ID, n.Peers, cfg.Health.ReplicationTimeout)
		ht.SetLogger(logger)
		transport = ht
	}

	var newCache func(int) localcache.Store
	if cfg.Map.LocalCacheEnabled {
		newCache = func(int) localcache.Store { return localcache.NewMapStore() }
	}

	n.agg = aggregate.New(aggregate.Config{
		Shard: shard.Config{
			Name:        cfg.Map.Name,
			Consistency: consistency,
			Expiry: expiry.Policy{
				MaxTTI:             cfg.Map.MaxTTISeconds,
				MaxTTL:             cfg.Map.MaxTTLSeconds,
				IdleUpdateFraction: cfg.Map.IdleUpdateFraction,
			},
			MaxCountInCluster: cfg.Map.MaxTotalCount,
			EvictionEnabled:   cfg.Map.EvictionEnabled,
			Codec: storage.Codec{
				Compress:   cfg.Map.CompressionEnabled,
				CopyOnRead: cfg.Map.CopyOnReadEnabled,
			},
			Strategy:  strategy,
			Transport: transport,
			Throttler: throttle.NewTokenBucket(cfg.Throttle.WritesPerSecond),
			Retry: retry.Policy{
				MaxAttempts: cfg.Retry.MaxAttempts,
				BaseDelay:   cfg.Retry.BaseDelay,
				MaxDelay:    cfg.Retry.MaxDelay,
				Jitter:      cfg.Retry.Jitter,
				LogEvery:    cfg.Retry.LogEvery,
			},
			Liveness: n.monitor.Live,
			Metrics:  metrics.New(n.registry, cfg.Map.Name),
		},
		ShardCount:      cfg.Map.ShardCount,
		BulkByteBudget:  cfg.Map.BulkOpByteBudget,
		GetAllBatchSize: cfg.Map.GetAllBatchSize,
		NewLocalCache:   newCache,
		Registry:        shardRegistry,
		NodeID:          n.ID,
	})
	n.agg.SetLogger(logger)

	n.grid = nonstop.New(n.agg, nsCfg)
	n.grid.SetLogger(logger)

	n.monitor.SetLogger(logger)
	n.monitor.SetOnRecovered(func(peer string) { n.Rejoin(peer) })
	return n, nil
}

// Peers returns the configured peers.
func (n *Node) Peers() []cluster.NodeInfo {
	return n.peers
}

// Rejoin re-resolves the shard array after a peer came back. Calls arriving
// meanwhile wait for it to finish.
func (n *Node) Rejoin(peer string) {
	n.logger.Info().Str("peer", peer).Msg("rejoining after peer recovery")
	n.agg.RejoinStarted()
	n.agg.RejoinCompleted()
}

// Routes registers the node endpoints on a new mux.
func (n *Node) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /map/{key...}", n.handleGet)
	mux.HandleFunc("PUT /map/{key...}", n.handlePut)
	mux.HandleFunc("DELETE /map/{key...}", n.handleDelete)
	mux.HandleFunc("GET /map", n.handleKeys)
	mux.HandleFunc("GET /size", n.handleSize)
	mux.HandleFunc("POST /replicate", n.handleReplicate)
	mux.HandleFunc("GET /info", n.handleInfo)
	mux.Handle("GET /metrics", promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}))
	return mux
}

// statusFor maps an operation error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, shard.ErrUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, shard.ErrDestroyed):
		return http.StatusGone
	case errors.Is(err, nonstop.ErrTimeout),
		errors.Is(err, cluster.ErrAborted),
		errors.Is(err, shard.ErrStaleMembership):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (n *Node) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		n.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// handleGet returns the raw value of a key.
//
// Endpoint: GET /map/{key}
//
// Response:
//   - 200 OK: value in the body
//   - 404 Not Found: no live entry
//   - 503 Service Unavailable: the cluster did not answer in time
func (n *Node) handleGet(w http.ResponseWriter, r *http.Request) {
	v, ok, err := n.grid.Get(r.Context(), r.PathValue("key"))
	if err != nil {
		n.fail(w, r, err)
		return
	}
	if !ok {
		http.Error(w, "key not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(v)
}

// handlePut stores the request body under a key.
//
// Endpoint: PUT /map/{key}?ttl=<s>&tti=<s>&version=<n>
//
// ttl and tti override the map lifespans for this entry, 0 meaning none.
// version makes the write versioned: an older version than the stored one is
// ignored.
func (n *Node) handlePut(w http.ResponseWriter, r *http.Request) {
	opts, version, err := putParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxValueSize+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxValueSize {
		http.Error(w, "value too large", http.StatusRequestEntityTooLarge)
		return
	}

	key := r.PathValue("key")
	if version == shard.Unversioned {
		err = n.grid.PutNoReturn(r.Context(), key, body, opts...)
	} else {
		err = n.grid.PutVersioned(r.Context(), key, body, version, opts...)
	}
	if err != nil {
		n.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func putParams(r *http.Request) ([]shard.PutOption, int64, error) {
	q := r.URL.Query()
	var opts []shard.PutOption
	for name, opt := range map[string]func(int64) shard.PutOption{
		"ttl": shard.WithTTL,
		"tti": shard.WithTTI,
	} {
		if s := q.Get(name); s != "" {
			v, err := strconv.ParseInt(s, 10, 64)
			if err != nil || v < 0 {
				return nil, 0, fmt.Errorf("invalid %s %q", name, s)
			}
			opts = append(opts, opt(v))
		}
	}
	version := shard.Unversioned
	if s := q.Get("version"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			return nil, 0, fmt.Errorf("invalid version %q", s)
		}
		version = v
	}
	return opts, version, nil
}

// handleDelete removes a key. Removing an absent key succeeds.
//
// Endpoint: DELETE /map/{key}
func (n *Node) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := n.grid.RemoveNoReturn(r.Context(), r.PathValue("key")); err != nil {
		n.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleKeys lists the live keys.
//
// Endpoint: GET /map
func (n *Node) handleKeys(w http.ResponseWriter, r *http.Request) {
	ks, err := n.grid.Keys(r.Context())
	if err != nil {
		n.fail(w, r, err)
		return
	}
	if ks == nil {
		ks = []any{}
	}
	writeJSON(w, struct {
		Keys  []any `json:"keys"`
		Count int   `json:"count"`
	}{Keys: ks, Count: len(ks)})
}

func (n *Node) handleSize(w http.ResponseWriter, r *http.Request) {
	size, err := n.grid.Size(r.Context())
	if err != nil {
		n.fail(w, r, err)
		return
	}
	writeJSON(w, struct {
		Size int `json:"size"`
	}{Size: size})
}

// handleReplicate applies an op shipped by a peer to the local copy of its
// shard.
//
// Endpoint: POST /replicate
//
// Response:
//   - 200 OK: {"applied": true}
//   - 400 Bad Request: malformed op
//   - 404 Not Found: unknown map or shard
func (n *Node) handleReplicate(w http.ResponseWriter, r *http.Request) {
	var req cluster.ReplicateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Op.Map != n.agg.Name() {
		http.Error(w, "unknown map", http.StatusNotFound)
		return
	}

	var target *shard.Map
	for i, m := range n.agg.Shards() {
		if i == req.Op.Shard {
			target = m
			break
		}
	}
	if target == nil {
		http.Error(w, "unknown shard", http.StatusNotFound)
		return
	}
	if err := target.ApplyReplicated(req.Op); err != nil {
		n.fail(w, r, err)
		return
	}
	writeJSON(w, cluster.ReplicateResponse{Applied: true})
}

// handleInfo summarizes the node and its shards.
//
// Endpoint: GET /info
func (n *Node) handleInfo(w http.ResponseWriter, _ *http.Request) {
	var shards []shard.ShardInfo
	for _, m := range n.agg.Shards() {
		shards = append(shards, m.Info())
	}
	writeJSON(w, struct {
		NodeID      string            `json:"node_id"`
		Map         string            `json:"map"`
		Consistency string            `json:"consistency"`
		Epoch       uint64            `json:"epoch"`
		Peers       int               `json:"peers"`
		Shards      []shard.ShardInfo `json:"shards"`
	}{
		NodeID:      n.ID,
		Map:         n.agg.Name(),
		Consistency: n.agg.Consistency().String(),
		Epoch:       n.agg.Epoch(),
		Peers:       len(n.peers),
		Shards:      shards,
	})
}
