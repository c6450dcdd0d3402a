// Package metrics exports per-map Prometheus instruments. A nil *Map is
// valid and records nothing, so the engine can run without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Map holds the instruments of one aggregate map.
type Map struct {
	ops        *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	retries    prometheus.Counter
	expired    prometheus.Counter
	evicted    prometheus.Counter
	fallbacks  *prometheus.CounterVec
	localCache *prometheus.CounterVec
	batches    prometheus.Counter
}

// New creates and registers the instruments of the map named name.
// It returns nil when reg is nil.
func New(reg prometheus.Registerer, name string) *Map {
	if reg == nil {
		return nil
	}
	labels := prometheus.Labels{"map": name}
	m := &Map{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "shardgrid_ops_total",
			Help:        "Map operations by name and outcome",
			ConstLabels: labels,
		}, []string{"op", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "shardgrid_op_latency_seconds",
			Help:        "Map operation latency in seconds",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.00005, 2.0, 16),
		}, []string{"op"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "shardgrid_cas_retries_total",
			Help:        "Optimistic compare-and-swap retries in eventual mode",
			ConstLabels: labels,
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "shardgrid_expired_total",
			Help:        "Entries removed on access after their TTI or TTL",
			ConstLabels: labels,
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "shardgrid_evicted_total",
			Help:        "Entries evicted to honour the cluster-wide count limit",
			ConstLabels: labels,
		}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "shardgrid_nonstop_fallbacks_total",
			Help:        "Operations answered by the non-stop fallback",
			ConstLabels: labels,
		}, []string{"op", "behavior"}),
		localCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "shardgrid_local_cache_lookups_total",
			Help:        "Local read cache lookups by result",
			ConstLabels: labels,
		}, []string{"result"}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "shardgrid_bulk_batches_total",
			Help:        "Bulk operation batches applied under one concurrent lock",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(m.ops, m.latency, m.retries, m.expired, m.evicted, m.fallbacks, m.localCache, m.batches)
	return m
}

// ObserveOp records one finished operation.
func (m *Map) ObserveOp(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ops.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Map) AddRetries(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.retries.Add(float64(n))
}

func (m *Map) IncExpired() {
	if m != nil {
		m.expired.Inc()
	}
}

func (m *Map) IncEvicted() {
	if m != nil {
		m.evicted.Inc()
	}
}

func (m *Map) IncFallback(op, behavior string) {
	if m != nil {
		m.fallbacks.WithLabelValues(op, behavior).Inc()
	}
}

func (m *Map) LocalCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.localCache.WithLabelValues("hit").Inc()
		return
	}
	m.localCache.WithLabelValues("miss").Inc()
}

func (m *Map) IncBatch() {
	if m != nil {
		m.batches.Inc()
	}
}
