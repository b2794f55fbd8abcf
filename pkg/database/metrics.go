package database

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the storage engine's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	repairedIDs    *prometheus.CounterVec
	rejectedItems  *prometheus.CounterVec
	txFailures     *prometheus.CounterVec
	repairedGroups prometheus.Counter
}

// NewMetrics registers the storage collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		cacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gxs_store_cache_hits_total",
			Help: "Metadata cache hits by cache",
		}, []string{"cache"}),
		cacheMisses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gxs_store_cache_misses_total",
			Help: "Metadata cache misses by cache",
		}, []string{"cache"}),
		repairedIDs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gxs_store_batch_repaired_ids_total",
			Help: "Ids missing from a batch query and recovered by a single-id query",
		}, []string{"table"}),
		rejectedItems: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gxs_store_rejected_items_total",
			Help: "Records skipped at store time by reason",
		}, []string{"table", "reason"}),
		txFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gxs_store_transaction_failures_total",
			Help: "Rolled back transactions by operation",
		}, []string{"op"}),
		repairedGroups: f.NewCounter(prometheus.CounterOpts{
			Name: "gxs_store_subscribe_flag_repairs_total",
			Help: "Groups whose subscribe flags disagreed with their key set on load",
		}),
	}
}

// RecordCacheHit increments the hit counter for cache ("group" or "msg").
func (m *Metrics) RecordCacheHit(cache string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.cacheHits.WithLabelValues(cache).Add(float64(n))
}

// RecordCacheMiss increments the miss counter for cache.
func (m *Metrics) RecordCacheMiss(cache string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.cacheMisses.WithLabelValues(cache).Add(float64(n))
}

// RecordRepairedIDs counts ids recovered by the per-id repair pass.
func (m *Metrics) RecordRepairedIDs(table string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.repairedIDs.WithLabelValues(table).Add(float64(n))
}

// RecordRejected counts a record skipped at store time.
func (m *Metrics) RecordRejected(table, reason string) {
	if m == nil {
		return
	}
	m.rejectedItems.WithLabelValues(table, reason).Inc()
}

// RecordTxFailure counts a rolled back transaction.
func (m *Metrics) RecordTxFailure(op string) {
	if m == nil {
		return
	}
	m.txFailures.WithLabelValues(op).Inc()
}

// RecordFlagRepair counts a subscribe flag repair.
func (m *Metrics) RecordFlagRepair() {
	if m == nil {
		return
	}
	m.repairedGroups.Inc()
}
