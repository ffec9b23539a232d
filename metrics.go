package jasonisnthappy

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metricsSet holds the engine's instruments on a private registry so
// an embedder running several databases never sees collisions.
type metricsSet struct {
	registry *prometheus.Registry

	commits     prometheus.Counter
	conflicts   prometheus.Counter
	rollbacks   prometheus.Counter
	checkpoints prometheus.Counter
	operations  *prometheus.CounterVec
	watchDrops  prometheus.Counter
	gcVersions  prometheus.Counter
	gcPages     prometheus.Counter

	walBytes   prometheus.Gauge
	cachePages prometheus.Gauge
	documents  *prometheus.GaugeVec

	commitSeconds prometheus.Histogram
}

func newMetricsSet() *metricsSet {
	m := &metricsSet{registry: prometheus.NewRegistry()}

	m.commits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jasondb", Name: "commits_total",
		Help: "Committed transactions.",
	})
	m.conflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jasondb", Name: "conflicts_total",
		Help: "Commits aborted by write-write conflicts.",
	})
	m.rollbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jasondb", Name: "rollbacks_total",
		Help: "Explicit or implicit rollbacks.",
	})
	m.checkpoints = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jasondb", Name: "checkpoints_total",
		Help: "Completed checkpoints.",
	})
	m.operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jasondb", Name: "operations_total",
		Help: "Collection operations by kind.",
	}, []string{"op"})
	m.watchDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jasondb", Name: "watch_dropped_events_total",
		Help: "Change-stream events dropped on full subscriber queues.",
	})
	m.gcVersions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jasondb", Name: "gc_versions_reclaimed_total",
		Help: "Document versions removed by garbage collection.",
	})
	m.gcPages = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jasondb", Name: "gc_pages_released_total",
		Help: "Retired pages released to the freelist.",
	})
	m.walBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jasondb", Name: "wal_bytes",
		Help: "Current write-ahead log size.",
	})
	m.cachePages = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jasondb", Name: "cache_pages",
		Help: "Pages resident in the buffer pool.",
	})
	m.documents = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "jasondb", Name: "documents",
		Help: "Live documents per collection.",
	}, []string{"collection"})
	m.commitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "jasondb", Name: "commit_duration_seconds",
		Help:    "Commit latency including WAL fsync.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	})

	m.registry.MustRegister(
		m.commits, m.conflicts, m.rollbacks, m.checkpoints,
		m.operations, m.watchDrops, m.gcVersions, m.gcPages,
		m.walBytes, m.cachePages, m.documents, m.commitSeconds,
	)
	return m
}

// Registry exposes the database's prometheus registry for scraping.
func (db *DB) Registry() *prometheus.Registry {
	return db.metrics.registry
}
