package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	StatusCacheCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cellkv",
			Subsystem: "status_cache",
			Name:      "lookups_total",
			Help:      "Counter of commit status cache lookups.",
		}, []string{"result"})

	AuthorityQueryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cellkv",
			Subsystem: "authority",
			Name:      "queries_total",
			Help:      "Counter of commit status authority queries.",
		}, []string{"result"})

	AuthorityQueryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "cellkv",
			Subsystem: "authority",
			Name:      "query_duration_seconds",
			Help:      "Bucketed histogram of commit status authority query latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		})

	ResolveRoundsHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "cellkv",
			Subsystem: "resolver",
			Name:      "rounds",
			Help:      "Bucketed histogram of version fetch rounds needed to resolve a read.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		})

	CommitCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cellkv",
			Subsystem: "txn",
			Name:      "commits_total",
			Help:      "Counter of distributed commits by outcome.",
		}, []string{"result"})

	RollbackCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cellkv",
			Subsystem: "txn",
			Name:      "rollbacks_total",
			Help:      "Counter of rollbacks by outcome.",
		}, []string{"result"})

	SessionTaskCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cellkv",
			Subsystem: "session",
			Name:      "tasks_total",
			Help:      "Counter of session tasks by type and outcome.",
		}, []string{"type", "result"})

	SessionGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cellkv",
			Subsystem: "session",
			Name:      "open",
			Help:      "Number of open sessions.",
		})
)

func init() {
	prometheus.MustRegister(StatusCacheCounter)
	prometheus.MustRegister(AuthorityQueryCounter)
	prometheus.MustRegister(AuthorityQueryDuration)
	prometheus.MustRegister(ResolveRoundsHistogram)
	prometheus.MustRegister(CommitCounter)
	prometheus.MustRegister(RollbackCounter)
	prometheus.MustRegister(SessionTaskCounter)
	prometheus.MustRegister(SessionGauge)
}
