package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "tinycache"

var (
	TxnCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "txn",
			Name:      "txns_count",
			Help:      "Counter of finished txns.",
		}, []string{"result"})

	TxnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "txn",
			Name:      "handle_txns_duration_seconds",
			Help:      "Bucketed histogram of txn lifetime (s) from begin to completion.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 13),
		}, []string{"result"})

	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "wait_duration_seconds",
			Help:      "Bucketed histogram of time (s) spent waiting for map locks.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		})

	DeadlockCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "deadlocks_count",
			Help:      "Counter of detected deadlocks.",
		})

	DeltaOpsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "atomicmap",
			Name:      "delta_ops_count",
			Help:      "Counter of delta operations handed to replication.",
		}, []string{"kind"})

	ProxyCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "atomicmap",
			Name:      "proxies_count",
			Help:      "Counter of constructed map proxies.",
		})

	ReplicationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "deltas_count",
			Help:      "Counter of deltas applied by replication targets.",
		}, []string{"target", "result"})
)

func init() {
	prometheus.MustRegister(TxnCounter)
	prometheus.MustRegister(TxnDuration)
	prometheus.MustRegister(LockWaitDuration)
	prometheus.MustRegister(DeadlockCounter)
	prometheus.MustRegister(DeltaOpsCounter)
	prometheus.MustRegister(ProxyCounter)
	prometheus.MustRegister(ReplicationCounter)
}
