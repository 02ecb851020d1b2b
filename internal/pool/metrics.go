package pool

import "github.com/prometheus/client_golang/prometheus"

var (
	spawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lsppool",
			Subsystem: "pool",
			Name:      "spawns_total",
			Help:      "Server process starts by result",
		},
		[]string{"language", "result"},
	)

	crashesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lsppool",
			Subsystem: "pool",
			Name:      "crashes_total",
			Help:      "Unexpected server process exits",
		},
		[]string{"language"},
	)

	evictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lsppool",
			Subsystem: "pool",
			Name:      "evictions_total",
			Help:      "Instances removed by the pool",
		},
		[]string{"language", "reason"},
	)

	leaseWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lsppool",
			Subsystem: "pool",
			Name:      "lease_wait_seconds",
			Help:      "Time from lease request to grant",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"language", "kind"},
	)

	leaseFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lsppool",
			Subsystem: "pool",
			Name:      "lease_failures_total",
			Help:      "Lease requests that did not get an instance",
		},
		[]string{"language", "reason"},
	)

	waitersGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "lsppool",
			Subsystem: "pool",
			Name:      "waiters",
			Help:      "Callers queued for a lease",
		},
		[]string{"language"},
	)

	instancesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "lsppool",
			Subsystem: "pool",
			Name:      "instances",
			Help:      "Instance records that count against the language cap",
		},
		[]string{"language"},
	)
)

func init() {
	prometheus.MustRegister(spawnsTotal, crashesTotal, evictionsTotal, leaseWaitSeconds,
		leaseFailuresTotal, waitersGauge, instancesGauge)
}

// failureReason returns a low-cardinality label for a lease error.
func failureReason(err error) string {
	switch {
	case err == ErrLeaseTimeout:
		return "timeout"
	case err == ErrNoInstance:
		return "no_instance"
	case IsUnavailable(err):
		return "circuit_open"
	case IsProcessError(err):
		return "spawn"
	case err == ErrPoolClosed:
		return "closed"
	default:
		return "canceled"
	}
}
