package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LockAcquisitions counts acquisition attempts by result:
	// acquired, takeover, contended or error.
	LockAcquisitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spike_lock_acquisitions_total",
		Help: "Total number of lock acquisition attempts by result",
	}, []string{"result"})
	// LockReleases counts release calls by result: released, mismatch or error.
	LockReleases = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spike_lock_releases_total",
		Help: "Total number of lock release calls by result",
	}, []string{"result"})
	// LockHoldSeconds observes how long a scoped lock was held.
	LockHoldSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "spike_lock_hold_seconds",
		Help:    "Time spent inside lock-protected critical sections",
		Buckets: prometheus.DefBuckets,
	})
	// Reservations counts reservation requests by guard variant and outcome.
	Reservations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spike_reservations_total",
		Help: "Total number of reservation requests by variant and outcome",
	}, []string{"variant", "outcome"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterMetrics registers the spike collectors on the provided registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(LockAcquisitions, LockReleases, LockHoldSeconds, Reservations)
}
