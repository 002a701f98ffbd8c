package replicate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	replicatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "s3db_replicator_replicated_total",
		Help: "Events successfully replicated, by driver and operation.",
	}, []string{"driver", "operation"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "s3db_replicator_errors_total",
		Help: "Events that failed on at least one route, by driver and operation.",
	}, []string{"driver", "operation"})

	skippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "s3db_replicator_skipped_total",
		Help: "Events skipped by guards (disabled, unrouted, action filtered).",
	}, []string{"driver", "operation"})
)

// ObserveReplicated counts one successfully replicated event.
func ObserveReplicated(driver string, op Operation) {
	replicatedTotal.WithLabelValues(driver, string(op)).Inc()
}

// ObserveError counts one event that failed on at least one route.
func ObserveError(driver string, op Operation) {
	errorsTotal.WithLabelValues(driver, string(op)).Inc()
}

// ObserveSkip counts one guard skip.
func ObserveSkip(driver string, op Operation) {
	skippedTotal.WithLabelValues(driver, string(op)).Inc()
}
