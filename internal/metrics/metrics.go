// Package metrics defines the Prometheus collectors the provenance ledger
// service exposes for engine operations and verification outcomes, and the
// handler that serves them over /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EngineOperations counts engine calls by operation name and outcome
	// ("ok" or "error").
	EngineOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provenance",
		Subsystem: "engine",
		Name:      "operations_total",
		Help:      "Count of engine operations by name and outcome.",
	}, []string{"operation", "outcome"})

	// EngineOperationDuration observes engine call latency by operation
	// name.
	EngineOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "provenance",
		Subsystem: "engine",
		Name:      "operation_duration_seconds",
		Help:      "Latency of engine operations by name.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// VerificationResults counts verifier classifications by status.
	VerificationResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provenance",
		Subsystem: "verifier",
		Name:      "results_total",
		Help:      "Count of verification outcomes by classification.",
	}, []string{"status"})
)

// Observe records the outcome and duration of a named engine operation. A
// nil err records outcome "ok"; any non-nil err records "error" regardless
// of its underlying sentinel, since the cardinality of error values is not
// bounded.
func Observe(operation string, durationSeconds float64, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	EngineOperations.WithLabelValues(operation, outcome).Inc()
	EngineOperationDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// Handler returns the HTTP handler serving the Prometheus text exposition
// format for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
