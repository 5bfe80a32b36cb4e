// Package observability holds the Prometheus metrics for the scoring
// pipeline.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Evaluations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "pipeline",
		Name:      "evaluations_total",
		Help:      "Total evaluations by outcome.",
	}, []string{"outcome"}) // "ok", "degraded", "schema_error", "model_error", "error"

	Alerts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "pipeline",
		Name:      "alerts_total",
		Help:      "Total alert decisions by reason code.",
	}, []string{"reason"})

	AttributionFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "pipeline",
		Name:      "attribution_failures_total",
		Help:      "Total attribution completeness failures by method.",
	}, []string{"method"})

	StageLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kestrel",
		Subsystem: "pipeline",
		Name:      "stage_latency_seconds",
		Help:      "Per-stage pipeline latency in seconds.",
		Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"stage"}) // "build", "score", "explain", "decide", "total"

	ModelReloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "models",
		Name:      "reloads_total",
		Help:      "Total model load attempts by status.",
	}, []string{"status"}) // "ok", "failed"

	AlertDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "delivery",
		Name:      "alert_deliveries_total",
		Help:      "Total alert deliveries by sink and status.",
	}, []string{"sink", "status"})
)

func init() {
	prometheus.MustRegister(
		Evaluations,
		Alerts,
		AttributionFailures,
		StageLatency,
		ModelReloads,
		AlertDeliveries,
	)
}
