// Package metrics exposes Prometheus collectors for the service façade and
// admission-control layer: a private registry plus promauto-registered
// vectors, namespaced rather than hung off the global default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "spacepanda"

// Registry is the private registry all collectors in this package register
// against. Keeping it private (instead of the global default registry) lets
// multiple Service instances coexist in one process without collector
// collisions.
var Registry = prometheus.NewRegistry()

var (
	GroupsActive = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "mls",
		Name:      "groups_active",
		Help:      "Number of groups currently held by the registry.",
	})

	EpochAdvances = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mls",
		Name:      "epoch_advances_total",
		Help:      "Total number of epoch advances across all groups.",
	})

	MessagesProcessed = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mls",
		Name:      "messages_processed_total",
		Help:      "Total number of processed incoming messages by content type.",
	}, []string{"content_type"})

	ProtocolErrors = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mls",
		Name:      "protocol_errors_total",
		Help:      "Total number of protocol-layer validation errors by kind.",
	}, []string{"kind"})

	AdmissionRejections = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "admission",
		Name:      "rejections_total",
		Help:      "Total number of admissions rejected, by reason.",
	}, []string{"reason"})

	BreakerState = promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "admission",
		Name:      "breaker_state",
		Help:      "Circuit breaker state per peer (0=closed, 1=half-open, 2=open).",
	}, []string{"peer"})

	StorageOperationDuration = promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "operation_duration_seconds",
		Help:      "Storage operation duration in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
	}, []string{"operation"})

	CRDTOpsApplied = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "crdt",
		Name:      "ops_applied_total",
		Help:      "Total number of CRDT operations applied, by type.",
	}, []string{"op_type"})
)

// Handler returns the HTTP handler serving this package's registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
