package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency across the gateway.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "cartofabric",
		Subsystem: "gateway",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route", "status"},
)

// CircuitState reports the current circuit breaker state per upstream
// (0=CLOSED, 1=HALF_OPEN, 2=OPEN).
var CircuitState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "cartofabric",
		Subsystem: "circuit",
		Name:      "state",
		Help:      "Circuit breaker state per upstream (0=closed,1=half_open,2=open).",
	},
	[]string{"upstream"},
)

// CacheOps counts cache hits/misses/errors by operation.
var CacheOps = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cartofabric",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache layer operations by result.",
	},
	[]string{"result"},
)

// DispatchDecisions counts C8 policy decisions by outcome.
var DispatchDecisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cartofabric",
		Subsystem: "notify",
		Name:      "dispatch_decisions_total",
		Help:      "Notification dispatch policy decisions.",
	},
	[]string{"allowed", "reason"},
)

// AnomalyScore observes the anomaly score distribution per network.
var AnomalyScore = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "cartofabric",
		Subsystem: "anomaly",
		Name:      "score",
		Help:      "Computed anomaly scores.",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	},
)

// All returns the fabric-specific collectors to register alongside the
// Go/process collectors and HTTPRequestDuration.
func All() []prometheus.Collector {
	return []prometheus.Collector{CircuitState, CacheOps, DispatchDecisions, AnomalyScore}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors, the shared HTTP duration metric, and any extra collectors.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
