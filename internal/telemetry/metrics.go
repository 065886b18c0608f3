// Package telemetry provides application-level observability for Mechanic.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served on the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<MECHANIC_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router, so the
// console port never exposes it.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Reverse proxy outcomes towards the Garage admin API
//   - Service key provisioning (key creation and bucket grants)
//   - Object store operations issued by the bucket browser
//   - Live session count
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/buckets/:bucketId/file)
// rather than the raw request URL. Bucket IDs and object paths never become labels.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Proxy outcome labels.
const (
	ProxyOutcomeRelayed         = "relayed"
	ProxyOutcomeUnauthenticated = "unauthenticated"
	ProxyOutcomeTransportError  = "transport_error"
	ProxyOutcomeInternalError   = "internal_error"
)

// ProxyRequestsTotal counts requests forwarded to the Garage admin API, by
// inbound method and outcome. An upstream 4xx/5xx that was relayed to the
// browser counts as "relayed".
//
// Example PromQL queries:
//   - Garage unreachable: rate(mechanic_proxy_requests_total{outcome="transport_error"}[5m]) > 0
var ProxyRequestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mechanic_proxy_requests_total",
		Help: "Total number of requests forwarded to the Garage admin API, by method and outcome.",
	},
	[]string{"method", "outcome"},
)

// ProxyUpstreamDuration observes the round trip to the Garage admin API for
// proxied requests, excluding body relay to the browser.
var ProxyUpstreamDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "mechanic_proxy_upstream_duration_seconds",
		Help:    "Round-trip latency of proxied requests to the Garage admin API.",
		Buckets: prometheus.DefBuckets,
	},
)

// Service key provisioning counters. Both should stay near zero once a
// cluster has been browsed once; a steady rate of creations means something
// keeps deleting the Mechanic key.
var (
	ServiceKeyCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mechanic_service_key_created_total",
			Help: "Number of times the Mechanic service key had to be created.",
		},
	)

	ServiceKeyGrantsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mechanic_service_key_grants_total",
			Help: "Number of bucket permission grants issued to the Mechanic service key.",
		},
	)
)

// ObjectOperationsTotal counts object store calls made by the bucket
// browser, by operation (list, get, put, delete) and status (ok, not_found, error).
var ObjectOperationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mechanic_object_operations_total",
		Help: "Total number of object store operations issued by the bucket browser.",
	},
	[]string{"operation", "status"},
)

// ActiveSessions tracks sessions currently holding an admin token in the
// in-memory store. The redis store does not report it.
var ActiveSessions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "mechanic_active_sessions",
		Help: "Current number of sessions holding an admin token (memory store only).",
	},
)
