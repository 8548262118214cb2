package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the server.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec
	StoreErrorsTotal       *prometheus.CounterVec

	ScriptInvocationsTotal   *prometheus.CounterVec
	ScriptInvocationDuration *prometheus.HistogramVec
	ScriptCompilationsTotal  *prometheus.CounterVec
	ScriptTimeoutsTotal      *prometheus.CounterVec

	HubConnections prometheus.Gauge
	HubRooms       prometheus.Gauge
	HubFramesSent  *prometheus.CounterVec
	HubDropped     *prometheus.CounterVec

	BrokerPublishTotal  *prometheus.CounterVec
	BrokerPublishErrors *prometheus.CounterVec
	BrokerReconnects    prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics against registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relayd_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "collection", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relayd_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "collection"},
		),
		StoreOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relayd_store_operations_total",
				Help: "Total number of store operations",
			},
			[]string{"operation", "backend"},
		),
		StoreOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relayd_store_operation_duration_seconds",
				Help:    "Store operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "backend"},
		),
		StoreErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relayd_store_errors_total",
				Help: "Total number of store errors",
			},
			[]string{"operation", "backend"},
		),
		ScriptInvocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relayd_script_invocations_total",
				Help: "Total number of event script invocations",
			},
			[]string{"collection", "phase", "engine", "status"},
		),
		ScriptInvocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relayd_script_invocation_duration_seconds",
				Help:    "Event script invocation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"collection", "phase", "engine"},
		),
		ScriptCompilationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relayd_script_compilations_total",
				Help: "Total number of event script compilations",
			},
			[]string{"collection", "phase", "engine"},
		),
		ScriptTimeoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relayd_script_timeouts_total",
				Help: "Total number of event script invocations aborted by timeout",
			},
			[]string{"collection", "phase", "engine"},
		),
		HubConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relayd_hub_connections",
				Help: "Number of live WebSocket connections",
			},
		),
		HubRooms: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relayd_hub_rooms",
				Help: "Number of rooms with at least one subscriber",
			},
		),
		HubFramesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relayd_hub_frames_sent_total",
				Help: "Total number of frames sent to WebSocket clients",
			},
			[]string{"type"},
		),
		HubDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relayd_hub_dropped_total",
				Help: "Total number of frames dropped due to a full send queue",
			},
			[]string{"reason"},
		),
		BrokerPublishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relayd_broker_publish_total",
				Help: "Total number of broker publish attempts",
			},
			[]string{"backend"},
		),
		BrokerPublishErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relayd_broker_publish_errors_total",
				Help: "Total number of broker publish failures",
			},
			[]string{"backend"},
		),
		BrokerReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relayd_broker_reconnects_total",
				Help: "Total number of broker reconnect attempts",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.StoreOperationsTotal,
		m.StoreOperationDuration,
		m.StoreErrorsTotal,
		m.ScriptInvocationsTotal,
		m.ScriptInvocationDuration,
		m.ScriptCompilationsTotal,
		m.ScriptTimeoutsTotal,
		m.HubConnections,
		m.HubRooms,
		m.HubFramesSent,
		m.HubDropped,
		m.BrokerPublishTotal,
		m.BrokerPublishErrors,
		m.BrokerReconnects,
	)

	return m
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// collectionOf extracts the collection-or-route label from a request (kept
// separate from the URL path so that /todos/abc123 and /todos/def456 share a
// label instead of creating unbounded cardinality).
func HTTPMetricsMiddleware(metrics *Metrics, collectionOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			collection := collectionOf(r)
			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, collection, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, collection).Observe(duration)
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint.
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
