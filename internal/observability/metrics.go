package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets     = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	dispatchDurationBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}
	resyncDurationBuckets   = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	batchSizeBuckets        = []float64{0, 1, 2, 5, 10, 25, 50, 100, 500}
)

// Snapshot check results.
const (
	SnapshotFirstSight = "first_sight"
	SnapshotMismatch   = "mismatch"
	SnapshotEqual      = "equal"
)

// Resync outcomes.
const (
	ResyncApplied  = "applied"
	ResyncStale    = "stale"
	ResyncFailed   = "failed"
	ResyncRejected = "rejected"
	ResyncSkipped  = "skipped"
)

// Metrics holds all Prometheus metric instruments of the sync client. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics (inspection surface)
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Event dispatch metrics
	EventsDispatchedTotal *prometheus.CounterVec
	EventsUnknownTotal    *prometheus.CounterVec
	EventHandlerFailures  *prometheus.CounterVec
	EventDispatchDuration *prometheus.HistogramVec

	// Patch metrics
	PatchOpsTotal     *prometheus.CounterVec
	PatchBatchesTotal prometheus.Counter
	PatchBatchSize    prometheus.Histogram

	// Snapshot and resync metrics
	SnapshotChecksTotal *prometheus.CounterVec
	ResyncsTotal        *prometheus.CounterVec
	ResyncDuration      prometheus.Histogram

	// Subscription metrics
	SubscriptionsActive  prometheus.Gauge
	SubscriptionOpsTotal *prometheus.CounterVec

	// Transport metrics
	TransportReconnectsTotal prometheus.Counter
	TransportMessagesTotal   *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wfsync_http_requests_total",
			Help: "Total number of inspection HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wfsync_http_request_duration_seconds",
			Help:    "Inspection HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		// Events
		EventsDispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wfsync_events_dispatched_total",
			Help: "Total number of events dispatched to a handler.",
		}, []string{"source", "event_type"}),
		EventsUnknownTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wfsync_events_unknown_total",
			Help: "Total number of events ignored because no handler is registered.",
		}, []string{"source"}),
		EventHandlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wfsync_event_handler_failures_total",
			Help: "Total number of event handlers that returned an error or panicked.",
		}, []string{"event_type", "reason"}),
		EventDispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wfsync_event_dispatch_duration_seconds",
			Help:    "Event handler duration in seconds.",
			Buckets: dispatchDurationBuckets,
		}, []string{"event_type"}),

		// Patches
		PatchOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wfsync_patch_ops_total",
			Help: "Total number of patch operations by result.",
		}, []string{"op", "result"}),
		PatchBatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wfsync_patch_batches_total",
			Help: "Total number of patch batches applied.",
		}),
		PatchBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wfsync_patch_batch_size",
			Help:    "Number of operations per patch batch.",
			Buckets: batchSizeBuckets,
		}),

		// Snapshots and resyncs
		SnapshotChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wfsync_snapshot_checks_total",
			Help: "Total number of snapshot id checks by result.",
		}, []string{"result"}),
		ResyncsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wfsync_resyncs_total",
			Help: "Total number of resyncs by outcome.",
		}, []string{"outcome"}),
		ResyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wfsync_resync_duration_seconds",
			Help:    "Resync duration in seconds, including the full-state fetch.",
			Buckets: resyncDurationBuckets,
		}),

		// Subscriptions
		SubscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wfsync_subscriptions_active",
			Help: "Number of live workflow subscriptions.",
		}),
		SubscriptionOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wfsync_subscription_ops_total",
			Help: "Total number of transport subscribe/unsubscribe calls.",
		}, []string{"op", "status"}),

		// Transport
		TransportReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wfsync_transport_reconnects_total",
			Help: "Total number of transport reconnects.",
		}),
		TransportMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wfsync_transport_messages_total",
			Help: "Total number of transport messages by direction.",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		// Events
		m.EventsDispatchedTotal,
		m.EventsUnknownTotal,
		m.EventHandlerFailures,
		m.EventDispatchDuration,
		// Patches
		m.PatchOpsTotal,
		m.PatchBatchesTotal,
		m.PatchBatchSize,
		// Snapshots and resyncs
		m.SnapshotChecksTotal,
		m.ResyncsTotal,
		m.ResyncDuration,
		// Subscriptions
		m.SubscriptionsActive,
		m.SubscriptionOpsTotal,
		// Transport
		m.TransportReconnectsTotal,
		m.TransportMessagesTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records inspection HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordEventDispatched records a handler invocation.
func (m *Metrics) RecordEventDispatched(source, eventType string, duration time.Duration) {
	if m == nil {
		return
	}
	m.EventsDispatchedTotal.WithLabelValues(source, eventType).Inc()
	m.EventDispatchDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

// RecordEventUnknown records an event without a registered handler.
func (m *Metrics) RecordEventUnknown(source string) {
	if m == nil {
		return
	}
	m.EventsUnknownTotal.WithLabelValues(source).Inc()
}

// RecordEventHandlerFailure records a handler error ("error") or panic ("panic").
func (m *Metrics) RecordEventHandlerFailure(eventType, reason string) {
	if m == nil {
		return
	}
	m.EventHandlerFailures.WithLabelValues(eventType, reason).Inc()
}

// RecordPatchOp records the result of one patch operation. result is
// "applied" or the error code.
func (m *Metrics) RecordPatchOp(op, result string) {
	if m == nil {
		return
	}
	m.PatchOpsTotal.WithLabelValues(op, result).Inc()
}

// RecordPatchBatch records one applied batch.
func (m *Metrics) RecordPatchBatch(size int) {
	if m == nil {
		return
	}
	m.PatchBatchesTotal.Inc()
	m.PatchBatchSize.Observe(float64(size))
}

// RecordSnapshotCheck records a snapshot id comparison.
func (m *Metrics) RecordSnapshotCheck(result string) {
	if m == nil {
		return
	}
	m.SnapshotChecksTotal.WithLabelValues(result).Inc()
}

// RecordResync records a resync outcome and its duration.
func (m *Metrics) RecordResync(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ResyncsTotal.WithLabelValues(outcome).Inc()
	m.ResyncDuration.Observe(duration.Seconds())
}

// SetSubscriptionsActive sets the number of live subscriptions.
func (m *Metrics) SetSubscriptionsActive(count int) {
	if m == nil {
		return
	}
	m.SubscriptionsActive.Set(float64(count))
}

// RecordSubscriptionOp records a transport subscribe or unsubscribe call.
func (m *Metrics) RecordSubscriptionOp(op string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.SubscriptionOpsTotal.WithLabelValues(op, status).Inc()
}

// RecordTransportReconnect records a transport reconnect.
func (m *Metrics) RecordTransportReconnect() {
	if m == nil {
		return
	}
	m.TransportReconnectsTotal.Inc()
}

// RecordTransportMessage records a message in the given direction ("in" or "out").
func (m *Metrics) RecordTransportMessage(direction string) {
	if m == nil {
		return
	}
	m.TransportMessagesTotal.WithLabelValues(direction).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status code.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
