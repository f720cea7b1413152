package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus instruments for the service. A single
// instance is created at startup and shared across components.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP layer.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec
	HTTPInFlight        prometheus.Gauge

	// Workflow lifecycle. Events are the transition names emitted by the
	// engine: started, advanced, completed, failed, cancelled, escalated,
	// retried, skipped, timeout_extended, dispatch_failed.
	WorkflowEventsTotal *prometheus.CounterVec
	ActiveInstances     *prometheus.GaugeVec

	// Recovery actions applied through the operations surface.
	RecoveryActionsTotal *prometheus.CounterVec

	// Notification delivery outcomes and circuit breaker state
	// (0=closed, 1=open, 2=half-open).
	DeliveriesTotal *prometheus.CounterVec
	BreakerState    prometheus.Gauge

	// Timeout scheduler.
	TrackedDeadlines    prometheus.Gauge
	SweepDuration       prometheus.Histogram
	TimeoutFiringsTotal prometheus.Counter

	// Definition registry.
	DefinitionsLoaded prometheus.Gauge
}

// NewMetrics creates and registers all instruments on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_http_requests_total",
			Help: "HTTP requests by method, route, and status code.",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arbiter_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method", "route"}),
		HTTPResponseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arbiter_http_response_size_bytes",
			Help:    "HTTP response body size by route.",
			Buckets: prometheus.ExponentialBuckets(128, 4, 7),
		}, []string{"route"}),
		HTTPInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arbiter_http_in_flight_requests",
			Help: "Number of HTTP requests currently being served.",
		}),

		WorkflowEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_workflow_events_total",
			Help: "Workflow lifecycle transitions by definition and event.",
		}, []string{"definition_id", "event"}),
		ActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arbiter_workflow_active_instances",
			Help: "Instances currently in a non-terminal status, by definition.",
		}, []string{"definition_id"}),

		RecoveryActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_recovery_actions_total",
			Help: "Recovery actions by action type and result.",
		}, []string{"action", "result"}),

		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_notification_deliveries_total",
			Help: "Notification delivery attempts by result.",
		}, []string{"result"}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arbiter_notifier_breaker_state",
			Help: "Webhook circuit breaker state: 0=closed, 1=open, 2=half-open.",
		}),

		TrackedDeadlines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arbiter_scheduler_tracked_deadlines",
			Help: "Deadlines currently armed in the timeout scheduler.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arbiter_scheduler_sweep_duration_seconds",
			Help:    "Duration of store sweeps for overdue deadlines.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		TimeoutFiringsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arbiter_scheduler_timeout_firings_total",
			Help: "Deadline firings handed to the timeout handler.",
		}),

		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arbiter_definitions_loaded",
			Help: "Workflow definitions currently loaded in the registry.",
		}),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.HTTPInFlight,
		m.WorkflowEventsTotal,
		m.ActiveInstances,
		m.RecoveryActionsTotal,
		m.DeliveriesTotal,
		m.BreakerState,
		m.TrackedDeadlines,
		m.SweepDuration,
		m.TimeoutFiringsTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// OnWorkflowEvent records a lifecycle transition and keeps the active
// instance gauge in step with terminal events. It satisfies the engine's
// observer interface.
func (m *Metrics) OnWorkflowEvent(definitionID, event string) {
	m.WorkflowEventsTotal.WithLabelValues(definitionID, event).Inc()

	switch event {
	case "started":
		m.ActiveInstances.WithLabelValues(definitionID).Inc()
	case "completed", "failed", "cancelled":
		m.ActiveInstances.WithLabelValues(definitionID).Dec()
	}
}

// ObserveSweep records the duration of one scheduler store sweep.
func (m *Metrics) ObserveSweep(d time.Duration) {
	m.SweepDuration.Observe(d.Seconds())
}

// AddFirings records deadline firings handed to the timeout handler.
func (m *Metrics) AddFirings(n int) {
	m.TimeoutFiringsTotal.Add(float64(n))
}

// SetTracked records the number of armed deadlines.
func (m *Metrics) SetTracked(n int) {
	m.TrackedDeadlines.Set(float64(n))
}

// RecordRecoveryAction records the outcome of a recovery action.
func (m *Metrics) RecordRecoveryAction(action string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.RecoveryActionsTotal.WithLabelValues(action, result).Inc()
}

// RecordDelivery records a notification delivery attempt.
func (m *Metrics) RecordDelivery(delivered bool) {
	result := "delivered"
	if !delivered {
		result = "failed"
	}
	m.DeliveriesTotal.WithLabelValues(result).Inc()
}

// SetBreakerState maps a breaker state name to the gauge encoding.
func (m *Metrics) SetBreakerState(state string) {
	var v float64
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	m.BreakerState.Set(v)
}

// MetricsMiddleware instruments every request with count, latency, and
// response size, labelled by the chi route pattern rather than the raw
// path so instance IDs do not explode cardinality.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.HTTPInFlight.Inc()
		defer m.HTTPInFlight.Dec()

		start := time.Now()
		mw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(mw, r)

		route := routePattern(r)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(mw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		m.HTTPResponseSize.WithLabelValues(route).Observe(float64(mw.written))
	})
}

// routePattern returns the matched chi route pattern, falling back to the
// raw path for requests that never matched a route.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	if pattern := rctx.RoutePattern(); pattern != "" {
		return pattern
	}
	return r.URL.Path
}

type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *metricsResponseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}
