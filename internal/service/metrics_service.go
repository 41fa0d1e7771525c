package service

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the workflow
// engine.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	transitionTotal *prometheus.CounterVec
	eventQueueDepth prometheus.Gauge
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	transitionTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_transitions_total",
		Help: "Total committed workflow state transitions",
	}, []string{"entity", "action"})

	eventQueueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "workflow_event_queue_depth",
		Help: "Events waiting in the dispatcher queue",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, transitionTotal, eventQueueDepth, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		transitionTotal: transitionTotal,
		eventQueueDepth: eventQueueDepth,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records one served request.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"method": method, "path": path, "status": strconv.Itoa(status)}
	m.requestDuration.With(labels).Observe(duration.Seconds())
	m.requestTotal.With(labels).Inc()
}

// CountWorkflowTransition records one committed state transition.
func (m *MetricsService) CountWorkflowTransition(entity, action string) {
	if m == nil {
		return
	}
	m.transitionTotal.WithLabelValues(entity, action).Inc()
}

// SetEventQueueDepth reports the dispatcher backlog.
func (m *MetricsService) SetEventQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.eventQueueDepth.Set(float64(depth))
}
