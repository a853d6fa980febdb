package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/od-approval-api/internal/models"
)

// MetricsService encapsulates Prometheus instrumentation for HTTP traffic and the workflow.
type MetricsService struct {
	registry          *prometheus.Registry
	handler           http.Handler
	requestDuration   *prometheus.HistogramVec
	requestTotal      *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	dualWriteFailures *prometheus.CounterVec
	notifications     *prometheus.CounterVec
	reconcileRepairs  *prometheus.CounterVec
	directoryCache    *prometheus.CounterVec
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

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "od_transitions_total",
		Help: "Committed workflow transitions",
	}, []string{"from", "to"})

	dualWriteFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "od_dual_write_failures_total",
		Help: "Physical store failures during dual writes",
	}, []string{"op", "store"})

	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "od_notifications_total",
		Help: "Notification records attempted",
	}, []string{"type", "result"})

	reconcileRepairs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "od_reconcile_repairs_total",
		Help: "Live-store repairs applied by the reconciler",
	}, []string{"kind"})

	directoryCache := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "od_directory_cache_total",
		Help: "Role-holder lookups served from or missed by the directory cache",
	}, []string{"result"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, transitions, dualWriteFailures, notifications, reconcileRepairs, directoryCache, goroutines)

	return &MetricsService{
		registry:          registry,
		handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:   requestDuration,
		requestTotal:      requestTotal,
		transitions:       transitions,
		dualWriteFailures: dualWriteFailures,
		notifications:     notifications,
		reconcileRepairs:  reconcileRepairs,
		directoryCache:    directoryCache,
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

// Registry exposes the underlying registry.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordTransition counts a committed stage change.
func (m *MetricsService) RecordTransition(from, to models.Stage) {
	if m == nil {
		return
	}
	if from == "" {
		from = models.StageSubmitted
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// RecordDualWriteFailure counts a physical store failure.
func (m *MetricsService) RecordDualWriteFailure(op, store string) {
	if m == nil {
		return
	}
	m.dualWriteFailures.WithLabelValues(op, store).Inc()
}

// RecordNotification counts a notification attempt.
func (m *MetricsService) RecordNotification(kind models.NotificationType, err error) {
	if m == nil {
		return
	}
	result := "created"
	if err != nil {
		result = "failed"
	}
	m.notifications.WithLabelValues(string(kind), result).Inc()
}

// RecordRepair counts reconciliation repairs of a kind.
func (m *MetricsService) RecordRepair(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reconcileRepairs.WithLabelValues(kind).Add(float64(n))
}

// RecordDirectoryCache counts an account directory cache lookup.
func (m *MetricsService) RecordDirectoryCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.directoryCache.WithLabelValues(result).Inc()
}
