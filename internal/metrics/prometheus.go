// Package metrics provides Prometheus-based metrics collection for portgate.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// Namespace for all portgate metrics
	namespace = "portgate"

	// Subsystems
	subsystemScan      = "scan"
	subsystemCache     = "cache"
	subsystemRateLimit = "ratelimit"
	subsystemAdaptive  = "adaptive"
	subsystemStore     = "store"
	subsystemAPI       = "api"
	subsystemJobs      = "jobs"
)

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	// Scan metrics
	scansTotal   *prometheus.CounterVec
	scanDuration *prometheus.HistogramVec
	portsScanned *prometheus.CounterVec
	activeScans  prometheus.Gauge

	// Cache metrics
	cacheOps *prometheus.CounterVec

	// Admission metrics
	rateLimitRejections *prometheus.CounterVec
	rateLimitWarnings   prometheus.Counter

	// Adaptive controller
	concurrency prometheus.Gauge
	timeout     prometheus.Gauge

	// Store
	storeFallbacks *prometheus.CounterVec

	// Worker pool
	jobsTotal   *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	jobRetries  *prometheus.HistogramVec

	// API metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	startTime time.Time
	registry  *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initScanMetrics()
	pm.initControlMetrics()
	pm.initAPIMetrics()
	pm.registerMetrics()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

// initScanMetrics initializes scan-related metrics
func (pm *PrometheusMetrics) initScanMetrics() {
	pm.scansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "total",
			Help:      "Total number of scans by type and outcome",
		},
		[]string{"scan_type", "status"},
	)

	pm.scanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "duration_seconds",
			Help:      "Duration of scans in seconds",
			Buckets:   []float64{0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 300.0, 600.0},
		},
		[]string{"scan_type"},
	)

	pm.portsScanned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "ports_total",
			Help:      "Total number of ports probed by resulting state",
		},
		[]string{"scan_type", "state"},
	)

	pm.activeScans = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "active",
			Help:      "Number of scans currently running in this process",
		},
	)
}

// initControlMetrics initializes cache, admission, adaptive and store metrics
func (pm *PrometheusMetrics) initControlMetrics() {
	pm.cacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemCache,
			Name:      "operations_total",
			Help:      "Result cache operations by outcome (hit, miss, store, evict, error)",
		},
		[]string{"outcome"},
	)

	pm.rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRateLimit,
			Name:      "rejections_total",
			Help:      "Scan requests denied by admission layer",
		},
		[]string{"layer"},
	)

	pm.rateLimitWarnings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRateLimit,
			Name:      "large_scan_warnings_total",
			Help:      "Admitted scans above the port-count warning threshold",
		},
	)

	pm.concurrency = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemAdaptive,
			Name:      "concurrency",
			Help:      "Most recent adaptive probe concurrency",
		},
	)

	pm.timeout = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemAdaptive,
			Name:      "timeout_seconds",
			Help:      "Most recent adaptive per-probe timeout",
		},
	)

	pm.storeFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemStore,
			Name:      "fallbacks_total",
			Help:      "Store operations served by the in-memory fallback",
		},
		[]string{"operation"},
	)

	pm.jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemJobs,
			Name:      "completed_total",
			Help:      "Worker pool jobs by type and final status",
		},
		[]string{"job_type", "status"},
	)

	pm.jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemJobs,
			Name:      "duration_seconds",
			Help:      "Duration of the final job attempt in seconds",
			Buckets:   []float64{0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 300.0, 600.0},
		},
		[]string{"job_type"},
	)

	pm.jobRetries = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemJobs,
			Name:      "retries",
			Help:      "Retries spent per job",
			Buckets:   []float64{0, 1, 2, 3, 5},
		},
		[]string{"job_type"},
	)
}

// initAPIMetrics initializes API-related metrics
func (pm *PrometheusMetrics) initAPIMetrics() {
	pm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	pm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
}

// registerMetrics registers all metrics with the Prometheus registry
func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(
		pm.scansTotal,
		pm.scanDuration,
		pm.portsScanned,
		pm.activeScans,
		pm.cacheOps,
		pm.rateLimitRejections,
		pm.rateLimitWarnings,
		pm.concurrency,
		pm.timeout,
		pm.storeFallbacks,
		pm.jobsTotal,
		pm.jobDuration,
		pm.jobRetries,
		pm.httpRequests,
		pm.httpDuration,
	)
}

// GetRegistry returns the Prometheus registry for HTTP handler
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (pm *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

// GetUptime returns the time since the collectors were created.
func (pm *PrometheusMetrics) GetUptime() time.Duration {
	return time.Since(pm.startTime)
}

// ScanFinished records one completed scan.
func (pm *PrometheusMetrics) ScanFinished(scanType, status string, duration time.Duration) {
	pm.scansTotal.WithLabelValues(scanType, status).Inc()
	pm.scanDuration.WithLabelValues(scanType).Observe(duration.Seconds())
}

// PortsScanned adds count ports in state.
func (pm *PrometheusMetrics) PortsScanned(scanType, state string, count int) {
	pm.portsScanned.WithLabelValues(scanType, state).Add(float64(count))
}

// ScanStarted increments the active scan gauge.
func (pm *PrometheusMetrics) ScanStarted() {
	pm.activeScans.Inc()
}

// ScanEnded decrements the active scan gauge.
func (pm *PrometheusMetrics) ScanEnded() {
	pm.activeScans.Dec()
}

// CacheOperation counts a cache outcome.
func (pm *PrometheusMetrics) CacheOperation(outcome string) {
	pm.cacheOps.WithLabelValues(outcome).Inc()
}

// RateLimited counts an admission rejection on layer.
func (pm *PrometheusMetrics) RateLimited(layer string) {
	pm.rateLimitRejections.WithLabelValues(layer).Inc()
}

// LargeScanWarning counts a scan above the warning threshold.
func (pm *PrometheusMetrics) LargeScanWarning() {
	pm.rateLimitWarnings.Inc()
}

// AdaptiveState publishes the controller's current parameters.
func (pm *PrometheusMetrics) AdaptiveState(concurrency int, timeout time.Duration) {
	pm.concurrency.Set(float64(concurrency))
	pm.timeout.Set(timeout.Seconds())
}

// StoreFallback counts an operation served by the fallback store.
func (pm *PrometheusMetrics) StoreFallback(operation string) {
	pm.storeFallbacks.WithLabelValues(operation).Inc()
}

// JobCompleted records a worker pool job reaching its final status.
func (pm *PrometheusMetrics) JobCompleted(jobType, status string, duration time.Duration, retries int) {
	pm.jobsTotal.WithLabelValues(jobType, status).Inc()
	pm.jobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
	pm.jobRetries.WithLabelValues(jobType).Observe(float64(retries))
}

// HTTPRequest records one served request.
func (pm *PrometheusMetrics) HTTPRequest(method, route string, status int, duration time.Duration) {
	pm.httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	pm.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// Global instance for easy access
var (
	globalMetrics *PrometheusMetrics
	metricsOnce   sync.Once
)

// GetGlobalMetrics returns the global Prometheus metrics instance
func GetGlobalMetrics() *PrometheusMetrics {
	metricsOnce.Do(func() {
		globalMetrics = NewPrometheusMetrics()
	})
	return globalMetrics
}
