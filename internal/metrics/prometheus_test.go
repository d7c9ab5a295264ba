package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetrics_Initialization(t *testing.T) {
	pm := NewPrometheusMetrics()
	require.NotNil(t, pm)
	require.NotNil(t, pm.GetRegistry())

	before := pm.GetUptime()
	time.Sleep(5 * time.Millisecond)
	assert.Greater(t, pm.GetUptime(), before)
}

func TestPrometheusMetrics_ScanCounters(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.ScanFinished("connect", "completed", 2*time.Second)
	pm.ScanFinished("connect", "completed", time.Second)
	pm.ScanFinished("syn", "failed", time.Second)
	pm.PortsScanned("connect", "open", 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(pm.scansTotal.WithLabelValues("connect", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.scansTotal.WithLabelValues("syn", "failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(pm.portsScanned.WithLabelValues("connect", "open")))
	assert.Equal(t, 2, testutil.CollectAndCount(pm.scanDuration))
}

func TestPrometheusMetrics_ActiveScans(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.ScanStarted()
	pm.ScanStarted()
	pm.ScanEnded()

	assert.Equal(t, 1.0, testutil.ToFloat64(pm.activeScans))
}

func TestPrometheusMetrics_ControlPlane(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.CacheOperation("hit")
	pm.CacheOperation("miss")
	pm.CacheOperation("miss")
	pm.RateLimited("client")
	pm.LargeScanWarning()
	pm.AdaptiveState(75, 800*time.Millisecond)
	pm.StoreFallback("incr")

	assert.Equal(t, 1.0, testutil.ToFloat64(pm.cacheOps.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.cacheOps.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.rateLimitRejections.WithLabelValues("client")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.rateLimitWarnings))
	assert.Equal(t, 75.0, testutil.ToFloat64(pm.concurrency))
	assert.InDelta(t, 0.8, testutil.ToFloat64(pm.timeout), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.storeFallbacks.WithLabelValues("incr")))
}

func TestPrometheusMetrics_JobCompleted(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.JobCompleted("scan", "success", 2*time.Second, 0)
	pm.JobCompleted("scan", "error", time.Second, 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(pm.jobsTotal.WithLabelValues("scan", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.jobsTotal.WithLabelValues("scan", "error")))
	assert.Equal(t, 2, testutil.CollectAndCount(pm.jobsTotal))
}

func TestPrometheusMetrics_HTTPRequestStatusClass(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.HTTPRequest(http.MethodPost, "/api/v1/scans", http.StatusAccepted, time.Millisecond)
	pm.HTTPRequest(http.MethodPost, "/api/v1/scans", http.StatusTooManyRequests, time.Millisecond)
	pm.HTTPRequest(http.MethodGet, "/api/v1/health", http.StatusServiceUnavailable, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(pm.httpRequests.WithLabelValues("POST", "/api/v1/scans", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.httpRequests.WithLabelValues("POST", "/api/v1/scans", "4xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.httpRequests.WithLabelValues("GET", "/api/v1/health", "5xx")))
}

func TestPrometheusMetrics_HandlerServes(t *testing.T) {
	pm := NewPrometheusMetrics()
	pm.ScanStarted()

	rr := httptest.NewRecorder()
	pm.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "portgate_scan_active 1")
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}

func TestGetGlobalMetrics(t *testing.T) {
	assert.Same(t, GetGlobalMetrics(), GetGlobalMetrics())
}

func TestNopSatisfiesRecorder(t *testing.T) {
	var r Recorder = Nop{}
	r.ScanStarted()
	r.AdaptiveState(1, time.Second)
}
