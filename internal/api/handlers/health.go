package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/anstrom/portgate/internal/logging"
	"github.com/anstrom/portgate/internal/scanning"
)

// Pinger is a dependency the health check can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TrackerStats reports local scan slot occupancy. *scanning.Tracker
// implements it.
type TrackerStats interface {
	Stats() scanning.TrackerStats
}

const healthCheckTimeout = 5 * time.Second

// Health status values.
const (
	StatusHealthy       = "healthy"
	StatusDegraded      = "degraded"
	StatusUnhealthy     = "unhealthy"
	StatusNotConfigured = "not configured"
)

// HealthHandler serves the health and liveness endpoints.
type HealthHandler struct {
	store     Pinger
	database  Pinger
	tracker   TrackerStats
	logger    *logging.Logger
	startTime time.Time
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]string      `json:"checks"`
	Scans     *scanning.TrackerStats `json:"scans,omitempty"`
}

// LivenessResponse represents a simple liveness check response.
type LivenessResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

// NewHealthHandler creates a health handler. Any dependency may be nil.
func NewHealthHandler(store, database Pinger, tracker TrackerStats, logger *logging.Logger) *HealthHandler {
	return &HealthHandler{
		store:     store,
		database:  database,
		tracker:   tracker,
		logger:    logger.WithComponent("api").WithFields("handler", "health"),
		startTime: time.Now(),
	}
}

// Health checks the store and database. A store outage degrades the
// service, since the gate and cache fall back or fail open; a database
// outage makes it unhealthy.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	response := HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).String(),
		Checks:    make(map[string]string),
	}

	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			response.Status = StatusDegraded
			response.Checks["store"] = "failed: " + err.Error()
			h.logger.Warn("Store health check failed", "error", err)
		} else {
			response.Checks["store"] = "ok"
		}
	} else {
		response.Checks["store"] = StatusNotConfigured
	}

	if h.database != nil {
		if err := h.database.Ping(ctx); err != nil {
			response.Status = StatusUnhealthy
			response.Checks["database"] = "failed: " + err.Error()
			h.logger.Warn("Database health check failed", "error", err)
		} else {
			response.Checks["database"] = "ok"
		}
	} else {
		response.Checks["database"] = StatusNotConfigured
	}

	if h.tracker != nil {
		stats := h.tracker.Stats()
		response.Scans = &stats
		if stats.Closed {
			response.Status = StatusUnhealthy
			response.Checks["scanner"] = "closed"
		} else {
			response.Checks["scanner"] = "ok"
		}
	}

	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, r, statusCode, response)
}

// Liveness reports that the process is serving requests.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).String(),
	})
}
