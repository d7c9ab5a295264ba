package handlers

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/anstrom/portgate/internal/api/middleware"
	"github.com/anstrom/portgate/internal/db"
	"github.com/anstrom/portgate/internal/errors"
	"github.com/anstrom/portgate/internal/logging"
	"github.com/anstrom/portgate/internal/probe"
	"github.com/anstrom/portgate/internal/scanning"
	"github.com/anstrom/portgate/internal/tasks"
)

const defaultListLimit = 50

// TaskRunner queues scans and reports their state. *tasks.Runner
// implements it.
type TaskRunner interface {
	Submit(ctx context.Context, spec tasks.Spec) (string, error)
	Status(scanID string) (tasks.TaskResult, bool)
	Cancel(scanID string) bool
}

// ScanHistory reads persisted scans. *db.Repository implements it.
type ScanHistory interface {
	GetScan(ctx context.Context, id string) (*scanning.Result, error)
	ListScans(ctx context.Context, limit int) ([]db.ScanSummary, error)
}

// ScanRequest is the body of POST /scans. Unset optional fields take the
// server defaults.
type ScanRequest struct {
	Target           string `json:"target" validate:"required,max=253"`
	Ports            string `json:"ports" validate:"max=4096"`
	ScanType         string `json:"scan_type" validate:"omitempty,oneof=connect tcp syn fin null xmas udp"`
	TimeoutMS        int    `json:"timeout_ms" validate:"gte=0,lte=60000"`
	ScanTimeoutSec   int    `json:"scan_timeout_sec" validate:"gte=0,lte=3600"`
	MaxConcurrent    int    `json:"max_concurrent" validate:"gte=0,lte=5000"`
	ServiceDetection *bool  `json:"service_detection"`
	BannerGrabbing   *bool  `json:"banner_grabbing"`
	OSDetection      *bool  `json:"os_detection"`
	AdaptiveScanning *bool  `json:"adaptive_scanning"`
	RequireReachable bool   `json:"require_reachable"`
	Force            bool   `json:"force"`
}

// ScanAccepted is the 202 response to POST /scans.
type ScanAccepted struct {
	ScanID    string       `json:"scan_id"`
	Status    tasks.Status `json:"status"`
	StatusURL string       `json:"status_url"`
	EventsURL string       `json:"events_url"`
}

// ScanHandler serves the scan endpoints.
type ScanHandler struct {
	runner       TaskRunner
	history      ScanHistory
	defaults     scanning.ScanConfig
	defaultPorts string
	validate     *validator.Validate
	logger       *logging.Logger
}

// NewScanHandler creates a scan handler. history may be nil when no
// database is configured.
func NewScanHandler(runner TaskRunner, history ScanHistory, defaults scanning.ScanConfig,
	defaultPorts string, logger *logging.Logger) *ScanHandler {
	return &ScanHandler{
		runner:       runner,
		history:      history,
		defaults:     defaults,
		defaultPorts: defaultPorts,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		logger:       logger.WithComponent("api").WithFields("handler", "scan"),
	}
}

// config merges the request over the server defaults.
func (h *ScanHandler) config(req *ScanRequest) (scanning.ScanConfig, error) {
	cfg := h.defaults
	if req.ScanType != "" {
		t, err := probe.ParseScanType(req.ScanType)
		if err != nil {
			return cfg, errors.WrapScanError(errors.CodeValidation, "invalid scan type", err)
		}
		cfg.ScanType = t
	}
	if req.TimeoutMS > 0 {
		cfg.Timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	if req.ScanTimeoutSec > 0 {
		cfg.ScanTimeout = time.Duration(req.ScanTimeoutSec) * time.Second
	}
	if req.MaxConcurrent > 0 {
		cfg.MaxConcurrent = req.MaxConcurrent
	}
	if req.ServiceDetection != nil {
		cfg.ServiceDetection = *req.ServiceDetection
	}
	if req.BannerGrabbing != nil {
		cfg.BannerGrabbing = *req.BannerGrabbing
	}
	if req.OSDetection != nil {
		cfg.OSDetection = *req.OSDetection
	}
	if req.AdaptiveScanning != nil {
		cfg.AdaptiveScanning = *req.AdaptiveScanning
	}
	cfg.RequireReachable = req.RequireReachable
	cfg.Force = req.Force
	return cfg, nil
}

// clientID keys the per-client quota on the peer address. Forwarded
// addresses count only when the server trusts the proxy that set them.
func clientID(r *http.Request) string {
	return middleware.ClientIP(r)
}

// CreateScan handles POST /scans.
func (h *ScanHandler) CreateScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if err := parseJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, errors.WrapScanError(errors.CodeValidation, "invalid scan request", err))
		return
	}

	cfg, err := h.config(&req)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	ports := req.Ports
	if ports == "" {
		ports = h.defaultPorts
	}

	scanID, err := h.runner.Submit(r.Context(), tasks.Spec{
		ClientID: clientID(r),
		Target:   req.Target,
		Ports:    ports,
		Config:   cfg,
	})
	if err != nil {
		h.writeSubmitError(w, r, err)
		return
	}

	status := tasks.StatusQueued
	if t, ok := h.runner.Status(scanID); ok {
		status = t.Status
	}

	h.logger.Info("Scan accepted",
		"request_id", middleware.GetRequestID(r),
		"scan_id", scanID,
		"target", req.Target,
		"client_id", clientID(r))

	w.Header().Set("Location", "/api/v1/scans/"+scanID)
	writeJSON(w, r, http.StatusAccepted, ScanAccepted{
		ScanID:    scanID,
		Status:    status,
		StatusURL: "/api/v1/scans/" + scanID,
		EventsURL: "/api/v1/ws/scans/" + scanID,
	})
}

func (h *ScanHandler) writeSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	var rle *errors.RateLimitError
	if stderrors.As(err, &rle) {
		writeRateLimitHeaders(w, rle)
		h.logger.Warn("Scan rate limited",
			"request_id", middleware.GetRequestID(r),
			"layer", rle.Layer,
			"retry_after", rle.RetryAfter)
		writeError(w, r, http.StatusTooManyRequests, err)
		return
	}

	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Failed to submit scan", "request_id", middleware.GetRequestID(r), "error", err)
	}
	writeError(w, r, status, err)
}

// GetScan handles GET /scans/{id}. Live tasks are served from the runner;
// older scans from the history store when one is configured.
func (h *ScanHandler) GetScan(w http.ResponseWriter, r *http.Request) {
	id, err := extractStringFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	if t, ok := h.runner.Status(id); ok {
		writeJSON(w, r, http.StatusOK, t)
		return
	}

	if h.history != nil {
		res, err := h.history.GetScan(r.Context(), id)
		if err == nil {
			writeJSON(w, r, http.StatusOK, taskFromResult(res))
			return
		}
		if !errors.IsCode(err, errors.CodeNotFound) {
			writeError(w, r, statusFor(err), err)
			return
		}
	}

	writeError(w, r, http.StatusNotFound, errScanNotFound(id))
}

// ListScans handles GET /scans?limit=N from the history store.
func (h *ScanHandler) ListScans(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, r, http.StatusNotImplemented, fmt.Errorf("scan history requires a database"))
		return
	}
	limit, err := getQueryParamInt(r, "limit", defaultListLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid limit parameter: %w", err))
		return
	}

	scans, err := h.history.ListScans(r.Context(), limit)
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{"scans": scans, "count": len(scans)})
}

// CancelScan handles DELETE /scans/{id}.
func (h *ScanHandler) CancelScan(w http.ResponseWriter, r *http.Request) {
	id, err := extractStringFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	if h.runner.Cancel(id) {
		writeJSON(w, r, http.StatusAccepted, map[string]string{"scan_id": id, "status": "cancelling"})
		return
	}
	if t, ok := h.runner.Status(id); ok {
		writeError(w, r, http.StatusConflict, fmt.Errorf("scan %s is %s", id, t.Status))
		return
	}
	writeError(w, r, http.StatusNotFound, errScanNotFound(id))
}

func errScanNotFound(id string) error {
	return errors.NewScanError(errors.CodeNotFound, fmt.Sprintf("scan %s not found", id))
}

func taskFromResult(res *scanning.Result) tasks.TaskResult {
	status := tasks.StatusCompleted
	if res.Incomplete {
		status = tasks.StatusCancelled
	}
	return tasks.TaskResult{
		ScanID:            res.ScanID,
		Target:            res.Target,
		TotalPortsScanned: len(res.Ports),
		OpenPorts:         res.OpenPorts(),
		Status:            status,
		Progress:          100,
		Cached:            res.Cached,
		Attempts:          1,
		Result:            res,
		CreatedAt:         res.StartTime,
		UpdatedAt:         res.EndTime,
	}
}
