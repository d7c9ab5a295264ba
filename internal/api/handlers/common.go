// Package handlers provides the HTTP handlers of the portgate API. This file
// holds the response and request helpers the handlers share.
package handlers

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/anstrom/portgate/internal/api/middleware"
	"github.com/anstrom/portgate/internal/errors"
	"github.com/anstrom/portgate/internal/logging"
)

const maxRequestSize = 1 << 20

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error      string    `json:"error"`
	Message    string    `json:"message"`
	Code       string    `json:"code,omitempty"`
	RetryAfter float64   `json:"retry_after,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Default().Error("Failed to encode JSON response",
			"request_id", middleware.GetRequestID(r),
			"error", err)
	}
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	response := ErrorResponse{
		Error:     http.StatusText(statusCode),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
		RequestID: middleware.GetRequestID(r),
	}
	if code := errors.GetCode(err); code != errors.CodeUnknown {
		response.Code = string(code)
	}

	var rle *errors.RateLimitError
	if stderrors.As(err, &rle) {
		response.RetryAfter = rle.RetryAfter.Seconds()
	}

	writeJSON(w, r, statusCode, response)
}

// statusFor maps coded errors to HTTP status codes.
func statusFor(err error) int {
	switch errors.GetCode(err) {
	case errors.CodeValidation, errors.CodeTargetInvalid:
		return http.StatusBadRequest
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeConflict:
		return http.StatusConflict
	case errors.CodeHostUnreachable, errors.CodeNetworkUnreachable:
		return http.StatusUnprocessableEntity
	case errors.CodeRateLimited:
		return http.StatusTooManyRequests
	case errors.CodePermission:
		return http.StatusForbidden
	case errors.CodeServiceUnavailable, errors.CodeDatabaseConnection:
		return http.StatusServiceUnavailable
	case errors.CodeTimeout, errors.CodeServiceTimeout, errors.CodeDatabaseTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeRateLimitHeaders sets Retry-After and the X-RateLimit-* headers.
func writeRateLimitHeaders(w http.ResponseWriter, rle *errors.RateLimitError) {
	h := w.Header()
	if rle.RetryAfter > 0 {
		secs := int64(rle.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		h.Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	if rle.Limit > 0 {
		h.Set("X-RateLimit-Limit", strconv.Itoa(rle.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(rle.Remaining))
	}
	if !rle.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(rle.ResetAt.Unix(), 10))
	}
	if rle.Layer != "" {
		h.Set("X-RateLimit-Layer", rle.Layer)
	}
}

// extractStringFromPath extracts the id path parameter.
func extractStringFromPath(r *http.Request) (string, error) {
	idStr, exists := mux.Vars(r)["id"]
	if !exists {
		return "", fmt.Errorf("id not provided")
	}
	if strings.TrimSpace(idStr) == "" {
		return "", fmt.Errorf("id cannot be empty")
	}
	return idStr, nil
}

// getQueryParamInt extracts integer query parameter with default value.
func getQueryParamInt(r *http.Request, key string, defaultValue int) (int, error) {
	if value := r.URL.Query().Get(key); value != "" {
		return strconv.Atoi(value)
	}
	return defaultValue, nil
}

// parseJSON decodes a size-limited JSON body into dest, rejecting unknown
// fields.
func parseJSON(w http.ResponseWriter, r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.NewScanError(errors.CodeValidation, "request body is empty")
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestSize)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return errors.WrapScanError(errors.CodeValidation, "invalid JSON body", err)
	}
	return nil
}
