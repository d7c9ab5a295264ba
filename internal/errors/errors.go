// Package errors provides structured error handling for portgate operations.
// It defines error codes, coded error types, and the typed errors surfaced by
// scan admission and execution so callers can branch with errors.As.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeCanceled      ErrorCode = "CANCELED"
	CodePermission    ErrorCode = "PERMISSION"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeConflict      ErrorCode = "CONFLICT"

	// Network and scanning errors.
	CodeNetworkUnreachable ErrorCode = "NETWORK_UNREACHABLE"
	CodeHostUnreachable    ErrorCode = "HOST_UNREACHABLE"
	CodeScanFailed         ErrorCode = "SCAN_FAILED"
	CodeTargetInvalid      ErrorCode = "TARGET_INVALID"
	CodeInsufficientData   ErrorCode = "INSUFFICIENT_DATA"

	// Database errors.
	CodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	CodeDatabaseQuery      ErrorCode = "DATABASE_QUERY"
	CodeDatabaseMigration  ErrorCode = "DATABASE_MIGRATION"
	CodeDatabaseTimeout    ErrorCode = "DATABASE_TIMEOUT"

	// Service errors.
	CodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	CodeServiceTimeout     ErrorCode = "SERVICE_TIMEOUT"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
)

// coded is implemented by every error type in this package.
type coded interface {
	error
	ErrorCode() ErrorCode
}

// ScanError represents an error that occurred during scanning operations.
type ScanError struct {
	Code      ErrorCode
	Message   string
	Target    string
	Operation string
	Cause     error
	Context   map[string]interface{}
}

// Error implements the error interface.
func (e *ScanError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Target != "" {
		msg = fmt.Sprintf("%s (target: %s)", msg, e.Target)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns the error code.
func (e *ScanError) ErrorCode() ErrorCode {
	return e.Code
}

// WithContext adds context information to the error.
func (e *ScanError) WithContext(key string, value interface{}) *ScanError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewScanError creates a new scan error with the specified code and message.
func NewScanError(code ErrorCode, message string) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewScanErrorWithTarget creates a scan error for a specific target.
func NewScanErrorWithTarget(code ErrorCode, message, target string) *ScanError {
	e := NewScanError(code, message)
	e.Target = target
	return e
}

// WrapScanError wraps an existing error as a scan error.
func WrapScanError(code ErrorCode, message string, err error) *ScanError {
	e := NewScanError(code, message)
	e.Cause = err
	return e
}

// WrapScanErrorWithTarget wraps an error with target information.
func WrapScanErrorWithTarget(code ErrorCode, message, target string, err error) *ScanError {
	e := WrapScanError(code, message, err)
	e.Target = target
	return e
}

// RateLimitError is returned when a scan is denied by one of the admission
// layers. RetryAfter is zero when the caller cannot usefully retry.
type RateLimitError struct {
	Layer      string
	Reason     string
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("[%s] %s: %s (retry after %s)", CodeRateLimited, e.Layer, e.Reason, e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("[%s] %s: %s", CodeRateLimited, e.Layer, e.Reason)
}

// ErrorCode returns CodeRateLimited.
func (e *RateLimitError) ErrorCode() ErrorCode {
	return CodeRateLimited
}

// ScanTimeoutError reports that the scan-level deadline elapsed.
type ScanTimeoutError struct {
	Target  string
	Timeout time.Duration
}

func (e *ScanTimeoutError) Error() string {
	return fmt.Sprintf("[%s] scan of %s exceeded %s", CodeTimeout, e.Target, e.Timeout)
}

// ErrorCode returns CodeTimeout.
func (e *ScanTimeoutError) ErrorCode() ErrorCode {
	return CodeTimeout
}

// InvalidTargetError reports a target or port specification that cannot be scanned.
type InvalidTargetError struct {
	Target string
	Reason string
}

func (e *InvalidTargetError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("[%s] invalid target %q", CodeTargetInvalid, e.Target)
	}
	return fmt.Sprintf("[%s] invalid target %q: %s", CodeTargetInvalid, e.Target, e.Reason)
}

// ErrorCode returns CodeTargetInvalid.
func (e *InvalidTargetError) ErrorCode() ErrorCode {
	return CodeTargetInvalid
}

// ServiceUnavailableError reports an infrastructure dependency that is down
// in a path that must fail closed.
type ServiceUnavailableError struct {
	Service string
	Cause   error
}

func (e *ServiceUnavailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s unavailable: %v", CodeServiceUnavailable, e.Service, e.Cause)
	}
	return fmt.Sprintf("[%s] %s unavailable", CodeServiceUnavailable, e.Service)
}

// Unwrap returns the underlying error.
func (e *ServiceUnavailableError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns CodeServiceUnavailable.
func (e *ServiceUnavailableError) ErrorCode() ErrorCode {
	return CodeServiceUnavailable
}

// DatabaseError represents database-related errors.
type DatabaseError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation: %s)", e.Code, e.Message, e.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns the error code.
func (e *DatabaseError) ErrorCode() ErrorCode {
	return e.Code
}

// NewDatabaseError creates a new database error.
func NewDatabaseError(code ErrorCode, message string) *DatabaseError {
	return &DatabaseError{Code: code, Message: message}
}

// WrapDatabaseError wraps an existing error as a database error.
func WrapDatabaseError(code ErrorCode, message string, err error) *DatabaseError {
	return &DatabaseError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns the error code.
func (e *ConfigError) ErrorCode() ErrorCode {
	return e.Code
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Field:   field,
		Value:   value,
	}
}

// Utility functions for common error operations

// IsCode checks if an error, or any error it wraps, has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// GetCode extracts the error code from the first coded error in the chain.
func GetCode(err error) ErrorCode {
	var c coded
	if stderrors.As(err, &c) {
		return c.ErrorCode()
	}
	return CodeUnknown
}

// IsRetryable determines if an error indicates a transient condition that a
// task runner may retry. Admission failures are never retryable.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeTimeout, CodeNetworkUnreachable, CodeServiceTimeout,
		CodeServiceUnavailable, CodeDatabaseTimeout, CodeScanFailed:
		return true
	default:
		return false
	}
}

// Common error creation functions

// ErrHostUnreachable creates an error for hosts that failed the reachability preflight.
func ErrHostUnreachable(target string) *ScanError {
	return NewScanErrorWithTarget(CodeHostUnreachable, "Host is unreachable", target)
}

// ErrInsufficientData is returned when a heuristic has no evidence to work with.
func ErrInsufficientData(what string) *ScanError {
	return NewScanError(CodeInsufficientData, "insufficient data for "+what)
}
