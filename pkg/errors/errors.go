// Package errors provides a structured error system for chartsense with error codes, categories, and context.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for chartsense operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeMissingConfig    ErrorCode = "MISSING_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"

	// Storage errors
	ErrCodeStorageRead     ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite    ErrorCode = "STORAGE_WRITE"
	ErrCodeStorageDelete   ErrorCode = "STORAGE_DELETE"
	ErrCodeEntryNotFound   ErrorCode = "ENTRY_NOT_FOUND"
	ErrCodeEntryCorrupted  ErrorCode = "ENTRY_CORRUPTED"
	ErrCodeBucketNotFound  ErrorCode = "BUCKET_NOT_FOUND"
	ErrCodeStorageDegraded ErrorCode = "STORAGE_DEGRADED"

	// Cache errors
	ErrCodeCacheFull     ErrorCode = "CACHE_FULL"
	ErrCodeCacheDisabled ErrorCode = "CACHE_DISABLED"
	ErrCodeKeyInvalid    ErrorCode = "KEY_INVALID"

	// Rate-limit errors
	ErrCodeRateLimited    ErrorCode = "RATE_LIMITED"
	ErrCodeQuotaExceeded  ErrorCode = "QUOTA_EXCEEDED"
	ErrCodeBackoffActive  ErrorCode = "BACKOFF_ACTIVE"
	ErrCodeRetryExhausted ErrorCode = "RETRY_EXHAUSTED"

	// Connection errors
	ErrCodeConnectionFailed  ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeNetworkError      ErrorCode = "NETWORK_ERROR"

	// Operation errors
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeOperationFailed   ErrorCode = "OPERATION_FAILED"
	ErrCodeValidationFailed  ErrorCode = "VALIDATION_FAILED"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
	ErrCodeUnknownError  ErrorCode = "UNKNOWN_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryStorage       ErrorCategory = "storage"
	CategoryCache         ErrorCategory = "cache"
	CategoryRateLimit     ErrorCategory = "ratelimit"
	CategoryConnection    ErrorCategory = "connection"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// Error represents a structured error with context and metadata.
type Error struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"` // kept out of JSON, errors may not marshal
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	// Retryable marks errors a retry loop may attempt again.
	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *Error) Is(target error) bool {
	if chartErr, ok := target.(*Error); ok {
		return e.Code == chartErr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *Error) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("Error{%s}", strings.Join(parts, ", "))
}

// New creates a new structured error with default values for the code.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf creates a new structured error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new structured error wrapping an underlying cause.
func Wrap(code ErrorCode, message string, cause error) *Error {
	err := New(code, message)
	err.Cause = cause
	return err
}

// WithComponent annotates the error with the originating component.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithOperation annotates the error with the failing operation.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithDetail attaches one structured detail value.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithContext attaches one string context value.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithRetryable overrides the default retryable flag.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "MISSING_CONFIG") ||
		strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "STORAGE_") || strings.HasPrefix(codeStr, "ENTRY_") ||
		strings.HasPrefix(codeStr, "BUCKET_"):
		return CategoryStorage
	case strings.HasPrefix(codeStr, "CACHE_") || strings.HasPrefix(codeStr, "KEY_"):
		return CategoryCache
	case strings.HasPrefix(codeStr, "RATE_") || strings.HasPrefix(codeStr, "QUOTA_") ||
		strings.HasPrefix(codeStr, "BACKOFF_") || strings.HasPrefix(codeStr, "RETRY_"):
		return CategoryRateLimit
	case strings.HasPrefix(codeStr, "CONNECTION_") || strings.HasPrefix(codeStr, "NETWORK_"):
		return CategoryConnection
	case strings.HasPrefix(codeStr, "OPERATION_") || strings.HasPrefix(codeStr, "VALIDATION_"):
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error code is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeRateLimited:       true,
		ErrCodeQuotaExceeded:     true,
		ErrCodeBackoffActive:     true,
		ErrCodeConnectionFailed:  true,
		ErrCodeConnectionTimeout: true,
		ErrCodeNetworkError:      true,
		ErrCodeOperationTimeout:  true,
		ErrCodeStorageDegraded:   true,
	}
	return retryableCodes[code]
}

// Code extracts the ErrorCode from any error, or ErrCodeUnknownError for
// errors outside this package's taxonomy.
func Code(err error) ErrorCode {
	var chartErr *Error
	if stderrors.As(err, &chartErr) {
		return chartErr.Code
	}
	return ErrCodeUnknownError
}

// IsRetryable reports whether a retry loop may attempt the operation again.
func IsRetryable(err error) bool {
	var chartErr *Error
	if stderrors.As(err, &chartErr) {
		return chartErr.Retryable
	}
	return false
}

// IsRateLimit reports whether the error is a rate-limit condition that
// should drive backoff state rather than a plain retry.
func IsRateLimit(err error) bool {
	var chartErr *Error
	if stderrors.As(err, &chartErr) {
		return chartErr.Category == CategoryRateLimit && chartErr.Code != ErrCodeRetryExhausted
	}
	return false
}
