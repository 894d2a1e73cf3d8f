// Package errors provides the structured error system for syncache with
// error codes, categories, and retryability classification.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for syncache operations.
type ErrorCode string

// Error code constants grouped by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Local store errors
	ErrCodeStoreOpen     ErrorCode = "STORE_OPEN"
	ErrCodeStoreRead     ErrorCode = "STORE_READ"
	ErrCodeStoreWrite    ErrorCode = "STORE_WRITE"
	ErrCodeStoreScan     ErrorCode = "STORE_SCAN"
	ErrCodeItemNotFound  ErrorCode = "ITEM_NOT_FOUND"
	ErrCodeInvalidItem   ErrorCode = "INVALID_ITEM"
	ErrCodeUnknownIndex  ErrorCode = "UNKNOWN_INDEX"
	ErrCodeStoreMigrate  ErrorCode = "STORE_MIGRATE"
	ErrCodeStorePayload  ErrorCode = "STORE_PAYLOAD"
	ErrCodeStoreConflict ErrorCode = "STORE_CONFLICT"

	// Remote tier errors
	ErrCodeRemoteUnavailable ErrorCode = "REMOTE_UNAVAILABLE"
	ErrCodeRemoteTimeout     ErrorCode = "REMOTE_TIMEOUT"
	ErrCodeNetworkError      ErrorCode = "NETWORK_ERROR"
	ErrCodeRemoteRejected    ErrorCode = "REMOTE_REJECTED"
	ErrCodeVersionConflict   ErrorCode = "VERSION_CONFLICT"
	ErrCodeBreakerOpen       ErrorCode = "BREAKER_OPEN"

	// Sync engine errors
	ErrCodeQueueFull      ErrorCode = "QUEUE_FULL"
	ErrCodeQueueCorrupt   ErrorCode = "QUEUE_CORRUPT"
	ErrCodeRetryExhausted ErrorCode = "RETRY_EXHAUSTED"

	// State errors
	ErrCodeAlreadyStarted ErrorCode = "ALREADY_STARTED"
	ErrCodeNotStarted     ErrorCode = "NOT_STARTED"
	ErrCodeInvalidState   ErrorCode = "INVALID_STATE"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryStore         ErrorCategory = "store"
	CategoryRemote        ErrorCategory = "remote"
	CategorySync          ErrorCategory = "sync"
	CategoryState         ErrorCategory = "state"
	CategoryInternal      ErrorCategory = "internal"
)

// SyncacheError represents a structured error with context and metadata.
type SyncacheError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"` // not serialized, reachable via Unwrap
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`
	EntityID  string `json:"entity_id,omitempty"`

	// Retryable marks the error as transient: the coordinator enqueues the
	// operation for replay instead of surfacing a failure.
	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *SyncacheError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *SyncacheError) Unwrap() error {
	return e.Cause
}

// Is matches two syncache errors by code.
func (e *SyncacheError) Is(target error) bool {
	if other, ok := target.(*SyncacheError); ok {
		return e.Code == other.Code
	}
	return false
}

// String returns a detailed representation for logging.
func (e *SyncacheError) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.EntityID != "" {
		parts = append(parts, fmt.Sprintf("EntityID=%s", e.EntityID))
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
	return fmt.Sprintf("SyncacheError{%s}", strings.Join(parts, ", "))
}

// New creates a new syncache error with category and retryability derived
// from the code.
func New(code ErrorCode, message string) *SyncacheError {
	return &SyncacheError{
		Code:      code,
		Category:  CategoryOf(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryableByDefault(code),
	}
}

// Newf creates a new syncache error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *SyncacheError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new syncache error wrapping a cause.
func Wrap(code ErrorCode, message string, cause error) *SyncacheError {
	return New(code, message).WithCause(cause)
}

// CategoryOf determines the category for an error code.
func CategoryOf(code ErrorCode) ErrorCategory {
	s := string(code)
	switch {
	case strings.HasPrefix(s, "INVALID_CONFIG") || strings.HasPrefix(s, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(s, "STORE_") || strings.HasPrefix(s, "ITEM_") ||
		strings.HasPrefix(s, "INVALID_ITEM") || strings.HasPrefix(s, "UNKNOWN_INDEX"):
		return CategoryStore
	case strings.HasPrefix(s, "REMOTE_") || strings.HasPrefix(s, "NETWORK_") ||
		strings.HasPrefix(s, "VERSION_") || strings.HasPrefix(s, "BREAKER_"):
		return CategoryRemote
	case strings.HasPrefix(s, "QUEUE_") || strings.HasPrefix(s, "RETRY_"):
		return CategorySync
	case strings.HasPrefix(s, "ALREADY_") || strings.HasPrefix(s, "NOT_STARTED") ||
		strings.HasPrefix(s, "INVALID_STATE"):
		return CategoryState
	default:
		return CategoryInternal
	}
}

// retryableByDefault classifies transient codes. Conflicts are deliberately
// not retryable: replaying a stale write would just conflict again.
func retryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeRemoteUnavailable, ErrCodeRemoteTimeout, ErrCodeNetworkError, ErrCodeBreakerOpen:
		return true
	default:
		return false
	}
}

// WithDetail adds a detail key to the error.
func (e *SyncacheError) WithDetail(key string, value interface{}) *SyncacheError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the originating component.
func (e *SyncacheError) WithComponent(component string) *SyncacheError {
	e.Component = component
	return e
}

// WithOperation sets the originating operation.
func (e *SyncacheError) WithOperation(operation string) *SyncacheError {
	e.Operation = operation
	return e
}

// WithEntity sets the affected entity id.
func (e *SyncacheError) WithEntity(id string) *SyncacheError {
	e.EntityID = id
	return e
}

// WithCause sets the underlying cause.
func (e *SyncacheError) WithCause(cause error) *SyncacheError {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retryability classification.
func (e *SyncacheError) WithRetryable(retryable bool) *SyncacheError {
	e.Retryable = retryable
	return e
}

// IsRetryable reports whether err is a transient syncache error. Non-syncache
// errors are not retryable: an unclassified failure must surface, not loop.
func IsRetryable(err error) bool {
	var se *SyncacheError
	if stderrors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// IsConflict reports whether err is a version conflict.
func IsConflict(err error) bool {
	var se *SyncacheError
	return stderrors.As(err, &se) && se.Code == ErrCodeVersionConflict
}

// IsNotFound reports whether err marks a missing item.
func IsNotFound(err error) bool {
	var se *SyncacheError
	return stderrors.As(err, &se) && se.Code == ErrCodeItemNotFound
}

// CodeOf extracts the error code from err, or ErrCodeInternalError when err
// is not a syncache error.
func CodeOf(err error) ErrorCode {
	var se *SyncacheError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternalError
}
