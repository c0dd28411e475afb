package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the orchestrator.
type ErrorCode string

// ErrorCategory groups error codes by how the orchestrator reacts to them.
type ErrorCategory string

const (
	// CategoryConfiguration errors are fatal and abort a run before any step executes.
	CategoryConfiguration ErrorCategory = "configuration"
	// CategoryValidation errors fail a single step (and its dependents).
	CategoryValidation ErrorCategory = "validation"
	// CategoryStorage errors come from the artifact, thread or manifest stores.
	CategoryStorage ErrorCategory = "storage"
	// CategoryExternalCall errors come from tools or the language model inside a step.
	CategoryExternalCall ErrorCategory = "external_call"
)

// Configuration error codes
const (
	ErrInvalidConfig  ErrorCode = "INVALID_CONFIG"
	ErrUnknownRoot    ErrorCode = "UNKNOWN_ROOT"
	ErrUnknownSubarea ErrorCode = "UNKNOWN_SUBAREA"
	ErrInvalidWiring  ErrorCode = "INVALID_WIRING"
)

// Validation error codes
const (
	ErrMissingInput    ErrorCode = "MISSING_INPUT"
	ErrSchemaMismatch  ErrorCode = "SCHEMA_MISMATCH"
	ErrInvalidContract ErrorCode = "INVALID_CONTRACT"
	ErrInvalidOutput   ErrorCode = "INVALID_OUTPUT"
	ErrInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrTurnNotFound    ErrorCode = "TURN_NOT_FOUND"
	ErrBudgetTooSmall  ErrorCode = "BUDGET_TOO_SMALL"
)

// Storage error codes
const (
	ErrStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
	ErrArtifactNotFound   ErrorCode = "ARTIFACT_NOT_FOUND"
	ErrThreadNotFound     ErrorCode = "THREAD_NOT_FOUND"
	ErrStorageIO          ErrorCode = "STORAGE_IO"
	ErrCorruptDocument    ErrorCode = "CORRUPT_DOCUMENT"
	ErrLockTimeout        ErrorCode = "LOCK_TIMEOUT"
	ErrThreadKeyMismatch  ErrorCode = "THREAD_KEY_MISMATCH"
)

// External call error codes
const (
	ErrExternalCall    ErrorCode = "EXTERNAL_CALL"
	ErrUpstreamError   ErrorCode = "UPSTREAM_ERROR"
	ErrRateLimited     ErrorCode = "RATE_LIMITED"
	ErrTimeout         ErrorCode = "TIMEOUT"
	ErrStepFailed      ErrorCode = "STEP_FAILED"
	ErrProviderNotSet  ErrorCode = "PROVIDER_NOT_SET"
	ErrInvalidResponse ErrorCode = "INVALID_RESPONSE"
)

var codeCategories = map[ErrorCode]ErrorCategory{
	ErrInvalidConfig:      CategoryConfiguration,
	ErrUnknownRoot:        CategoryConfiguration,
	ErrUnknownSubarea:     CategoryConfiguration,
	ErrInvalidWiring:      CategoryConfiguration,
	ErrMissingInput:       CategoryValidation,
	ErrSchemaMismatch:     CategoryValidation,
	ErrInvalidContract:    CategoryValidation,
	ErrInvalidOutput:      CategoryValidation,
	ErrInvalidInput:       CategoryValidation,
	ErrTurnNotFound:       CategoryValidation,
	ErrBudgetTooSmall:     CategoryValidation,
	ErrStorageUnavailable: CategoryStorage,
	ErrArtifactNotFound:   CategoryStorage,
	ErrThreadNotFound:     CategoryStorage,
	ErrStorageIO:          CategoryStorage,
	ErrCorruptDocument:    CategoryStorage,
	ErrLockTimeout:        CategoryStorage,
	ErrThreadKeyMismatch:  CategoryStorage,
	ErrExternalCall:       CategoryExternalCall,
	ErrUpstreamError:      CategoryExternalCall,
	ErrRateLimited:        CategoryExternalCall,
	ErrTimeout:            CategoryExternalCall,
	ErrStepFailed:         CategoryExternalCall,
	ErrProviderNotSet:     CategoryExternalCall,
	ErrInvalidResponse:    CategoryExternalCall,
}

// Category returns the category the code belongs to. Unknown codes are
// treated as external call failures, the orchestrator only records them.
func (c ErrorCode) Category() ErrorCategory {
	if cat, ok := codeCategories[c]; ok {
		return cat
	}
	return CategoryExternalCall
}

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	Cause     error          `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Category returns the category of the error code.
func (e *Error) Category() ErrorCategory {
	return e.Code.Category()
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithDetail attaches a structured detail.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// AsError extracts the first *Error in the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// CategoryOf returns the category of err, or "" if err is not a structured error.
func CategoryOf(err error) ErrorCategory {
	if e, ok := AsError(err); ok {
		return e.Category()
	}
	return ""
}
