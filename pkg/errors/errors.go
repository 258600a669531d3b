// Package errors provides a structured error system for the remote VFS with error codes, categories, and context.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for VFS operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration Errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave       ErrorCode = "CONFIG_SAVE"

	// Network Errors
	ErrCodeHTTPStatus         ErrorCode = "HTTP_STATUS"
	ErrCodeNetworkTransient   ErrorCode = "NETWORK_TRANSIENT"
	ErrCodeNetworkUnavailable ErrorCode = "NETWORK_UNAVAILABLE"
	ErrCodeConnectionClosed   ErrorCode = "CONNECTION_CLOSED"

	// Resource Errors
	ErrCodeInvalidResource  ErrorCode = "INVALID_RESOURCE"
	ErrCodeCacheBookkeeping ErrorCode = "CACHE_BOOKKEEPING"

	// Filesystem Errors
	ErrCodeReadOnly    ErrorCode = "READ_ONLY"
	ErrCodeMountFailed ErrorCode = "MOUNT_FAILED"

	// State Management Errors
	ErrCodeHandleClosed ErrorCode = "HANDLE_CLOSED"

	// Operation Errors
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"

	// Internal System Errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryConnection    ErrorCategory = "connection"
	CategoryResource      ErrorCategory = "resource"
	CategoryFilesystem    ErrorCategory = "filesystem"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// Sentinel values for errors.Is matching. Only the code is compared.
var (
	ErrInvalidResource    = &VFSError{Code: ErrCodeInvalidResource}
	ErrHTTPStatus         = &VFSError{Code: ErrCodeHTTPStatus}
	ErrTransientNetwork   = &VFSError{Code: ErrCodeNetworkTransient}
	ErrNetworkUnavailable = &VFSError{Code: ErrCodeNetworkUnavailable}
	ErrCacheBookkeeping   = &VFSError{Code: ErrCodeCacheBookkeeping}
	ErrHandleClosed       = &VFSError{Code: ErrCodeHandleClosed}
	ErrCanceled           = &VFSError{Code: ErrCodeOperationCanceled}
	ErrRetryExhausted     = &VFSError{Code: ErrCodeRetryExhausted}
)

// VFSError represents a structured error with context and metadata.
type VFSError struct {
	// Core error information
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	// Contextual information
	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	// Operational metadata
	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	// Error handling hints
	Retryable  bool `json:"retryable"`
	HTTPStatus int  `json:"http_status,omitempty"`
}

// Error implements the error interface.
func (e *VFSError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *VFSError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *VFSError) Is(target error) bool {
	if t, ok := target.(*VFSError); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *VFSError) String() string {
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

	return fmt.Sprintf("VFSError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new VFS error with default values.
func NewError(code ErrorCode, message string) *VFSError {
	return &VFSError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(code),
	}
}

// Wrap creates a new error of the given code around cause.
func Wrap(code ErrorCode, cause error, message string) *VFSError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "HTTP_") || strings.HasPrefix(codeStr, "NETWORK_") ||
		strings.HasPrefix(codeStr, "CONNECTION_"):
		return CategoryConnection
	case strings.HasPrefix(codeStr, "INVALID_RESOURCE") || strings.HasPrefix(codeStr, "CACHE_"):
		return CategoryResource
	case strings.HasPrefix(codeStr, "READ_ONLY") || strings.HasPrefix(codeStr, "MOUNT_"):
		return CategoryFilesystem
	case strings.HasPrefix(codeStr, "HANDLE_"):
		return CategoryState
	case strings.HasPrefix(codeStr, "OPERATION_") || strings.HasPrefix(codeStr, "RETRY_"):
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeNetworkTransient: true,
		ErrCodeConnectionClosed: true,
	}
	return retryableCodes[code]
}

// CodeOf returns the code of the first VFSError in err's chain, or
// ErrCodeInternalError when there is none.
func CodeOf(err error) ErrorCode {
	for err != nil {
		if e, ok := err.(*VFSError); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ErrCodeInternalError
}

// WithContext adds contextual information to an error
func (e *VFSError) WithContext(key, value string) *VFSError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *VFSError) WithDetail(key string, value interface{}) *VFSError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *VFSError) WithComponent(component string) *VFSError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *VFSError) WithOperation(operation string) *VFSError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *VFSError) WithCause(cause error) *VFSError {
	e.Cause = cause
	return e
}

// WithHTTPStatus records the status code returned by the remote server
func (e *VFSError) WithHTTPStatus(status int) *VFSError {
	e.HTTPStatus = status
	return e
}
