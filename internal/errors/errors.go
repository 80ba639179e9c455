// Package errors provides structured error types for scriptwatch.
//
// Every fatal condition of a run (a sidecar that cannot be created, read or
// removed, a child that cannot be spawned) is reported as an *Error carrying
// a category and a stable code, so the CLI can log it with full detail and
// tests can match on it with errors.Is.
package errors

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"syscall"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeSpawn    ErrorType = "spawn"
	ErrorTypeSidecar  ErrorType = "sidecar"
	ErrorTypePoll     ErrorType = "poll"
	ErrorTypeConfig   ErrorType = "config"
	ErrorTypeNetwork  ErrorType = "network"
	ErrorTypeInternal ErrorType = "internal"
)

// Error codes
const (
	CodeSidecarCreate   = "SIDECAR_CREATE_FAILED"
	CodeSidecarRead     = "SIDECAR_READ_FAILED"
	CodeSidecarRemove   = "SIDECAR_REMOVE_FAILED"
	CodeSpawnFailed     = "SPAWN_FAILED"
	CodeStatusQuery     = "STATUS_QUERY_FAILED"
	CodeRegistrySealed  = "REGISTRY_SEALED"
	CodeDuplicateSlot   = "DUPLICATE_SLOT"
	CodeDuplicateScript = "DUPLICATE_SCRIPT"
	CodeInvalidMessage  = "INVALID_MESSAGE"
	CodeNoScripts       = "NO_SCRIPTS"
	CodeInvalidConfig   = "INVALID_CONFIG"
	CodeConnectFailed   = "CONNECTION_FAILED"
	CodeInvalidURL      = "INVALID_URL"
	CodeSendFailed      = "SEND_FAILED"
	CodeNotConnected    = "NOT_CONNECTED"
	CodeUnknown         = "UNKNOWN_ERROR"
)

// Error is the base error type for all scriptwatch errors
type Error struct {
	Type       ErrorType
	Code       string
	Message    string
	Underlying error
	Details    map[string]interface{}
	Timestamp  time.Time
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Type, e.Code, e.Message, e.Underlying)
	}
	return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Underlying
}

// Is checks if the error matches another error by type and code
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Type == t.Type && e.Code == t.Code
	}
	return false
}

// WithDetails adds details to the error
func (e *Error) WithDetails(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newError(errorType ErrorType, code, message string, underlying error) *Error {
	return &Error{
		Type:       errorType,
		Code:       code,
		Message:    message,
		Underlying: underlying,
		Timestamp:  time.Now(),
	}
}

// SpawnError creates an error for a child that could not be started
func SpawnError(code, message string, underlying error) *Error {
	return newError(ErrorTypeSpawn, code, message, underlying)
}

// SidecarError creates an error for sidecar file handling
func SidecarError(code, message string, underlying error) *Error {
	return newError(ErrorTypeSidecar, code, message, underlying)
}

// PollError creates an error for a failed status query
func PollError(code, message string, underlying error) *Error {
	return newError(ErrorTypePoll, code, message, underlying)
}

// ConfigError creates a configuration or argument error
func ConfigError(code, message string, underlying error) *Error {
	return newError(ErrorTypeConfig, code, message, underlying)
}

// NetworkError creates a network-related error
func NetworkError(code, message string, underlying error) *Error {
	return newError(ErrorTypeNetwork, code, message, underlying)
}

// InternalError creates an internal error
func InternalError(code, message string, underlying error) *Error {
	return newError(ErrorTypeInternal, code, message, underlying)
}

// Predefined error instances for matching with errors.Is
var (
	ErrSidecarCreate  = SidecarError(CodeSidecarCreate, "Failed to create sidecar file", nil)
	ErrSidecarRead    = SidecarError(CodeSidecarRead, "Failed to read sidecar file", nil)
	ErrSidecarRemove  = SidecarError(CodeSidecarRemove, "Failed to delete sidecar file", nil)
	ErrSpawnFailed    = SpawnError(CodeSpawnFailed, "Failed to execute script", nil)
	ErrStatusQuery    = PollError(CodeStatusQuery, "Failed to check child status", nil)
	ErrRegistrySealed = InternalError(CodeRegistrySealed, "Registry is sealed", nil)
	ErrNoScripts      = ConfigError(CodeNoScripts, "No scripts to execute", nil)
	ErrNotConnected   = NetworkError(CodeNotConnected, "Not connected", nil)
)

// ClassifyError attempts to classify a standard Go error into a scriptwatch error
func ClassifyError(err error) *Error {
	if err == nil {
		return nil
	}

	var swErr *Error
	if errors.As(err, &swErr) {
		return swErr
	}

	switch {
	case os.IsNotExist(err), os.IsPermission(err):
		return SidecarError(CodeUnknown, "File system error", err)
	case isProcessError(err):
		return PollError(CodeStatusQuery, "Process error", err)
	case isNetworkError(err):
		return NetworkError(CodeConnectFailed, "Network error", err)
	default:
		return InternalError(CodeUnknown, "Unknown error", err)
	}
}

// isNetworkError checks if the error is network-related
func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}

// isProcessError checks if the error is a process-table errno
func isProcessError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ESRCH, syscall.ECHILD, syscall.EINTR:
			return true
		}
	}
	return false
}

// WrapError wraps an existing error with additional context
func WrapError(err error, message string) *Error {
	if err == nil {
		return nil
	}

	classified := ClassifyError(err)
	return &Error{
		Type:       classified.Type,
		Code:       classified.Code,
		Message:    message + ": " + classified.Message,
		Underlying: classified.Underlying,
		Details:    classified.Details,
		Timestamp:  time.Now(),
	}
}

// IsCode checks if an error has a specific code
func IsCode(err error, code string) bool {
	var swErr *Error
	if errors.As(err, &swErr) {
		return swErr.Code == code
	}
	return false
}

// GetCode extracts the error code from an error
func GetCode(err error) string {
	var swErr *Error
	if errors.As(err, &swErr) {
		return swErr.Code
	}
	return CodeUnknown
}

// GetType extracts the error type from an error
func GetType(err error) ErrorType {
	var swErr *Error
	if errors.As(err, &swErr) {
		return swErr.Type
	}
	return ErrorTypeInternal
}

// LogAttrs returns slog attributes for the error
func (e *Error) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("error_type", string(e.Type)),
		slog.String("error_code", e.Code),
		slog.String("error_message", e.Message),
	}

	if !e.Timestamp.IsZero() {
		attrs = append(attrs, slog.Time("error_timestamp", e.Timestamp))
	}

	if e.Underlying != nil {
		attrs = append(attrs, slog.String("underlying_error", e.Underlying.Error()))
	}

	for key, value := range e.Details {
		attrs = append(attrs, slog.Any(fmt.Sprintf("error_detail_%s", key), value))
	}

	return attrs
}
