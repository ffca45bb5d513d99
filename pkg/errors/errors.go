// Package errors provides a structured error system for storaged with error codes,
// categories, the shared integer status-code enumeration and POSIX errno mapping.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"strings"
	"syscall"
	"time"
)

// ErrorCode represents a structured error code for storaged operations.
type ErrorCode string

const (
	// Configuration and parameters
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	ErrCodeInvalidPolicy ErrorCode = "INVALID_POLICY"
	ErrCodeInvalidParam  ErrorCode = "INVALID_PARAM"
	ErrCodePathInvalid   ErrorCode = "PATH_INVALID"

	// External services
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeCleanupFailed      ErrorCode = "CLEANUP_FAILED"
	ErrCodePublishFailed      ErrorCode = "PUBLISH_FAILED"
	ErrCodeSampleFailed       ErrorCode = "SAMPLE_FAILED"

	// Persistence
	ErrCodeStoreRead  ErrorCode = "STORE_READ"
	ErrCodeStoreWrite ErrorCode = "STORE_WRITE"

	// Device and filesystem
	ErrCodeDeviceIO      ErrorCode = "DEVICE_IO"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeExists        ErrorCode = "EXISTS"
	ErrCodeNotEmpty      ErrorCode = "NOT_EMPTY"
	ErrCodeNotDirectory  ErrorCode = "NOT_DIRECTORY"
	ErrCodeIsDirectory   ErrorCode = "IS_DIRECTORY"
	ErrCodeReadOnly      ErrorCode = "READ_ONLY"
	ErrCodeBusy          ErrorCode = "BUSY"
	ErrCodeNoSpace       ErrorCode = "NO_SPACE"
	ErrCodeNotSupported  ErrorCode = "NOT_SUPPORTED"
	ErrCodeMountFailed   ErrorCode = "MOUNT_FAILED"
	ErrCodeUnmountFailed ErrorCode = "UNMOUNT_FAILED"

	// State
	ErrCodeAlreadyStarted ErrorCode = "ALREADY_STARTED"
	ErrCodeNotRunning     ErrorCode = "NOT_RUNNING"

	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryValidation    ErrorCategory = "validation"
	CategoryService       ErrorCategory = "service"
	CategoryPersistence   ErrorCategory = "persistence"
	CategoryDevice        ErrorCategory = "device"
	CategoryState         ErrorCategory = "state"
	CategoryInternal      ErrorCategory = "internal"
)

// StatusCode is the integer result returned by every remote call.
type StatusCode int32

const (
	E_OK                  StatusCode = 0
	E_ERR                 StatusCode = -1
	E_PARAMS_INVALID      StatusCode = 401
	E_SERVICE_UNAVAILABLE StatusCode = 13600001
	E_IO                  StatusCode = 13600002
	E_NOT_FOUND           StatusCode = 13600003
	E_EXISTS              StatusCode = 13600004
	E_NOT_EMPTY           StatusCode = 13600005
	E_READ_ONLY           StatusCode = 13600006
	E_BUSY                StatusCode = 13600007
	E_NO_SPACE            StatusCode = 13600008
)

// String returns the enumeration name.
func (s StatusCode) String() string {
	switch s {
	case E_OK:
		return "E_OK"
	case E_ERR:
		return "E_ERR"
	case E_PARAMS_INVALID:
		return "E_PARAMS_INVALID"
	case E_SERVICE_UNAVAILABLE:
		return "E_SERVICE_UNAVAILABLE"
	case E_IO:
		return "E_IO"
	case E_NOT_FOUND:
		return "E_NOT_FOUND"
	case E_EXISTS:
		return "E_EXISTS"
	case E_NOT_EMPTY:
		return "E_NOT_EMPTY"
	case E_READ_ONLY:
		return "E_READ_ONLY"
	case E_BUSY:
		return "E_BUSY"
	case E_NO_SPACE:
		return "E_NO_SPACE"
	default:
		return fmt.Sprintf("StatusCode(%d)", int32(s))
	}
}

// StoragedError represents a structured error with context and metadata.
type StoragedError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *StoragedError) Error() string {
	var b strings.Builder
	if e.Component != "" {
		b.WriteString("[")
		b.WriteString(e.Component)
		if e.Operation != "" {
			b.WriteString(":")
			b.WriteString(e.Operation)
		}
		b.WriteString("] ")
	}
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *StoragedError) Unwrap() error {
	return e.Cause
}

// Is matches any StoragedError with the same code.
func (e *StoragedError) Is(target error) bool {
	if t, ok := target.(*StoragedError); ok {
		return e.Code == t.Code
	}
	return false
}

// JSON returns the error as a JSON string.
func (e *StoragedError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new error with defaults derived from the code.
func NewError(code ErrorCode, message string) *StoragedError {
	return &StoragedError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf is NewError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *StoragedError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Sentinel returns a bare error usable as an errors.Is target for code.
func Sentinel(code ErrorCode, message string) *StoragedError {
	return &StoragedError{Code: code, Category: GetCategory(code), Message: message}
}

// GetCategory returns the category for an error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigLoad:
		return CategoryConfiguration
	case ErrCodeInvalidPolicy, ErrCodeInvalidParam, ErrCodePathInvalid:
		return CategoryValidation
	case ErrCodeServiceUnavailable, ErrCodeCleanupFailed, ErrCodePublishFailed, ErrCodeSampleFailed:
		return CategoryService
	case ErrCodeStoreRead, ErrCodeStoreWrite:
		return CategoryPersistence
	case ErrCodeDeviceIO, ErrCodeNotFound, ErrCodeExists, ErrCodeNotEmpty, ErrCodeNotDirectory,
		ErrCodeIsDirectory, ErrCodeReadOnly, ErrCodeBusy, ErrCodeNoSpace, ErrCodeNotSupported,
		ErrCodeMountFailed, ErrCodeUnmountFailed:
		return CategoryDevice
	case ErrCodeAlreadyStarted, ErrCodeNotRunning:
		return CategoryState
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault reports whether errors with code are transient.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeServiceUnavailable, ErrCodeCleanupFailed, ErrCodePublishFailed,
		ErrCodeSampleFailed, ErrCodeDeviceIO, ErrCodeBusy:
		return true
	default:
		return false
	}
}

// WithDetail adds a detail entry.
func (e *StoragedError) WithDetail(key string, value interface{}) *StoragedError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component.
func (e *StoragedError) WithComponent(component string) *StoragedError {
	e.Component = component
	return e
}

// WithOperation sets the operation.
func (e *StoragedError) WithOperation(operation string) *StoragedError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *StoragedError) WithCause(cause error) *StoragedError {
	e.Cause = cause
	return e
}

// Wrap annotates err with code. A nil err stays nil.
func Wrap(err error, code ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	return NewError(code, message).WithCause(err)
}

// CodeOf returns the code of the first StoragedError in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var se *StoragedError
	if stderrors.As(err, &se) {
		return se.Code, true
	}
	return "", false
}

// Status maps err onto the remote status-code enumeration.
func Status(err error) StatusCode {
	if err == nil {
		return E_OK
	}
	code, ok := CodeOf(err)
	if !ok {
		switch {
		case stderrors.Is(err, fs.ErrNotExist):
			return E_NOT_FOUND
		case stderrors.Is(err, fs.ErrExist):
			return E_EXISTS
		case stderrors.Is(err, fs.ErrInvalid):
			return E_PARAMS_INVALID
		}
		return E_ERR
	}
	switch code {
	case ErrCodeInvalidPolicy, ErrCodeInvalidParam, ErrCodePathInvalid, ErrCodeInvalidConfig:
		return E_PARAMS_INVALID
	case ErrCodeServiceUnavailable, ErrCodeNotRunning:
		return E_SERVICE_UNAVAILABLE
	case ErrCodeNotFound:
		return E_NOT_FOUND
	case ErrCodeExists:
		return E_EXISTS
	case ErrCodeNotEmpty:
		return E_NOT_EMPTY
	case ErrCodeReadOnly:
		return E_READ_ONLY
	case ErrCodeBusy:
		return E_BUSY
	case ErrCodeNoSpace:
		return E_NO_SPACE
	case ErrCodeDeviceIO, ErrCodeStoreRead, ErrCodeStoreWrite, ErrCodeSampleFailed:
		return E_IO
	default:
		return E_ERR
	}
}

// Errno maps err onto the closest POSIX errno. A bare syscall.Errno in
// the chain wins over any StoragedError code.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if stderrors.As(err, &errno) {
		return errno
	}
	code, ok := CodeOf(err)
	if !ok {
		switch {
		case stderrors.Is(err, fs.ErrNotExist):
			return syscall.ENOENT
		case stderrors.Is(err, fs.ErrExist):
			return syscall.EEXIST
		case stderrors.Is(err, fs.ErrPermission):
			return syscall.EACCES
		case stderrors.Is(err, fs.ErrInvalid):
			return syscall.EINVAL
		}
		return syscall.EIO
	}
	switch code {
	case ErrCodePathInvalid, ErrCodeInvalidParam:
		return syscall.EINVAL
	case ErrCodeNotFound:
		return syscall.ENOENT
	case ErrCodeExists:
		return syscall.EEXIST
	case ErrCodeNotEmpty:
		return syscall.ENOTEMPTY
	case ErrCodeNotDirectory:
		return syscall.ENOTDIR
	case ErrCodeIsDirectory:
		return syscall.EISDIR
	case ErrCodeReadOnly:
		return syscall.EROFS
	case ErrCodeBusy:
		return syscall.EBUSY
	case ErrCodeNoSpace:
		return syscall.ENOSPC
	case ErrCodeNotSupported:
		return syscall.ENOTSUP
	default:
		return syscall.EIO
	}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool { return stderrors.As(err, target) }
