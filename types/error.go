package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the service.
type ErrorCode string

// Progress tracking error codes
const (
	// ErrInvalidTransition 跟踪器状态机违规：对已在运行的 step 调用 StartStep，
	// 或对未运行的 step 调用 CompleteStep/FailStep。属于调用方的编程错误。
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// ErrTransactionNotFound 事务不存在或已被清理
	ErrTransactionNotFound ErrorCode = "TRANSACTION_NOT_FOUND"

	// ErrBacklogOverflow 投递队列已满，最旧的快照被丢弃（仅记录日志，不致命）
	ErrBacklogOverflow ErrorCode = "BACKLOG_OVERFLOW"
)

// Connection / handshake error codes
const (
	ErrSessionUnknown        ErrorCode = "SESSION_UNKNOWN"
	ErrSessionExpired        ErrorCode = "SESSION_EXPIRED"
	ErrConnectionCapExceeded ErrorCode = "CONNECTION_CAP_EXCEEDED"
	ErrSendFailure           ErrorCode = "SEND_FAILURE"
	ErrConnectionClosed      ErrorCode = "CONNECTION_CLOSED"
)

// Generic error codes
const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrAuthentication     ErrorCode = "AUTHENTICATION"
	ErrUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
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

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
// Returns an empty code when err is not a *types.Error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
