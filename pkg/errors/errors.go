// Package errors defines the coded error taxonomy shared by the orchestrator.
package errors

import (
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error code.
type Code string

const (
	CodeOK      Code = "OK"
	CodeUnknown Code = "UNKNOWN"

	// Intake (1xxx)
	CodeValidation      Code = "VALIDATION_ERROR"
	CodeInvalidRequest  Code = "INVALID_REQUEST"
	CodeNotFound        Code = "NOT_FOUND"
	CodeAlreadyExists   Code = "ALREADY_EXISTS"
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeRequestTooLarge Code = "REQUEST_TOO_LARGE"
	CodeRateLimited     Code = "RATE_LIMITED"

	// Saga execution (2xxx)
	CodeBusinessRejected     Code = "BUSINESS_REJECTED"
	CodeTransient            Code = "TRANSIENT_ERROR"
	CodeFatal                Code = "FATAL_ERROR"
	CodeCircuitOpen          Code = "CIRCUIT_OPEN"
	CodeConsistencyViolation Code = "CONSISTENCY_VIOLATION"
	CodeSagaTerminal         Code = "SAGA_TERMINAL"
	CodeSagaLocked           Code = "SAGA_LOCKED"
	CodeStaleEvent           Code = "STALE_EVENT"

	// System (9xxx)
	CodeInternal    Code = "INTERNAL"
	CodeUnavailable Code = "UNAVAILABLE"
	CodeTimeout     Code = "TIMEOUT"
)

// Error is a coded business error.
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// NewWithDefault creates a coded error falling back to the code's default message.
func NewWithDefault(code Code, message string) *Error {
	if message == "" {
		message = defaultMessage(code)
	}
	return New(code, message)
}

// WithRequestID attaches the request ID.
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// HTTPStatus maps the code to an HTTP status.
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

// IsRetryable reports whether an error of this code may be retried by callers.
func IsRetryable(code Code) bool {
	return isRetryable(code)
}

func isRetryable(code Code) bool {
	switch code {
	case CodeTransient, CodeCircuitOpen, CodeTimeout,
		CodeUnavailable, CodeRateLimited, CodeSagaLocked:
		return true
	default:
		return false
	}
}

func defaultMessage(code Code) string {
	switch code {
	case CodeValidation:
		return "validation failed"
	case CodeInvalidRequest:
		return "invalid request"
	case CodeNotFound:
		return "not found"
	case CodeUnauthenticated:
		return "unauthenticated"
	case CodeRequestTooLarge:
		return "request body too large"
	case CodeRateLimited:
		return "rate limited"
	case CodeBusinessRejected:
		return "rejected by business rule"
	case CodeTransient:
		return "transient failure, retry later"
	case CodeFatal:
		return "fatal failure"
	case CodeCircuitOpen:
		return "circuit open, retry later"
	case CodeConsistencyViolation:
		return "consistency violation"
	case CodeSagaTerminal:
		return "saga already in terminal state"
	case CodeSagaLocked:
		return "saga is locked by another worker"
	case CodeStaleEvent:
		return "stale event for current saga state"
	case CodeInternal:
		return "internal error"
	default:
		return "unknown error"
	}
}

func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeValidation, CodeInvalidRequest, CodeStaleEvent:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeSagaTerminal, CodeSagaLocked:
		return http.StatusConflict
	case CodeRequestTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeBusinessRejected:
		return http.StatusUnprocessableEntity
	case CodeConsistencyViolation, CodeFatal, CodeInternal, CodeUnknown:
		return http.StatusInternalServerError
	case CodeCircuitOpen, CodeTransient, CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Predefined errors.
var (
	ErrValidation       = New(CodeValidation, "validation failed")
	ErrNotFound         = New(CodeNotFound, "not found")
	ErrUnauthenticated  = New(CodeUnauthenticated, "unauthenticated")
	ErrSagaTerminal     = New(CodeSagaTerminal, "saga already in terminal state")
	ErrCircuitOpen      = New(CodeCircuitOpen, "circuit open, retry later")
	ErrRateLimited      = New(CodeRateLimited, "rate limited")
	ErrConsistency      = New(CodeConsistencyViolation, "consistency violation")
)
