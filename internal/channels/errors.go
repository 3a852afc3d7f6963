package channels

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures reported by a messaging client.
type ErrorCode string

const (
	// ErrCodeConnection indicates network or transport failures
	ErrCodeConnection ErrorCode = "CONNECTION_ERROR"

	// ErrCodeAuthentication indicates the account rejected or revoked our credentials
	ErrCodeAuthentication ErrorCode = "AUTH_ERROR"

	// ErrCodeInvalidInput indicates a malformed destination or body
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// ErrCodeNotConnected indicates the client has no live connection
	ErrCodeNotConnected ErrorCode = "NOT_CONNECTED"

	// ErrCodeTimeout indicates an operation timed out
	ErrCodeTimeout ErrorCode = "TIMEOUT_ERROR"

	// ErrCodeUnavailable indicates the upstream service is temporarily unavailable
	ErrCodeUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// ErrCodeInternal indicates an unexpected internal error
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Error is a structured client failure.
type Error struct {
	Code    ErrorCode
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Code)
	if e.Op != "" {
		prefix += " " + e.Op
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool {
	switch e.Code {
	case ErrCodeConnection, ErrCodeTimeout, ErrCodeUnavailable:
		return true
	default:
		return false
	}
}

// NewError creates an Error for operation op.
func NewError(code ErrorCode, op, message string, err error) *Error {
	return &Error{Code: code, Op: op, Message: message, Err: err}
}

// ErrConnection creates a connection error.
func ErrConnection(op, message string, err error) *Error {
	return NewError(ErrCodeConnection, op, message, err)
}

// ErrAuthentication creates an authentication error.
func ErrAuthentication(op, message string, err error) *Error {
	return NewError(ErrCodeAuthentication, op, message, err)
}

// ErrInvalidInput creates an invalid input error.
func ErrInvalidInput(op, message string, err error) *Error {
	return NewError(ErrCodeInvalidInput, op, message, err)
}

// ErrNotConnected creates a not-connected error.
func ErrNotConnected(op string) *Error {
	return NewError(ErrCodeNotConnected, op, "client is not connected", nil)
}

// ErrTimeout creates a timeout error.
func ErrTimeout(op, message string, err error) *Error {
	return NewError(ErrCodeTimeout, op, message, err)
}

// ErrUnavailable creates a service unavailable error.
func ErrUnavailable(op, message string, err error) *Error {
	return NewError(ErrCodeUnavailable, op, message, err)
}

// CodeOf extracts the ErrorCode from err, defaulting to ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether err is a transient client error. Errors that are
// not channel errors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.Retryable()
	}
	return true
}
