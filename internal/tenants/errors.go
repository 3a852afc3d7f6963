package tenants

import (
	"errors"
	"fmt"

	"github.com/haasonsaas/wagate/pkg/models"
)

// ErrorCode classifies registry and command failures.
type ErrorCode string

const (
	// CodeUnknownTenant indicates no live session exists for the tenant
	CodeUnknownTenant ErrorCode = "UNKNOWN_TENANT"

	// CodeAlreadyExists indicates a live session already exists for the tenant
	CodeAlreadyExists ErrorCode = "ALREADY_EXISTS"

	// CodeNotConnected indicates the session is not in the connected state
	CodeNotConnected ErrorCode = "NOT_CONNECTED"

	// CodeNotAvailable indicates no pairing token is outstanding
	CodeNotAvailable ErrorCode = "NOT_AVAILABLE"

	// CodeAuthRejected indicates the messaging account rejected the session
	CodeAuthRejected ErrorCode = "AUTH_REJECTED"

	// CodeConnectTimeout indicates the session did not connect in time
	CodeConnectTimeout ErrorCode = "CONNECT_TIMEOUT"

	// CodeTeardownFailure indicates the client did not release cleanly
	CodeTeardownFailure ErrorCode = "TEARDOWN_FAILURE"

	// CodeInvalidTenant indicates a malformed tenant id
	CodeInvalidTenant ErrorCode = "INVALID_TENANT"

	// CodeShuttingDown indicates the registry no longer accepts sessions
	CodeShuttingDown ErrorCode = "SHUTTING_DOWN"

	// CodeUnknownSubscription indicates a poll handle that is not subscribed
	CodeUnknownSubscription ErrorCode = "UNKNOWN_SUBSCRIPTION"
)

// Sentinels for errors.Is. Every *Error matches the sentinel of its code.
var (
	ErrUnknownTenant   = errors.New("unknown tenant")
	ErrAlreadyExists   = errors.New("session already exists")
	ErrNotConnected    = errors.New("session not connected")
	ErrNotAvailable    = errors.New("pairing token not available")
	ErrAuthRejected    = errors.New("authentication rejected")
	ErrConnectTimeout  = errors.New("connect timeout")
	ErrTeardownFailure = errors.New("teardown failure")
	ErrInvalidTenant   = errors.New("invalid tenant id")
	ErrShuttingDown    = errors.New("registry shutting down")

	ErrUnknownSubscription = errors.New("unknown subscription")
)

var sentinels = map[ErrorCode]error{
	CodeUnknownTenant:   ErrUnknownTenant,
	CodeAlreadyExists:   ErrAlreadyExists,
	CodeNotConnected:    ErrNotConnected,
	CodeNotAvailable:    ErrNotAvailable,
	CodeAuthRejected:    ErrAuthRejected,
	CodeConnectTimeout:  ErrConnectTimeout,
	CodeTeardownFailure: ErrTeardownFailure,
	CodeInvalidTenant:   ErrInvalidTenant,
	CodeShuttingDown:    ErrShuttingDown,

	CodeUnknownSubscription: ErrUnknownSubscription,
}

// Error is a typed registry failure.
type Error struct {
	Code     ErrorCode
	TenantID string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] tenant %q: %s", e.Code, e.TenantID, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for e.Code.
func (e *Error) Is(target error) bool {
	return sentinels[e.Code] == target
}

func newError(code ErrorCode, tenantID, message string, err error) *Error {
	return &Error{Code: code, TenantID: tenantID, Message: message, Err: err}
}

func errUnknownTenant(tenantID string) *Error {
	return newError(CodeUnknownTenant, tenantID, "no live session", nil)
}

func errAlreadyExists(tenantID string) *Error {
	return newError(CodeAlreadyExists, tenantID, "session already exists", nil)
}

func errNotConnected(tenantID string, state models.Connectivity) *Error {
	return newError(CodeNotConnected, tenantID, "session is "+string(state), nil)
}

func errInvalidTenant(tenantID string, err error) *Error {
	return newError(CodeInvalidTenant, tenantID, "invalid tenant id", err)
}

func errShuttingDown(tenantID string) *Error {
	return newError(CodeShuttingDown, tenantID, "registry is shutting down", nil)
}

func errUnknownSubscription(tenantID, id string) *Error {
	return newError(CodeUnknownSubscription, tenantID, "no poll subscription "+id, nil)
}

// CodeOf extracts the ErrorCode from err. It returns "" for foreign errors.
func CodeOf(err error) ErrorCode {
	var tErr *Error
	if errors.As(err, &tErr) {
		return tErr.Code
	}
	return ""
}
