package tenants

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/haasonsaas/wagate/pkg/models"
)

func TestError_IsMatchesSentinel(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		code     ErrorCode
	}{
		{"unknown", errUnknownTenant("t1"), ErrUnknownTenant, CodeUnknownTenant},
		{"exists", errAlreadyExists("t1"), ErrAlreadyExists, CodeAlreadyExists},
		{"not connected", errNotConnected("t1", models.ConnectivityAwaitingPairing), ErrNotConnected, CodeNotConnected},
		{"invalid", errInvalidTenant("../x", errors.New("bad")), ErrInvalidTenant, CodeInvalidTenant},
		{"shutting down", errShuttingDown("t1"), ErrShuttingDown, CodeShuttingDown},
		{"subscription", errUnknownSubscription("t1", "s"), ErrUnknownSubscription, CodeUnknownSubscription},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("handler: %w", tt.err)
			if !errors.Is(wrapped, tt.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false", wrapped, tt.sentinel)
			}
			if errors.Is(wrapped, ErrTeardownFailure) {
				t.Error("matched an unrelated sentinel")
			}
			if got := CodeOf(wrapped); got != tt.code {
				t.Errorf("CodeOf() = %q, want %q", got, tt.code)
			}
		})
	}
}

func TestError_Message(t *testing.T) {
	cause := errors.New("socket stuck")
	err := newError(CodeTeardownFailure, "t1", "client release failed", cause)

	msg := err.Error()
	for _, part := range []string{"TEARDOWN_FAILURE", `"t1"`, "client release failed", "socket stuck"} {
		if !strings.Contains(msg, part) {
			t.Errorf("Error() = %q, missing %q", msg, part)
		}
	}
	if !errors.Is(err, cause) {
		t.Error("cause not unwrapped")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Error("CodeOf(foreign) should be empty")
	}
}

func TestLastErrorFor(t *testing.T) {
	tests := []struct {
		ev   models.Event
		want string
	}{
		{models.Event{Kind: models.EventAuthFailed}, "AUTH_REJECTED: authentication rejected"},
		{models.Event{Kind: models.EventAuthFailed, Reason: "logged out"}, "AUTH_REJECTED: logged out"},
		{models.Event{Kind: models.EventAuthFailed, Reason: "AUTH_REJECTED: x"}, "AUTH_REJECTED: x"},
		{models.Event{Kind: models.EventDisconnected}, "connection lost"},
		{models.Event{Kind: models.EventDisconnected, Reason: " CONNECT_TIMEOUT: late "}, "CONNECT_TIMEOUT: late"},
	}
	for _, tt := range tests {
		if got := lastErrorFor(tt.ev); got != tt.want {
			t.Errorf("lastErrorFor(%+v) = %q, want %q", tt.ev, got, tt.want)
		}
	}
}
