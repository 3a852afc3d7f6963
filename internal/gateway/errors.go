package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/haasonsaas/wagate/internal/channels"
	"github.com/haasonsaas/wagate/internal/tenants"
)

// Codes for failures raised by the gateway itself.
const (
	codeInvalidRequest = "INVALID_REQUEST"
	codeInternal       = "INTERNAL"
	codeTimeout        = "TIMEOUT"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// httpStatus maps a command failure to its HTTP status and error code.
func httpStatus(err error) (int, string) {
	if code := tenants.CodeOf(err); code != "" {
		switch code {
		case tenants.CodeUnknownTenant, tenants.CodeNotAvailable, tenants.CodeUnknownSubscription:
			return http.StatusNotFound, string(code)
		case tenants.CodeAlreadyExists, tenants.CodeNotConnected, tenants.CodeAuthRejected, tenants.CodeConnectTimeout:
			return http.StatusConflict, string(code)
		case tenants.CodeInvalidTenant:
			return http.StatusBadRequest, string(code)
		case tenants.CodeShuttingDown:
			return http.StatusServiceUnavailable, string(code)
		default:
			return http.StatusInternalServerError, string(code)
		}
	}

	var chErr *channels.Error
	if errors.As(err, &chErr) {
		switch chErr.Code {
		case channels.ErrCodeInvalidInput:
			return http.StatusBadRequest, string(chErr.Code)
		case channels.ErrCodeTimeout:
			return http.StatusGatewayTimeout, string(chErr.Code)
		case channels.ErrCodeConnection, channels.ErrCodeUnavailable:
			return http.StatusBadGateway, string(chErr.Code)
		case channels.ErrCodeNotConnected, channels.ErrCodeAuthentication:
			return http.StatusConflict, string(chErr.Code)
		default:
			return http.StatusInternalServerError, string(chErr.Code)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, codeTimeout
	}
	return http.StatusInternalServerError, codeInternal
}

func writeError(w http.ResponseWriter, err error) {
	status, code := httpStatus(err)
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: err.Error()}})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: errorBody{Code: codeInvalidRequest, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The client may already be gone.
	_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck
}
