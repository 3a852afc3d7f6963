package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/haasonsaas/wagate/internal/fanout"
	"github.com/haasonsaas/wagate/internal/tenants"
	"github.com/haasonsaas/wagate/pkg/models"
)

const maxRequestBytes = 64 << 10

type listResponse struct {
	Tenants []models.Session `json:"tenants"`
}

type provisionResponse struct {
	Session models.Session `json:"session"`
	Created bool           `json:"created"`
}

type pairingResponse struct {
	TenantID     string `json:"tenant_id"`
	PairingToken string `json:"pairing_token"`
}

// SendRequest is the body of a send-message call.
type SendRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type conversationsResponse struct {
	TenantID      string                `json:"tenant_id"`
	Conversations []models.Conversation `json:"conversations"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, listResponse{Tenants: s.registry.List()})
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	session, created, err := s.registry.Provision(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, provisionResponse{Session: session, Created: created})
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	purge, err := boolParam(r, "purge")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if err := s.registry.Teardown(r.Context(), r.PathValue("id"), purge); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.registry.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handlePairing(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("id")
	token, err := s.pairingToken(r, tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pairingResponse{TenantID: tenantID, PairingToken: token})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.To) == "" || strings.TrimSpace(req.Body) == "" {
		writeBadRequest(w, "to and body are required")
		return
	}

	result, err := s.registry.Send(r.Context(), r.PathValue("id"), req.To, req.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	tenantID := r.PathValue("id")
	convs, err := s.registry.ListConversations(r.Context(), tenantID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	writeJSON(w, http.StatusOK, conversationsResponse{TenantID: tenantID, Conversations: convs})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	session, err := s.registry.RestartSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	handle, err := s.registry.SubscribePoll(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, handle)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	handle := fanout.Handle{TenantID: r.PathValue("id"), ID: r.PathValue("sub")}
	if !s.registry.Unsubscribe(handle) {
		writeError(w, &tenants.Error{
			Code:     tenants.CodeUnknownSubscription,
			TenantID: handle.TenantID,
			Message:  "no subscription " + handle.ID,
		})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("subscription"))
	if id == "" {
		writeBadRequest(w, "subscription is required")
		return
	}
	result, err := s.registry.Poll(r.Context(), fanout.Handle{TenantID: r.PathValue("id"), ID: id})
	if err != nil {
		writeError(w, err)
		return
	}
	if result.Events == nil {
		result.Events = []models.Event{}
	}
	writeJSON(w, http.StatusOK, result)
}

// pairingToken returns the outstanding pairing token, or a NotAvailable
// failure when the session is not awaiting pairing.
func (s *Server) pairingToken(r *http.Request, tenantID string) (string, error) {
	token, ok, err := s.registry.PairingToken(r.Context(), tenantID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &tenants.Error{
			Code:     tenants.CodeNotAvailable,
			TenantID: tenantID,
			Message:  "no pairing token outstanding",
		}
	}
	return token, nil
}

func intParam(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return n, nil
}

func boolParam(r *http.Request, name string) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.New(name + " must be a boolean")
	}
	return v, nil
}
