package models

import (
	"errors"
	"time"
)

// Connectivity is the connection lifecycle state of a tenant session.
type Connectivity string

const (
	ConnectivityInitializing    Connectivity = "initializing"
	ConnectivityAwaitingPairing Connectivity = "awaiting_pairing"
	ConnectivityConnected       Connectivity = "connected"
	ConnectivityAuthFailed      Connectivity = "auth_failed"
	ConnectivityDisconnected    Connectivity = "disconnected"
)

// transitions lists every legal connectivity edge. AuthFailed and Disconnected
// only re-enter Initializing through an explicit restart, which creates a new
// session generation.
//
// Initializing and AwaitingPairing may also fail into Disconnected when the
// connect attempts are exhausted or the pairing/connect deadline expires, and
// Initializing fails into AuthFailed when stored credentials were revoked.
var transitions = map[Connectivity][]Connectivity{
	ConnectivityInitializing: {
		ConnectivityAwaitingPairing,
		ConnectivityConnected,
		ConnectivityAuthFailed,
		ConnectivityDisconnected,
	},
	ConnectivityAwaitingPairing: {
		ConnectivityConnected,
		ConnectivityAuthFailed,
		ConnectivityDisconnected,
	},
	ConnectivityConnected: {
		ConnectivityDisconnected,
	},
	ConnectivityAuthFailed: {
		ConnectivityInitializing,
	},
	ConnectivityDisconnected: {
		ConnectivityInitializing,
	},
}

// Valid reports whether c is a known connectivity state.
func (c Connectivity) Valid() bool {
	_, ok := transitions[c]
	return ok
}

// Terminal reports whether the state requires an explicit restart to leave.
func (c Connectivity) Terminal() bool {
	return c == ConnectivityAuthFailed || c == ConnectivityDisconnected
}

// CanTransition reports whether moving from one state to another is a legal edge.
func CanTransition(from, to Connectivity) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Identity is the paired external account of a connected session.
type Identity struct {
	Name   string `json:"name"`
	Handle string `json:"handle"`
}

// RetryState reports supervised connect retries for a session.
type RetryState struct {
	Attempt       int       `json:"attempt"`
	MaxAttempts   int       `json:"max_attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

// Session is a point-in-time copy of one tenant's connection lifecycle.
type Session struct {
	TenantID     string       `json:"tenant_id"`
	Generation   uint64       `json:"generation"`
	Connectivity Connectivity `json:"connectivity"`
	PairingToken string       `json:"pairing_token,omitempty"`
	Identity     *Identity    `json:"identity,omitempty"`
	LastError    string       `json:"last_error,omitempty"`
	Retry        *RetryState  `json:"retry,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

var (
	errTokenAndIdentity   = errors.New("session: pairing token and identity both set")
	errTokenOutOfState    = errors.New("session: pairing token set outside awaiting_pairing")
	errIdentityOutOfState = errors.New("session: identity set outside connected")
)

// Validate checks the token/identity invariants of the session.
func (s Session) Validate() error {
	if s.PairingToken != "" && s.Identity != nil {
		return errTokenAndIdentity
	}
	if s.PairingToken != "" && s.Connectivity != ConnectivityAwaitingPairing {
		return errTokenOutOfState
	}
	if s.Identity != nil && s.Connectivity != ConnectivityConnected {
		return errIdentityOutOfState
	}
	return nil
}

// Status is the cached view returned by status queries.
type Status struct {
	TenantID     string       `json:"tenant_id"`
	Generation   uint64       `json:"generation"`
	Connectivity Connectivity `json:"connectivity"`
	Identity     *Identity    `json:"identity,omitempty"`
	LastError    string       `json:"last_error,omitempty"`
	Retry        *RetryState  `json:"retry,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Status returns the status view of the session.
func (s Session) Status() Status {
	return Status{
		TenantID:     s.TenantID,
		Generation:   s.Generation,
		Connectivity: s.Connectivity,
		Identity:     s.Identity,
		LastError:    s.LastError,
		Retry:        s.Retry,
		UpdatedAt:    s.UpdatedAt,
	}
}
