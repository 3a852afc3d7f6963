package models

import "time"

// EventKind is the canonical taxonomy of session events.
type EventKind string

const (
	EventPairingToken    EventKind = "pairing_token"
	EventConnected       EventKind = "connected"
	EventDisconnected    EventKind = "disconnected"
	EventAuthFailed      EventKind = "auth_failed"
	EventMessageReceived EventKind = "message_received"
	EventMessageSent     EventKind = "message_sent"
)

// Coalescing reports whether only the latest event of this kind matters to a
// late reader. Status and pairing events coalesce; message events queue.
func (k EventKind) Coalescing() bool {
	switch k {
	case EventPairingToken, EventConnected, EventDisconnected, EventAuthFailed:
		return true
	default:
		return false
	}
}

// Target returns the connectivity a status event moves the session to.
// Message events report false.
func (k EventKind) Target() (Connectivity, bool) {
	switch k {
	case EventPairingToken:
		return ConnectivityAwaitingPairing, true
	case EventConnected:
		return ConnectivityConnected, true
	case EventDisconnected:
		return ConnectivityDisconnected, true
	case EventAuthFailed:
		return ConnectivityAuthFailed, true
	default:
		return "", false
	}
}

// Event is one occurrence on a tenant session. TenantID and Generation are
// stamped by the session that produced it; Seq is assigned on publish and is
// strictly increasing per tenant.
type Event struct {
	TenantID     string       `json:"tenant_id"`
	Generation   uint64       `json:"generation"`
	Seq          uint64       `json:"seq"`
	Kind         EventKind    `json:"kind"`
	Connectivity Connectivity `json:"connectivity,omitempty"`
	PairingToken string       `json:"pairing_token,omitempty"`
	Identity     *Identity    `json:"identity,omitempty"`
	Message      *Message     `json:"message,omitempty"`
	Reason       string       `json:"reason,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}
