package models

import (
	"time"
)

// Direction indicates if a message is inbound or outbound.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Message is a text message observed on a tenant's messaging session.
type Message struct {
	ID         string    `json:"id"`
	ChatID     string    `json:"chat_id"`
	Sender     string    `json:"sender"`
	SenderName string    `json:"sender_name,omitempty"`
	Body       string    `json:"body"`
	Direction  Direction `json:"direction"`
	IsGroup    bool      `json:"is_group,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Conversation summarizes one chat the session has seen traffic on.
type Conversation struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	IsGroup       bool      `json:"is_group"`
	LastMessage   string    `json:"last_message,omitempty"`
	LastMessageAt time.Time `json:"last_message_at"`
	MessageCount  int       `json:"message_count"`
}

// SendResult is returned after a message has been handed to the network.
type SendResult struct {
	Sent       bool      `json:"sent"`
	DeliveryID string    `json:"delivery_id"`
	Timestamp  time.Time `json:"timestamp"`
}
