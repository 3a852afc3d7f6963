// Package whatsapp implements the per-tenant messaging client on whatsmeow.
package whatsapp

import (
	"fmt"
)

// Config holds settings shared by every tenant client.
type Config struct {
	// StoreDriver is the database/sql driver for the per-tenant credential
	// database.
	StoreDriver string `yaml:"store_driver" json:"store_driver"`

	// StoreFile is the credential database file name inside the tenant's
	// storage directory.
	StoreFile string `yaml:"store_file" json:"store_file"`

	// DeviceName is shown in the linked devices list of the paired phone.
	DeviceName string `yaml:"device_name" json:"device_name"`

	// SendRate is the sustained per-tenant send rate in messages per second.
	// Zero disables limiting.
	SendRate float64 `yaml:"send_rate" json:"send_rate"`

	// SendBurst is the number of messages that may be sent back to back.
	SendBurst int `yaml:"send_burst" json:"send_burst"`

	// TrackedConversations bounds the conversations remembered per tenant.
	TrackedConversations int `yaml:"tracked_conversations" json:"tracked_conversations"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		StoreDriver:          "sqlite3",
		StoreFile:            "session.db",
		DeviceName:           "wagate",
		SendRate:             1,
		SendBurst:            5,
		TrackedConversations: 1000,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.StoreDriver == "" {
		c.StoreDriver = def.StoreDriver
	}
	if c.StoreFile == "" {
		c.StoreFile = def.StoreFile
	}
	if c.DeviceName == "" {
		c.DeviceName = def.DeviceName
	}
	if c.SendBurst <= 0 {
		c.SendBurst = def.SendBurst
	}
	if c.TrackedConversations <= 0 {
		c.TrackedConversations = def.TrackedConversations
	}
	return c
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.StoreDriver != "" && c.StoreDriver != "sqlite3" {
		return fmt.Errorf("whatsapp: unsupported store_driver %q", c.StoreDriver)
	}
	if c.SendRate < 0 {
		return fmt.Errorf("whatsapp: send_rate must not be negative")
	}
	if c.SendBurst < 0 {
		return fmt.Errorf("whatsapp: send_burst must not be negative")
	}
	return nil
}
