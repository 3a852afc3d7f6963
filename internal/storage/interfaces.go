// Package storage persists the directory of provisioned tenants so a
// restarted process can bring every tenant's session back up.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// TenantRecord is one provisioned tenant.
type TenantRecord struct {
	ID string `json:"id"`

	// Handle is the account handle last seen connected, if any.
	Handle string `json:"handle,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TenantStore persists tenant records.
type TenantStore interface {
	// Put inserts or updates a record. CreatedAt is preserved on update.
	Put(ctx context.Context, rec TenantRecord) error
	Get(ctx context.Context, id string) (*TenantRecord, error)
	// List returns all records ordered by id.
	List(ctx context.Context) ([]TenantRecord, error)
	Delete(ctx context.Context, id string) error
	Close() error
}
