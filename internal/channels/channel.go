package channels

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/wagate/pkg/models"
)

// Emitter receives canonical events translated from a client's native callbacks.
// Implementations stamp tenant and generation; clients fill in the rest.
type Emitter func(models.Event)

// Client is a live messaging connection bound to exactly one tenant.
// A Client is owned by a single registry entry and is never shared.
type Client interface {
	// Connect dials the messaging network. It returns once the transport is up
	// or the attempt failed; pairing tokens and the connected event arrive
	// asynchronously through the Emitter. Authentication failures are returned
	// as non-retryable errors.
	Connect(ctx context.Context) error

	// Send delivers a text body to a destination handle (phone number or JID).
	Send(ctx context.Context, to, body string) (models.SendResult, error)

	// ListConversations returns at most limit conversations, most recent first.
	ListConversations(ctx context.Context, limit int) ([]models.Conversation, error)

	// Close releases the connection and all resources. After Close returns
	// the client emits nothing further.
	Close(ctx context.Context) error
}

// ClientSpec carries everything a factory needs to build a tenant client.
type ClientSpec struct {
	// TenantID is the owning tenant.
	TenantID string

	// StorageDir is the tenant's isolated credential directory. Clients must
	// not read or write outside it.
	StorageDir string

	// Emit receives translated events.
	Emit Emitter

	// Logger is already scoped to the tenant.
	Logger *slog.Logger
}

// ClientFactory constructs unconnected clients.
type ClientFactory interface {
	NewClient(ctx context.Context, spec ClientSpec) (Client, error)
}

// ClientFactoryFunc adapts a function to ClientFactory.
type ClientFactoryFunc func(ctx context.Context, spec ClientSpec) (Client, error)

// NewClient calls f.
func (f ClientFactoryFunc) NewClient(ctx context.Context, spec ClientSpec) (Client, error) {
	return f(ctx, spec)
}
