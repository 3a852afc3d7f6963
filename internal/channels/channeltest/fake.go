// Package channeltest provides a scriptable in-memory messaging client for
// exercising the session registry without a network.
package channeltest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/wagate/internal/channels"
	"github.com/haasonsaas/wagate/pkg/models"
)

// Sent is one message handed to a fake client.
type Sent struct {
	To   string
	Body string
}

// Client is a fake channels.Client. Native events are injected with the
// Emit helpers, which run the same emitter the registry wired in.
type Client struct {
	spec    channels.ClientSpec
	factory *Factory

	mu            sync.Mutex
	connects      int
	connectErrs   []error
	connected     bool
	closed        bool
	sent          []Sent
	conversations []models.Conversation
	sendErr       error
}

// Spec returns the spec the client was built with.
func (c *Client) Spec() channels.ClientSpec {
	return c.spec
}

// Connect consumes the next scripted connect error, if any. When the factory
// holds connects, Connect blocks until released or ctx ends.
func (c *Client) Connect(ctx context.Context) error {
	if hold := c.factory.hold(); hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	c.connects++
	var err error
	switch {
	case c.closed:
		err = channels.ErrNotConnected("connect")
	case len(c.connectErrs) > 0:
		err = c.connectErrs[0]
		c.connectErrs = c.connectErrs[1:]
	}
	if err == nil {
		c.connected = true
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	if hook := c.factory.OnConnect; hook != nil {
		hook(c)
	}
	return nil
}

// Send records the message and emits message_sent.
func (c *Client) Send(ctx context.Context, to, body string) (models.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return models.SendResult{}, err
	}
	c.mu.Lock()
	if c.closed || !c.connected {
		c.mu.Unlock()
		return models.SendResult{}, channels.ErrNotConnected("send")
	}
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return models.SendResult{}, err
	}
	c.sent = append(c.sent, Sent{To: to, Body: body})
	id := fmt.Sprintf("fake-%d", len(c.sent))
	c.mu.Unlock()

	now := time.Now()
	c.emit(models.Event{
		Kind: models.EventMessageSent,
		Message: &models.Message{
			ID:        id,
			ChatID:    to,
			Body:      body,
			Direction: models.DirectionOutbound,
			Timestamp: now,
		},
	})
	return models.SendResult{Sent: true, DeliveryID: id, Timestamp: now}, nil
}

// ListConversations returns scripted conversations, truncated to limit.
func (c *Client) ListConversations(ctx context.Context, limit int) ([]models.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.connected {
		return nil, channels.ErrNotConnected("list_conversations")
	}
	out := append([]models.Conversation(nil), c.conversations...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close marks the client closed. It returns the factory's CloseErr, if set.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.connected = false
	c.mu.Unlock()

	if !already {
		c.factory.live.Add(-1)
	}
	return c.factory.CloseErr
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Connects returns the number of connect attempts made.
func (c *Client) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Sent returns the messages sent so far.
func (c *Client) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// SetConversations scripts the ListConversations result.
func (c *Client) SetConversations(convs []models.Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversations = convs
}

// SetSendError makes subsequent sends fail with err.
func (c *Client) SetSendError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// EmitPairingToken injects a pairing token event.
func (c *Client) EmitPairingToken(token string) {
	c.emit(models.Event{Kind: models.EventPairingToken, PairingToken: token})
}

// EmitConnected injects a connected event.
func (c *Client) EmitConnected(name, handle string) {
	c.emit(models.Event{Kind: models.EventConnected, Identity: &models.Identity{Name: name, Handle: handle}})
}

// EmitDisconnected injects a disconnected event.
func (c *Client) EmitDisconnected(reason string) {
	c.emit(models.Event{Kind: models.EventDisconnected, Reason: reason})
}

// EmitAuthFailed injects an auth_failed event.
func (c *Client) EmitAuthFailed(reason string) {
	c.emit(models.Event{Kind: models.EventAuthFailed, Reason: reason})
}

// EmitMessage injects an inbound message.
func (c *Client) EmitMessage(from, body string) {
	c.emit(models.Event{
		Kind: models.EventMessageReceived,
		Message: &models.Message{
			ChatID:    from,
			Sender:    from,
			Body:      body,
			Direction: models.DirectionInbound,
			Timestamp: time.Now(),
		},
	})
}

// Emit injects an arbitrary event.
func (c *Client) Emit(ev models.Event) {
	c.emit(ev)
}

func (c *Client) emit(ev models.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if c.spec.Emit != nil {
		c.spec.Emit(ev)
	}
}

// Factory builds fake clients and tracks them per tenant.
type Factory struct {
	// ConnectErrs is copied into every new client as its scripted connect
	// results, consumed one per attempt.
	ConnectErrs []error

	// NewErr fails client construction.
	NewErr error

	// CloseErr is returned by every client's Close.
	CloseErr error

	// OnConnect runs after each successful Connect, e.g. to emit a pairing
	// token the way a real client would.
	OnConnect func(*Client)

	mu      sync.Mutex
	clients map[string][]*Client
	holdCh  chan struct{}
	built   atomic.Int64
	live    atomic.Int64
}

var _ channels.ClientFactory = (*Factory)(nil)

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{clients: make(map[string][]*Client)}
}

// NewClient implements channels.ClientFactory.
func (f *Factory) NewClient(ctx context.Context, spec channels.ClientSpec) (channels.Client, error) {
	if f.NewErr != nil {
		return nil, f.NewErr
	}
	if spec.TenantID == "" {
		return nil, errors.New("channeltest: tenant id required")
	}
	c := &Client{
		spec:        spec,
		factory:     f,
		connectErrs: append([]error(nil), f.ConnectErrs...),
	}

	f.mu.Lock()
	if f.clients == nil {
		f.clients = make(map[string][]*Client)
	}
	f.clients[spec.TenantID] = append(f.clients[spec.TenantID], c)
	f.mu.Unlock()

	f.built.Add(1)
	f.live.Add(1)
	return c, nil
}

// Built returns the number of clients constructed for a tenant.
func (f *Factory) Built(tenantID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients[tenantID])
}

// Live returns the number of clients for a tenant that are not closed.
func (f *Factory) Live(tenantID string) int {
	f.mu.Lock()
	clients := append([]*Client(nil), f.clients[tenantID]...)
	f.mu.Unlock()

	n := 0
	for _, c := range clients {
		if !c.Closed() {
			n++
		}
	}
	return n
}

// TotalLive returns the number of unclosed clients across tenants.
func (f *Factory) TotalLive() int {
	return int(f.live.Load())
}

// Latest returns the most recently built client for a tenant.
func (f *Factory) Latest(tenantID string) *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	clients := f.clients[tenantID]
	if len(clients) == 0 {
		return nil
	}
	return clients[len(clients)-1]
}

// Clients returns every client built for a tenant, oldest first.
func (f *Factory) Clients(tenantID string) []*Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Client(nil), f.clients[tenantID]...)
}

// Hold makes Connect block until Release is called.
func (f *Factory) Hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holdCh == nil {
		f.holdCh = make(chan struct{})
	}
}

// Release unblocks held connects.
func (f *Factory) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holdCh != nil {
		close(f.holdCh)
		f.holdCh = nil
	}
}

func (f *Factory) hold() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.holdCh
}
