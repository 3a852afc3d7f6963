package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/haasonsaas/wagate/internal/channels"
	"github.com/haasonsaas/wagate/pkg/models"
)

// conn is the slice of the whatsmeow client the tenant client drives.
type conn interface {
	Connect() error
	Disconnect()
	Paired() bool
	Identity() models.Identity
	QRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error)
	SendMessage(ctx context.Context, to types.JID, msg *waE2E.Message) (whatsmeow.SendResponse, error)
}

// Client is one tenant's WhatsApp connection. It translates whatsmeow
// events into canonical session events.
type Client struct {
	tenantID string
	conn     conn
	emitFn   channels.Emitter
	logger   *slog.Logger
	limiter  *channels.SendLimiter
	tracker  *conversationTracker

	// release closes the credential database after disconnect.
	release func() error

	// ctx scopes the pairing loop; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu    sync.RWMutex
	connected bool
	qrStarted bool

	// emitMu is held for reading around every emit so Close can wait out
	// in-flight handlers.
	emitMu sync.RWMutex
	closed bool

	closeOnce sync.Once
	closeErr  error
}

var _ channels.Client = (*Client)(nil)

func newClient(spec channels.ClientSpec, c conn, cfg Config, release func() error) *Client {
	logger := spec.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		tenantID: spec.TenantID,
		conn:     c,
		emitFn:   spec.Emit,
		logger:   logger.With("channel", "whatsapp"),
		limiter:  channels.NewSendLimiter(cfg.SendRate, cfg.SendBurst),
		tracker:  newConversationTracker(cfg.TrackedConversations),
		release:  release,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect dials WhatsApp. Unpaired devices first open the pairing channel,
// whose codes are emitted as pairing tokens. Connection success arrives as
// an event, not as the return value.
func (c *Client) Connect(ctx context.Context) error {
	if c.isClosed() {
		return channels.ErrNotConnected("connect")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if !c.conn.Paired() && c.startPairing() {
		qr, err := c.conn.QRChannel(c.ctx)
		switch {
		case errors.Is(err, whatsmeow.ErrQRStoreContainsID):
			// Paired since the check; a plain connect resumes the session.
		case err != nil:
			c.resetPairing()
			return channels.ErrConnection("connect", "open pairing channel", err)
		default:
			c.wg.Add(1)
			go c.consumeQR(qr)
		}
	}

	if err := c.conn.Connect(); err != nil {
		if errors.Is(err, whatsmeow.ErrAlreadyConnected) {
			return nil
		}
		return channels.ErrConnection("connect", "dial websocket", err)
	}
	c.logger.Debug("websocket connected", "paired", c.conn.Paired())
	return nil
}

// Send delivers a text message to a phone number or JID.
func (c *Client) Send(ctx context.Context, to, body string) (models.SendResult, error) {
	if c.isClosed() || !c.isConnected() {
		return models.SendResult{}, channels.ErrNotConnected("send")
	}
	if strings.TrimSpace(body) == "" {
		return models.SendResult{}, channels.ErrInvalidInput("send", "message body is empty", nil)
	}
	jid, err := parseDestination(to)
	if err != nil {
		return models.SendResult{}, channels.ErrInvalidInput("send", "invalid destination", err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return models.SendResult{}, channels.ErrTimeout("send", "waiting for send budget", err)
	}

	resp, err := c.conn.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(body),
	})
	if err != nil {
		if ctx.Err() != nil {
			return models.SendResult{}, channels.ErrTimeout("send", "send cancelled", err)
		}
		return models.SendResult{}, channels.ErrConnection("send", "failed to send message", err)
	}

	ts := resp.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	msg := &models.Message{
		ID:        string(resp.ID),
		ChatID:    jid.String(),
		Sender:    c.conn.Identity().Handle,
		Body:      body,
		Direction: models.DirectionOutbound,
		IsGroup:   jid.Server == types.GroupServer,
		Timestamp: ts,
	}
	c.tracker.record(msg, "")
	c.emit(models.Event{Kind: models.EventMessageSent, Message: msg, Timestamp: ts})

	return models.SendResult{Sent: true, DeliveryID: string(resp.ID), Timestamp: ts}, nil
}

// ListConversations returns the most recently active conversations seen on
// this connection.
func (c *Client) ListConversations(ctx context.Context, limit int) ([]models.Conversation, error) {
	if c.isClosed() || !c.isConnected() {
		return nil, channels.ErrNotConnected("list_conversations")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.tracker.list(limit), nil
}

// Close disconnects and releases the credential database. Nothing is
// emitted once Close returns.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.emitMu.Lock()
		c.closed = true
		c.emitMu.Unlock()

		c.cancel()
		c.conn.Disconnect()
		c.setConnected(false)

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			c.closeErr = fmt.Errorf("pairing loop did not exit: %w", ctx.Err())
			return
		}

		if c.release != nil {
			if err := c.release(); err != nil {
				c.closeErr = fmt.Errorf("close credential store: %w", err)
			}
		}
	})
	return c.closeErr
}

// consumeQR turns pairing channel items into session events.
func (c *Client) consumeQR(qr <-chan whatsmeow.QRChannelItem) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case item, ok := <-qr:
			if !ok {
				return
			}
			c.handleQR(item)
		}
	}
}

func (c *Client) handleQR(item whatsmeow.QRChannelItem) {
	switch item.Event {
	case whatsmeow.QRChannelEventCode:
		c.logger.Info("pairing code issued", "code", item.Code, "valid_for", item.Timeout)
		c.emit(models.Event{Kind: models.EventPairingToken, PairingToken: item.Code})
	case whatsmeow.QRChannelSuccess.Event:
		c.logger.Info("pairing completed")
	case whatsmeow.QRChannelTimeout.Event:
		c.emit(models.Event{Kind: models.EventDisconnected, Reason: "pairing window expired"})
	case whatsmeow.QRChannelEventError:
		reason := "pairing failed"
		if item.Error != nil {
			reason += ": " + item.Error.Error()
		}
		c.emit(models.Event{Kind: models.EventAuthFailed, Reason: reason})
	default:
		c.emit(models.Event{Kind: models.EventAuthFailed, Reason: "pairing failed: " + item.Event})
	}
}

// handleEvent is registered with whatsmeow.
func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		c.setConnected(true)
		id := c.conn.Identity()
		c.logger.Info("connected to WhatsApp", "handle", id.Handle)
		c.emit(models.Event{Kind: models.EventConnected, Identity: &id})

	case *events.PairSuccess:
		c.logger.Info("device paired", "jid", v.ID.String(), "platform", v.Platform)

	case *events.PairError:
		c.emit(models.Event{Kind: models.EventAuthFailed, Reason: fmt.Sprintf("pairing failed: %v", v.Error)})

	case *events.LoggedOut:
		c.setConnected(false)
		c.logger.Warn("logged out from WhatsApp", "reason", v.Reason, "on_connect", v.OnConnect)
		c.emit(models.Event{Kind: models.EventAuthFailed, Reason: fmt.Sprintf("logged out: %v", v.Reason)})

	case *events.ConnectFailure:
		c.setConnected(false)
		if v.Reason.IsLoggedOut() {
			c.emit(models.Event{Kind: models.EventAuthFailed, Reason: fmt.Sprintf("connect rejected: %v", v.Reason)})
			return
		}
		c.emit(models.Event{Kind: models.EventDisconnected, Reason: fmt.Sprintf("connect failed: %v %s", v.Reason, v.Message)})

	case *events.TemporaryBan:
		c.setConnected(false)
		c.emit(models.Event{Kind: models.EventAuthFailed, Reason: fmt.Sprintf("temporary ban %v, expires in %s", v.Code, v.Expire)})

	case *events.ClientOutdated:
		c.setConnected(false)
		c.emit(models.Event{Kind: models.EventAuthFailed, Reason: "client outdated"})

	case *events.StreamReplaced:
		c.setConnected(false)
		c.emit(models.Event{Kind: models.EventDisconnected, Reason: "stream replaced by another connection"})

	case *events.Disconnected:
		c.setConnected(false)
		c.logger.Warn("disconnected from WhatsApp")
		c.emit(models.Event{Kind: models.EventDisconnected, Reason: "connection lost"})

	case *events.Message:
		c.handleMessage(v)
	}
}

// handleMessage translates text messages. Media without a caption and
// status broadcasts are ignored.
func (c *Client) handleMessage(evt *events.Message) {
	if evt.Info.Chat.Server == types.BroadcastServer {
		return
	}
	body := messageText(evt.Message)
	if body == "" {
		return
	}

	msg := &models.Message{
		ID:         string(evt.Info.ID),
		ChatID:     evt.Info.Chat.String(),
		Sender:     evt.Info.Sender.String(),
		SenderName: evt.Info.PushName,
		Body:       body,
		Direction:  models.DirectionInbound,
		IsGroup:    evt.Info.IsGroup,
		Timestamp:  evt.Info.Timestamp,
	}
	kind := models.EventMessageReceived
	if evt.Info.IsFromMe {
		msg.Direction = models.DirectionOutbound
		kind = models.EventMessageSent
	}

	name := ""
	if !evt.Info.IsGroup && !evt.Info.IsFromMe {
		name = evt.Info.PushName
	}
	c.tracker.record(msg, name)
	c.emit(models.Event{Kind: kind, Message: msg, Timestamp: msg.Timestamp})
}

func (c *Client) emit(ev models.Event) {
	c.emitMu.RLock()
	defer c.emitMu.RUnlock()
	if c.closed || c.emitFn == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	c.emitFn(ev)
}

func (c *Client) isClosed() bool {
	c.emitMu.RLock()
	defer c.emitMu.RUnlock()
	return c.closed
}

func (c *Client) isConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

func (c *Client) setConnected(v bool) {
	c.connMu.Lock()
	c.connected = v
	c.connMu.Unlock()
}

// startPairing reports whether this call should open the pairing channel.
// Retried connects reuse the channel opened by the first attempt.
func (c *Client) startPairing() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.qrStarted {
		return false
	}
	c.qrStarted = true
	return true
}

func (c *Client) resetPairing() {
	c.connMu.Lock()
	c.qrStarted = false
	c.connMu.Unlock()
}
