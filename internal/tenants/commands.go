package tenants

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/wagate/internal/channels"
	"github.com/haasonsaas/wagate/internal/credentials"
	"github.com/haasonsaas/wagate/internal/fanout"
	"github.com/haasonsaas/wagate/pkg/models"
)

// Command names used for spans and metrics.
const (
	cmdProvision     = "provision"
	cmdStatus        = "status"
	cmdPairing       = "pairing_token"
	cmdSend          = "send"
	cmdConversations = "list_conversations"
	cmdRestart       = "restart"
	cmdDestroy       = "destroy"
	cmdSubscribe     = "subscribe"
	cmdPoll          = "poll"
)

// observe opens a span for one command. The returned func ends the span and
// records the command's outcome.
func (r *Registry) observe(ctx context.Context, command, tenantID string) (context.Context, trace.Span, func(error)) {
	ctx, span := r.tracer.TraceCommand(ctx, command, tenantID)
	start := time.Now()
	return ctx, span, func(err error) {
		result := "ok"
		if err != nil {
			r.tracer.RecordError(span, err)
			if code := CodeOf(err); code != "" {
				result = strings.ToLower(string(code))
			} else {
				result = "error"
			}
		}
		span.End()
		r.metrics.RecordCommand(command, result, time.Since(start))
	}
}

// lookup returns the tenant's entry, provisioning it first when the policy
// is implicit and provision is set.
func (r *Registry) lookup(ctx context.Context, tenantID string, provision bool) (*entry, error) {
	if e := r.entry(tenantID); e != nil {
		return e, nil
	}
	if err := validTenant(tenantID); err != nil {
		return nil, err
	}
	if !provision || r.opts.Provisioning != ProvisionImplicit {
		return nil, errUnknownTenant(tenantID)
	}
	if _, _, err := r.CreateOrGet(ctx, tenantID); err != nil {
		return nil, err
	}
	if e := r.entry(tenantID); e != nil {
		return e, nil
	}
	// Destroyed between the create and this read.
	return nil, errUnknownTenant(tenantID)
}

// Provision is CreateOrGet behind the command surface.
func (r *Registry) Provision(ctx context.Context, tenantID string) (session models.Session, created bool, err error) {
	ctx, _, done := r.observe(ctx, cmdProvision, tenantID)
	defer func() { done(err) }()
	return r.CreateOrGet(ctx, tenantID)
}

// Status returns the cached status of the tenant's session. It never waits
// on the client.
func (r *Registry) Status(ctx context.Context, tenantID string) (status models.Status, err error) {
	ctx, _, done := r.observe(ctx, cmdStatus, tenantID)
	defer func() { done(err) }()

	e, err := r.lookup(ctx, tenantID, true)
	if err != nil {
		return models.Status{}, err
	}
	return e.snapshot().Status(), nil
}

// PairingToken returns the outstanding pairing token. ok is false whenever
// the session is not awaiting pairing; that is not an error.
func (r *Registry) PairingToken(ctx context.Context, tenantID string) (token string, ok bool, err error) {
	ctx, _, done := r.observe(ctx, cmdPairing, tenantID)
	defer func() { done(err) }()

	e, err := r.lookup(ctx, tenantID, true)
	if err != nil {
		return "", false, err
	}
	s := e.snapshot()
	if s.Connectivity != models.ConnectivityAwaitingPairing || s.PairingToken == "" {
		return "", false, nil
	}
	return s.PairingToken, true, nil
}

// Send delivers body to the destination handle. The tenant must be
// provisioned and connected; Send never provisions.
func (r *Registry) Send(ctx context.Context, tenantID, to, body string) (result models.SendResult, err error) {
	ctx, span, done := r.observe(ctx, cmdSend, tenantID)
	defer func() { done(err) }()

	e, err := r.connected(tenantID)
	if err != nil {
		return models.SendResult{}, err
	}
	result, err = e.client.Send(ctx, to, body)
	if err != nil {
		return models.SendResult{}, r.clientError(e, err)
	}
	r.tracer.SetAttributes(span, "message.delivery_id", result.DeliveryID)
	return result, nil
}

// ListConversations returns up to limit conversations, most recent first.
// limit is clamped to the configured maximum; zero or negative means the
// maximum.
func (r *Registry) ListConversations(ctx context.Context, tenantID string, limit int) (convs []models.Conversation, err error) {
	ctx, span, done := r.observe(ctx, cmdConversations, tenantID)
	defer func() { done(err) }()

	e, err := r.connected(tenantID)
	if err != nil {
		return nil, err
	}
	limit = r.ClampLimit(limit)
	r.tracer.SetAttributes(span, "conversations.limit", limit)

	convs, err = e.client.ListConversations(ctx, limit)
	if err != nil {
		return nil, r.clientError(e, err)
	}
	if len(convs) > limit {
		convs = convs[:limit]
	}
	return convs, nil
}

// ClampLimit bounds a conversation list limit to [1, MaxConversations].
func (r *Registry) ClampLimit(limit int) int {
	if limit <= 0 || limit > r.opts.MaxConversations {
		return r.opts.MaxConversations
	}
	return limit
}

// RestartSession is Restart behind the command surface.
func (r *Registry) RestartSession(ctx context.Context, tenantID string) (session models.Session, err error) {
	ctx, _, done := r.observe(ctx, cmdRestart, tenantID)
	defer func() { done(err) }()
	return r.Restart(ctx, tenantID)
}

// Teardown is Destroy behind the command surface. With purge set the
// tenant's credentials and directory record are removed as well.
func (r *Registry) Teardown(ctx context.Context, tenantID string, purge bool) (err error) {
	ctx, _, done := r.observe(ctx, cmdDestroy, tenantID)
	defer func() { done(err) }()

	if purge {
		return r.Remove(ctx, tenantID)
	}
	if r.entry(tenantID) == nil {
		if err := validTenant(tenantID); err != nil {
			return err
		}
		return errUnknownTenant(tenantID)
	}
	return r.Destroy(ctx, tenantID)
}

// Subscribe attaches sink to the tenant's events. The subscription lives
// until Unsubscribe, until the sink fails, or until the session is
// destroyed or restarted.
func (r *Registry) Subscribe(ctx context.Context, tenantID string, sink fanout.Sink) (handle fanout.Handle, err error) {
	handle, _, err = r.SubscribeWithStatus(ctx, tenantID, sink)
	return handle, err
}

// SubscribeWithStatus attaches sink and returns the status it starts from.
// The sink receives exactly the events published after that status.
func (r *Registry) SubscribeWithStatus(ctx context.Context, tenantID string, sink fanout.Sink) (handle fanout.Handle, status models.Status, err error) {
	ctx, _, done := r.observe(ctx, cmdSubscribe, tenantID)
	defer func() { done(err) }()

	e, err := r.lookup(ctx, tenantID, true)
	if err != nil {
		return fanout.Handle{}, models.Status{}, err
	}
	handle, session, err := r.subscribe(e, sink)
	if err != nil {
		return fanout.Handle{}, models.Status{}, err
	}
	return handle, session.Status(), nil
}

// SubscribePoll creates a poll subscription. The buffer is seeded with the
// session's current status so the first poll reflects current truth.
func (r *Registry) SubscribePoll(ctx context.Context, tenantID string) (handle fanout.Handle, err error) {
	ctx, _, done := r.observe(ctx, cmdSubscribe, tenantID)
	defer func() { done(err) }()

	e, err := r.lookup(ctx, tenantID, true)
	if err != nil {
		return fanout.Handle{}, err
	}
	buf := fanout.NewPollBuffer(r.opts.EventBuffer, r.metrics.EventDropped)

	// Holding e.mu keeps publishes out until the seed is in place.
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fanout.Handle{}, errUnknownTenant(tenantID)
	}
	handle, err = r.hub.Subscribe(tenantID, buf)
	if err != nil {
		return fanout.Handle{}, r.subscribeError(tenantID, err)
	}
	if ev, ok := statusEvent(e.copySessionLocked()); ok {
		_ = buf.Deliver(ev)
	}
	return handle, nil
}

// Unsubscribe removes a subscription. It reports whether it existed.
func (r *Registry) Unsubscribe(handle fanout.Handle) bool {
	return r.hub.Unsubscribe(handle)
}

// Poll drains a poll subscription's buffer.
func (r *Registry) Poll(ctx context.Context, handle fanout.Handle) (result fanout.PollResult, err error) {
	_, _, done := r.observe(ctx, cmdPoll, handle.TenantID)
	defer func() { done(err) }()

	if r.entry(handle.TenantID) == nil {
		return fanout.PollResult{}, errUnknownTenant(handle.TenantID)
	}
	sink, ok := r.hub.Lookup(handle)
	if !ok {
		return fanout.PollResult{}, errUnknownSubscription(handle.TenantID, handle.ID)
	}
	buf, ok := sink.(*fanout.PollBuffer)
	if !ok {
		return fanout.PollResult{}, errUnknownSubscription(handle.TenantID, handle.ID)
	}
	return buf.Drain(), nil
}

// subscribe attaches sink under e.mu, so the returned session and the
// subscription's first event agree.
func (r *Registry) subscribe(e *entry, sink fanout.Sink) (fanout.Handle, models.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fanout.Handle{}, models.Session{}, errUnknownTenant(e.tenantID)
	}
	handle, err := r.hub.Subscribe(e.tenantID, sink)
	if err != nil {
		return fanout.Handle{}, models.Session{}, r.subscribeError(e.tenantID, err)
	}
	return handle, e.copySessionLocked(), nil
}

func (r *Registry) subscribeError(tenantID string, err error) error {
	if errors.Is(err, fanout.ErrNoTopic) {
		return errUnknownTenant(tenantID)
	}
	return err
}

// connected returns the tenant's entry if its session is connected.
func (r *Registry) connected(tenantID string) (*entry, error) {
	e := r.entry(tenantID)
	if e == nil {
		if err := validTenant(tenantID); err != nil {
			return nil, err
		}
		return nil, errUnknownTenant(tenantID)
	}
	if state := e.connectivity(); state != models.ConnectivityConnected {
		return nil, errNotConnected(tenantID, state)
	}
	return e, nil
}

// clientError maps client failures onto the command error taxonomy.
func (r *Registry) clientError(e *entry, err error) error {
	if channels.CodeOf(err) == channels.ErrCodeNotConnected {
		return newError(CodeNotConnected, e.tenantID, "client lost its connection", err)
	}
	return err
}

// statusEvent renders a session as the status event a late subscriber
// would have last seen. Sessions still initializing have none.
func statusEvent(s models.Session) (models.Event, bool) {
	var kind models.EventKind
	switch s.Connectivity {
	case models.ConnectivityAwaitingPairing:
		kind = models.EventPairingToken
	case models.ConnectivityConnected:
		kind = models.EventConnected
	case models.ConnectivityAuthFailed:
		kind = models.EventAuthFailed
	case models.ConnectivityDisconnected:
		kind = models.EventDisconnected
	default:
		return models.Event{}, false
	}
	return models.Event{
		TenantID:     s.TenantID,
		Generation:   s.Generation,
		Kind:         kind,
		Connectivity: s.Connectivity,
		PairingToken: s.PairingToken,
		Identity:     s.Identity,
		Reason:       s.LastError,
		Timestamp:    s.UpdatedAt,
	}, true
}

func validTenant(tenantID string) error {
	if err := credentials.ValidateTenantID(tenantID); err != nil {
		return errInvalidTenant(tenantID, err)
	}
	return nil
}
