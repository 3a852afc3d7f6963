// Package fanout routes tenant session events to subscribers.
//
// Each tenant has one topic bound to the session generation that opened it.
// Events carrying any other generation are discarded, so a torn-down client
// can never reach subscribers of its successor. Delivery to a topic is
// serialized and runs without hub locks held, which keeps per-tenant
// emission order for every subscriber and lets sinks call back in.
package fanout

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/wagate/internal/observability"
	"github.com/haasonsaas/wagate/pkg/models"
)

// ErrNoTopic is returned when subscribing to a tenant without a live session.
var ErrNoTopic = errors.New("no live session for tenant")

// Discard reasons reported to metrics.
const (
	DiscardNoTopic         = "no_topic"
	DiscardStaleGeneration = "stale_generation"
)

// Handle identifies one subscription.
type Handle struct {
	TenantID string `json:"tenant_id"`
	ID       string `json:"id"`
}

// Options configures a Hub.
type Options struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics

	// Mirrors receive every published event of every tenant. They are never
	// unsubscribed; failures are logged and counted.
	Mirrors []Sink
}

// Hub holds per-tenant topics.
type Hub struct {
	mu      sync.RWMutex
	topics  map[string]*topic
	mirrors []Sink
	logger  *slog.Logger
	metrics *observability.Metrics
}

type subscription struct {
	id   string
	sink Sink
	// after is the topic sequence at subscribe time; earlier events are
	// never delivered to this subscription.
	after uint64
}

type topic struct {
	mu         sync.Mutex
	tenantID   string
	generation uint64
	seq        uint64
	closed     bool
	subs       []subscription
	queue      []models.Event
	flushing   bool
}

// NewHub creates an empty hub.
func NewHub(opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		topics:  make(map[string]*topic),
		mirrors: opts.Mirrors,
		logger:  logger.With("component", "fanout"),
		metrics: opts.Metrics,
	}
}

// Open binds the tenant's topic to generation. Any previous topic for the
// tenant is closed along with its subscriptions.
func (h *Hub) Open(tenantID string, generation uint64) {
	next := &topic{tenantID: tenantID, generation: generation}

	h.mu.Lock()
	prev := h.topics[tenantID]
	h.topics[tenantID] = next
	h.mu.Unlock()

	if prev != nil {
		prev.close()
	}
}

// Close removes the tenant's topic if it is still bound to generation and
// closes every subscription on it. It returns the number of subscriptions
// removed.
func (h *Hub) Close(tenantID string, generation uint64) int {
	h.mu.Lock()
	t := h.topics[tenantID]
	if t == nil || t.generation != generation {
		h.mu.Unlock()
		return 0
	}
	delete(h.topics, tenantID)
	h.mu.Unlock()

	return t.close()
}

// Generation returns the generation the tenant's topic is bound to.
func (h *Hub) Generation(tenantID string) (uint64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t := h.topics[tenantID]
	if t == nil {
		return 0, false
	}
	return t.generation, true
}

// Subscribe attaches sink to the tenant's topic.
func (h *Hub) Subscribe(tenantID string, sink Sink) (Handle, error) {
	if sink == nil {
		return Handle{}, errors.New("fanout: nil sink")
	}
	t := h.topic(tenantID)
	if t == nil {
		return Handle{}, fmt.Errorf("%w: %s", ErrNoTopic, tenantID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return Handle{}, fmt.Errorf("%w: %s", ErrNoTopic, tenantID)
	}
	id := uuid.NewString()
	t.subs = append(t.subs, subscription{id: id, sink: sink, after: t.seq})
	return Handle{TenantID: tenantID, ID: id}, nil
}

// Unsubscribe detaches and closes the subscription. It reports whether the
// subscription existed.
func (h *Hub) Unsubscribe(handle Handle) bool {
	t := h.topic(handle.TenantID)
	if t == nil {
		return false
	}
	t.mu.Lock()
	sink, ok := t.remove(handle.ID)
	t.mu.Unlock()
	if ok {
		closeSink(sink)
	}
	return ok
}

// Lookup returns the sink behind a subscription.
func (h *Hub) Lookup(handle Handle) (Sink, bool) {
	t := h.topic(handle.TenantID)
	if t == nil {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sub := range t.subs {
		if sub.id == handle.ID {
			return sub.sink, true
		}
	}
	return nil, false
}

// Subscribers returns the number of subscriptions for a tenant.
func (h *Hub) Subscribers(tenantID string) int {
	t := h.topic(tenantID)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Publish stamps ev with the next per-topic sequence number and delivers it
// to every subscriber of ev.TenantID and to the mirrors. It returns the
// stamped event and whether it was accepted; events without a topic or with
// a stale generation are discarded.
//
// A Publish made from inside a sink is queued behind the event being
// delivered and reaches subscribers once that delivery completes.
func (h *Hub) Publish(ev models.Event) (models.Event, bool) {
	ev, flush, ok := h.Enqueue(ev)
	if ok {
		flush()
	}
	return ev, ok
}

// Enqueue stamps ev and queues it without calling any sink. The returned
// flush delivers everything queued on the topic. Callers that must order
// stamping with their own state do so under their lock, then release it
// before calling flush.
func (h *Hub) Enqueue(ev models.Event) (models.Event, func(), bool) {
	t := h.topic(ev.TenantID)
	if t == nil {
		h.metrics.EventDiscarded(DiscardNoTopic)
		return ev, func() {}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		h.metrics.EventDiscarded(DiscardNoTopic)
		return ev, func() {}, false
	}
	if ev.Generation != t.generation {
		h.metrics.EventDiscarded(DiscardStaleGeneration)
		h.logger.Debug("discarding stale event",
			"tenant_id", ev.TenantID,
			"event_generation", ev.Generation,
			"live_generation", t.generation,
			"kind", ev.Kind)
		return ev, func() {}, false
	}

	t.seq++
	ev.Seq = t.seq
	t.queue = append(t.queue, ev)
	h.metrics.EventPublished(string(ev.Kind))
	return ev, func() { h.flush(t) }, true
}

// flush drains t's queue in sequence order. One goroutine flushes a topic at
// a time and no lock is held while sinks run, so a sink may call back into
// the hub or the registry.
func (h *Hub) flush(t *topic) {
	t.mu.Lock()
	if t.flushing {
		t.mu.Unlock()
		return
	}
	t.flushing = true
	for len(t.queue) > 0 && !t.closed {
		ev := t.queue[0]
		t.queue[0] = models.Event{}
		t.queue = t.queue[1:]
		recipients := make([]subscription, 0, len(t.subs))
		for _, sub := range t.subs {
			if sub.after < ev.Seq {
				recipients = append(recipients, sub)
			}
		}
		t.mu.Unlock()

		h.deliverEvent(t, ev, recipients)

		t.mu.Lock()
	}
	for range t.queue {
		h.metrics.EventDiscarded(DiscardNoTopic)
	}
	t.queue = nil
	t.flushing = false
	t.mu.Unlock()
}

func (h *Hub) deliverEvent(t *topic, ev models.Event, recipients []subscription) {
	var failed []string
	for _, sub := range recipients {
		err := deliver(sub.sink, ev)
		switch {
		case err == nil:
		case errors.Is(err, ErrSinkClosed):
			// Unsubscribed while the event was in flight.
		default:
			h.logger.Warn("dropping failed subscriber",
				"tenant_id", ev.TenantID,
				"subscription", sub.id,
				"error", err)
			failed = append(failed, sub.id)
		}
	}

	for _, mirror := range h.mirrors {
		if err := deliver(mirror, ev); err != nil {
			h.metrics.SinkFailed()
			h.logger.Warn("mirror delivery failed", "tenant_id", ev.TenantID, "error", err)
		}
	}

	if len(failed) == 0 {
		return
	}
	var dropped []Sink
	t.mu.Lock()
	for _, id := range failed {
		if sink, ok := t.remove(id); ok {
			dropped = append(dropped, sink)
		}
	}
	t.mu.Unlock()
	for _, sink := range dropped {
		h.metrics.SinkFailed()
		closeSink(sink)
	}
}

func (h *Hub) topic(tenantID string) *topic {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.topics[tenantID]
}

// remove must be called with t.mu held.
func (t *topic) remove(id string) (Sink, bool) {
	for i, sub := range t.subs {
		if sub.id == id {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			return sub.sink, true
		}
	}
	return nil, false
}

func (t *topic) close() int {
	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.closed = true
	t.mu.Unlock()

	for _, sub := range subs {
		closeSink(sub.sink)
	}
	return len(subs)
}

func deliver(sink Sink, ev models.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return sink.Deliver(ev)
}

func closeSink(sink Sink) {
	if c, ok := sink.(closer); ok {
		_ = c.Close()
	}
}
