package fanout

import (
	"sort"
	"sync"

	"github.com/haasonsaas/wagate/pkg/models"
)

// DefaultPollCapacity bounds queued message events per poll buffer.
const DefaultPollCapacity = 256

// PollResult is what a poller receives from Drain.
type PollResult struct {
	// Events are in publish order.
	Events []models.Event `json:"events"`

	// Dropped counts message events evicted since the previous drain.
	Dropped uint64 `json:"dropped"`
}

// PollBuffer is a sink for poll transports. Status and pairing events
// coalesce to the latest one; message events queue up to capacity, after
// which the oldest is evicted and counted.
type PollBuffer struct {
	mu       sync.Mutex
	capacity int
	latest   *models.Event
	queue    []models.Event
	dropped  uint64
	onDrop   func()
}

// NewPollBuffer creates a buffer. onDrop, if set, is called for every evicted
// message event.
func NewPollBuffer(capacity int, onDrop func()) *PollBuffer {
	if capacity < 1 {
		capacity = DefaultPollCapacity
	}
	return &PollBuffer{
		capacity: capacity,
		queue:    make([]models.Event, 0, capacity),
		onDrop:   onDrop,
	}
}

// Deliver implements Sink. It never fails.
func (b *PollBuffer) Deliver(ev models.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ev.Kind.Coalescing() {
		b.latest = &ev
		return nil
	}

	if len(b.queue) == b.capacity {
		copy(b.queue, b.queue[1:])
		b.queue = b.queue[:len(b.queue)-1]
		b.dropped++
		if b.onDrop != nil {
			b.onDrop()
		}
	}
	b.queue = append(b.queue, ev)
	return nil
}

// Drain returns and clears everything buffered.
func (b *PollBuffer) Drain() PollResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	events := make([]models.Event, 0, len(b.queue)+1)
	events = append(events, b.queue...)
	if b.latest != nil {
		events = append(events, *b.latest)
		sort.SliceStable(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	}

	result := PollResult{Events: events, Dropped: b.dropped}
	b.latest = nil
	b.queue = b.queue[:0]
	b.dropped = 0
	return result
}

// Pending returns the number of buffered events.
func (b *PollBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.queue)
	if b.latest != nil {
		n++
	}
	return n
}
