package fanout

import (
	"errors"
	"sync"

	"github.com/haasonsaas/wagate/pkg/models"
)

// ErrSinkFull is returned by a sink that cannot accept an event without
// blocking.
var ErrSinkFull = errors.New("sink buffer full")

// ErrSinkClosed is returned by a sink after Close.
var ErrSinkClosed = errors.New("sink closed")

// Sink receives events for one subscription. Deliver must not block; a
// returned error or panic unsubscribes the sink. Deliver runs without hub or
// registry locks held and may call back into either, including to
// unsubscribe itself.
type Sink interface {
	Deliver(ev models.Event) error
}

// closer is implemented by sinks that hold resources. Close is called once
// when the subscription ends for any reason.
type closer interface {
	Close() error
}

// FuncSink adapts a function to Sink.
type FuncSink func(ev models.Event) error

// Deliver calls f.
func (f FuncSink) Deliver(ev models.Event) error {
	return f(ev)
}

// ChannelSink forwards events to a buffered channel for a push transport.
// A full channel fails delivery, which drops the subscription.
type ChannelSink struct {
	mu     sync.Mutex
	ch     chan models.Event
	closed bool
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(size int) *ChannelSink {
	if size < 1 {
		size = 1
	}
	return &ChannelSink{ch: make(chan models.Event, size)}
}

// C returns the receive side. It is closed when the subscription ends.
func (s *ChannelSink) C() <-chan models.Event {
	return s.ch
}

// Deliver implements Sink.
func (s *ChannelSink) Deliver(ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.ch <- ev:
		return nil
	default:
		return ErrSinkFull
	}
}

// Close closes the channel. It is safe to call more than once.
func (s *ChannelSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}
