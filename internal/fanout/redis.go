package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/haasonsaas/wagate/pkg/models"
)

// RedisStreamConfig configures a RedisStreamSink.
type RedisStreamConfig struct {
	// Client is the Redis client to use. It is not closed by the sink.
	Client redis.UniversalClient

	// KeyPrefix is prepended to per-tenant stream keys.
	// Defaults to "wagate:events:" if empty.
	KeyPrefix string

	// MaxLen approximately caps each stream. Zero leaves streams untrimmed.
	MaxLen int64

	// Buffer is the number of events queued for writing. Defaults to 1024.
	Buffer int

	// Timeout bounds each XADD. Defaults to 5s.
	Timeout time.Duration

	Logger *slog.Logger
}

// RedisStreamSink mirrors events into one Redis stream per tenant so other
// processes can consume them with XREAD. Deliver only enqueues; a background
// writer performs the XADDs in order.
type RedisStreamSink struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
	timeout   time.Duration
	logger    *slog.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan models.Event
	done    chan struct{}
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewRedisStreamSink creates the sink and starts its writer.
func NewRedisStreamSink(config RedisStreamConfig) *RedisStreamSink {
	s := newRedisStreamSink(config)
	go s.run()
	return s
}

func newRedisStreamSink(config RedisStreamConfig) *RedisStreamSink {
	client := config.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr: "localhost:6379",
		})
	}
	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "wagate:events:"
	}
	buffer := config.Buffer
	if buffer <= 0 {
		buffer = 1024
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStreamSink{
		client:    client,
		keyPrefix: keyPrefix,
		maxLen:    config.MaxLen,
		timeout:   timeout,
		logger:    logger.With("component", "redis_mirror"),
		queue:     make(chan models.Event, buffer),
		done:      make(chan struct{}),
	}
}

// Deliver implements Sink.
func (s *RedisStreamSink) Deliver(ev models.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.queue <- ev:
		return nil
	default:
		s.dropped.Add(1)
		return ErrSinkFull
	}
}

// Close stops accepting events and waits for queued ones to be written.
func (s *RedisStreamSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	return nil
}

// Dropped returns the number of events rejected because the queue was full.
func (s *RedisStreamSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Failed returns the number of events whose XADD failed.
func (s *RedisStreamSink) Failed() uint64 {
	return s.failed.Load()
}

// StreamKey returns the stream a tenant's events are written to.
func (s *RedisStreamSink) StreamKey(tenantID string) string {
	return s.keyPrefix + tenantID
}

func (s *RedisStreamSink) run() {
	defer close(s.done)
	for ev := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if _, err := s.publish(ctx, ev); err != nil {
			s.failed.Add(1)
			s.logger.Warn("mirror write failed", "tenant_id", ev.TenantID, "seq", ev.Seq, "error", err)
		}
		cancel()
	}
}

// publish writes one event and returns the stream entry id.
func (s *RedisStreamSink) publish(ctx context.Context, ev models.Event) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	streamKey := s.StreamKey(ev.TenantID)
	args := &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]any{
			"kind":       string(ev.Kind),
			"generation": strconv.FormatUint(ev.Generation, 10),
			"seq":        strconv.FormatUint(ev.Seq, 10),
			"data":       data,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish event to stream %s: %w", streamKey, err)
	}
	return id, nil
}
