package fanout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/haasonsaas/wagate/pkg/models"
)

func TestRedisStreamSink_Defaults(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	s := newRedisStreamSink(RedisStreamConfig{Client: client})
	if s.StreamKey("acme") != "wagate:events:acme" {
		t.Errorf("StreamKey() = %q", s.StreamKey("acme"))
	}
	if cap(s.queue) != 1024 || s.timeout != 5*time.Second {
		t.Errorf("defaults not applied: buffer %d timeout %v", cap(s.queue), s.timeout)
	}
}

func TestRedisStreamSink_DeliverNeverBlocks(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	s := newRedisStreamSink(RedisStreamConfig{Client: client, Buffer: 2})

	for i := 0; i < 2; i++ {
		if err := s.Deliver(models.Event{TenantID: "t1"}); err != nil {
			t.Fatalf("Deliver() #%d error = %v", i, err)
		}
	}
	if err := s.Deliver(models.Event{TenantID: "t1"}); !errors.Is(err, ErrSinkFull) {
		t.Errorf("Deliver() on full queue error = %v, want ErrSinkFull", err)
	}
	if s.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", s.Dropped())
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if err := s.Deliver(models.Event{}); !errors.Is(err, ErrSinkClosed) {
		t.Errorf("Deliver() after close error = %v, want ErrSinkClosed", err)
	}
}

func TestRedisStreamSink_Integration(t *testing.T) {
	// Skip if Redis is not available
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	prefix := "test:wagate:" + time.Now().Format("150405.000000") + ":"
	s := NewRedisStreamSink(RedisStreamConfig{Client: client, KeyPrefix: prefix, MaxLen: 100})

	for seq := uint64(1); seq <= 3; seq++ {
		ev := models.Event{TenantID: "acme", Generation: 1, Seq: seq, Kind: models.EventMessageReceived}
		if err := s.Deliver(ev); err != nil {
			t.Fatalf("Deliver() error = %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	defer client.Del(ctx, s.StreamKey("acme"))

	entries, err := client.XRange(ctx, s.StreamKey("acme"), "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("stream has %d entries, want 3", len(entries))
	}
	for i, entry := range entries {
		if entry.Values["kind"] != string(models.EventMessageReceived) {
			t.Errorf("entry %d kind = %v", i, entry.Values["kind"])
		}
		if entry.Values["seq"] != []string{"1", "2", "3"}[i] {
			t.Errorf("entry %d seq = %v", i, entry.Values["seq"])
		}
	}
	if s.Failed() != 0 {
		t.Errorf("Failed() = %d", s.Failed())
	}
}
