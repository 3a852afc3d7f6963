package channels

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSendLimiter_Burst(t *testing.T) {
	l := NewSendLimiter(1, 3)
	for i := 0; i < 3; i++ {
		if !l.Allow() {
			t.Fatalf("Allow() #%d = false, want true within burst", i+1)
		}
	}
	if l.Allow() {
		t.Error("Allow() should fail once the burst is spent")
	}
}

func TestSendLimiter_Refill(t *testing.T) {
	now := time.Now()
	l := NewSendLimiter(2, 1)
	l.now = func() time.Time { return now }
	l.lastRefill = now

	if !l.Allow() {
		t.Fatal("first Allow() should succeed")
	}
	if l.Allow() {
		t.Fatal("second Allow() should fail before refill")
	}

	now = now.Add(600 * time.Millisecond)
	if !l.Allow() {
		t.Error("Allow() should succeed after refill interval")
	}
}

func TestSendLimiter_Disabled(t *testing.T) {
	var nilLimiter *SendLimiter
	if !nilLimiter.Allow() {
		t.Error("nil limiter should allow")
	}
	if err := nilLimiter.Wait(context.Background()); err != nil {
		t.Errorf("nil limiter Wait() = %v", err)
	}

	l := NewSendLimiter(0, 1)
	for i := 0; i < 10; i++ {
		if !l.Allow() {
			t.Fatal("zero-rate limiter should never block")
		}
	}
}

func TestSendLimiter_WaitCancelled(t *testing.T) {
	l := NewSendLimiter(0.01, 1)
	l.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want deadline exceeded", err)
	}
}

func TestSendLimiter_WaitSucceeds(t *testing.T) {
	l := NewSendLimiter(100, 1)
	l.Allow()

	start := time.Now()
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Wait() took %v", elapsed)
	}
}
