package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

var fastPolicy = Policy{Initial: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2}

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	attempts, err := Retry(context.Background(), fastPolicy, 3, func(int) error {
		calls++
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if attempts != 1 || calls != 1 {
		t.Errorf("attempts = %d, calls = %d, want 1/1", attempts, calls)
	}
}

func TestRetry_SucceedsAfterRetries(t *testing.T) {
	var hooked []int
	attempts, err := Retry(context.Background(), fastPolicy, 5, func(attempt int) error {
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	}, func(attempt int, delay time.Duration, err error) {
		hooked = append(hooked, attempt)
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if len(hooked) != 2 || hooked[0] != 1 || hooked[1] != 2 {
		t.Errorf("hook attempts = %v, want [1 2]", hooked)
	}
}

func TestRetry_Exhausted(t *testing.T) {
	boom := errors.New("boom")
	attempts, err := Retry(context.Background(), fastPolicy, 3, func(int) error {
		return boom
	}, nil)
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if !errors.Is(err, ErrAttemptsExhausted) || !errors.Is(err, boom) {
		t.Errorf("Retry() error = %v, want exhausted wrapping boom", err)
	}
}

func TestRetry_PermanentStops(t *testing.T) {
	calls := 0
	boom := errors.New("rejected")
	attempts, err := Retry(context.Background(), fastPolicy, 5, func(int) error {
		calls++
		return Permanent(boom)
	}, nil)
	if calls != 1 || attempts != 1 {
		t.Errorf("calls = %d, attempts = %d, want 1/1", calls, attempts)
	}
	if !IsPermanent(err) || !errors.Is(err, boom) {
		t.Errorf("Retry() error = %v, want permanent boom", err)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := Retry(ctx, fastPolicy, 3, func(int) error {
		calls++
		return nil
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry() error = %v, want context.Canceled", err)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	base := errors.New("base")
	wrapped := Permanent(base)
	if wrapped.Error() != "base" {
		t.Errorf("Error() = %q", wrapped.Error())
	}
	if !errors.Is(wrapped, base) {
		t.Error("Permanent should unwrap to base")
	}
	if IsPermanent(base) {
		t.Error("plain error reported as permanent")
	}
}
