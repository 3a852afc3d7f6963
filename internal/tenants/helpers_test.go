package tenants

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/wagate/internal/backoff"
	"github.com/haasonsaas/wagate/internal/channels"
	"github.com/haasonsaas/wagate/internal/channels/channeltest"
	"github.com/haasonsaas/wagate/internal/credentials"
	"github.com/haasonsaas/wagate/pkg/models"
)

func fastReconnect(max int) channels.ReconnectConfig {
	return channels.ReconnectConfig{
		MaxAttempts: max,
		Policy:      backoff.Policy{Initial: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2},
	}
}

func newTestRegistry(t *testing.T, mutate func(*Options)) (*Registry, *channeltest.Factory) {
	t.Helper()
	creds, err := credentials.New(t.TempDir())
	if err != nil {
		t.Fatalf("credentials.New() error = %v", err)
	}
	factory := channeltest.NewFactory()
	opts := Options{
		Factory:     factory,
		Credentials: creds,
		Reconnect:   fastReconnect(3),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&opts)
	}
	r, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	return r, factory
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, r *Registry, tenantID string, want models.Connectivity) models.Session {
	t.Helper()
	var s models.Session
	waitFor(t, tenantID+" to become "+string(want), func() bool {
		var err error
		s, err = r.Get(tenantID)
		return err == nil && s.Connectivity == want
	})
	return s
}

// waitConnect blocks until the tenant's latest client finished a connect
// attempt, so sends are accepted by the fake.
func waitConnect(t *testing.T, f *channeltest.Factory, tenantID string) *channeltest.Client {
	t.Helper()
	var c *channeltest.Client
	waitFor(t, tenantID+" connect attempt", func() bool {
		c = f.Latest(tenantID)
		return c != nil && c.Connects() > 0
	})
	return c
}

type recorder struct {
	mu     sync.Mutex
	events []models.Event
	closed bool
}

func (r *recorder) Deliver(ev models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recorder) snapshot() ([]models.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...), r.closed
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// within fails the test if fn does not return in time. It is used where a
// lock cycle would otherwise hang the test binary.
func within(t *testing.T, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s did not return within 2s", what)
	}
}
