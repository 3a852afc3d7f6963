package tenants

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/wagate/internal/channels"
	"github.com/haasonsaas/wagate/pkg/models"
)

// entry is the registry's record of one live session generation. The client
// handle is owned exclusively by the entry.
type entry struct {
	tenantID   string
	generation uint64
	client     channels.Client
	logger     *slog.Logger

	// ctx scopes the connect supervisor; cancel stops retries.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	session models.Session
	closed  bool
	timers  []*time.Timer

	releaseOnce sync.Once
	releaseErr  error
}

func newEntry(tenantID string, generation uint64, now time.Time, logger *slog.Logger) *entry {
	ctx, cancel := context.WithCancel(context.Background())
	return &entry{
		tenantID:   tenantID,
		generation: generation,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		session: models.Session{
			TenantID:     tenantID,
			Generation:   generation,
			Connectivity: models.ConnectivityInitializing,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
	}
}

func (e *entry) snapshot() models.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.copySessionLocked()
}

func (e *entry) copySessionLocked() models.Session {
	s := e.session
	if s.Identity != nil {
		id := *s.Identity
		s.Identity = &id
	}
	if s.Retry != nil {
		r := *s.Retry
		s.Retry = &r
	}
	return s
}

func (e *entry) connectivity() models.Connectivity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Connectivity
}

// apply moves the session to target for ev. Caller holds e.mu and has
// checked the transition.
func (e *entry) apply(ev models.Event, target models.Connectivity, now time.Time) {
	s := &e.session
	switch target {
	case models.ConnectivityAwaitingPairing:
		s.PairingToken = ev.PairingToken
		s.Identity = nil
	case models.ConnectivityConnected:
		s.PairingToken = ""
		s.Identity = nil
		if ev.Identity != nil {
			id := *ev.Identity
			s.Identity = &id
		}
		s.LastError = ""
		s.Retry = nil
	case models.ConnectivityAuthFailed, models.ConnectivityDisconnected:
		s.PairingToken = ""
		s.Identity = nil
		s.Retry = nil
		s.LastError = lastErrorFor(ev)
	}
	s.Connectivity = target
	s.UpdatedAt = now
}

func (e *entry) setRetry(st models.RetryState, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.session.Connectivity != models.ConnectivityInitializing {
		return
	}
	e.session.Retry = &st
	e.session.LastError = st.LastError
	e.session.UpdatedAt = now
}

// clearRetry drops retry bookkeeping once a connect attempt succeeds.
func (e *entry) clearRetry(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.session.Retry == nil || e.session.Connectivity != models.ConnectivityInitializing {
		return
	}
	e.session.Retry = nil
	e.session.LastError = ""
	e.session.UpdatedAt = now
}

// stopTimersLocked cancels pending deadlines. Caller holds e.mu.
func (e *entry) stopTimersLocked() {
	for _, t := range e.timers {
		t.Stop()
	}
	e.timers = nil
}

// release closes the client once, bounded by timeout. Later calls return the
// first result.
func (e *entry) release(timeout time.Duration) error {
	e.releaseOnce.Do(func() {
		if e.client == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		result := make(chan error, 1)
		go func() { result <- e.client.Close(ctx) }()
		select {
		case e.releaseErr = <-result:
		case <-ctx.Done():
			e.releaseErr = ctx.Err()
		}
	})
	return e.releaseErr
}

// awaitSupervisor waits for the connect supervisor to exit, up to timeout.
func (e *entry) awaitSupervisor(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.done:
		return true
	case <-timer.C:
		return false
	}
}

func lastErrorFor(ev models.Event) string {
	reason := strings.TrimSpace(ev.Reason)
	switch ev.Kind {
	case models.EventAuthFailed:
		if reason == "" {
			reason = "authentication rejected"
		}
		if !strings.HasPrefix(reason, string(CodeAuthRejected)) {
			reason = string(CodeAuthRejected) + ": " + reason
		}
		return reason
	default:
		if reason == "" {
			reason = "connection lost"
		}
		return reason
	}
}
