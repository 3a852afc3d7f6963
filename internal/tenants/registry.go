// Package tenants owns the per-tenant messaging sessions: it creates them
// through a client factory, tracks their connectivity, routes their events
// into the fan-out hub, and tears them down.
//
// At most one session generation is live per tenant. Mutations on one tenant
// are serialized by a per-tenant lock; the registry map lock is only held
// for map reads and writes, so tenants never wait on each other.
package tenants

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/wagate/internal/channels"
	"github.com/haasonsaas/wagate/internal/credentials"
	"github.com/haasonsaas/wagate/internal/fanout"
	"github.com/haasonsaas/wagate/internal/observability"
	"github.com/haasonsaas/wagate/internal/storage"
	"github.com/haasonsaas/wagate/pkg/models"
)

// Provisioning decides whether commands may create sessions for unknown
// tenants.
type Provisioning string

const (
	// ProvisionExplicit requires Create/CreateOrGet before any command.
	ProvisionExplicit Provisioning = "explicit"

	// ProvisionImplicit creates a session on the first status, pairing or
	// subscribe call for an unknown tenant.
	ProvisionImplicit Provisioning = "implicit"
)

// Defaults applied by New for zero-valued options.
const (
	DefaultPairingTimeout   = 60 * time.Second
	DefaultConnectTimeout   = 120 * time.Second
	DefaultTeardownTimeout  = 10 * time.Second
	DefaultShutdownTimeout  = 30 * time.Second
	DefaultMaxConversations = 100
)

// Discard reason for events that break the connectivity state machine.
const discardIllegalTransition = "illegal_transition"

// Options configures a Registry.
type Options struct {
	// Factory builds one client per session generation. Required.
	Factory channels.ClientFactory

	// Credentials allocates per-tenant storage. Required.
	Credentials *credentials.Store

	// Hub receives session events. Defaults to a new hub.
	Hub *fanout.Hub

	// Directory records provisioned tenants for restore. Optional.
	Directory storage.TenantStore

	Provisioning     Provisioning
	PairingTimeout   time.Duration
	ConnectTimeout   time.Duration
	TeardownTimeout  time.Duration
	ShutdownTimeout  time.Duration
	MaxConversations int

	// EventBuffer bounds queued message events per poll subscription.
	EventBuffer int

	Reconnect channels.ReconnectConfig

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Registry is the authoritative tenant to session mapping.
type Registry struct {
	opts    Options
	hub     *fanout.Hub
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	locks   *keyedMutex
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry

	// generations keeps the last generation of every tenant id ever created,
	// including removed ones, so a tenant's generations never repeat for the
	// life of the process. It costs one counter per id.
	generations map[string]uint64
	closing     bool
}

// New validates opts and creates an empty registry.
func New(opts Options) (*Registry, error) {
	if opts.Factory == nil {
		return nil, errors.New("tenants: client factory is required")
	}
	if opts.Credentials == nil {
		return nil, errors.New("tenants: credential store is required")
	}
	switch opts.Provisioning {
	case "":
		opts.Provisioning = ProvisionExplicit
	case ProvisionExplicit, ProvisionImplicit:
	default:
		return nil, fmt.Errorf("tenants: unknown provisioning policy %q", opts.Provisioning)
	}
	if opts.PairingTimeout <= 0 {
		opts.PairingTimeout = DefaultPairingTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = DefaultTeardownTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.MaxConversations <= 0 {
		opts.MaxConversations = DefaultMaxConversations
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = fanout.DefaultPollCapacity
	}
	if opts.Reconnect.MaxAttempts <= 0 {
		opts.Reconnect = channels.DefaultReconnectConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := opts.Hub
	if hub == nil {
		hub = fanout.NewHub(fanout.Options{Logger: logger, Metrics: opts.Metrics})
	}

	return &Registry{
		opts:        opts,
		hub:         hub,
		logger:      logger.With("component", "tenants"),
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		locks:       newKeyedMutex(),
		now:         time.Now,
		entries:     make(map[string]*entry),
		generations: make(map[string]uint64),
	}, nil
}

// Hub returns the fan-out hub sessions publish to.
func (r *Registry) Hub() *fanout.Hub {
	return r.hub
}

// Provisioning returns the active provisioning policy.
func (r *Registry) Provisioning() Provisioning {
	return r.opts.Provisioning
}

// Get returns the tenant's session.
func (r *Registry) Get(tenantID string) (models.Session, error) {
	e := r.entry(tenantID)
	if e == nil {
		return models.Session{}, errUnknownTenant(tenantID)
	}
	return e.snapshot(), nil
}

// List returns every live session ordered by tenant id.
func (r *Registry) List() []models.Session {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]models.Session, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// Counts returns the number of live sessions per connectivity.
func (r *Registry) Counts() map[models.Connectivity]int {
	counts := make(map[models.Connectivity]int)
	for _, s := range r.List() {
		counts[s.Connectivity]++
	}
	return counts
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Create starts a new session in Initializing. It fails with
// ErrAlreadyExists when the tenant already has one.
func (r *Registry) Create(ctx context.Context, tenantID string) (models.Session, error) {
	if err := credentials.ValidateTenantID(tenantID); err != nil {
		return models.Session{}, errInvalidTenant(tenantID, err)
	}
	unlock, err := r.locks.Lock(ctx, tenantID)
	if err != nil {
		return models.Session{}, err
	}
	defer unlock()
	return r.createLocked(ctx, tenantID)
}

// CreateOrGet returns the tenant's session, creating it if absent. created
// reports whether this call started it.
func (r *Registry) CreateOrGet(ctx context.Context, tenantID string) (session models.Session, created bool, err error) {
	if err := credentials.ValidateTenantID(tenantID); err != nil {
		return models.Session{}, false, errInvalidTenant(tenantID, err)
	}
	unlock, err := r.locks.Lock(ctx, tenantID)
	if err != nil {
		return models.Session{}, false, err
	}
	defer unlock()

	if e := r.entry(tenantID); e != nil {
		return e.snapshot(), false, nil
	}
	session, err = r.createLocked(ctx, tenantID)
	if err != nil {
		return models.Session{}, false, err
	}
	return session, true, nil
}

// Destroy tears down the tenant's session and removes it with all of its
// subscriptions. Credential material is kept. Destroying an absent tenant is
// a no-op. Teardown failures are logged; the entry is removed regardless.
func (r *Registry) Destroy(ctx context.Context, tenantID string) error {
	if err := credentials.ValidateTenantID(tenantID); err != nil {
		return errInvalidTenant(tenantID, err)
	}
	unlock, err := r.locks.Lock(ctx, tenantID)
	if err != nil {
		return err
	}
	defer unlock()

	r.destroyLocked(tenantID)
	return nil
}

// Restart destroys the tenant's session, waits for the old client to be
// released, and starts a new generation. It returns the new session in
// Initializing without waiting for it to connect.
func (r *Registry) Restart(ctx context.Context, tenantID string) (models.Session, error) {
	if err := credentials.ValidateTenantID(tenantID); err != nil {
		return models.Session{}, errInvalidTenant(tenantID, err)
	}
	unlock, err := r.locks.Lock(ctx, tenantID)
	if err != nil {
		return models.Session{}, err
	}
	defer unlock()

	if r.entry(tenantID) == nil && r.opts.Provisioning != ProvisionImplicit {
		return models.Session{}, errUnknownTenant(tenantID)
	}
	r.destroyLocked(tenantID)
	return r.createLocked(ctx, tenantID)
}

// Remove destroys the session and purges the tenant's credentials and
// directory record, so the next session has to pair again.
func (r *Registry) Remove(ctx context.Context, tenantID string) error {
	if err := credentials.ValidateTenantID(tenantID); err != nil {
		return errInvalidTenant(tenantID, err)
	}
	unlock, err := r.locks.Lock(ctx, tenantID)
	if err != nil {
		return err
	}
	defer unlock()

	r.destroyLocked(tenantID)

	var errs []error
	if err := r.opts.Credentials.Remove(tenantID); err != nil {
		errs = append(errs, err)
	}
	if dir := r.opts.Directory; dir != nil {
		if err := dir.Delete(ctx, tenantID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("remove tenant %s: %w", tenantID, errors.Join(errs...))
	}
	r.logger.Info("tenant removed", "tenant_id", tenantID)
	return nil
}

// Shutdown stops accepting new sessions and destroys every live one in
// parallel. It returns once all are torn down or the shutdown timeout (or
// ctx) expires, whichever comes first.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.opts.ShutdownTimeout)
	defer cancel()

	var (
		mu       sync.Mutex
		failures []error
		pending  = make(map[string]struct{}, len(ids))
		wg       sync.WaitGroup
	)
	for _, id := range ids {
		pending[id] = struct{}{}
	}

	for _, id := range ids {
		wg.Add(1)
		go func(tenantID string) {
			defer wg.Done()
			unlock, err := r.locks.Lock(ctx, tenantID)
			if err != nil {
				return
			}
			err = r.destroyLocked(tenantID)
			unlock()

			mu.Lock()
			delete(pending, tenantID)
			if err != nil {
				failures = append(failures, err)
			}
			mu.Unlock()
		}(id)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	if len(pending) > 0 {
		stuck := make([]string, 0, len(pending))
		for id := range pending {
			stuck = append(stuck, id)
		}
		sort.Strings(stuck)
		r.logger.Error("shutdown timed out", "tenants", stuck)
		failures = append(failures, fmt.Errorf("shutdown timed out with %d tenants pending: %v", len(stuck), stuck))
	}
	r.logger.Info("registry shut down", "sessions", len(ids), "failures", len(failures))
	return errors.Join(failures...)
}

// Restore re-creates sessions for every tenant in the directory and every
// tenant with stored credentials, so paired tenants reconnect without a new
// pairing. It returns the tenants it started.
func (r *Registry) Restore(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	var errs []error
	if dir := r.opts.Directory; dir != nil {
		records, err := dir.List(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("list directory: %w", err))
		}
		for _, rec := range records {
			add(rec.ID)
		}
	}
	stored, err := r.opts.Credentials.List()
	if err != nil {
		errs = append(errs, err)
	}
	for _, id := range stored {
		add(id)
	}
	sort.Strings(ids)

	var restored []string
	for _, id := range ids {
		if _, created, err := r.CreateOrGet(ctx, id); err != nil {
			r.logger.Warn("restore failed", "tenant_id", id, "error", err)
			errs = append(errs, err)
		} else if created {
			restored = append(restored, id)
		}
	}
	r.logger.Info("tenants restored", "count", len(restored))
	return restored, errors.Join(errs...)
}

func (r *Registry) entry(tenantID string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[tenantID]
}

// createLocked builds and registers a new generation. Caller holds the
// tenant lock.
func (r *Registry) createLocked(ctx context.Context, tenantID string) (models.Session, error) {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return models.Session{}, errShuttingDown(tenantID)
	}
	if _, exists := r.entries[tenantID]; exists {
		r.mu.Unlock()
		return models.Session{}, errAlreadyExists(tenantID)
	}
	r.generations[tenantID]++
	generation := r.generations[tenantID]
	r.mu.Unlock()

	dir, err := r.opts.Credentials.Ensure(tenantID)
	if errors.Is(err, credentials.ErrInvalidTenant) {
		return models.Session{}, errInvalidTenant(tenantID, err)
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("allocate storage for %s: %w", tenantID, err)
	}

	logger := r.logger.With("tenant_id", tenantID, "generation", generation)
	e := newEntry(tenantID, generation, r.now(), logger)

	r.hub.Open(tenantID, generation)
	client, err := r.opts.Factory.NewClient(ctx, channels.ClientSpec{
		TenantID:   tenantID,
		StorageDir: dir,
		Emit:       func(ev models.Event) { r.dispatch(e, ev, nil) },
		Logger:     logger,
	})
	if err != nil {
		e.cancel()
		r.hub.Close(tenantID, generation)
		return models.Session{}, fmt.Errorf("create client for %s: %w", tenantID, err)
	}
	e.client = client

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		e.cancel()
		r.hub.Close(tenantID, generation)
		_ = e.release(r.opts.TeardownTimeout)
		return models.Session{}, errShuttingDown(tenantID)
	}
	r.entries[tenantID] = e
	r.mu.Unlock()

	r.metrics.SessionStarted(string(models.ConnectivityInitializing))
	r.startDeadlines(e)
	go r.supervise(e)

	if dir := r.opts.Directory; dir != nil {
		if _, err := dir.Get(ctx, tenantID); errors.Is(err, storage.ErrNotFound) {
			if err := dir.Put(ctx, storage.TenantRecord{ID: tenantID}); err != nil {
				logger.Warn("failed to record tenant", "error", err)
			}
		} else if err != nil {
			logger.Warn("failed to read tenant record", "error", err)
		}
	}

	logger.Info("session created")
	return e.snapshot(), nil
}

// destroyLocked removes and tears down the tenant's entry. Caller holds the
// tenant lock.
func (r *Registry) destroyLocked(tenantID string) error {
	r.mu.Lock()
	e := r.entries[tenantID]
	delete(r.entries, tenantID)
	r.mu.Unlock()

	if e == nil {
		return nil
	}
	return r.teardown(e)
}

func (r *Registry) teardown(e *entry) error {
	e.mu.Lock()
	e.closed = true
	state := e.session.Connectivity
	e.session.PairingToken = ""
	e.session.Identity = nil
	e.stopTimersLocked()
	e.mu.Unlock()

	e.cancel()
	removed := r.hub.Close(e.tenantID, e.generation)
	err := e.release(r.opts.TeardownTimeout)
	if !e.awaitSupervisor(r.opts.TeardownTimeout) {
		e.logger.Warn("connect supervisor did not exit in time")
	}
	r.metrics.SessionEnded(string(state))

	if err != nil {
		e.logger.Error("session teardown failed", "error", err)
		return newError(CodeTeardownFailure, e.tenantID, "client release failed", err)
	}
	e.logger.Info("session destroyed", "subscriptions_removed", removed)
	return nil
}

// dispatch applies ev to the entry's state machine and publishes it. When
// guard is set, the event is only applied if guard accepts the current state.
// Events for a closed entry and illegal transitions are dropped.
func (r *Registry) dispatch(e *entry, ev models.Event, guard func(models.Connectivity) bool) {
	ev.TenantID = e.tenantID
	ev.Generation = e.generation
	now := r.now()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		r.metrics.EventDiscarded("closed")
		return
	}
	from := e.session.Connectivity
	if guard != nil && !guard(from) {
		e.mu.Unlock()
		return
	}

	target, isStatus := ev.Kind.Target()
	transitioned := false
	if isStatus {
		refresh := ev.Kind == models.EventPairingToken && from == models.ConnectivityAwaitingPairing
		if !refresh && !models.CanTransition(from, target) {
			e.mu.Unlock()
			r.metrics.EventDiscarded(discardIllegalTransition)
			e.logger.Debug("dropping illegal transition", "from", from, "to", target, "kind", ev.Kind)
			return
		}
		e.apply(ev, target, now)
		transitioned = !refresh
		ev.Connectivity = target
		if target != models.ConnectivityAwaitingPairing {
			ev.PairingToken = ""
		}
		if target != models.ConnectivityConnected {
			ev.Identity = nil
		}
	} else {
		ev.Connectivity = from
	}
	if target == models.ConnectivityConnected || (isStatus && target.Terminal()) {
		e.stopTimersLocked()
	}
	// Stamped under e.mu so sequence order matches state order; sinks run
	// after it is released.
	_, flush, _ := r.hub.Enqueue(ev)
	e.mu.Unlock()
	flush()

	if !transitioned {
		return
	}
	r.metrics.SessionTransition(string(from), string(target))
	e.logger.Info("session transition", "from", from, "to", target, "reason", ev.Reason)

	switch {
	case target == models.ConnectivityConnected:
		if ev.Identity != nil {
			r.recordHandle(e.tenantID, ev.Identity.Handle)
		}
	case target.Terminal():
		e.cancel()
		go func() {
			if err := e.release(r.opts.TeardownTimeout); err != nil {
				e.logger.Warn("failed to release client after session ended", "error", err)
			}
		}()
	}
}

// supervise drives the client's connect with bounded retries. Authentication
// failures end the session in AuthFailed; exhausted retries in Disconnected.
func (r *Registry) supervise(e *entry) {
	defer close(e.done)

	reconnector := &channels.Reconnector{
		Config: r.opts.Reconnect,
		Logger: e.logger,
		OnRetry: func(st models.RetryState) {
			r.metrics.ConnectAttempt("retry")
			e.setRetry(st, r.now())
		},
	}
	err := reconnector.Run(e.ctx, e.client.Connect)
	if err == nil {
		r.metrics.ConnectAttempt("ok")
		e.clearRetry(r.now())
		return
	}
	if e.ctx.Err() != nil {
		return
	}
	r.metrics.ConnectAttempt("failed")

	if channels.CodeOf(err) == channels.ErrCodeAuthentication {
		r.dispatch(e, models.Event{Kind: models.EventAuthFailed, Reason: err.Error()}, nil)
		return
	}
	r.dispatch(e, models.Event{
		Kind:   models.EventDisconnected,
		Reason: "connect failed: " + err.Error(),
	}, nil)
}

// startDeadlines arms the pairing and connect timeouts for a new entry.
func (r *Registry) startDeadlines(e *entry) {
	pairing := r.opts.PairingTimeout
	connect := r.opts.ConnectTimeout

	e.mu.Lock()
	defer e.mu.Unlock()
	e.timers = append(e.timers,
		time.AfterFunc(pairing, func() {
			r.dispatch(e, models.Event{
				Kind:   models.EventDisconnected,
				Reason: fmt.Sprintf("%s: no pairing token or connection within %s", CodeConnectTimeout, pairing),
			}, func(c models.Connectivity) bool {
				return c == models.ConnectivityInitializing
			})
		}),
		time.AfterFunc(connect, func() {
			r.dispatch(e, models.Event{
				Kind:   models.EventDisconnected,
				Reason: fmt.Sprintf("%s: not connected within %s", CodeConnectTimeout, connect),
			}, func(c models.Connectivity) bool {
				return c == models.ConnectivityInitializing || c == models.ConnectivityAwaitingPairing
			})
		}),
	)
}

func (r *Registry) recordHandle(tenantID, handle string) {
	dir := r.opts.Directory
	if dir == nil || handle == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.TeardownTimeout)
		defer cancel()
		if err := dir.Put(ctx, storage.TenantRecord{ID: tenantID, Handle: handle}); err != nil {
			r.logger.Warn("failed to record tenant handle", "tenant_id", tenantID, "error", err)
		}
	}()
}
