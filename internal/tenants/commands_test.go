package tenants

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/wagate/internal/fanout"
	"github.com/haasonsaas/wagate/internal/observability"
	"github.com/haasonsaas/wagate/pkg/models"
)

// =============================================================================
// Provisioning policy
// =============================================================================

func TestStatus_ExplicitProvisioning(t *testing.T) {
	r, f := newTestRegistry(t, nil)
	ctx := context.Background()

	if _, err := r.Status(ctx, "t1"); !errors.Is(err, ErrUnknownTenant) {
		t.Errorf("Status() error = %v, want ErrUnknownTenant", err)
	}
	if _, _, err := r.PairingToken(ctx, "t1"); !errors.Is(err, ErrUnknownTenant) {
		t.Errorf("PairingToken() error = %v, want ErrUnknownTenant", err)
	}
	if f.Built("t1") != 0 {
		t.Error("explicit policy provisioned a tenant")
	}
}

func TestStatus_ImplicitProvisioning(t *testing.T) {
	r, f := newTestRegistry(t, func(o *Options) { o.Provisioning = ProvisionImplicit })
	ctx := context.Background()

	status, err := r.Status(ctx, "t1")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.Connectivity != models.ConnectivityInitializing {
		t.Errorf("Connectivity = %q", status.Connectivity)
	}
	if _, ok, err := r.PairingToken(ctx, "t1"); err != nil || ok {
		t.Errorf("PairingToken() = %v, %v; want not available", ok, err)
	}
	if f.Built("t1") != 1 {
		t.Errorf("Built = %d, want 1", f.Built("t1"))
	}

	if _, err := r.Send(ctx, "t2", "+1", "hi"); !errors.Is(err, ErrUnknownTenant) {
		t.Errorf("Send() error = %v, want ErrUnknownTenant", err)
	}
	if _, err := r.Status(ctx, "../x"); !errors.Is(err, ErrInvalidTenant) {
		t.Errorf("Status() error = %v, want ErrInvalidTenant", err)
	}
}

// =============================================================================
// Send / ListConversations
// =============================================================================

func TestSend_NotConnected(t *testing.T) {
	r, f := newTestRegistry(t, nil)
	ctx := context.Background()
	if _, err := r.Create(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	f.Latest("t1").EmitPairingToken("tok")

	_, err := r.Send(ctx, "t1", "+1", "hi")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send() error = %v, want ErrNotConnected", err)
	}
	if _, err := r.ListConversations(ctx, "t1", 10); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ListConversations() error = %v, want ErrNotConnected", err)
	}
}

func TestSend_ClientError(t *testing.T) {
	r, f := newTestRegistry(t, nil)
	ctx := context.Background()
	if _, err := r.Create(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	c := waitConnect(t, f, "t1")
	c.EmitConnected("Alice", "+100")

	boom := errors.New("upstream rejected")
	c.SetSendError(boom)
	if _, err := r.Send(ctx, "t1", "+1", "hi"); !errors.Is(err, boom) {
		t.Errorf("Send() error = %v, want %v", err, boom)
	}
}

func TestSend_PublishesSentEvent(t *testing.T) {
	r, f := newTestRegistry(t, nil)
	ctx := context.Background()
	if _, err := r.Create(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	c := waitConnect(t, f, "t1")
	c.EmitConnected("Alice", "+100")

	rec := &recorder{}
	if _, err := r.Subscribe(ctx, "t1", rec); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Send(ctx, "t1", "+200", "hi"); err != nil {
		t.Fatal(err)
	}

	events, _ := rec.snapshot()
	if len(events) != 1 || events[0].Kind != models.EventMessageSent {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Connectivity != models.ConnectivityConnected {
		t.Errorf("Connectivity = %q", events[0].Connectivity)
	}
}

func TestListConversations_ClampsLimit(t *testing.T) {
	r, f := newTestRegistry(t, func(o *Options) { o.MaxConversations = 3 })
	ctx := context.Background()
	if _, err := r.Create(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	c := waitConnect(t, f, "t1")
	c.EmitConnected("Alice", "+100")

	convs := make([]models.Conversation, 5)
	for i := range convs {
		convs[i] = models.Conversation{ID: string(rune('a' + i))}
	}
	c.SetConversations(convs)

	tests := []struct {
		limit int
		want  int
	}{
		{0, 3},
		{-1, 3},
		{2, 2},
		{3, 3},
		{50, 3},
	}
	for _, tt := range tests {
		got, err := r.ListConversations(ctx, "t1", tt.limit)
		if err != nil {
			t.Fatalf("ListConversations(%d) error = %v", tt.limit, err)
		}
		if len(got) != tt.want {
			t.Errorf("ListConversations(%d) returned %d, want %d", tt.limit, len(got), tt.want)
		}
	}
}

// =============================================================================
// Subscriptions
// =============================================================================

func TestSubscribe_ChannelSinkReceivesEvents(t *testing.T) {
	r, f := newTestRegistry(t, nil)
	ctx := context.Background()
	if _, err := r.Create(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	a, b := fanout.NewChannelSink(8), fanout.NewChannelSink(8)
	ha, err := r.Subscribe(ctx, "t1", a)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Subscribe(ctx, "t1", b); err != nil {
		t.Fatal(err)
	}

	f.Latest("t1").EmitPairingToken("tok")
	for _, sink := range []*fanout.ChannelSink{a, b} {
		select {
		case ev := <-sink.C():
			if ev.Kind != models.EventPairingToken || ev.PairingToken != "tok" {
				t.Errorf("event = %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("no event delivered")
		}
	}

	if !r.Unsubscribe(ha) {
		t.Error("Unsubscribe() = false")
	}
	if r.Unsubscribe(ha) {
		t.Error("second Unsubscribe() = true")
	}
	if n := r.Hub().Subscribers("t1"); n != 1 {
		t.Errorf("Subscribers = %d, want 1", n)
	}
}

func TestSubscribe_SinkMayCallStatus(t *testing.T) {
	r, f := newTestRegistry(t, nil)
	ctx := context.Background()
	if _, err := r.Create(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	var (
		mu   sync.Mutex
		seen []models.Connectivity
	)
	sink := fanout.FuncSink(func(models.Event) error {
		status, err := r.Status(ctx, "t1")
		if err != nil {
			return err
		}
		mu.Lock()
		seen = append(seen, status.Connectivity)
		mu.Unlock()
		return nil
	})
	if _, err := r.Subscribe(ctx, "t1", sink); err != nil {
		t.Fatal(err)
	}

	c := f.Latest("t1")
	within(t, "pairing token dispatch", func() { c.EmitPairingToken("ABC") })
	within(t, "connected dispatch", func() { c.EmitConnected("Alice", "+100") })

	mu.Lock()
	defer mu.Unlock()
	want := []models.Connectivity{models.ConnectivityAwaitingPairing, models.ConnectivityConnected}
	if len(seen) != len(want) {
		t.Fatalf("sink observed %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("observation %d = %q, want %q", i, seen[i], want[i])
		}
	}
	within(t, "Destroy", func() { _ = r.Destroy(ctx, "t1") })
}

func TestSubscribe_SinkMayUnsubscribeItself(t *testing.T) {
	r, f := newTestRegistry(t, nil)
	ctx := context.Background()
	if _, err := r.Create(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	var (
		mu     sync.Mutex
		handle fanout.Handle
		calls  int
	)
	oneShot := fanout.FuncSink(func(models.Event) error {
		mu.Lock()
		calls++
		h := handle
		mu.Unlock()
		r.Unsubscribe(h)
		return nil
	})
	mu.Lock()
	h, err := r.Subscribe(ctx, "t1", oneShot)
	handle = h
	mu.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	if _, err := r.Subscribe(ctx, "t1", rec); err != nil {
		t.Fatal(err)
	}

	c := f.Latest("t1")
	within(t, "first message", func() { c.EmitMessage("+1", "one") })
	within(t, "second message", func() { c.EmitMessage("+1", "two") })

	mu.Lock()
	if calls != 1 {
		t.Errorf("one-shot sink called %d times, want 1", calls)
	}
	mu.Unlock()
	if n := r.Hub().Subscribers("t1"); n != 1 {
		t.Errorf("Subscribers() = %d, want 1", n)
	}
	if n := rec.count(); n != 2 {
		t.Errorf("other subscriber got %d events, want 2", n)
	}
}

func TestSubscribe_SinkMaySend(t *testing.T) {
	r, f := newTestRegistry(t, nil)
	ctx := context.Background()
	if _, err := r.Create(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	c := waitConnect(t, f, "t1")
	c.EmitConnected("Alice", "+100")

	replier := fanout.FuncSink(func(ev models.Event) error {
		if ev.Kind != models.EventMessageReceived {
			return nil
		}
		_, err := r.Send(ctx, "t1", ev.Message.ChatID, "ack")
		return err
	})
	if _, err := r.Subscribe(ctx, "t1", replier); err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	if _, err := r.Subscribe(ctx, "t1", rec); err != nil {
		t.Fatal(err)
	}

	within(t, "inbound message with a reply", func() { c.EmitMessage("+200", "hello") })

	events, _ := rec.snapshot()
	if len(events) != 2 {
		t.Fatalf("recorder got %d events, want 2: %+v", len(events), events)
	}
	if events[0].Kind != models.EventMessageReceived || events[1].Kind != models.EventMessageSent {
		t.Errorf("kinds = %q, %q; want received then sent", events[0].Kind, events[1].Kind)
	}
	if events[1].Seq <= events[0].Seq {
		t.Errorf("seq %d after %d; order diverged", events[1].Seq, events[0].Seq)
	}
	if sent := c.Sent(); len(sent) != 1 || sent[0].To != "+200" || sent[0].Body != "ack" {
		t.Errorf("Sent() = %+v", sent)
	}
}

func TestSubscribeWithStatus_StartsAfterSnapshot(t *testing.T) {
	r, f := newTestRegistry(t, nil)
	ctx := context.Background()
	if _, err := r.Create(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	c := f.Latest("t1")
	c.EmitPairingToken("ABC")

	rec := &recorder{}
	_, status, err := r.SubscribeWithStatus(ctx, "t1", rec)
	if err != nil {
		t.Fatal(err)
	}
	if status.Connectivity != models.ConnectivityAwaitingPairing {
		t.Errorf("status = %q, want awaiting_pairing", status.Connectivity)
	}
	if n := rec.count(); n != 0 {
		t.Errorf("recorder got %d events predating the snapshot", n)
	}

	c.EmitConnected("Alice", "+100")
	events, _ := rec.snapshot()
	if len(events) != 1 || events[0].Kind != models.EventConnected {
		t.Errorf("events = %+v, want one connected event", events)
	}
}

func TestSubscribe_Unknown(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	if _, err := r.Subscribe(context.Background(), "ghost", &recorder{}); !errors.Is(err, ErrUnknownTenant) {
		t.Errorf("Subscribe() error = %v, want ErrUnknownTenant", err)
	}
}

func TestPoll_SeedsCurrentStatusAndQueuesMessages(t *testing.T) {
	r, f := newTestRegistry(t, nil)
	ctx := context.Background()
	if _, err := r.Create(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	c := f.Latest("t1")
	c.EmitPairingToken("ABC123")

	handle, err := r.SubscribePoll(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	res, err := r.Poll(ctx, handle)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Events) != 1 || res.Events[0].PairingToken != "ABC123" {
		t.Fatalf("first poll = %+v, want seeded pairing token", res.Events)
	}

	c.EmitPairingToken("DEF456")
	c.EmitConnected("Alice", "+100")
	c.EmitMessage("+1", "one")
	c.EmitMessage("+1", "two")

	res, err = r.Poll(ctx, handle)
	if err != nil {
		t.Fatal(err)
	}
	var kinds []models.EventKind
	for _, ev := range res.Events {
		kinds = append(kinds, ev.Kind)
	}
	want := []models.EventKind{models.EventConnected, models.EventMessageReceived, models.EventMessageReceived}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("kinds[%d] = %q, want %q", i, kinds[i], want[i])
		}
	}

	res, _ = r.Poll(ctx, handle)
	if len(res.Events) != 0 {
		t.Errorf("drain not destructive: %+v", res.Events)
	}
}

func TestPoll_OverflowCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	r, f := newTestRegistry(t, func(o *Options) {
		o.EventBuffer = 2
		o.Metrics = metrics
	})
	ctx := context.Background()
	if _, err := r.Create(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	handle, err := r.SubscribePoll(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}

	c := f.Latest("t1")
	for _, body := range []string{"1", "2", "3", "4"} {
		c.EmitMessage("+1", body)
	}

	res, err := r.Poll(ctx, handle)
	if err != nil {
		t.Fatal(err)
	}
	if res.Dropped != 2 {
		t.Errorf("Dropped = %d, want 2", res.Dropped)
	}
	if len(res.Events) != 2 || res.Events[0].Message.Body != "3" {
		t.Errorf("events = %+v, want the newest two", res.Events)
	}
	if got := testutil.ToFloat64(metrics.EventsDropped); got != 2 {
		t.Errorf("events dropped metric = %v, want 2", got)
	}
}

func TestPoll_UnknownSubscription(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()
	if _, err := r.Create(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	_, err := r.Poll(ctx, fanout.Handle{TenantID: "t1", ID: "nope"})
	if !errors.Is(err, ErrUnknownSubscription) {
		t.Errorf("Poll() error = %v, want ErrUnknownSubscription", err)
	}
	_, err = r.Poll(ctx, fanout.Handle{TenantID: "ghost", ID: "nope"})
	if !errors.Is(err, ErrUnknownTenant) {
		t.Errorf("Poll() error = %v, want ErrUnknownTenant", err)
	}

	handle, err := r.Subscribe(ctx, "t1", &recorder{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Poll(ctx, handle); !errors.Is(err, ErrUnknownSubscription) {
		t.Errorf("Poll() on push subscription error = %v", err)
	}
}

func TestRestart_DropsSubscriptions(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()
	if _, err := r.Create(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	handle, err := r.SubscribePoll(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.RestartSession(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Poll(ctx, handle); !errors.Is(err, ErrUnknownSubscription) {
		t.Errorf("Poll() after restart error = %v, want ErrUnknownSubscription", err)
	}
}

// =============================================================================
// Teardown command
// =============================================================================

func TestTeardown(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	if err := r.Teardown(ctx, "ghost", false); !errors.Is(err, ErrUnknownTenant) {
		t.Errorf("Teardown(ghost) error = %v, want ErrUnknownTenant", err)
	}
	if _, err := r.Create(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := r.Teardown(ctx, "t1", false); err != nil {
		t.Fatalf("Teardown() error = %v", err)
	}
	if _, err := r.Get("t1"); !errors.Is(err, ErrUnknownTenant) {
		t.Errorf("Get() error = %v", err)
	}
}

// =============================================================================
// Metrics
// =============================================================================

func TestCommandMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	r, _ := newTestRegistry(t, func(o *Options) { o.Metrics = metrics })
	ctx := context.Background()

	if _, _, err := r.Provision(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	_, _ = r.Send(ctx, "ghost", "+1", "hi")
	_, _ = r.Send(ctx, "t1", "+1", "hi")

	tests := []struct {
		command, result string
		want            float64
	}{
		{cmdProvision, "ok", 1},
		{cmdSend, "unknown_tenant", 1},
		{cmdSend, "not_connected", 1},
	}
	for _, tt := range tests {
		got := testutil.ToFloat64(metrics.CommandCounter.WithLabelValues(tt.command, tt.result))
		if got != tt.want {
			t.Errorf("commands{%s,%s} = %v, want %v", tt.command, tt.result, got, tt.want)
		}
	}
	if got := testutil.ToFloat64(metrics.ActiveSessions.WithLabelValues(string(models.ConnectivityInitializing))); got != 1 {
		t.Errorf("active initializing sessions = %v, want 1", got)
	}
}
