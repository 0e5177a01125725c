package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"iacnotify/internal/eventbus"
	"iacnotify/internal/model"
	"iacnotify/internal/registry"
	logx "iacnotify/pkg/logx"
)

type chatFunc func(ctx context.Context, dest, text string) error

func (f chatFunc) SendChat(ctx context.Context, dest, text string) error { return f(ctx, dest, text) }

type emailFunc func(ctx context.Context, dest, subject, body string) error

func (f emailFunc) SendEmail(ctx context.Context, dest, subject, body string) error {
	return f(ctx, dest, subject, body)
}

type webhookRecorder struct {
	mu   sync.Mutex
	msgs []WebhookMessage
	errs []error
}

func (w *webhookRecorder) SendWebhook(_ context.Context, _ string, msg WebhookMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msg)
	if len(w.errs) > 0 {
		err := w.errs[0]
		w.errs = w.errs[1:]
		return err
	}
	return nil
}

func fastConfig() Config {
	return Config{
		MaxAttempts:         3,
		RetryBase:           time.Millisecond,
		RetryMaxDelay:       5 * time.Millisecond,
		AttemptTimeout:      time.Second,
		DispatchTimeout:     2 * time.Second,
		CircuitTripFailures: -1,
	}
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, err := registry.New([]model.Channel{
		{ID: "teams-alerts", Type: model.ChannelChat, Destination: "https://teams.example/hook", Enabled: true},
		{ID: "slack-alerts", Type: model.ChannelChat, Destination: "https://slack.example/hook", Enabled: true},
		{ID: "email-alerts", Type: model.ChannelEmail, Destination: "ops@example.com", Enabled: true},
		{ID: "webhook-alerts", Type: model.ChannelWebhook, Destination: "https://hooks.example/in", Enabled: true},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return r
}

func testEvent() model.Event {
	return model.Event{
		ID:        "01JTESTEVENT",
		Type:      model.EventSecurity,
		Severity:  model.SeverityCritical,
		Title:     "Public bucket",
		Message:   "bucket logs is world readable",
		Resource:  "aws_s3_bucket.logs",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestDispatchIsolatesFailures(t *testing.T) {
	reg := testRegistry(t)
	chat := chatFunc(func(_ context.Context, dest, _ string) error {
		if strings.Contains(dest, "teams") {
			return Permanent(errors.New("http 404"))
		}
		return nil
	})
	email := emailFunc(func(context.Context, string, string, string) error { return nil })
	wh := &webhookRecorder{}

	d := NewDispatcher(fastConfig(), reg, Senders{Chat: chat, Email: email, Webhook: wh}, logx.Nop(), nil)
	ids := []string{"teams-alerts", "email-alerts", "webhook-alerts"}
	outs := d.Dispatch(context.Background(), testEvent(), ids)

	if len(outs) != len(ids) {
		t.Fatalf("got %d outcomes, want %d", len(outs), len(ids))
	}
	for i, id := range ids {
		if outs[i].ChannelID != id {
			t.Fatalf("outcome %d is for %q, want %q", i, outs[i].ChannelID, id)
		}
	}
	if outs[0].Status != model.StatusFailed || outs[0].Error == "" || outs[0].Attempts != 1 {
		t.Fatalf("teams outcome = %+v", outs[0])
	}
	if outs[1].Status != model.StatusDelivered || outs[1].Error != "" {
		t.Fatalf("email outcome = %+v", outs[1])
	}
	if outs[2].Status != model.StatusDelivered {
		t.Fatalf("webhook outcome = %+v", outs[2])
	}
}

func TestDispatchSkipsDisabledAndUnknownChannels(t *testing.T) {
	reg := testRegistry(t)
	var calls atomic.Int32
	chat := chatFunc(func(context.Context, string, string) error {
		calls.Add(1)
		return nil
	})
	d := NewDispatcher(fastConfig(), reg, Senders{Chat: chat}, logx.Nop(), nil)

	// Disabled after routing matched it.
	if _, err := reg.SetEnabled("slack-alerts", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	outs := d.Dispatch(context.Background(), testEvent(), []string{"slack-alerts", "ghost"})
	for _, o := range outs {
		if o.Status != model.StatusSkipped || o.Error != "" || o.Attempts != 0 {
			t.Fatalf("outcome = %+v, want skipped without error", o)
		}
	}
	if calls.Load() != 0 {
		t.Fatalf("sender called %d times for skipped channels", calls.Load())
	}
}

func TestDispatchRetriesTransientErrors(t *testing.T) {
	reg := testRegistry(t)
	var calls atomic.Int32
	chat := chatFunc(func(context.Context, string, string) error {
		if calls.Add(1) < 3 {
			return Transient(errors.New("http 503"))
		}
		return nil
	})
	bus := eventbus.New()
	sub, unsub := bus.Subscribe(16)
	defer unsub()

	d := NewDispatcher(fastConfig(), reg, Senders{Chat: chat}, logx.Nop(), bus)
	outs := d.Dispatch(context.Background(), testEvent(), []string{"teams-alerts"})
	if outs[0].Status != model.StatusDelivered || outs[0].Attempts != 3 {
		t.Fatalf("outcome = %+v, want delivered after 3 attempts", outs[0])
	}

	retries := 0
	timeout := time.After(time.Second)
	for seen := 0; seen < 3; seen++ {
		select {
		case e := <-sub:
			if e.Type == eventbus.TopicRetry {
				retries++
			}
		case <-timeout:
			t.Fatalf("bus events missing, saw %d retries", retries)
		}
	}
	if retries != 2 {
		t.Fatalf("retries = %d, want 2", retries)
	}
}

func TestDispatchStopsAfterMaxAttempts(t *testing.T) {
	reg := testRegistry(t)
	var calls atomic.Int32
	chat := chatFunc(func(context.Context, string, string) error {
		calls.Add(1)
		return Transient(errors.New("connection reset"))
	})
	d := NewDispatcher(fastConfig(), reg, Senders{Chat: chat}, logx.Nop(), nil)
	outs := d.Dispatch(context.Background(), testEvent(), []string{"slack-alerts"})
	if outs[0].Status != model.StatusFailed || outs[0].Attempts != 3 {
		t.Fatalf("outcome = %+v", outs[0])
	}
	if !strings.Contains(outs[0].Error, "connection reset") {
		t.Fatalf("error = %q", outs[0].Error)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestDispatchTimeoutMarksPendingFailed(t *testing.T) {
	reg := testRegistry(t)
	release := make(chan struct{})
	defer close(release)
	chat := chatFunc(func(ctx context.Context, dest, _ string) error {
		if strings.Contains(dest, "slack") {
			return nil
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return Permanent(errors.New("gave up"))
	})
	cfg := fastConfig()
	cfg.DispatchTimeout = 50 * time.Millisecond
	cfg.AttemptTimeout = time.Minute
	d := NewDispatcher(cfg, reg, Senders{Chat: chat}, logx.Nop(), nil)

	start := time.Now()
	outs := d.Dispatch(context.Background(), testEvent(), []string{"teams-alerts", "slack-alerts"})
	if time.Since(start) > 2*time.Second {
		t.Fatalf("dispatch did not honor its timeout")
	}
	if outs[1].Status != model.StatusDelivered {
		t.Fatalf("slack outcome = %+v", outs[1])
	}
	if outs[0].Status != model.StatusFailed {
		t.Fatalf("teams outcome = %+v, want failed", outs[0])
	}
}

func TestWebhookDeliveryIDStableAcrossRetries(t *testing.T) {
	reg := testRegistry(t)
	wh := &webhookRecorder{errs: []error{Transient(errors.New("http 502"))}}
	d := NewDispatcher(fastConfig(), reg, Senders{Webhook: wh}, logx.Nop(), nil)

	outs := d.Dispatch(context.Background(), testEvent(), []string{"webhook-alerts"})
	if outs[0].Status != model.StatusDelivered || outs[0].Attempts != 2 {
		t.Fatalf("outcome = %+v", outs[0])
	}
	if len(wh.msgs) != 2 || wh.msgs[0].DeliveryID == "" || wh.msgs[0].DeliveryID != wh.msgs[1].DeliveryID {
		t.Fatalf("delivery ids not stable: %+v", wh.msgs)
	}
	if wh.msgs[0].EventID != "01JTESTEVENT" {
		t.Fatalf("event id = %q", wh.msgs[0].EventID)
	}
}

func TestMissingSenderIsPermanentFailure(t *testing.T) {
	reg := testRegistry(t)
	d := NewDispatcher(fastConfig(), reg, Senders{}, logx.Nop(), nil)
	outs := d.Dispatch(context.Background(), testEvent(), []string{"email-alerts"})
	if outs[0].Status != model.StatusFailed || outs[0].Attempts != 0 {
		t.Fatalf("outcome = %+v", outs[0])
	}
	if !strings.Contains(outs[0].Error, ErrNoSender.Error()) {
		t.Fatalf("error = %q", outs[0].Error)
	}
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	reg := testRegistry(t)
	var calls atomic.Int32
	chat := chatFunc(func(context.Context, string, string) error {
		calls.Add(1)
		return Permanent(errors.New("http 410"))
	})
	cfg := fastConfig()
	cfg.CircuitTripFailures = 2
	cfg.CircuitBaseDelay = time.Minute
	d := NewDispatcher(cfg, reg, Senders{Chat: chat}, logx.Nop(), nil)

	for i := 0; i < 2; i++ {
		d.Dispatch(context.Background(), testEvent(), []string{"teams-alerts"})
	}
	outs := d.Dispatch(context.Background(), testEvent(), []string{"teams-alerts"})
	if outs[0].Status != model.StatusFailed || !strings.Contains(outs[0].Error, ErrCircuitOpen.Error()) {
		t.Fatalf("outcome = %+v, want circuit open", outs[0])
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
	if d.OpenCircuits() != 1 {
		t.Fatalf("open circuits = %d", d.OpenCircuits())
	}

	d.ResetCircuit("teams-alerts")
	d.Dispatch(context.Background(), testEvent(), []string{"teams-alerts"})
	if calls.Load() != 3 {
		t.Fatalf("reset did not close circuit, calls = %d", calls.Load())
	}
}

func TestDispatchEmptyChannelList(t *testing.T) {
	d := NewDispatcher(fastConfig(), testRegistry(t), Senders{}, logx.Nop(), nil)
	outs := d.Dispatch(context.Background(), testEvent(), nil)
	if outs == nil || len(outs) != 0 {
		t.Fatalf("outs = %#v, want empty non-nil", outs)
	}
}

type countingObserver struct {
	mu       sync.Mutex
	statuses map[string]int
	retries  int
}

func (o *countingObserver) ObserveDelivery(_, _ string, status model.DeliveryStatus, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.statuses == nil {
		o.statuses = map[string]int{}
	}
	o.statuses[string(status)]++
}

func (o *countingObserver) ObserveRetry(string) {
	o.mu.Lock()
	o.retries++
	o.mu.Unlock()
}

func (o *countingObserver) snapshot() (map[string]int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := map[string]int{}
	for k, v := range o.statuses {
		cp[k] = v
	}
	return cp, o.retries
}

func TestObserverCountsEveryOutcomeWhenBusIsSaturated(t *testing.T) {
	reg := testRegistry(t)
	if _, err := reg.SetEnabled("email-alerts", false); err != nil {
		t.Fatal(err)
	}
	var chatCalls atomic.Int32
	chat := chatFunc(func(_ context.Context, dest, _ string) error {
		if strings.Contains(dest, "teams") {
			return Permanent(errors.New("http 404"))
		}
		// First slack attempt of every dispatch fails once.
		if chatCalls.Add(1)%2 == 1 {
			return Transient(errors.New("http 503"))
		}
		return nil
	})

	bus := eventbus.New()
	// A subscriber that never reads: the bus drops almost everything.
	_, unsub := bus.Subscribe(1)
	defer unsub()

	obs := &countingObserver{}
	d := NewDispatcher(fastConfig(), reg, Senders{Chat: chat}, logx.Nop(), bus)
	d.SetObserver(obs)

	const n = 50
	for i := 0; i < n; i++ {
		d.Dispatch(context.Background(), testEvent(), []string{"slack-alerts"})
		d.Dispatch(context.Background(), testEvent(), []string{"teams-alerts", "email-alerts"})
	}

	statuses, retries := obs.snapshot()
	if statuses["delivered"] != n || statuses["failed"] != n || statuses["skipped"] != n {
		t.Fatalf("statuses = %v, want %d each", statuses, n)
	}
	if retries != n {
		t.Fatalf("retries = %d, want %d", retries, n)
	}
}

func TestObserverSeesTimedOutChannelOnce(t *testing.T) {
	reg := testRegistry(t)
	release := make(chan struct{})
	chat := chatFunc(func(context.Context, string, string) error {
		<-release
		return nil
	})
	cfg := fastConfig()
	cfg.DispatchTimeout = 30 * time.Millisecond
	cfg.AttemptTimeout = time.Minute
	obs := &countingObserver{}
	d := NewDispatcher(cfg, reg, Senders{Chat: chat}, logx.Nop(), nil)
	d.SetObserver(obs)

	outs := d.Dispatch(context.Background(), testEvent(), []string{"teams-alerts"})
	close(release)
	if outs[0].Status != model.StatusFailed {
		t.Fatalf("outcome = %+v, want failed", outs[0])
	}
	// Give the late branch time to finish; it must not be observed.
	time.Sleep(50 * time.Millisecond)
	statuses, _ := obs.snapshot()
	if statuses["failed"] != 1 || statuses["delivered"] != 0 {
		t.Fatalf("statuses = %v, want one failure only", statuses)
	}
}
