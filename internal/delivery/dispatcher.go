// Package delivery fans an event out to its matched channels.
//
// Each channel is delivered in its own goroutine with bounded retries, so one
// slow or failing destination never affects the others. Dispatch always
// returns exactly one outcome per requested channel id, in input order.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"iacnotify/internal/eventbus"
	"iacnotify/internal/model"
	logx "iacnotify/pkg/logx"
)

// ChannelSource resolves channel ids at delivery time.
type ChannelSource interface {
	Get(id string) (model.Channel, error)
}

// Observer receives every final delivery outcome and every retry,
// synchronously and exactly once. Implementations must not block.
type Observer interface {
	ObserveDelivery(channelID, channelType string, status model.DeliveryStatus, took time.Duration)
	ObserveRetry(channelID string)
}

type Dispatcher struct {
	mu       sync.Mutex
	cfg      Config
	observer Observer

	channels ChannelSource
	senders  Senders
	log      logx.Logger
	bus      eventbus.Bus

	circuits circuitStore
	now      func() time.Time
}

func NewDispatcher(cfg Config, channels ChannelSource, senders Senders, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Dispatcher{
		cfg:      cfg.withDefaults(),
		channels: channels,
		senders:  senders,
		log:      log,
		bus:      bus,
		now:      time.Now,
	}
}

// Apply swaps retry and timeout settings. In-flight dispatches keep the
// snapshot they started with.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.mu.Unlock()
}

func (d *Dispatcher) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// SetSenders replaces the sender set (e.g. after smtp or telegram settings
// change on reload).
func (d *Dispatcher) SetSenders(s Senders) {
	d.mu.Lock()
	d.senders = s
	d.mu.Unlock()
}

// SetObserver installs o; nil removes it.
func (d *Dispatcher) SetObserver(o Observer) {
	d.mu.Lock()
	d.observer = o
	d.mu.Unlock()
}

func (d *Dispatcher) currentObserver() Observer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.observer
}

func (d *Dispatcher) snapshot() (Config, Senders) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, d.senders
}

// ResetCircuit clears a channel's failure history.
func (d *Dispatcher) ResetCircuit(channelID string) { d.circuits.reset(channelID) }

// OpenCircuits returns how many channels are currently short-circuited.
func (d *Dispatcher) OpenCircuits() int { return d.circuits.openCount(d.now()) }

type result struct {
	idx    int
	out    model.Outcome
	chType string
	took   time.Duration
}

// Dispatch delivers ev to every channel in channelIDs concurrently.
//
// It returns when every channel has resolved or the dispatch timeout fires;
// channels still pending at that point are reported as failed. Delivery
// errors are carried in outcomes, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, ev model.Event, channelIDs []string) []model.Outcome {
	outcomes := make([]model.Outcome, len(channelIDs))
	if len(channelIDs) == 0 {
		return outcomes
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, senders := d.snapshot()

	dctx, cancel := context.WithTimeout(ctx, cfg.DispatchTimeout)
	defer cancel()

	started := d.now()
	results := make(chan result, len(channelIDs))
	var g errgroup.Group
	for i, id := range channelIDs {
		g.Go(func() error {
			r := d.deliver(dctx, cfg, senders, ev, id)
			r.idx = i
			results <- r
			// Never fail the group: one channel must not cancel its siblings.
			return nil
		})
	}

	final := make([]result, len(channelIDs))
	filled := make([]bool, len(channelIDs))
	pending := len(channelIDs)
	collect := func(r result) {
		if !filled[r.idx] {
			final[r.idx] = r
			outcomes[r.idx] = r.out
			filled[r.idx] = true
			pending--
		}
	}
	// Only outcomes that make it into the returned slice are observed, so a
	// late branch after a timeout is never counted twice.
	defer func() {
		obs := d.currentObserver()
		if obs == nil {
			return
		}
		for i, o := range outcomes {
			obs.ObserveDelivery(o.ChannelID, final[i].chType, o.Status, final[i].took)
		}
	}()

wait:
	for pending > 0 {
		select {
		case r := <-results:
			collect(r)
		case <-dctx.Done():
			break wait
		}
	}
	// Pick up anything that finished right at the deadline.
	for pending > 0 {
		select {
		case r := <-results:
			collect(r)
			continue
		default:
		}
		break
	}

	if pending > 0 {
		reason := ErrDispatchTimeout.Error()
		if !errors.Is(dctx.Err(), context.DeadlineExceeded) {
			reason = fmt.Sprintf("dispatch canceled: %v", dctx.Err())
		}
		for i, id := range channelIDs {
			if filled[i] {
				continue
			}
			outcomes[i] = model.Outcome{
				ChannelID:   id,
				Status:      model.StatusFailed,
				Error:       reason,
				AttemptedAt: started,
			}
			final[i].took = d.now().Sub(started)
			d.publish(eventbus.TopicFailed, ev, id, "", 0, d.now().Sub(started), reason)
		}
		d.log.Warn("dispatch timed out",
			logx.String("event_id", ev.ID),
			logx.Int("pending", pending),
			logx.Duration("timeout", cfg.DispatchTimeout),
		)
		// Late branches exit on dctx cancellation; note when they settle.
		go func() {
			_ = g.Wait()
			d.log.Debug("late deliveries settled", logx.String("event_id", ev.ID))
		}()
		return outcomes
	}
	_ = g.Wait()
	return outcomes
}

// deliver resolves one channel and runs its retry loop.
func (d *Dispatcher) deliver(ctx context.Context, cfg Config, senders Senders, ev model.Event, channelID string) result {
	start := d.now()
	out := model.Outcome{ChannelID: channelID, AttemptedAt: start}

	ch, err := d.channels.Get(channelID)
	if err != nil || !ch.Enabled {
		out.Status = model.StatusSkipped
		d.publish(eventbus.TopicSkipped, ev, channelID, "", 0, 0, "")
		d.log.Debug("delivery skipped",
			logx.String("event_id", ev.ID),
			logx.String("channel", channelID),
			logx.Bool("missing", err != nil),
		)
		return result{out: out}
	}

	if open, until := d.circuits.isOpen(start, ch.ID, cfg); open {
		out.Status = model.StatusFailed
		out.Error = fmt.Sprintf("%v until %s", ErrCircuitOpen, until.UTC().Format(time.RFC3339))
		d.publish(eventbus.TopicFailed, ev, ch.ID, string(ch.Type), 0, 0, out.Error)
		return result{out: out, chType: string(ch.Type)}
	}

	attempts, err := d.sendWithRetry(ctx, cfg, senders, ev, ch)
	out.Attempts = attempts
	took := d.now().Sub(start)
	if err == nil {
		d.circuits.record(d.now(), ch.ID, cfg, nil)
		out.Status = model.StatusDelivered
		d.publish(eventbus.TopicDelivered, ev, ch.ID, string(ch.Type), attempts, took, "")
		d.log.Debug("delivered",
			logx.String("event_id", ev.ID),
			logx.String("channel", ch.ID),
			logx.Int("attempts", attempts),
			logx.Duration("took", took),
		)
		return result{out: out, chType: string(ch.Type), took: took}
	}

	d.circuits.record(d.now(), ch.ID, cfg, err)
	out.Status = model.StatusFailed
	out.Error = err.Error()
	d.publish(eventbus.TopicFailed, ev, ch.ID, string(ch.Type), attempts, took, out.Error)
	d.log.Warn("delivery failed",
		logx.String("event_id", ev.ID),
		logx.String("channel", ch.ID),
		logx.Int("attempts", attempts),
		logx.Err(err),
	)
	return result{out: out, chType: string(ch.Type), took: took}
}

// sendWithRetry returns the number of attempts made and the last error.
func (d *Dispatcher) sendWithRetry(ctx context.Context, cfg Config, senders Senders, ev model.Event, ch model.Channel) (int, error) {
	send, err := d.prepare(senders, ev, ch)
	if err != nil {
		return 0, err
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
		err := send(callCtx)
		cancel()
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		kind, hint := Classify(err)
		if kind == model.DeliveryPermanent {
			return attempt, err
		}
		if attempt >= cfg.MaxAttempts || ctx.Err() != nil {
			return attempt, err
		}

		delay := retryDelay(cfg, attempt, hint)
		d.publish(eventbus.TopicRetry, ev, ch.ID, string(ch.Type), attempt, delay, err.Error())
		if obs := d.currentObserver(); obs != nil {
			obs.ObserveRetry(ch.ID)
		}
		d.log.Debug("delivery retry",
			logx.String("event_id", ev.ID),
			logx.String("channel", ch.ID),
			logx.Int("attempt", attempt),
			logx.Duration("delay", delay),
			logx.Err(err),
		)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt, lastErr
		case <-t.C:
		}
	}
	return cfg.MaxAttempts, lastErr
}

// prepare renders the message once and binds it to the right sender, so
// retries resend identical content.
func (d *Dispatcher) prepare(senders Senders, ev model.Event, ch model.Channel) (func(context.Context) error, error) {
	dest, err := ResolveDestination(ch.Destination)
	if err != nil {
		return nil, err
	}

	switch ch.Type {
	case model.ChannelChat:
		if senders.Chat == nil {
			return nil, Permanent(fmt.Errorf("chat: %w", ErrNoSender))
		}
		text := RenderChat(ev)
		return func(ctx context.Context) error { return senders.Chat.SendChat(ctx, dest, text) }, nil

	case model.ChannelEmail:
		if senders.Email == nil {
			return nil, Permanent(fmt.Errorf("email: %w", ErrNoSender))
		}
		subject, body := RenderEmail(ev)
		return func(ctx context.Context) error { return senders.Email.SendEmail(ctx, dest, subject, body) }, nil

	case model.ChannelWebhook:
		if senders.Webhook == nil {
			return nil, Permanent(fmt.Errorf("webhook: %w", ErrNoSender))
		}
		body, err := RenderWebhook(ev, ch.ID)
		if err != nil {
			return nil, Permanent(fmt.Errorf("encode webhook payload: %w", err))
		}
		msg := WebhookMessage{
			DeliveryID: uuid.NewString(),
			EventID:    ev.ID,
			EventType:  string(ev.Type),
			Body:       body,
		}
		return func(ctx context.Context) error { return senders.Webhook.SendWebhook(ctx, dest, msg) }, nil

	default:
		return nil, Permanent(fmt.Errorf("unsupported channel type %q", ch.Type))
	}
}

func (d *Dispatcher) publish(topic string, ev model.Event, channelID, chType string, attempt int, took time.Duration, errMsg string) {
	d.bus.Publish(eventbus.Event{
		Type: topic,
		Data: eventbus.DeliveryData{
			EventID:   ev.ID,
			EventType: string(ev.Type),
			Severity:  string(ev.Severity),
			ChannelID: channelID,
			Channel:   chType,
			Attempt:   attempt,
			Took:      took,
			Error:     errMsg,
		},
	})
}
