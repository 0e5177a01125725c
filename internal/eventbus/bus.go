// Package eventbus fans delivery lifecycle signals out to observers
// (metrics, debug logging) without coupling them to the dispatcher.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by the service.
const (
	TopicDelivered     = "delivery.delivered"
	TopicFailed        = "delivery.failed"
	TopicSkipped       = "delivery.skipped"
	TopicRetry         = "delivery.retry"
	TopicRecorded      = "event.recorded"
	TopicStoreFailed   = "event.store_failed"
	TopicChannelToggle = "channel.toggled"
	TopicReloaded      = "config.reloaded"
)

// Event is a lightweight, in-memory signal.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

// DeliveryData is the payload of delivery.* topics.
type DeliveryData struct {
	EventID   string        `json:"event_id"`
	EventType string        `json:"event_type"`
	Severity  string        `json:"severity"`
	ChannelID string        `json:"channel_id"`
	Channel   string        `json:"channel_type,omitempty"`
	Attempt   int           `json:"attempt"`
	Took      time.Duration `json:"took"`
	Error     string        `json:"error,omitempty"`
}

// RecordedData is the payload of event.recorded.
type RecordedData struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Severity  string `json:"severity"`
	Matched   int    `json:"matched"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop returns a bus that drops everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while sending.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch; recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
