// Package history keeps the bounded record of processed events and their
// delivery outcomes on top of a storage driver.
//
// Append and eviction run under one mutex, so the store never holds more than
// Capacity records once Append returns. Time based retention (MaxAge) runs on
// append and on a cron schedule.
package history

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"iacnotify/internal/eventbus"
	"iacnotify/internal/model"
	"iacnotify/internal/storage"
	logx "iacnotify/pkg/logx"
)

const (
	DefaultCapacity      = 1000
	DefaultListLimit     = 50
	MaxListLimit         = 500
	DefaultSweepSchedule = "@every 1m"
)

type Config struct {
	Capacity      int
	MaxAge        time.Duration // 0 disables time based retention
	SweepSchedule string
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.MaxAge < 0 {
		c.MaxAge = 0
	}
	if strings.TrimSpace(c.SweepSchedule) == "" {
		c.SweepSchedule = DefaultSweepSchedule
	}
	return c
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether schedule is a usable sweep schedule
// (standard 5-field cron or a descriptor such as "@every 30s").
func ValidateSchedule(schedule string) error {
	_, err := parser.Parse(schedule)
	return err
}

type History struct {
	mu    sync.Mutex
	cfg   Config
	store storage.Store
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	cmu  sync.Mutex
	cron *cron.Cron
}

func New(cfg Config, store storage.Store, log logx.Logger, bus eventbus.Bus) *History {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &History{
		cfg:   cfg.withDefaults(),
		store: store,
		log:   log,
		bus:   bus,
		now:   time.Now,
	}
}

func (h *History) Config() Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg
}

// Apply updates retention. A smaller capacity takes effect immediately.
func (h *History) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	h.mu.Lock()
	old := h.cfg
	h.cfg = cfg
	h.evictLocked(ctx)
	h.mu.Unlock()

	if old.SweepSchedule != cfg.SweepSchedule {
		h.cmu.Lock()
		running := h.cron != nil
		h.cmu.Unlock()
		if running {
			h.Stop()
			if err := h.Start(); err != nil {
				h.log.Warn("history sweep restart failed", logx.Err(err))
			}
		}
	}
}

// Append stores rec and evicts the oldest records beyond capacity before
// returning. Eviction failures are logged; the record itself is stored.
func (h *History) Append(ctx context.Context, rec model.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.store.Append(ctx, rec.Clone()); err != nil {
		err = &model.StoreError{Op: "append", Err: err}
		h.bus.Publish(eventbus.Event{Type: eventbus.TopicStoreFailed, Data: rec.Event.ID})
		return err
	}
	h.evictLocked(ctx)
	return nil
}

func (h *History) evictLocked(ctx context.Context) {
	if n, err := h.store.TrimOldest(ctx, h.cfg.Capacity); err != nil {
		h.log.Warn("history trim failed", logx.Err(err))
	} else if n > 0 {
		h.log.Debug("history trimmed", logx.Int("evicted", n), logx.Int("capacity", h.cfg.Capacity))
	}
	if h.cfg.MaxAge > 0 {
		if _, err := h.store.DeleteBefore(ctx, h.now().Add(-h.cfg.MaxAge)); err != nil {
			h.log.Warn("history age eviction failed", logx.Err(err))
		}
	}
}

// NormalizeLimit applies the default and the hard cap to a list limit.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// List returns up to limit records, newest first, older than the before
// cursor when set.
func (h *History) List(ctx context.Context, limit int, before string) ([]model.Record, error) {
	recs, err := h.store.List(ctx, NormalizeLimit(limit), strings.TrimSpace(before))
	if err != nil {
		return nil, &model.StoreError{Op: "list", Err: err}
	}
	if recs == nil {
		recs = []model.Record{}
	}
	return recs, nil
}

func (h *History) Get(ctx context.Context, eventID string) (model.Record, error) {
	rec, ok, err := h.store.Get(ctx, eventID)
	if err != nil {
		return model.Record{}, &model.StoreError{Op: "get", Err: err}
	}
	if !ok {
		return model.Record{}, &model.NotFoundError{Kind: "event", ID: eventID}
	}
	return rec, nil
}

func (h *History) Len(ctx context.Context) (int, error) {
	n, err := h.store.Count(ctx)
	if err != nil {
		return 0, &model.StoreError{Op: "count", Err: err}
	}
	return n, nil
}

// Sweep drops records older than MaxAge relative to now. It is a no-op when
// MaxAge is not set.
func (h *History) Sweep(ctx context.Context, now time.Time) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cfg.MaxAge <= 0 {
		return 0, nil
	}
	n, err := h.store.DeleteBefore(ctx, now.Add(-h.cfg.MaxAge))
	if err != nil {
		return 0, &model.StoreError{Op: "sweep", Err: err}
	}
	return n, nil
}

func (h *History) Ping(ctx context.Context) error {
	if err := h.store.Ping(ctx); err != nil {
		return &model.StoreError{Op: "ping", Err: err}
	}
	return nil
}

// Start enforces retention once and schedules the periodic sweep.
func (h *History) Start() error {
	h.cmu.Lock()
	defer h.cmu.Unlock()
	if h.cron != nil {
		return nil
	}

	cfg := h.Config()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	h.mu.Lock()
	h.evictLocked(ctx)
	h.mu.Unlock()
	cancel()

	c := cron.New(cron.WithParser(parser))
	_, err := c.AddFunc(cfg.SweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := h.Sweep(ctx, h.now())
		if err != nil {
			h.log.Warn("history sweep failed", logx.Err(err))
			return
		}
		if n > 0 {
			h.log.Info("history sweep", logx.Int("evicted", n))
		}
	})
	if err != nil {
		return err
	}
	c.Start()
	h.cron = c
	h.log.Info("history sweep scheduled",
		logx.String("schedule", cfg.SweepSchedule),
		logx.Int("capacity", cfg.Capacity),
		logx.Duration("max_age", cfg.MaxAge),
	)
	return nil
}

// Stop halts the sweep and waits for a running sweep to finish.
func (h *History) Stop() {
	h.cmu.Lock()
	c := h.cron
	h.cron = nil
	h.cmu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Close stops the sweep and closes the store.
func (h *History) Close() error {
	h.Stop()
	return h.store.Close()
}
