// Package service is the notification pipeline: validate, classify, route,
// dispatch, record.
package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"iacnotify/internal/delivery"
	"iacnotify/internal/eventbus"
	"iacnotify/internal/history"
	"iacnotify/internal/model"
	"iacnotify/internal/registry"
	"iacnotify/internal/routing"
	logx "iacnotify/pkg/logx"
)

const (
	MaxTitleLen    = 256
	MaxMessageLen  = 16 * 1024
	MaxResourceLen = 1024
	MaxSourceLen   = 256
	MaxMetadata    = 32

	appendTimeout = 10 * time.Second
)

// SubmitRequest is the raw, unvalidated event payload.
type SubmitRequest struct {
	Type     string            `json:"type"`
	Severity string            `json:"severity,omitempty"`
	Title    string            `json:"title"`
	Message  string            `json:"message"`
	Resource string            `json:"resource,omitempty"`
	Source   string            `json:"source,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Policy is the reloadable routing configuration.
type Policy struct {
	Channels   []model.Channel
	Rules      []model.RoutingRule
	Severities model.SeverityTable
}

type policy struct {
	rules      *routing.Ruleset
	severities model.SeverityTable
}

// Dispatcher is the delivery engine used by the service.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev model.Event, channelIDs []string) []model.Outcome
	ResetCircuit(channelID string)
	OpenCircuits() int
}

type Service struct {
	// reloadMu makes a reload atomic for submissions: Reload swaps registry
	// and policy under the write lock, and a submission holds the read lock
	// from routing until its dispatch returns.
	reloadMu sync.RWMutex
	reg      *registry.Registry
	pol      atomic.Pointer[policy]
	disp    Dispatcher
	hist    *history.History
	log     logx.Logger
	bus     eventbus.Bus
	started time.Time

	now   func() time.Time
	newID func() string
}

// New validates the policy and builds the service around an existing
// registry, dispatcher and history.
func New(reg *registry.Registry, p Policy, disp Dispatcher, hist *history.History, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	pol, err := buildPolicy(p)
	if err != nil {
		return nil, err
	}
	s := &Service{
		reg:     reg,
		disp:    disp,
		hist:    hist,
		log:     log,
		bus:     bus,
		started: time.Now(),
		now:     time.Now,
		newID:   func() string { return ulid.Make().String() },
	}
	s.pol.Store(pol)
	return s, nil
}

func buildPolicy(p Policy) (*policy, error) {
	rs, err := routing.NewRuleset(p.Rules)
	if err != nil {
		return nil, err
	}
	sev := model.DefaultSeverities()
	for t, v := range p.Severities {
		if !t.Valid() {
			return nil, fmt.Errorf("event_types: unknown type %q", t)
		}
		if !v.Valid() {
			return nil, fmt.Errorf("event_types.%s: unknown severity %q", t, v)
		}
		sev[t] = v
	}
	return &policy{rules: rs, severities: sev}, nil
}

// CheckPolicy reports whether p would be accepted by Reload.
func CheckPolicy(p Policy) error {
	if _, err := buildPolicy(p); err != nil {
		return err
	}
	_, err := registry.New(p.Channels)
	return err
}

// Reload swaps channels, rules and default severities. Nothing changes if
// any part is invalid.
func (s *Service) Reload(p Policy) error {
	pol, err := buildPolicy(p)
	if err != nil {
		return err
	}
	s.reloadMu.Lock()
	if err := s.reg.Replace(p.Channels); err != nil {
		s.reloadMu.Unlock()
		return err
	}
	s.pol.Store(pol)
	s.reloadMu.Unlock()

	total, enabled := s.reg.Counts()
	s.log.Info("routing policy reloaded",
		logx.Int("channels", total),
		logx.Int("enabled", enabled),
		logx.Int("rules", pol.rules.Len()),
	)
	s.bus.Publish(eventbus.Event{Type: eventbus.TopicReloaded})
	return nil
}

// Validate checks req and builds the event it describes, without an id.
func (s *Service) Validate(req SubmitRequest) (model.Event, error) {
	var verr model.ValidationError
	pol := s.pol.Load()

	ev := model.Event{
		Title:    strings.TrimSpace(req.Title),
		Message:  strings.TrimSpace(req.Message),
		Resource: strings.TrimSpace(req.Resource),
		Source:   strings.TrimSpace(req.Source),
	}

	if strings.TrimSpace(req.Type) == "" {
		verr.Add("type", "is required")
	} else if t, err := model.ParseEventType(req.Type); err != nil {
		verr.Add("type", err.Error())
	} else {
		ev.Type = t
	}

	if strings.TrimSpace(req.Severity) != "" {
		sev, err := model.ParseSeverity(req.Severity)
		if err != nil {
			verr.Add("severity", err.Error())
		}
		ev.Severity = sev
	}

	switch {
	case ev.Title == "":
		verr.Add("title", "is required")
	case utf8.RuneCountInString(ev.Title) > MaxTitleLen:
		verr.Add("title", fmt.Sprintf("must be at most %d characters", MaxTitleLen))
	}
	switch {
	case ev.Message == "":
		verr.Add("message", "is required")
	case len(ev.Message) > MaxMessageLen:
		verr.Add("message", fmt.Sprintf("must be at most %d bytes", MaxMessageLen))
	}
	if utf8.RuneCountInString(ev.Resource) > MaxResourceLen {
		verr.Add("resource", fmt.Sprintf("must be at most %d characters", MaxResourceLen))
	}
	if utf8.RuneCountInString(ev.Source) > MaxSourceLen {
		verr.Add("source", fmt.Sprintf("must be at most %d characters", MaxSourceLen))
	}
	if len(req.Metadata) > MaxMetadata {
		verr.Add("metadata", fmt.Sprintf("must have at most %d entries", MaxMetadata))
	} else if len(req.Metadata) > 0 {
		ev.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			k = strings.TrimSpace(k)
			if k == "" {
				verr.Add("metadata", "keys must be non-empty")
				break
			}
			ev.Metadata[k] = v
		}
	}

	if err := verr.OrNil(); err != nil {
		return model.Event{}, err
	}
	if ev.Severity == "" {
		ev.Severity = pol.severities.For(ev.Type)
	}
	return ev, nil
}

// Submit validates, routes, dispatches and records one event.
//
// Delivery failures are reported in the record's outcomes. Only validation
// and store errors are returned.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (model.Record, error) {
	s.reloadMu.RLock()
	ev, err := s.Validate(req)
	if err != nil {
		s.reloadMu.RUnlock()
		return model.Record{}, err
	}
	ev.ID = s.newID()
	ev.Timestamp = s.now().UTC()

	channelIDs := s.pol.Load().rules.Match(ev.Type, ev.Severity)
	return s.dispatchAndRecord(ctx, ev, channelIDs, "event processed")
}

// Test sends a synthetic event to exactly one channel, bypassing rules.
func (s *Service) Test(ctx context.Context, channelID string) (model.Record, error) {
	s.reloadMu.RLock()
	if _, err := s.reg.Get(channelID); err != nil {
		s.reloadMu.RUnlock()
		return model.Record{}, err
	}
	ev := model.Event{
		ID:        s.newID(),
		Type:      model.EventDeployment,
		Severity:  model.SeverityInfo,
		Title:     "Test notification",
		Message:   fmt.Sprintf("Test notification for channel %s. If you can read this, delivery works.", channelID),
		Source:    "iacnotify",
		Metadata:  map[string]string{"test": "true"},
		Timestamp: s.now().UTC(),
	}
	s.disp.ResetCircuit(channelID)
	return s.dispatchAndRecord(ctx, ev, []string{channelID}, "test notification processed")
}

// dispatchAndRecord releases the read lock taken by the caller once the
// dispatch is done; recording does not depend on the policy.
func (s *Service) dispatchAndRecord(ctx context.Context, ev model.Event, channelIDs []string, msg string) (model.Record, error) {
	// The caller going away must not cut a dispatch short or lose its record.
	bg := context.WithoutCancel(ctx)

	outcomes := s.disp.Dispatch(bg, ev, channelIDs)
	s.reloadMu.RUnlock()
	rec := model.Record{Event: ev, Outcomes: outcomes}
	if rec.Outcomes == nil {
		rec.Outcomes = []model.Outcome{}
	}

	actx, cancel := context.WithTimeout(bg, appendTimeout)
	defer cancel()
	if err := s.hist.Append(actx, rec); err != nil {
		s.log.Error("history append failed", logx.String("event_id", ev.ID), logx.Err(err))
		return model.Record{}, err
	}

	failed := rec.Count(model.StatusFailed)
	skipped := rec.Count(model.StatusSkipped)
	s.bus.Publish(eventbus.Event{Type: eventbus.TopicRecorded, Data: eventbus.RecordedData{
		EventID:   ev.ID,
		EventType: string(ev.Type),
		Severity:  string(ev.Severity),
		Matched:   len(channelIDs),
		Failed:    failed,
		Skipped:   skipped,
	}})
	s.log.Info(msg,
		logx.String("event_id", ev.ID),
		logx.String("type", string(ev.Type)),
		logx.String("severity", string(ev.Severity)),
		logx.Int("matched", len(channelIDs)),
		logx.Int("delivered", rec.Count(model.StatusDelivered)),
		logx.Int("failed", failed),
		logx.Int("skipped", skipped),
	)
	return rec.Clone(), nil
}

func (s *Service) Channels() []model.Channel { return s.reg.List() }

func (s *Service) Channel(id string) (model.Channel, error) { return s.reg.Get(id) }

// SetChannelEnabled toggles a channel. Re-enabling clears its circuit.
func (s *Service) SetChannelEnabled(id string, enabled bool) (model.Channel, error) {
	ch, err := s.reg.SetEnabled(id, enabled)
	if err != nil {
		return model.Channel{}, err
	}
	if enabled {
		s.disp.ResetCircuit(id)
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TopicChannelToggle, Data: ch.ID})
	s.log.Info("channel toggled", logx.String("channel", ch.ID), logx.Bool("enabled", enabled))
	return ch, nil
}

func (s *Service) Rules() []model.RoutingRule { return s.pol.Load().rules.Rules() }

func (s *Service) Rule(id string) (model.RoutingRule, error) { return s.pol.Load().rules.Rule(id) }

// Severities returns the effective default severity per event type.
func (s *Service) Severities() model.SeverityTable { return s.pol.Load().severities.Clone() }

func (s *Service) History(ctx context.Context, limit int, before string) ([]model.Record, error) {
	return s.hist.List(ctx, limit, before)
}

func (s *Service) Record(ctx context.Context, eventID string) (model.Record, error) {
	return s.hist.Get(ctx, eventID)
}

// Health summarizes readiness. The service is degraded, not down, when the
// history store is unreachable.
type Health struct {
	Status          string `json:"status"`
	Channels        int    `json:"channels"`
	EnabledChannels int    `json:"enabled_channels"`
	Rules           int    `json:"rules"`
	HistorySize     int    `json:"history_size"`
	OpenCircuits    int    `json:"open_circuits"`
	Store           string `json:"store"`
	Uptime          string `json:"uptime"`
}

func (s *Service) Health(ctx context.Context) Health {
	total, enabled := s.reg.Counts()
	h := Health{
		Status:          "ok",
		Channels:        total,
		EnabledChannels: enabled,
		Rules:           s.pol.Load().rules.Len(),
		OpenCircuits:    s.disp.OpenCircuits(),
		Store:           "ok",
		Uptime:          time.Since(s.started).Truncate(time.Second).String(),
	}
	if err := s.hist.Ping(ctx); err != nil {
		h.Status = "degraded"
		h.Store = err.Error()
		return h
	}
	if n, err := s.hist.Len(ctx); err == nil {
		h.HistorySize = n
	}
	return h
}

var _ Dispatcher = (*delivery.Dispatcher)(nil)
