package config

import (
	"errors"
	"fmt"
	"strings"

	"iacnotify/internal/delivery"
	"iacnotify/internal/history"
	"iacnotify/internal/model"
	"iacnotify/internal/storage"
	logx "iacnotify/pkg/logx"
)

// Validate checks the whole config and reports every problem found.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	// server
	dur("server.read_timeout", cfg.Server.ReadTimeout)
	dur("server.write_timeout", cfg.Server.WriteTimeout)
	dur("server.idle_timeout", cfg.Server.IdleTimeout)
	dur("server.shutdown_timeout", cfg.Server.ShutdownTimeout)
	if cfg.Server.RatePerSec < 0 {
		add("server.rate_per_sec must be >= 0")
	}
	if cfg.Server.Burst < 0 {
		add("server.burst must be >= 0")
	}

	// logging
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add("logging.level: unknown level %q", lvl)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add("logging.file.path is required when logging.file.enabled")
	}

	// delivery
	if cfg.Delivery.MaxAttempts < 0 {
		add("delivery.max_attempts must be >= 0")
	}
	dur("delivery.retry_base", cfg.Delivery.RetryBase)
	dur("delivery.retry_max_delay", cfg.Delivery.RetryMaxDelay)
	dur("delivery.attempt_timeout", cfg.Delivery.AttemptTimeout)
	dur("delivery.dispatch_timeout", cfg.Delivery.DispatchTimeout)
	dur("delivery.circuit_base_delay", cfg.Delivery.CircuitBaseDelay)
	dur("delivery.circuit_max_delay", cfg.Delivery.CircuitMaxDelay)
	dur("delivery.circuit_reset_after", cfg.Delivery.CircuitResetAfter)

	// history
	if cfg.History.Capacity < 0 {
		add("history.capacity must be >= 0")
	}
	dur("history.max_age", cfg.History.MaxAge)
	if s := strings.TrimSpace(cfg.History.SweepSchedule); s != "" {
		if err := history.ValidateSchedule(s); err != nil {
			add("history.sweep_schedule %q: %v", s, err)
		}
	}

	// storage
	switch storage.Driver(cfg.Storage.Driver) {
	case "memory":
	case "file", "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add("storage.path is required for driver %q", cfg.Storage.Driver)
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add("storage.dsn (or IACNOTIFY_STORAGE_DSN) is required for driver postgres")
		}
	default:
		add("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	// smtp
	switch strings.ToLower(strings.TrimSpace(cfg.SMTP.TLS)) {
	case "", "implicit", "starttls", "none":
	default:
		add("smtp.tls: want implicit|starttls|none, got %q", cfg.SMTP.TLS)
	}
	if cfg.SMTP.Port < 0 || cfg.SMTP.Port > 65535 {
		add("smtp.port out of range: %d", cfg.SMTP.Port)
	}

	// event types
	for t, sev := range cfg.EventTypes {
		if _, err := model.ParseEventType(t); err != nil {
			add("event_types: %v", err)
			continue
		}
		if _, err := model.ParseSeverity(sev); err != nil {
			add("event_types.%s: %v", t, err)
		}
	}

	// channels
	seen := map[string]bool{}
	needSMTP, needTelegram := false, false
	for i, ch := range cfg.Channels {
		id := strings.TrimSpace(ch.ID)
		if id == "" {
			add("channels[%d].id is required", i)
		} else if seen[id] {
			add("channels[%d]: duplicate id %q", i, id)
		}
		seen[id] = true

		typ, err := model.ParseChannelType(ch.Type)
		if err != nil {
			add("channels[%d] %s: %v", i, id, err)
		}
		dest := strings.TrimSpace(ch.Destination)
		if dest == "" {
			add("channels[%d] %s: destination is required", i, id)
		}
		if typ == model.ChannelEmail && ch.IsEnabled() {
			needSMTP = true
		}
		if typ == model.ChannelChat && ch.IsEnabled() && strings.HasPrefix(dest, "telegram:") {
			needTelegram = true
		}
	}
	if needSMTP && strings.TrimSpace(cfg.SMTP.Host) == "" {
		add("smtp.host is required when email channels are enabled")
	}
	if needTelegram && strings.TrimSpace(cfg.Telegram.Token) == "" {
		add("telegram.token (or IACNOTIFY_TELEGRAM_TOKEN) is required for telegram destinations")
	}

	// rules
	ruleIDs := map[string]bool{}
	for i, r := range cfg.Rules {
		if id := strings.TrimSpace(r.ID); id != "" {
			if ruleIDs[id] {
				add("rules[%d]: duplicate id %q", i, id)
			}
			ruleIDs[id] = true
		}
		if mt := strings.TrimSpace(r.MatchType); mt != "" && mt != string(model.WildcardType) {
			if _, err := model.ParseEventType(mt); err != nil {
				add("rules[%d].match_type: %v", i, err)
			}
		}
		if ms := strings.TrimSpace(r.MatchSeverity); ms != "" && !strings.EqualFold(ms, string(model.SeverityAll)) {
			if _, err := model.ParseSeverity(ms); err != nil {
				add("rules[%d].match_severity: %v", i, err)
			}
		}
		if len(r.Channels) == 0 {
			add("rules[%d]: channels must not be empty", i)
		}
		for _, cid := range r.Channels {
			if !seen[strings.TrimSpace(cid)] {
				add("rules[%d]: unknown channel %q", i, cid)
			}
		}
	}

	return errors.Join(errs...)
}

// ChannelList converts channel declarations into model channels.
func (c *Config) ChannelList() []model.Channel {
	out := make([]model.Channel, 0, len(c.Channels))
	for _, ch := range c.Channels {
		typ, _ := model.ParseChannelType(ch.Type)
		out = append(out, model.Channel{
			ID:          strings.TrimSpace(ch.ID),
			Type:        typ,
			Destination: strings.TrimSpace(ch.Destination),
			Enabled:     ch.IsEnabled(),
			Description: ch.Description,
		})
	}
	return out
}

// RuleList converts rule declarations into model rules, in declaration order.
func (c *Config) RuleList() []model.RoutingRule {
	out := make([]model.RoutingRule, 0, len(c.Rules))
	for _, r := range c.Rules {
		rule := model.RoutingRule{ID: strings.TrimSpace(r.ID)}
		switch mt := strings.TrimSpace(r.MatchType); mt {
		case "", string(model.WildcardType):
			rule.MatchType = model.WildcardType
		default:
			rule.MatchType, _ = model.ParseEventType(mt)
		}
		switch ms := strings.TrimSpace(r.MatchSeverity); {
		case ms == "" || strings.EqualFold(ms, string(model.SeverityAll)):
			rule.MatchSeverity = model.SeverityAll
		default:
			rule.MatchSeverity, _ = model.ParseSeverity(ms)
		}
		for _, id := range r.Channels {
			rule.ChannelIDs = append(rule.ChannelIDs, strings.TrimSpace(id))
		}
		out = append(out, rule)
	}
	return out
}

// SeverityTable returns the configured default severity overrides.
func (c *Config) SeverityTable() model.SeverityTable {
	out := model.SeverityTable{}
	for t, s := range c.EventTypes {
		et, err := model.ParseEventType(t)
		if err != nil {
			continue
		}
		sev, err := model.ParseSeverity(s)
		if err != nil {
			continue
		}
		out[et] = sev
	}
	return out
}

// DeliveryTuning maps the delivery section onto dispatcher settings.
func (c *Config) DeliveryTuning() delivery.Config {
	d := c.Delivery
	return delivery.Config{
		MaxAttempts:         d.MaxAttempts,
		RetryBase:           MustDuration(d.RetryBase, 0),
		RetryMaxDelay:       MustDuration(d.RetryMaxDelay, 0),
		AttemptTimeout:      MustDuration(d.AttemptTimeout, 0),
		DispatchTimeout:     MustDuration(d.DispatchTimeout, 0),
		CircuitTripFailures: d.CircuitTripFailures,
		CircuitBaseDelay:    MustDuration(d.CircuitBaseDelay, 0),
		CircuitMaxDelay:     MustDuration(d.CircuitMaxDelay, 0),
		CircuitResetAfter:   MustDuration(d.CircuitResetAfter, 0),
	}
}

// HistoryRetention maps the history section onto retention settings.
func (c *Config) HistoryRetention() history.Config {
	return history.Config{
		Capacity:      c.History.Capacity,
		MaxAge:        MustDuration(c.History.MaxAge, 0),
		SweepSchedule: strings.TrimSpace(c.History.SweepSchedule),
	}
}

// StorageOptions maps the storage section onto driver options.
func (c *Config) StorageOptions() storage.Config {
	return storage.Config{
		Driver:      storage.Driver(c.Storage.Driver),
		Path:        strings.TrimSpace(c.Storage.Path),
		DSN:         strings.TrimSpace(c.Storage.DSN),
		BusyTimeout: MustDuration(c.Storage.BusyTimeout, 0),
		MaxConns:    c.Storage.MaxConns,
	}
}

// LogOptions maps the logging section onto logger settings.
func (c *Config) LogOptions() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		JSON:    c.Logging.JSON,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}
