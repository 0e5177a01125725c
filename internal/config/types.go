package config

// Config is the on-disk configuration (YAML or JSON).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Omitted fields take the defaults documented per section.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Logging  LoggingConfig  `json:"logging"`
	Delivery DeliveryConfig `json:"delivery"`
	History  HistoryConfig  `json:"history"`
	Storage  StorageConfig  `json:"storage"`

	SMTP     SMTPConfig     `json:"smtp"`
	Telegram TelegramConfig `json:"telegram"`
	Webhook  WebhookConfig  `json:"webhook"`

	// EventTypes overrides the default severity per event type,
	// e.g. {"cost": "error"}.
	EventTypes map[string]string `json:"event_types,omitempty"`

	Channels []ChannelConfig `json:"channels"`
	Rules    []RuleConfig    `json:"rules"`
}

// ServerConfig controls the HTTP API.
//
// Defaults:
//   - addr: ":8080"
//   - read_timeout: "10s", write_timeout: "60s", idle_timeout: "120s"
//   - shutdown_timeout: "10s"
//   - rate_per_sec: 0 (unlimited); burst defaults to ceil(rate_per_sec)
type ServerConfig struct {
	Addr            string  `json:"addr,omitempty"`
	ReadTimeout     string  `json:"read_timeout,omitempty"`
	WriteTimeout    string  `json:"write_timeout,omitempty"`
	IdleTimeout     string  `json:"idle_timeout,omitempty"`
	ShutdownTimeout string  `json:"shutdown_timeout,omitempty"`
	RatePerSec      float64 `json:"rate_per_sec,omitempty"`
	Burst           int     `json:"burst,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	JSON    bool   `json:"json,omitempty"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
}

// DeliveryConfig tunes retries and timeouts.
//
// Defaults: max_attempts 3, retry_base "500ms", retry_max_delay "10s",
// attempt_timeout "10s", dispatch_timeout "30s", circuit_trip_failures 5
// (negative disables), circuit_base_delay "5s", circuit_max_delay "2m",
// circuit_reset_after "5m".
type DeliveryConfig struct {
	MaxAttempts     int    `json:"max_attempts,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	AttemptTimeout  string `json:"attempt_timeout,omitempty"`
	DispatchTimeout string `json:"dispatch_timeout,omitempty"`

	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
	CircuitResetAfter   string `json:"circuit_reset_after,omitempty"`
}

// HistoryConfig bounds the delivery history.
//
// Defaults: capacity 1000, max_age "0s" (no time window),
// sweep_schedule "@every 1m".
type HistoryConfig struct {
	Capacity      int    `json:"capacity,omitempty"`
	MaxAge        string `json:"max_age,omitempty"`
	SweepSchedule string `json:"sweep_schedule,omitempty"`
}

// StorageConfig selects the history backend: memory (default), file,
// sqlite or postgres.
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int32  `json:"max_conns,omitempty"`
}

// SMTPConfig is required when any email channel is configured.
type SMTPConfig struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from,omitempty"`
	// TLS is "implicit", "starttls" (default) or "none".
	TLS string `json:"tls,omitempty"`
}

// TelegramConfig enables "telegram:<chat_id>[/<thread_id>]" chat
// destinations.
type TelegramConfig struct {
	Token string `json:"token,omitempty"`
}

type WebhookConfig struct {
	// SigningSecret enables the X-Iacnotify-Signature header.
	SigningSecret string `json:"signing_secret,omitempty"`
}

// ChannelConfig declares one delivery channel. Enabled is a pointer so an
// omitted value defaults to true.
type ChannelConfig struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Destination string `json:"destination"`
	Enabled     *bool  `json:"enabled,omitempty"`
	Description string `json:"description,omitempty"`
}

func (c ChannelConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// RuleConfig maps (type, severity) to channels. Empty match_type or "*"
// matches any type; empty match_severity or "all" matches any severity.
type RuleConfig struct {
	ID            string   `json:"id,omitempty"`
	MatchType     string   `json:"match_type,omitempty"`
	MatchSeverity string   `json:"match_severity,omitempty"`
	Channels      []string `json:"channels"`
}
