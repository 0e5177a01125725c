package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"iacnotify/internal/model"
	logx "iacnotify/pkg/logx"
)

const sampleYAML = `
server:
  addr: ":9090"
logging:
  level: debug
  console: true
delivery:
  max_attempts: 4
  retry_base: 100ms
history:
  capacity: 200
  max_age: 24h
event_types:
  cost: error
channels:
  - id: ops-chat
    type: chat
    destination: https://chat.example.com/hooks/abc
  - id: oncall-mail
    type: email
    destination: mailto:oncall@example.com
    enabled: false
  - id: audit
    type: webhook
    destination: env:AUDIT_URL
rules:
  - match_type: security
    match_severity: critical
    channels: [ops-chat, audit]
  - id: drift-all
    match_type: drift
    channels: [ops-chat]
  - channels: [audit]
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	m := NewConfigManager(writeConfig(t, "iacnotify.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return the committed config")
	}
	if cfg.Server.Addr != ":9090" || cfg.Delivery.MaxAttempts != 4 {
		t.Fatalf("unexpected values: %+v", cfg.Server)
	}

	chans := cfg.ChannelList()
	if len(chans) != 3 {
		t.Fatalf("channels=%d", len(chans))
	}
	if !chans[0].Enabled || chans[1].Enabled || !chans[2].Enabled {
		t.Fatalf("enabled flags wrong: %+v", chans)
	}
	if chans[1].Type != model.ChannelEmail {
		t.Fatalf("type=%q", chans[1].Type)
	}

	rules := cfg.RuleList()
	if len(rules) != 3 {
		t.Fatalf("rules=%d", len(rules))
	}
	if rules[0].MatchType != model.EventSecurity || rules[0].MatchSeverity != model.SeverityCritical {
		t.Fatalf("rule 0: %+v", rules[0])
	}
	if rules[1].ID != "drift-all" || rules[1].MatchSeverity != model.SeverityAll {
		t.Fatalf("rule 1: %+v", rules[1])
	}
	if rules[2].MatchType != model.WildcardType {
		t.Fatalf("rule 2 should be a catch-all: %+v", rules[2])
	}

	if got := cfg.SeverityTable()[model.EventCost]; got != model.SeverityError {
		t.Fatalf("cost severity=%q", got)
	}
	if d := cfg.DeliveryTuning(); d.RetryBase != 100*time.Millisecond {
		t.Fatalf("retry base=%v", d.RetryBase)
	}
	if h := cfg.HistoryRetention(); h.Capacity != 200 || h.MaxAge != 24*time.Hour {
		t.Fatalf("history=%+v", h)
	}
}

func TestLoadJSON(t *testing.T) {
	body := `{"channels":[{"id":"a","type":"webhook","destination":"https://x.example.com/h"}],"rules":[{"channels":["a"]}]}`
	cfg, err := NewConfigManager(writeConfig(t, "c.json", body)).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Channels) != 1 {
		t.Fatalf("channels=%d", len(cfg.Channels))
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	_, err := NewConfigManager(writeConfig(t, "c.yaml", "server:\n  adr: \":1\"\n")).Load()
	if err == nil || !strings.Contains(err.Error(), "adr") {
		t.Fatalf("want unknown field error, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("IACNOTIFY_ADDR", ":7777")
	t.Setenv("IACNOTIFY_TELEGRAM_TOKEN", "123:abc")
	body := `
channels:
  - id: tg
    type: chat
    destination: "telegram:-1001"
rules:
  - channels: [tg]
`
	cfg, err := NewConfigManager(writeConfig(t, "c.yaml", body)).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":7777" || cfg.Telegram.Token != "123:abc" {
		t.Fatalf("env not applied: addr=%q", cfg.Server.Addr)
	}
}

func TestLoadEnvFile(t *testing.T) {
	p := writeConfig(t, ".env", "IACNOTIFY_WEBHOOK_SECRET=s3cret\n")
	t.Setenv("IACNOTIFY_WEBHOOK_SECRET", "")
	os.Unsetenv("IACNOTIFY_WEBHOOK_SECRET")
	if err := LoadEnvFile(p); err != nil {
		t.Fatal(err)
	}
	var cfg Config
	if err := ApplyEnv(&cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Webhook.SigningSecret != "s3cret" {
		t.Fatalf("secret=%q", cfg.Webhook.SigningSecret)
	}
	if err := LoadEnvFile(""); err != nil {
		t.Fatalf("empty path should be a no-op: %v", err)
	}
}

func TestValidate(t *testing.T) {
	chat := ChannelConfig{ID: "c", Type: "chat", Destination: "https://x.example.com"}
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"bad duration", Config{Delivery: DeliveryConfig{RetryBase: "soon"}}, "delivery.retry_base"},
		{"bad level", Config{Logging: LoggingConfig{Level: "loud"}}, "logging.level"},
		{"duplicate channel", Config{Channels: []ChannelConfig{chat, chat}}, "duplicate id"},
		{"bad channel type", Config{Channels: []ChannelConfig{{ID: "p", Type: "pager", Destination: "x"}}}, "p"},
		{"missing destination", Config{Channels: []ChannelConfig{{ID: "c", Type: "chat"}}}, "destination is required"},
		{"unknown rule channel", Config{Channels: []ChannelConfig{chat}, Rules: []RuleConfig{{Channels: []string{"nope"}}}}, "unknown channel"},
		{"empty rule", Config{Rules: []RuleConfig{{MatchType: "drift"}}}, "must not be empty"},
		{"bad rule type", Config{Channels: []ChannelConfig{chat}, Rules: []RuleConfig{{MatchType: "weather", Channels: []string{"c"}}}}, "match_type"},
		{"email needs smtp", Config{Channels: []ChannelConfig{{ID: "m", Type: "email", Destination: "a@b.example"}}}, "smtp.host"},
		{"telegram needs token", Config{Channels: []ChannelConfig{{ID: "t", Type: "chat", Destination: "telegram:1"}}}, "telegram.token"},
		{"sqlite needs path", Config{Storage: StorageConfig{Driver: "sqlite"}}, "storage.path"},
		{"unknown driver", Config{Storage: StorageConfig{Driver: "redis"}}, "unknown driver"},
		{"bad schedule", Config{History: HistoryConfig{SweepSchedule: "whenever"}}, "sweep_schedule"},
		{"bad event type override", Config{EventTypes: map[string]string{"cost": "meh"}}, "event_types.cost"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.cfg)
			if err == nil {
				t.Fatalf("want error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}

	if err := Validate(&Config{}); err != nil {
		t.Fatalf("empty config should validate: %v", err)
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Config{
		Server:   ServerConfig{ReadTimeout: "x"},
		Delivery: DeliveryConfig{MaxAttempts: -1},
	}
	err := Validate(&cfg)
	if err == nil {
		t.Fatal("want error")
	}
	for _, want := range []string{"server.read_timeout", "delivery.max_attempts"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}
}

func TestSummarizeChange(t *testing.T) {
	oldCfg := &Config{Logging: LoggingConfig{Level: "info"}}
	newCfg := &Config{
		Logging:  LoggingConfig{Level: "debug"},
		Storage:  StorageConfig{Driver: "postgres", DSN: "postgres://u:pw@db/x"},
		Telegram: TelegramConfig{Token: "secret-token"},
		Channels: []ChannelConfig{{ID: "a"}},
	}
	changed, attrs := SummarizeChange(oldCfg, newCfg)
	want := []string{"channels", "logging", "senders", "storage"}
	if !slices.Equal(changed, want) {
		t.Fatalf("changed=%v want %v", changed, want)
	}
	if got := NeedsRestart(changed); !slices.Equal(got, []string{"storage"}) {
		t.Fatalf("restart=%v", got)
	}
	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("config changed", attrs...)
	if out := buf.String(); strings.Contains(out, "secret-token") || strings.Contains(out, "pw@") {
		t.Fatalf("secret leaked: %s", out)
	} else if !strings.Contains(out, "telegram.token_set") {
		t.Fatalf("attrs missing: %s", out)
	}

	if changed, _ := SummarizeChange(newCfg, newCfg); len(changed) != 0 {
		t.Fatalf("identical configs reported changes: %v", changed)
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	p := writeConfig(t, "iacnotify.yaml", sampleYAML)
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	updates := m.Subscribe(1)
	defer m.Unsubscribe(updates)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher time to register the directory.
	time.Sleep(200 * time.Millisecond)

	// An invalid file is never published.
	if err := os.WriteFile(p, []byte("rules:\n  - channels: [ghost]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(600 * time.Millisecond)
	select {
	case cfg := <-updates:
		t.Fatalf("invalid config published: %+v", cfg)
	default:
	}

	next := strings.Replace(sampleYAML, "max_attempts: 4", "max_attempts: 6", 1)
	if err := os.WriteFile(p, []byte(next), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-updates:
		if cfg.Delivery.MaxAttempts != 6 {
			t.Fatalf("max_attempts=%d", cfg.Delivery.MaxAttempts)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no update published")
	}
	if m.Get().Delivery.MaxAttempts != 6 {
		t.Fatal("update not committed")
	}

	cancel()
	<-done
}
