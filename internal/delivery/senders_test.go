package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"iacnotify/internal/model"
)

func TestChatClientPostsText(t *testing.T) {
	var got struct {
		Text string `json:"text"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewChatClient(srv.Client(), nil)
	if err := c.SendChat(context.Background(), srv.URL+"/hook", "hello"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	if got.Text != "hello" {
		t.Fatalf("text = %q", got.Text)
	}
}

func TestChatClientTelegramWithoutBotIsPermanent(t *testing.T) {
	c := NewChatClient(nil, nil)
	err := c.SendChat(context.Background(), "telegram:12345", "hi")
	if err == nil || IsTransient(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
}

func TestHTTPStatusClassification(t *testing.T) {
	cases := []struct {
		status     int
		retryAfter string
		wantErr    bool
		transient  bool
		hint       time.Duration
	}{
		{status: 200},
		{status: 204},
		{status: 400, wantErr: true},
		{status: 404, wantErr: true},
		{status: 429, retryAfter: "2", wantErr: true, transient: true, hint: 2 * time.Second},
		{status: 500, wantErr: true, transient: true},
		{status: 503, retryAfter: "1", wantErr: true, transient: true, hint: time.Second},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tc.retryAfter != "" {
				w.Header().Set("Retry-After", tc.retryAfter)
			}
			w.WriteHeader(tc.status)
			_, _ = io.WriteString(w, "body")
		}))
		err := postJSON(context.Background(), srv.Client(), srv.URL, []byte(`{}`), nil)
		srv.Close()

		if (err != nil) != tc.wantErr {
			t.Fatalf("status %d: err = %v", tc.status, err)
		}
		if err == nil {
			continue
		}
		kind, hint := Classify(err)
		if (kind == model.DeliveryTransient) != tc.transient {
			t.Fatalf("status %d: kind = %s", tc.status, kind)
		}
		if hint != tc.hint {
			t.Fatalf("status %d: hint = %v, want %v", tc.status, hint, tc.hint)
		}
	}
}

func TestWebhookClientHeadersAndSignature(t *testing.T) {
	var hdr http.Header
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	payload, err := RenderWebhook(testEvent(), "webhook-alerts")
	if err != nil {
		t.Fatalf("RenderWebhook: %v", err)
	}
	c := NewWebhookClient(srv.Client(), "s3cret")
	msg := WebhookMessage{DeliveryID: "d-1", EventID: "01JTESTEVENT", EventType: "security", Body: payload}
	if err := c.SendWebhook(context.Background(), srv.URL, msg); err != nil {
		t.Fatalf("SendWebhook: %v", err)
	}
	if hdr.Get(HeaderDelivery) != "d-1" || hdr.Get(HeaderEvent) != "01JTESTEVENT" {
		t.Fatalf("headers = %v", hdr)
	}
	if hdr.Get(HeaderSignature) != Sign("s3cret", body) {
		t.Fatalf("signature mismatch")
	}

	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.ChannelID != "webhook-alerts" || p.Type != model.EventSecurity || p.Severity != model.SeverityCritical {
		t.Fatalf("payload = %+v", p)
	}
}

func TestWebhookClientRejectsBadURL(t *testing.T) {
	c := NewWebhookClient(nil, "")
	for _, dest := range []string{"ftp://x", "not a url", "https://"} {
		err := c.SendWebhook(context.Background(), dest, WebhookMessage{})
		if err == nil || IsTransient(err) {
			t.Fatalf("%q: err = %v, want permanent", dest, err)
		}
	}
}

func TestResolveDestination(t *testing.T) {
	t.Setenv("IACNOTIFY_TEST_HOOK", "https://hooks.example/abc")

	got, err := ResolveDestination("env:IACNOTIFY_TEST_HOOK")
	if err != nil || got != "https://hooks.example/abc" {
		t.Fatalf("got %q, %v", got, err)
	}
	if _, err := ResolveDestination("env:IACNOTIFY_TEST_UNSET"); err == nil || IsTransient(err) {
		t.Fatalf("unset env: err = %v, want permanent", err)
	}
	if _, err := ResolveDestination("  "); err == nil {
		t.Fatal("empty destination accepted")
	}
	if got, _ := ResolveDestination(" ops@example.com "); got != "ops@example.com" {
		t.Fatalf("got %q", got)
	}
}

func TestRedact(t *testing.T) {
	cases := map[string]string{
		"https://hooks.slack.com/services/T0/B0/XYZ": "https://hooks.slack.com/***",
		"https://example.com":                        "https://example.com",
		"env:SLACK_URL":                              "env:SLACK_URL",
		"ops@example.com":                            "ops@example.com",
		"telegram:-100123/7":                         "telegram:***",
		"":                                           "",
	}
	for in, want := range cases {
		if got := Redact(in); got != want {
			t.Fatalf("Redact(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseTelegramDestination(t *testing.T) {
	got, err := parseTelegramDestination("telegram:-1001234/42")
	if err != nil || got.ChatID != -1001234 || got.ThreadID != 42 {
		t.Fatalf("got %+v, %v", got, err)
	}
	for _, bad := range []string{"telegram:", "telegram:abc", "telegram:1/x", "telegram:1/0"} {
		if _, err := parseTelegramDestination(bad); err == nil {
			t.Fatalf("%q accepted", bad)
		}
	}
}

func TestParseRecipients(t *testing.T) {
	got, err := ParseRecipients("mailto:a@example.com, Ops <b@example.com>")
	if err != nil || len(got) != 2 || got[1] != "b@example.com" {
		t.Fatalf("got %v, %v", got, err)
	}
	if _, err := ParseRecipients("not-an-address"); err == nil {
		t.Fatal("bad address accepted")
	}
}

func TestRender(t *testing.T) {
	ev := testEvent()
	if got := RenderSubject(ev); got != "[CRITICAL] security: Public bucket" {
		t.Fatalf("subject = %q", got)
	}
	chat := RenderChat(ev)
	for _, want := range []string{"[CRITICAL]", "Resource: aws_s3_bucket.logs", "world readable"} {
		if !strings.Contains(chat, want) {
			t.Fatalf("chat text missing %q:\n%s", want, chat)
		}
	}
	_, body := RenderEmail(ev)
	if !strings.Contains(body, "Event ID: 01JTESTEVENT") || !strings.Contains(body, "2026-01-02T03:04:05Z") {
		t.Fatalf("email body:\n%s", body)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(cfg, attempt, 0)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %v out of bounds", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1, 800*time.Millisecond); d < 800*time.Millisecond {
		t.Fatalf("hint not honored: %v", d)
	}
	if d := retryDelay(cfg, 1, time.Hour); d != time.Second {
		t.Fatalf("hint not capped: %v", d)
	}
}

func TestClassify(t *testing.T) {
	if !IsTransient(context.DeadlineExceeded) {
		t.Fatal("deadline should be transient")
	}
	if IsTransient(errors.New("boom")) {
		t.Fatal("unclassified error should be permanent")
	}
	if IsTransient(Permanent(context.DeadlineExceeded)) {
		t.Fatal("explicit classification must win")
	}
	if _, hint := Classify(RetryAfter(errors.New("slow down"), 3*time.Second)); hint != 3*time.Second {
		t.Fatalf("hint = %v", hint)
	}
}
