package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"iacnotify/internal/model"
	"iacnotify/internal/service"
	logx "iacnotify/pkg/logx"
)

type fakeService struct {
	mu        sync.Mutex
	channels  map[string]model.Channel
	rules     []model.RoutingRule
	records   []model.Record
	submitErr error
	lastLimit int
	lastBefore string
}

func newFake() *fakeService {
	return &fakeService{
		channels: map[string]model.Channel{
			"teams-alerts": {ID: "teams-alerts", Type: model.ChannelChat, Destination: "https://outlook.office.com/webhook/secret-token", Enabled: true},
		},
		rules: []model.RoutingRule{{ID: "security", MatchType: model.EventSecurity, MatchSeverity: model.SeverityAll, ChannelIDs: []string{"teams-alerts"}}},
	}
}

func (f *fakeService) Submit(ctx context.Context, req service.SubmitRequest) (model.Record, error) {
	if f.submitErr != nil {
		return model.Record{}, f.submitErr
	}
	if strings.TrimSpace(req.Title) == "" {
		v := &model.ValidationError{}
		v.Add("title", "is required")
		return model.Record{}, v
	}
	return model.Record{Event: model.Event{ID: "01TEST", Type: model.EventType(req.Type), Title: req.Title, Timestamp: time.Now()}}, nil
}

func (f *fakeService) Test(ctx context.Context, id string) (model.Record, error) {
	if _, ok := f.channels[id]; !ok {
		return model.Record{}, &model.NotFoundError{Kind: "channel", ID: id}
	}
	return model.Record{
		Event:    model.Event{ID: "01TESTCH", Title: "Test notification"},
		Outcomes: []model.Outcome{{ChannelID: id, Status: model.StatusDelivered, Attempts: 1}},
	}, nil
}

func (f *fakeService) Channels() []model.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Channel, 0, len(f.channels))
	for _, ch := range f.channels {
		out = append(out, ch)
	}
	return out
}

func (f *fakeService) Channel(id string) (model.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[id]
	if !ok {
		return model.Channel{}, &model.NotFoundError{Kind: "channel", ID: id}
	}
	return ch, nil
}

func (f *fakeService) SetChannelEnabled(id string, enabled bool) (model.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[id]
	if !ok {
		return model.Channel{}, &model.NotFoundError{Kind: "channel", ID: id}
	}
	ch.Enabled = enabled
	f.channels[id] = ch
	return ch, nil
}

func (f *fakeService) Rules() []model.RoutingRule { return f.rules }

func (f *fakeService) Rule(id string) (model.RoutingRule, error) {
	for _, r := range f.rules {
		if r.ID == id {
			return r, nil
		}
	}
	return model.RoutingRule{}, &model.NotFoundError{Kind: "rule", ID: id}
}

func (f *fakeService) History(ctx context.Context, limit int, before string) ([]model.Record, error) {
	f.lastLimit, f.lastBefore = limit, before
	return f.records, nil
}

func (f *fakeService) Record(ctx context.Context, id string) (model.Record, error) {
	for _, r := range f.records {
		if r.Event.ID == id {
			return r, nil
		}
	}
	return model.Record{}, &model.NotFoundError{Kind: "event", ID: id}
}

func (f *fakeService) Health(ctx context.Context) service.Health {
	return service.Health{Status: "ok", Channels: len(f.channels), Store: "ok"}
}

type countingObserver struct {
	mu    sync.Mutex
	calls []string
}

func (o *countingObserver) ObserveHTTP(route, method, code string) {
	o.mu.Lock()
	o.calls = append(o.calls, method+" "+route+" "+code)
	o.mu.Unlock()
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: invalid JSON %q", method, path, rec.Body.String())
		}
	}
	return rec, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	c, _ := e["code"].(string)
	return c
}

func TestStatusMapping(t *testing.T) {
	a := New(newFake(), logx.Nop(), Options{})
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"submit ok", "POST", "/api/v1/events", `{"type":"security","title":"t","message":"m"}`, 201, ""},
		{"submit invalid", "POST", "/api/v1/events", `{"type":"security","title":" ","message":"m"}`, 400, CodeValidation},
		{"submit malformed", "POST", "/api/v1/events", `{"type":`, 400, CodeBadRequest},
		{"submit empty", "POST", "/api/v1/events", ``, 400, CodeBadRequest},
		{"submit unknown field", "POST", "/api/v1/events", `{"type":"drift","title":"t","message":"m","colour":"red"}`, 400, CodeBadRequest},
		{"test ok", "POST", "/api/v1/channels/teams-alerts/test", ``, 200, ""},
		{"test unknown", "POST", "/api/v1/channels/nope/test", ``, 404, CodeNotFound},
		{"list channels", "GET", "/api/v1/channels", ``, 200, ""},
		{"get channel", "GET", "/api/v1/channels/teams-alerts", ``, 200, ""},
		{"get channel unknown", "GET", "/api/v1/channels/nope", ``, 404, CodeNotFound},
		{"patch missing field", "PATCH", "/api/v1/channels/teams-alerts", `{}`, 400, CodeValidation},
		{"patch unknown", "PATCH", "/api/v1/channels/nope", `{"enabled":false}`, 404, CodeNotFound},
		{"list rules", "GET", "/api/v1/rules", ``, 200, ""},
		{"get rule", "GET", "/api/v1/rules/security", ``, 200, ""},
		{"get rule unknown", "GET", "/api/v1/rules/nope", ``, 404, CodeNotFound},
		{"history", "GET", "/api/v1/history?limit=5", ``, 200, ""},
		{"history bad limit", "GET", "/api/v1/history?limit=abc", ``, 400, CodeBadRequest},
		{"record unknown", "GET", "/api/v1/history/nope", ``, 404, CodeNotFound},
		{"health", "GET", "/healthz", ``, 200, ""},
		{"no route", "GET", "/api/v1/nothing", ``, 404, CodeNotFound},
		{"wrong method", "DELETE", "/api/v1/rules", ``, 405, CodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := do(t, a, tt.method, tt.path, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status=%d want %d body=%s", rec.Code, tt.status, rec.Body.String())
			}
			if got := errorCode(body); got != tt.code {
				t.Fatalf("code=%q want %q", got, tt.code)
			}
		})
	}
}

func TestValidationFieldsReturned(t *testing.T) {
	a := New(newFake(), logx.Nop(), Options{})
	_, body := do(t, a, "POST", "/api/v1/events", `{"type":"drift","title":"","message":"m"}`)
	e := body["error"].(map[string]any)
	fields, _ := e["fields"].(map[string]any)
	if fields["title"] != "is required" {
		t.Fatalf("fields=%v", fields)
	}
}

func TestStoreErrorIs500(t *testing.T) {
	f := newFake()
	f.submitErr = &model.StoreError{Op: "append", Err: fmt.Errorf("disk full")}
	a := New(f, logx.Nop(), Options{})
	rec, body := do(t, a, "POST", "/api/v1/events", `{"type":"drift","title":"t","message":"m"}`)
	if rec.Code != 500 || errorCode(body) != CodeStore {
		t.Fatalf("status=%d code=%q", rec.Code, errorCode(body))
	}
	if strings.Contains(rec.Body.String(), "disk full") {
		t.Fatal("store detail leaked to client")
	}
}

func TestChannelDestinationRedacted(t *testing.T) {
	a := New(newFake(), logx.Nop(), Options{})
	rec, _ := do(t, a, "GET", "/api/v1/channels/teams-alerts", "")
	if strings.Contains(rec.Body.String(), "secret-token") {
		t.Fatalf("destination not redacted: %s", rec.Body.String())
	}
	rec, _ = do(t, a, "GET", "/api/v1/channels", "")
	if strings.Contains(rec.Body.String(), "secret-token") {
		t.Fatalf("list not redacted: %s", rec.Body.String())
	}
}

func TestPatchChannelToggles(t *testing.T) {
	f := newFake()
	a := New(f, logx.Nop(), Options{})
	rec, body := do(t, a, "PATCH", "/api/v1/channels/teams-alerts", `{"enabled":false}`)
	if rec.Code != 200 || body["enabled"] != false {
		t.Fatalf("status=%d body=%v", rec.Code, body)
	}
	if ch, _ := f.Channel("teams-alerts"); ch.Enabled {
		t.Fatal("channel still enabled")
	}
}

func TestHistoryQueryPassedThrough(t *testing.T) {
	f := newFake()
	f.records = []model.Record{{Event: model.Event{ID: "b"}}, {Event: model.Event{ID: "a"}}}
	a := New(f, logx.Nop(), Options{})
	_, body := do(t, a, "GET", "/api/v1/history?limit=2&before=c", "")
	if f.lastLimit != 2 || f.lastBefore != "c" {
		t.Fatalf("limit=%d before=%q", f.lastLimit, f.lastBefore)
	}
	if body["next_before"] != "a" {
		t.Fatalf("next_before=%v", body["next_before"])
	}
}

func TestRateLimited(t *testing.T) {
	a := New(newFake(), logx.Nop(), Options{RatePerSec: 0.001, Burst: 2})
	for i := 0; i < 2; i++ {
		if rec, _ := do(t, a, "GET", "/api/v1/rules", ""); rec.Code != 200 {
			t.Fatalf("request %d: status=%d", i, rec.Code)
		}
	}
	rec, body := do(t, a, "GET", "/api/v1/rules", "")
	if rec.Code != http.StatusTooManyRequests || errorCode(body) != CodeRateLimited {
		t.Fatalf("status=%d code=%q", rec.Code, errorCode(body))
	}
	// Health is outside the limited group.
	if rec, _ := do(t, a, "GET", "/healthz", ""); rec.Code != 200 {
		t.Fatalf("healthz status=%d", rec.Code)
	}
}

func TestMetricsRouteAndObserver(t *testing.T) {
	obs := &countingObserver{}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	a := New(newFake(), logx.Nop(), Options{Metrics: metrics, Observer: obs})
	if rec, _ := do(t, a, "GET", "/metrics", ""); rec.Code != 200 {
		t.Fatalf("metrics status=%d", rec.Code)
	}
	do(t, a, "GET", "/api/v1/channels/teams-alerts", "")

	obs.mu.Lock()
	defer obs.mu.Unlock()
	want := "GET /api/v1/channels/{id} 200"
	found := false
	for _, c := range obs.calls {
		if c == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("observer calls=%v, want %q", obs.calls, want)
	}
}
