package delivery

import (
	"encoding/json"
	"strings"
	"text/template"
	"time"

	"iacnotify/internal/model"
)

var (
	renderFuncs = template.FuncMap{
		"upper":  func(s model.Severity) string { return strings.ToUpper(string(s)) },
		"marker": severityMarker,
	}

	subjectTmpl = template.Must(template.New("subject").Funcs(renderFuncs).Parse(
		`[{{upper .Severity}}] {{.Type}}: {{.Title}}`))

	chatTmpl = template.Must(template.New("chat").Funcs(renderFuncs).Parse(`{{marker .Severity}} [{{upper .Severity}}] {{.Type}}: {{.Title}}
{{- if .Resource}}
Resource: {{.Resource}}{{end}}
{{- if .Message}}

{{.Message}}{{end}}`))

	emailTmpl = template.Must(template.New("email").Parse(`{{.Title}}

Type:     {{.Type}}
Severity: {{.Severity}}
{{- if .Resource}}
Resource: {{.Resource}}{{end}}
{{- if .Source}}
Source:   {{.Source}}{{end}}
Time:     {{.Time}}
Event ID: {{.ID}}
{{- if .Message}}

{{.Message}}{{end}}
{{- if .Metadata}}

Metadata:
{{- range $k, $v := .Metadata}}
  {{$k}}: {{$v}}{{end}}{{end}}
`))
)

type renderView struct {
	model.Event
	Time string
}

func view(ev model.Event) renderView {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return renderView{Event: ev, Time: ts.UTC().Format(time.RFC3339)}
}

func severityMarker(s model.Severity) string {
	switch s {
	case model.SeverityCritical:
		return "🚨"
	case model.SeverityError:
		return "❌"
	case model.SeverityWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

func execute(t *template.Template, ev model.Event) string {
	var b strings.Builder
	if err := t.Execute(&b, view(ev)); err != nil {
		// Templates are static; fall back to the bare title.
		return ev.Title
	}
	return b.String()
}

// RenderSubject returns "[SEVERITY] type: title".
func RenderSubject(ev model.Event) string {
	return strings.TrimSpace(execute(subjectTmpl, ev))
}

// RenderChat returns the chat message text.
func RenderChat(ev model.Event) string { return execute(chatTmpl, ev) }

// RenderEmail returns the subject and plain text body.
func RenderEmail(ev model.Event) (string, string) {
	return RenderSubject(ev), execute(emailTmpl, ev)
}

// WebhookPayload is the JSON body posted to webhook channels.
type WebhookPayload struct {
	ID        string            `json:"id"`
	Type      model.EventType   `json:"type"`
	Severity  model.Severity    `json:"severity"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Resource  string            `json:"resource,omitempty"`
	Source    string            `json:"source,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	ChannelID string            `json:"channel_id"`
}

// RenderWebhook encodes the webhook body for ev as delivered to channelID.
func RenderWebhook(ev model.Event, channelID string) ([]byte, error) {
	return json.Marshal(WebhookPayload{
		ID:        ev.ID,
		Type:      ev.Type,
		Severity:  ev.Severity,
		Title:     ev.Title,
		Message:   ev.Message,
		Resource:  ev.Resource,
		Source:    ev.Source,
		Metadata:  ev.Metadata,
		Timestamp: ev.Timestamp,
		ChannelID: channelID,
	})
}
