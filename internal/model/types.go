package model

import (
	"fmt"
	"strings"
)

// EventType is the closed set of lifecycle events the service routes.
type EventType string

const (
	EventDeployment EventType = "deployment"
	EventDrift      EventType = "drift"
	EventPolicy     EventType = "policy"
	EventSecurity   EventType = "security"
	EventCost       EventType = "cost"
)

// WildcardType matches any event type in a routing rule.
const WildcardType EventType = "*"

// EventTypes returns all known event types in a stable order.
func EventTypes() []EventType {
	return []EventType{EventDeployment, EventDrift, EventPolicy, EventSecurity, EventCost}
}

func (t EventType) Valid() bool {
	switch t {
	case EventDeployment, EventDrift, EventPolicy, EventSecurity, EventCost:
		return true
	default:
		return false
	}
}

func ParseEventType(s string) (EventType, error) {
	t := EventType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown event type %q", s)
	}
	return t, nil
}

// Severity orders how urgent an event is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// SeverityAll matches any severity in a routing rule.
const SeverityAll Severity = "all"

func Severities() []Severity {
	return []Severity{SeverityInfo, SeverityWarning, SeverityError, SeverityCritical}
}

func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// Rank returns 1..4 for known severities and 0 otherwise.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityError:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

func ParseSeverity(s string) (Severity, error) {
	v := Severity(strings.ToLower(strings.TrimSpace(s)))
	if v == "warn" {
		v = SeverityWarning
	}
	if !v.Valid() {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return v, nil
}

// SeverityTable maps each event type to the severity used when a submission
// omits one.
type SeverityTable map[EventType]Severity

// DefaultSeverities returns the built-in defaulting table.
func DefaultSeverities() SeverityTable {
	return SeverityTable{
		EventDeployment: SeverityInfo,
		EventDrift:      SeverityWarning,
		EventPolicy:     SeverityError,
		EventSecurity:   SeverityCritical,
		EventCost:       SeverityWarning,
	}
}

// For returns the default severity for t, falling back to the built-in table
// and finally to info.
func (st SeverityTable) For(t EventType) Severity {
	if sev, ok := st[t]; ok && sev.Valid() {
		return sev
	}
	if sev, ok := DefaultSeverities()[t]; ok {
		return sev
	}
	return SeverityInfo
}

// Clone returns a copy that is safe to hand out.
func (st SeverityTable) Clone() SeverityTable {
	out := make(SeverityTable, len(st))
	for k, v := range st {
		out[k] = v
	}
	return out
}

// ChannelType is the closed set of delivery mechanisms.
type ChannelType string

const (
	ChannelChat    ChannelType = "chat"
	ChannelEmail   ChannelType = "email"
	ChannelWebhook ChannelType = "webhook"
)

func (t ChannelType) Valid() bool {
	switch t {
	case ChannelChat, ChannelEmail, ChannelWebhook:
		return true
	default:
		return false
	}
}

func ParseChannelType(s string) (ChannelType, error) {
	t := ChannelType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown channel type %q", s)
	}
	return t, nil
}

// Channel is a configured delivery destination.
type Channel struct {
	ID          string      `json:"id"`
	Type        ChannelType `json:"type"`
	Destination string      `json:"destination"`
	Enabled     bool        `json:"enabled"`
	Description string      `json:"description,omitempty"`
}

// RoutingRule maps (event type, severity) to an ordered list of channels.
type RoutingRule struct {
	ID            string    `json:"id"`
	MatchType     EventType `json:"match_type"`
	MatchSeverity Severity  `json:"match_severity"`
	ChannelIDs    []string  `json:"channel_ids"`
}

// Matches reports whether the rule applies to an event of the given type and
// severity.
func (r RoutingRule) Matches(t EventType, sev Severity) bool {
	if r.MatchType != WildcardType && r.MatchType != t {
		return false
	}
	return r.MatchSeverity == SeverityAll || r.MatchSeverity == sev
}

// Clone returns a deep copy.
func (r RoutingRule) Clone() RoutingRule {
	r.ChannelIDs = append([]string(nil), r.ChannelIDs...)
	return r
}
