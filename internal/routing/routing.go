// Package routing maps (event type, severity) pairs to channel IDs.
//
// A Ruleset is immutable once built. Every matching rule contributes its
// channels (rules are additive, not first-match-wins); the union keeps the
// first-seen order across rules in declaration order, which is also their
// priority.
package routing

import (
	"fmt"
	"strings"

	"iacnotify/internal/model"
)

type Ruleset struct {
	rules []model.RoutingRule
	byID  map[string]int
}

// NewRuleset validates and freezes rules. Rules without an ID get
// "rule-<n>" (1-based declaration index).
func NewRuleset(rules []model.RoutingRule) (*Ruleset, error) {
	rs := &Ruleset{
		rules: make([]model.RoutingRule, 0, len(rules)),
		byID:  make(map[string]int, len(rules)),
	}
	for i, r := range rules {
		r = r.Clone()
		r.ID = strings.TrimSpace(r.ID)
		if r.ID == "" {
			r.ID = fmt.Sprintf("rule-%d", i+1)
		}
		if _, dup := rs.byID[r.ID]; dup {
			return nil, fmt.Errorf("rules[%d]: duplicate id %q", i, r.ID)
		}
		if r.MatchType == "" {
			r.MatchType = model.WildcardType
		}
		if r.MatchType != model.WildcardType && !r.MatchType.Valid() {
			return nil, fmt.Errorf("rules[%d] %s: unknown event type %q", i, r.ID, r.MatchType)
		}
		if r.MatchSeverity == "" {
			r.MatchSeverity = model.SeverityAll
		}
		if r.MatchSeverity != model.SeverityAll && !r.MatchSeverity.Valid() {
			return nil, fmt.Errorf("rules[%d] %s: unknown severity %q", i, r.ID, r.MatchSeverity)
		}
		for j, id := range r.ChannelIDs {
			if strings.TrimSpace(id) == "" {
				return nil, fmt.Errorf("rules[%d] %s: channel_ids[%d] is empty", i, r.ID, j)
			}
		}
		rs.byID[r.ID] = len(rs.rules)
		rs.rules = append(rs.rules, r)
	}
	return rs, nil
}

// Match returns the deduplicated channel IDs that must receive an event of
// type t with severity sev. The result is never nil.
func (rs *Ruleset) Match(t model.EventType, sev model.Severity) []string {
	out := []string{}
	if rs == nil {
		return out
	}
	seen := map[string]struct{}{}
	for _, r := range rs.rules {
		if !r.Matches(t, sev) {
			continue
		}
		for _, id := range r.ChannelIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// Rules returns a copy of the rules in priority order.
func (rs *Ruleset) Rules() []model.RoutingRule {
	if rs == nil {
		return []model.RoutingRule{}
	}
	out := make([]model.RoutingRule, 0, len(rs.rules))
	for _, r := range rs.rules {
		out = append(out, r.Clone())
	}
	return out
}

func (rs *Ruleset) Rule(id string) (model.RoutingRule, error) {
	if rs != nil {
		if i, ok := rs.byID[id]; ok {
			return rs.rules[i].Clone(), nil
		}
	}
	return model.RoutingRule{}, &model.NotFoundError{Kind: "rule", ID: id}
}

// Referenced returns every channel ID any rule points at, first-seen order.
func (rs *Ruleset) Referenced() []string {
	out := []string{}
	if rs == nil {
		return out
	}
	seen := map[string]struct{}{}
	for _, r := range rs.rules {
		for _, id := range r.ChannelIDs {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out
}

func (rs *Ruleset) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}
