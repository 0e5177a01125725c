package model

import "time"

// Event is an accepted, immutable notification event.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Severity  Severity          `json:"severity"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Resource  string            `json:"resource,omitempty"`
	Source    string            `json:"source,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// DeliveryStatus is the result of one channel's delivery for one event.
type DeliveryStatus string

const (
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
	StatusSkipped   DeliveryStatus = "skipped"
)

// Outcome records how delivery to a single channel went.
//
// Error is set iff Status is StatusFailed.
type Outcome struct {
	ChannelID   string         `json:"channel_id"`
	Status      DeliveryStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
	Attempts    int            `json:"attempts"`
	AttemptedAt time.Time      `json:"attempted_at"`
}

// Record pairs an event with the full set of its delivery outcomes.
type Record struct {
	Event    Event     `json:"event"`
	Outcomes []Outcome `json:"outcomes"`
}

// Clone returns a deep copy so callers can't mutate stored records.
func (r Record) Clone() Record {
	out := r
	if r.Event.Metadata != nil {
		out.Event.Metadata = make(map[string]string, len(r.Event.Metadata))
		for k, v := range r.Event.Metadata {
			out.Event.Metadata[k] = v
		}
	}
	out.Outcomes = append([]Outcome(nil), r.Outcomes...)
	if out.Outcomes == nil {
		out.Outcomes = []Outcome{}
	}
	return out
}

// Count returns how many outcomes have the given status.
func (r Record) Count(status DeliveryStatus) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}
