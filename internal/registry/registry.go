// Package registry holds the configured delivery channels.
//
// The registry is the single source of truth for channel existence. Channels
// live in an immutable snapshot behind an atomic pointer: readers never lock,
// and every change (an enabled toggle or a config reload) publishes a new
// snapshot.
package registry

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"iacnotify/internal/model"
)

type snapshot struct {
	order []string
	byID  map[string]model.Channel
	// declared holds each channel as the config wrote it, before any
	// runtime toggle. Shared read-only between snapshots.
	declared map[string]model.Channel
}

type Registry struct {
	// mu serializes writers; readers only load cur.
	mu  sync.Mutex
	cur atomic.Pointer[snapshot]
}

// New validates channels and builds a registry. IDs must be unique and
// non-empty and types must be known.
func New(channels []model.Channel) (*Registry, error) {
	snap, err := buildSnapshot(channels)
	if err != nil {
		return nil, err
	}
	r := &Registry{}
	r.cur.Store(snap)
	return r, nil
}

func buildSnapshot(channels []model.Channel) (*snapshot, error) {
	snap := &snapshot{
		order:    make([]string, 0, len(channels)),
		byID:     make(map[string]model.Channel, len(channels)),
		declared: make(map[string]model.Channel, len(channels)),
	}
	for i, ch := range channels {
		ch.ID = strings.TrimSpace(ch.ID)
		if ch.ID == "" {
			return nil, fmt.Errorf("channels[%d]: id is required", i)
		}
		if !ch.Type.Valid() {
			return nil, fmt.Errorf("channels[%d] %s: unknown type %q", i, ch.ID, ch.Type)
		}
		if _, dup := snap.byID[ch.ID]; dup {
			return nil, fmt.Errorf("channels[%d]: duplicate id %q", i, ch.ID)
		}
		snap.order = append(snap.order, ch.ID)
		snap.byID[ch.ID] = ch
		snap.declared[ch.ID] = ch
	}
	return snap, nil
}

// List returns every channel, enabled or not, in declaration order.
func (r *Registry) List() []model.Channel {
	snap := r.cur.Load()
	out := make([]model.Channel, 0, len(snap.order))
	for _, id := range snap.order {
		out = append(out, snap.byID[id])
	}
	return out
}

func (r *Registry) Get(id string) (model.Channel, error) {
	ch, ok := r.cur.Load().byID[id]
	if !ok {
		return model.Channel{}, &model.NotFoundError{Kind: "channel", ID: id}
	}
	return ch, nil
}

// Has reports whether id is a known channel.
func (r *Registry) Has(id string) bool {
	_, ok := r.cur.Load().byID[id]
	return ok
}

// SetEnabled toggles a channel and returns its updated state.
func (r *Registry) SetEnabled(id string, enabled bool) (model.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.cur.Load()
	ch, ok := prev.byID[id]
	if !ok {
		return model.Channel{}, &model.NotFoundError{Kind: "channel", ID: id}
	}
	if ch.Enabled == enabled {
		return ch, nil
	}
	ch.Enabled = enabled

	next := &snapshot{
		order:    prev.order,
		byID:     make(map[string]model.Channel, len(prev.byID)),
		declared: prev.declared,
	}
	for k, v := range prev.byID {
		next.byID[k] = v
	}
	next.byID[id] = ch
	r.cur.Store(next)
	return ch, nil
}

// Replace installs a whole new channel set (config reload). On error the
// current snapshot is kept.
//
// A channel whose config entry is identical to the previous one keeps its
// runtime enabled state, so an operator toggle survives reloads that do not
// touch that channel. Any edit to the entry resets it to the file's value.
func (r *Registry) Replace(channels []model.Channel) error {
	snap, err := buildSnapshot(channels)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.cur.Load()
	for id, ch := range snap.declared {
		old, ok := prev.declared[id]
		if !ok || old != ch {
			continue
		}
		live := prev.byID[id]
		ch.Enabled = live.Enabled
		snap.byID[id] = ch
	}
	r.cur.Store(snap)
	return nil
}

// Counts returns (total, enabled).
func (r *Registry) Counts() (int, int) {
	snap := r.cur.Load()
	enabled := 0
	for _, ch := range snap.byID {
		if ch.Enabled {
			enabled++
		}
	}
	return len(snap.byID), enabled
}
