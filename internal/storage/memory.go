package storage

import (
	"context"
	"sync"
	"time"

	"iacnotify/internal/model"
)

// memoryStore keeps records in append order. It is also the in-memory index
// behind the file driver.
type memoryStore struct {
	mu     sync.RWMutex
	recs   []model.Record
	byID   map[string]int // event id -> append sequence
	seqs   []int          // parallel to recs
	next   int
	closed bool
}

func NewMemory() Store { return newMemory() }

func newMemory() *memoryStore {
	return &memoryStore{byID: map[string]int{}}
}

func (m *memoryStore) Append(_ context.Context, rec model.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.appendLocked(rec)
	return nil
}

func (m *memoryStore) appendLocked(rec model.Record) {
	rec = rec.Clone()
	if _, dup := m.byID[rec.Event.ID]; dup {
		m.removeLocked(func(r model.Record) bool { return r.Event.ID == rec.Event.ID })
	}
	m.next++
	m.recs = append(m.recs, rec)
	m.seqs = append(m.seqs, m.next)
	m.byID[rec.Event.ID] = m.next
}

func (m *memoryStore) List(_ context.Context, limit int, before string) ([]model.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	end := len(m.recs)
	if before != "" {
		seq, ok := m.byID[before]
		if !ok {
			return []model.Record{}, nil
		}
		end = m.indexOfLocked(seq)
	}
	if limit <= 0 || limit > end {
		limit = end
	}
	out := make([]model.Record, 0, limit)
	for i := end - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.recs[i].Clone())
	}
	return out, nil
}

func (m *memoryStore) indexOfLocked(seq int) int {
	// seqs is sorted ascending.
	lo, hi := 0, len(m.seqs)
	for lo < hi {
		mid := (lo + hi) / 2
		if m.seqs[mid] < seq {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (m *memoryStore) Get(_ context.Context, eventID string) (model.Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return model.Record{}, false, ErrClosed
	}
	seq, ok := m.byID[eventID]
	if !ok {
		return model.Record{}, false, nil
	}
	return m.recs[m.indexOfLocked(seq)].Clone(), true, nil
}

func (m *memoryStore) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return len(m.recs), nil
}

func (m *memoryStore) TrimOldest(_ context.Context, keep int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return m.trimLocked(keep), nil
}

func (m *memoryStore) trimLocked(keep int) int {
	if keep < 0 {
		keep = 0
	}
	n := len(m.recs) - keep
	if n <= 0 {
		return 0
	}
	for _, r := range m.recs[:n] {
		delete(m.byID, r.Event.ID)
	}
	// Copy down so the dropped prefix can be collected.
	m.recs = append(m.recs[:0:0], m.recs[n:]...)
	m.seqs = append(m.seqs[:0:0], m.seqs[n:]...)
	return n
}

func (m *memoryStore) DeleteBefore(_ context.Context, t time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return m.removeLocked(func(r model.Record) bool { return r.Event.Timestamp.Before(t) }), nil
}

func (m *memoryStore) removeLocked(drop func(model.Record) bool) int {
	recs := m.recs[:0]
	seqs := m.seqs[:0]
	n := 0
	for i, r := range m.recs {
		if drop(r) {
			delete(m.byID, r.Event.ID)
			n++
			continue
		}
		recs = append(recs, r)
		seqs = append(seqs, m.seqs[i])
	}
	clear(m.recs[len(recs):])
	m.recs = recs
	m.seqs = seqs
	return n
}

func (m *memoryStore) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// snapshotLocked returns the live records oldest first.
func (m *memoryStore) snapshotLocked() []model.Record {
	return m.recs
}
