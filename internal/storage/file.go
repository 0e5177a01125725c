package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"iacnotify/internal/model"
	logx "iacnotify/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// All records live in memory; <path> is an append-only JSON Lines journal of
// operations (put, trim, delete_before) replayed on open. When the journal
// grows well past the live record count it is compacted into a fresh journal
// holding only puts.
type fileStore struct {
	log logx.Logger

	mu      sync.Mutex
	mem     *memoryStore
	path    string
	journal *os.File
	lines   int
}

type journalEntry struct {
	Op     string        `json:"op"`
	Record *model.Record `json:"record,omitempty"`
	Keep   int           `json:"keep,omitempty"`
	Before *time.Time    `json:"before,omitempty"`
}

const (
	opPut          = "put"
	opTrim         = "trim"
	opDeleteBefore = "delete_before"

	minCompactLines = 256
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	mem := newMemory()
	lines, err := replayJournal(path, mem)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s := &fileStore{log: log, mem: mem, path: path, journal: jf, lines: lines}
	if s.needsCompactLocked() {
		if err := s.compactLocked(); err != nil {
			log.Warn("history journal compact failed", logx.Err(err))
		}
	}
	return s, nil
}

func replayJournal(path string, mem *memoryStore) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lines := 0
	for sc.Scan() {
		var e journalEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			// Torn tail write; skip it.
			continue
		}
		lines++
		switch e.Op {
		case opPut:
			if e.Record != nil && e.Record.Event.ID != "" {
				mem.appendLocked(*e.Record)
			}
		case opTrim:
			mem.trimLocked(e.Keep)
		case opDeleteBefore:
			if e.Before != nil {
				t := *e.Before
				mem.removeLocked(func(r model.Record) bool { return r.Event.Timestamp.Before(t) })
			}
		}
	}
	return lines, sc.Err()
}

func (s *fileStore) writeLocked(e journalEntry) error {
	if s.journal == nil {
		return ErrClosed
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := s.journal.Write(b); err != nil {
		return err
	}
	s.lines++
	return nil
}

func (s *fileStore) Append(ctx context.Context, rec model.Record) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	rec = rec.Clone()
	if err := s.writeLocked(journalEntry{Op: opPut, Record: &rec}); err != nil {
		return err
	}
	s.mem.mu.Lock()
	s.mem.appendLocked(rec)
	s.mem.mu.Unlock()
	return nil
}

func (s *fileStore) List(ctx context.Context, limit int, before string) ([]model.Record, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	return s.mem.List(ctx, limit, before)
}

func (s *fileStore) Get(ctx context.Context, eventID string) (model.Record, bool, error) {
	if err := s.open(); err != nil {
		return model.Record{}, false, err
	}
	return s.mem.Get(ctx, eventID)
}

func (s *fileStore) Count(ctx context.Context) (int, error) {
	if err := s.open(); err != nil {
		return 0, err
	}
	return s.mem.Count(ctx)
}

func (s *fileStore) TrimOldest(ctx context.Context, keep int) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem.mu.Lock()
	over := len(s.mem.recs) > keep
	s.mem.mu.Unlock()
	if !over {
		return 0, nil
	}
	if err := s.writeLocked(journalEntry{Op: opTrim, Keep: keep}); err != nil {
		return 0, err
	}
	s.mem.mu.Lock()
	n := s.mem.trimLocked(keep)
	s.mem.mu.Unlock()
	s.maybeCompactLocked()
	return n, nil
}

func (s *fileStore) DeleteBefore(ctx context.Context, t time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeLocked(journalEntry{Op: opDeleteBefore, Before: &t}); err != nil {
		return 0, err
	}
	s.mem.mu.Lock()
	n := s.mem.removeLocked(func(r model.Record) bool { return r.Event.Timestamp.Before(t) })
	s.mem.mu.Unlock()
	s.maybeCompactLocked()
	return n, nil
}

func (s *fileStore) Ping(context.Context) error { return s.open() }

func (s *fileStore) open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	_ = s.mem.Close()
	return err
}

func (s *fileStore) needsCompactLocked() bool {
	s.mem.mu.RLock()
	live := len(s.mem.recs)
	s.mem.mu.RUnlock()
	return s.lines > minCompactLines && s.lines > 2*live
}

func (s *fileStore) maybeCompactLocked() {
	if !s.needsCompactLocked() {
		return
	}
	if err := s.compactLocked(); err != nil {
		// Best effort: the journal is still valid, just longer.
		s.log.Warn("history journal compact failed", logx.Err(err))
	}
}

// compactLocked rewrites the journal with one put per live record.
func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)

	s.mem.mu.RLock()
	recs := s.mem.snapshotLocked()
	lines := 0
	for i := range recs {
		if err = enc.Encode(journalEntry{Op: opPut, Record: &recs[i]}); err != nil {
			break
		}
		lines++
	}
	s.mem.mu.RUnlock()

	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}

	jf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if s.journal != nil {
		_ = s.journal.Close()
	}
	s.journal = jf
	s.lines = lines
	s.log.Debug("history journal compacted", logx.Int("records", lines))
	return nil
}
