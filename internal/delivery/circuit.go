package delivery

import (
	"sync"
	"time"
)

// circuitState tracks consecutive failures for a single channel.
//
// On success it resets. On failure it counts, and once failures >= trip the
// circuit opens for an exponentially increasing cooldown.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

func (s *circuitStore) getLocked(id string) *circuitState {
	if s.m == nil {
		s.m = make(map[string]*circuitState)
	}
	st := s.m[id]
	if st == nil {
		st = &circuitState{}
		s.m[id] = st
	}
	return st
}

func (s *circuitStore) isOpen(now time.Time, id string, cfg Config) (bool, time.Time) {
	if cfg.CircuitTripFailures < 0 {
		return false, time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getLocked(id)
	resetIfStale(now, st, cfg)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (s *circuitStore) record(now time.Time, id string, cfg Config, err error) {
	if cfg.CircuitTripFailures < 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getLocked(id)
	resetIfStale(now, st, cfg)

	if err == nil {
		*st = circuitState{}
		return
	}
	st.fails++
	st.lastFailure = now
	if st.fails < cfg.CircuitTripFailures {
		return
	}

	d := cfg.CircuitBaseDelay
	for i := 0; i < st.fails-cfg.CircuitTripFailures; i++ {
		d *= 2
		if d >= cfg.CircuitMaxDelay {
			d = cfg.CircuitMaxDelay
			break
		}
	}
	if d > cfg.CircuitMaxDelay {
		d = cfg.CircuitMaxDelay
	}
	st.openUntil = now.Add(d)
}

// reset forgets a channel's failure history (e.g. after an operator test
// delivery succeeds or the channel is re-enabled).
func (s *circuitStore) reset(id string) {
	s.mu.Lock()
	delete(s.m, id)
	s.mu.Unlock()
}

func (s *circuitStore) openCount(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.m {
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			n++
		}
	}
	return n
}

func resetIfStale(now time.Time, st *circuitState, cfg Config) {
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > cfg.CircuitResetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}
