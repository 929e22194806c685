package sync

import (
	"sync"
	"time"
)

// suppressToken holds the single clipboard item the engine most recently
// wrote from a remote update. When the monitor reports that same item, it
// is the engine's own write echoing back, not a user copy, and must not be
// broadcast again. The token clears itself after a short window so a stale
// entry can never swallow a real copy of the same text later.
type suppressToken struct {
	mu    sync.Mutex
	value string
	gen   uint64
	timer *time.Timer
}

// Set arms the token. Any previous value is replaced.
func (s *suppressToken) Set(value string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	gen := s.gen
	s.value = value

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(ttl, func() {
		s.mu.Lock()
		if s.gen == gen {
			s.value = ""
		}
		s.mu.Unlock()
	})
}

// Match reports whether any candidate equals the armed value and clears
// the token when it does, so one write suppresses exactly one poll event.
func (s *suppressToken) Match(candidates ...string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.value == "" {
		return false
	}
	for _, c := range candidates {
		if c == s.value {
			s.value = ""
			s.gen++
			if s.timer != nil {
				s.timer.Stop()
			}
			return true
		}
	}
	return false
}

// Clear disarms the token.
func (s *suppressToken) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.value = ""
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
	}
}
