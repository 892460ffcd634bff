package conversation

import (
	"sync"
	"time"
)

// Store is the bounded message log of a single user. Turns are kept
// newest-first; the capacity is fixed at creation.
type Store struct {
	mu           sync.Mutex
	turns        []Turn // newest first
	capacity     int
	lastActivity time.Time
	detached     bool // set once the owning cache entry has been removed
}

func newStore(capacity int, now time.Time) *Store {
	return &Store{
		turns:        make([]Turn, 0, capacity+1),
		capacity:     capacity,
		lastActivity: now,
	}
}

// add inserts t at the head and drops the oldest turn when the store grows
// past capacity. It returns the change in the number of stored turns and
// false if the store was detached and nothing was written.
func (s *Store) add(t Turn) (delta int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.detached {
		return 0, false
	}

	s.turns = append(s.turns, Turn{})
	copy(s.turns[1:], s.turns)
	s.turns[0] = t
	s.lastActivity = t.CreatedAt

	if len(s.turns) > s.capacity {
		s.turns[len(s.turns)-1] = Turn{}
		s.turns = s.turns[:s.capacity]
		return 0, true
	}
	return 1, true
}

// snapshot returns a copy of the turns, oldest first.
func (s *Store) snapshot() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reversedLocked()
}

// detach marks the store as removed from the cache and returns its final
// content, oldest first. Later writes are rejected.
func (s *Store) detach() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = true
	return s.reversedLocked()
}

func (s *Store) reversedLocked() []Turn {
	result := make([]Turn, len(s.turns))
	for i, t := range s.turns {
		result[len(s.turns)-1-i] = t
	}
	return result
}

// Len returns the number of stored turns.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// LastActivity returns the creation time of the newest turn, or the store
// creation time when it is empty.
func (s *Store) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}
