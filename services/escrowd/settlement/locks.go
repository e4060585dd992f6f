package settlement

import (
	"sync"

	"github.com/google/uuid"
)

// lockSet hands out one mutex per contract id. Entries are reference counted
// and dropped once no caller holds or waits on them.
type lockSet struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newLockSet() *lockSet {
	return &lockSet{locks: make(map[uuid.UUID]*refLock)}
}

// Lock blocks until the contract lock is held and returns its release func.
func (s *lockSet) Lock(id uuid.UUID) func() {
	s.mu.Lock()
	entry, ok := s.locks[id]
	if !ok {
		entry = &refLock{}
		s.locks[id] = entry
	}
	entry.refs++
	s.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		s.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

func (s *lockSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
