package session

import (
	"sort"
	"sync"

	"github.com/audiolux/lumen/core"
)

// Store persists session pattern state between joins. A manager loads the
// last saved state when a session is joined and saves it back when the
// session is left, so a pattern survives the participant that authored it.
type Store interface {
	// Load returns the saved state and version for a session, or ok=false
	// when the session has never been saved.
	Load(id core.SessionID) (state *PatternState, version uint64, ok bool)

	// Save stores a session's state and version, replacing any earlier
	// save.
	Save(id core.SessionID, state *PatternState, version uint64) error
}

type storedSession struct {
	state   *PatternState
	version uint64
}

// InMemoryStore is a volatile Store keeping pattern states in a process
// local map. It is safe for concurrent access and best suited for tests or
// single process jams. Each returned state is cloned to prevent external
// mutation of internal copies.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]storedSession
}

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[core.SessionID]storedSession)}
}

// Load returns a clone of the saved state for the session.
func (s *InMemoryStore) Load(id core.SessionID) (*PatternState, uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	saved, ok := s.sessions[id]
	if !ok {
		return nil, 0, false
	}
	return saved.state.Clone(), saved.version, true
}

// Save stores a clone of the provided state.
func (s *InMemoryStore) Save(id core.SessionID, state *PatternState, version uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[id] = storedSession{state: state.Clone(), version: version}
	return nil
}

// Sessions returns the IDs of every saved session, sorted.
func (s *InMemoryStore) Sessions() []core.SessionID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]core.SessionID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
