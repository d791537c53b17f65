// Package history keeps the short conversation log that the HTTP voice
// endpoint feeds back to the LLM on every turn.
package history

import (
	"slices"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/provider/llm"
)

// DefaultCapacity is the number of messages kept per session.
const DefaultCapacity = 10

// Store holds a bounded, ordered message log per session id. When a session
// exceeds its capacity the oldest messages are evicted first.
//
// The mutex protects the map, not the logical turn: two concurrent requests
// for the same session may interleave their appends.
//
// All methods are safe for concurrent use.
type Store struct {
	capacity int

	mu       sync.Mutex
	sessions map[string][]llm.Message
}

// New creates a Store. A capacity of zero or less selects [DefaultCapacity].
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		sessions: make(map[string][]llm.Message),
	}
}

// Capacity returns the per-session message limit.
func (s *Store) Capacity() int { return s.capacity }

// Append adds msgs to the session's log and trims it to the capacity.
func (s *Store) Append(sessionID string, msgs ...llm.Message) {
	if len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	log := append(s.sessions[sessionID], msgs...)
	if over := len(log) - s.capacity; over > 0 {
		// Copy into a fresh slice so evicted messages are not pinned by the
		// backing array.
		log = slices.Clone(log[over:])
	}
	s.sessions[sessionID] = log
}

// Messages returns a copy of the session's log, oldest first.
func (s *Store) Messages(sessionID string) []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sessions[sessionID])
}

// Len returns the number of messages held for the session.
func (s *Store) Len(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions[sessionID])
}

// Reset forgets the session.
func (s *Store) Reset(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// Sessions returns the number of sessions with a non-empty log.
func (s *Store) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
