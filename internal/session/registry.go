package session

import (
	"sort"
	"sync"

	"github.com/skypro1111/lan-collab-server/internal/protocol"
)

// Registry holds the live control sessions
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Add registers a session
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// Remove deletes a session and reports whether it was present
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

// Get looks up a session by id
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	return s, ok
}

// Count returns the number of live sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the current sessions ordered by connect time
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Broadcast sends msg to every live session. The registry lock is held only
// while taking the snapshot. A failed send is counted and skipped; the session
// is not removed. It returns the number of successful and failed deliveries.
func (r *Registry) Broadcast(msg protocol.Message) (sent, failed int, err error) {
	data, err := protocol.Encode(msg)
	if err != nil {
		return 0, 0, err
	}

	for _, s := range r.Snapshot() {
		if err := s.sendRaw(data); err != nil {
			failed++
			continue
		}
		sent++
	}
	return sent, failed, nil
}

// CloseAll closes every session's connection, leaving removal to the owners
func (r *Registry) CloseAll() {
	for _, s := range r.Snapshot() {
		s.Close()
	}
}
