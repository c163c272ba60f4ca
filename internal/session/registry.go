package session

import (
	"sync"

	"github.com/google/uuid"

	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/metrics"
)

// Store is the process-wide map from user identity to Session. It is the only
// structure mutated across logically-different users, so get-or-create must be
// atomic: check-then-act would allow duplicate sessions on near-simultaneous
// connects for one identity. The interface exists so a future multi-instance
// deployment can swap in a distributed backing store without touching callers.
type Store interface {
	// GetOrCreate returns the existing session for userID, or atomically
	// installs the one produced by create. The second return reports whether
	// the session already existed.
	GetOrCreate(userID string, create func() *Session) (*Session, bool)
	Lookup(userID string) (*Session, bool)
	LookupByID(id uuid.UUID) (*Session, bool)
	// Remove deletes s only if it is still the registered instance for its
	// user, guarding against removing a successor session.
	Remove(s *Session)
	All() []*Session
	Len() int
}

// Registry is the in-memory Store implementation.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]*Session
	byID   map[uuid.UUID]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]*Session),
		byID:   make(map[uuid.UUID]*Session),
	}
}

var _ Store = (*Registry)(nil)

func (r *Registry) GetOrCreate(userID string, create func() *Session) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byUser[userID]; ok {
		return existing, true
	}

	s := create()
	r.byUser[userID] = s
	r.byID[s.ID] = s
	metrics.SessionsActive.Set(float64(len(r.byUser)))
	return s, false
}

func (r *Registry) Lookup(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byUser[userID]
	return s, ok
}

func (r *Registry) LookupByID(id uuid.UUID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.byUser[s.UserID]; ok && current == s {
		delete(r.byUser, s.UserID)
	}
	delete(r.byID, s.ID)
	metrics.SessionsActive.Set(float64(len(r.byUser)))
}

func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make([]*Session, 0, len(r.byUser))
	for _, s := range r.byUser {
		sessions = append(sessions, s)
	}
	return sessions
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
