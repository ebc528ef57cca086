package runner

import "sync"

// Registry tracks live sessions by job ID.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: map[string]*Session{}}
}

// Get returns the session for jobID, if any.
func (r *Registry) Get(jobID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[jobID]
	return s, ok
}

// Put registers a session, replacing any finished predecessor.
func (r *Registry) Put(jobID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[jobID] = s
}

// Remove drops a session from the registry.
func (r *Registry) Remove(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, jobID)
}
