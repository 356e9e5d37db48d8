package transport

import (
	"sync"
	"time"
)

// Registry owns every live session of a server, keyed by session id.
// Sessions enter on accept and leave on disconnect or inactivity sweep.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers s and returns a function that removes it again. Removal is
// idempotent and never removes a newer session registered under the same id.
func (r *Registry) Add(s *Session) (remove func()) {
	r.mu.Lock()
	old := r.sessions[s.ID]
	r.sessions[s.ID] = s
	r.mu.Unlock()

	if old != nil {
		old.Close("replaced")
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.sessions[s.ID] == s {
				delete(r.sessions, s.ID)
			}
			r.mu.Unlock()
		})
	}
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep closes and removes sessions idle past their inactivity timeout. It
// returns how many were closed.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	var idle []*Session
	for id, s := range r.sessions {
		if s.Expired(now) {
			idle = append(idle, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		s.Close("inactivity timeout")
	}
	return len(idle)
}

// CloseAll closes every session, used on shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.Close(reason)
	}
}
