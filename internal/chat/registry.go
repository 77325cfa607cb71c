package chat

import (
	"log/slog"
	"sync"
)

// Registry is the ordered set of registered sessions. The session at index
// 0 is the super-user: the only one whose kill and kick requests are honored.
//
// Every method takes the registry lock. Use Do when several lookups and a
// broadcast must happen without the set changing in between.
type Registry struct {
	mu       sync.Mutex
	sessions []*Session
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// View exposes the registry contents while the lock is held by Do.
// It must not escape the callback.
type View struct {
	r *Registry
}

func (v View) Search(name string) *Session { return v.r.search(name) }
func (v View) IndexOf(s *Session) int     { return v.r.indexOf(s) }
func (v View) Len() int                   { return len(v.r.sessions) }

// ForEach calls f for every session in registration order.
func (v View) ForEach(f func(*Session)) {
	for _, s := range v.r.sessions {
		f(s)
	}
}

// Do runs f with the registry locked. f must not call Registry methods.
func (r *Registry) Do(f func(View)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f(View{r})
}

// Add appends s unless a session with the same name is registered.
func (r *Registry) Add(s *Session) error {
	if s == nil || s.Name() == "" {
		return ErrNameInvalid
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.search(s.Name()) != nil {
		return ErrNameTaken
	}
	r.sessions = append(r.sessions, s)
	ConnectedClients.Set(float64(len(r.sessions)))
	r.logger.Info("client registered", "client", s.Name(), "clients", len(r.sessions))
	return nil
}

// Remove drops s by identity. It reports whether s was registered.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOf(s)
	if i < 0 {
		return false
	}
	r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
	ConnectedClients.Set(float64(len(r.sessions)))
	r.logger.Info("client removed", "client", s.Name(), "clients", len(r.sessions))
	return true
}

func (r *Registry) Search(name string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.search(name)
}

// IndexOf returns the position of s, or -1.
func (r *Registry) IndexOf(s *Session) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.indexOf(s)
}

// ForEach calls f for every session while holding the lock. f must not
// call Registry methods.
func (r *Registry) ForEach(f func(*Session)) {
	r.Do(func(v View) { v.ForEach(f) })
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Names lists registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.sessions))
	for _, s := range r.sessions {
		names = append(names, s.Name())
	}
	return names
}

func (r *Registry) search(name string) *Session {
	for _, s := range r.sessions {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

func (r *Registry) indexOf(s *Session) int {
	for i, c := range r.sessions {
		if c == s {
			return i
		}
	}
	return -1
}
