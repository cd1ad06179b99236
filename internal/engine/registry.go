package engine

import (
	"errors"
	"sync"

	"github.com/fathom-run/fathom/internal/model"
)

// ErrAlreadyExists is returned when registering an execution id that is
// already live.
var ErrAlreadyExists = errors.New("execution already registered")

// ErrUnknownExecution is returned when looking up an id with no live session.
var ErrUnknownExecution = errors.New("unknown execution")

// Registry is the concurrency-safe map from execution id to its live session.
// Insert, lookup, and evict are the only operations that cross task
// boundaries; all session state mutation happens through the session itself.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register adds a session under its id. Fails with ErrAlreadyExists if the id
// is already live.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return ErrAlreadyExists
	}
	r.sessions[s.ID] = s
	return nil
}

// Lookup returns the live session for id, or ErrUnknownExecution.
func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrUnknownExecution
	}
	return s, nil
}

// Evict removes the session for id, if present.
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Load snapshots how many sessions are running versus still pending. This is
// a read-only count used by the pong load report.
func (r *Registry) Load() (active, pending int) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		switch s.Status() {
		case model.StatusRunning:
			active++
		case model.StatusPending:
			pending++
		}
	}
	return active, pending
}

// Drain removes and returns every live session. Used when a connection is
// lost and all of its executions must be abandoned.
func (r *Registry) Drain() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	drained := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		drained = append(drained, s)
		delete(r.sessions, id)
	}
	return drained
}
