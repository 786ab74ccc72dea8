package chat

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Registry keeps one Controller per session. All sessions share the same slot and backends
type Registry struct {
	deps Deps
	opts Options

	mu       sync.Mutex
	sessions map[string]*Controller
}

func NewRegistry(deps Deps, opts Options) *Registry {
	return &Registry{
		deps:     deps,
		opts:     opts,
		sessions: map[string]*Controller{},
	}
}

// Get returns the controller for id, creating it if needed. Getting a controller counts as activity for Sweep
func (r *Registry) Get(id string) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.sessions[id]; ok {
		c.touch()
		return c
	}
	c := NewController(id, r.deps, r.opts)
	r.sessions[id] = c
	return c
}

// Submit runs a turn on the session's controller. If a sweep retires the controller between lookup and submission,
// the turn runs on the controller that replaces it
func (r *Registry) Submit(ctx context.Context, id string, req TurnRequest) (TurnResult, error) {
	for {
		result, err := r.Get(id).Submit(ctx, req)
		if !errors.Is(err, ErrSessionRetired) {
			return result, err
		}
	}
}

// Abandon abandons the in-flight turn of a session, if there is one
func (r *Registry) Abandon(id string) {
	if c, ok := r.Lookup(id); ok {
		c.Abandon()
	}
}

// Lookup returns the controller for id without creating one
func (r *Registry) Lookup(id string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sessions[id]
	return c, ok
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep drops sessions that have been idle for longer than maxIdle and returns how many were dropped. Sessions with a
// turn in flight are never dropped, and a dropped controller refuses any turn submitted to it afterwards
func (r *Registry) Sweep(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	var dropped int
	for id, c := range r.sessions {
		if c.retire(cutoff) {
			delete(r.sessions, id)
			dropped++
		}
	}
	if dropped > 0 {
		r.deps.Logger.Debug().Int("dropped", dropped).Int("remaining", len(r.sessions)).Msg("swept idle sessions")
	}
	return dropped
}
