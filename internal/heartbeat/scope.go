package heartbeat

import (
	"sync"
	"time"
)

// Scope is a cancellable timeout: fire runs callback once after
// duration unless Cancel is called first. Scopes compose — a Group
// cancels every scope it holds in one call, used when a state
// transition needs to retire a whole family of pending timeouts (e.g.
// entering ending cancels every outstanding response-wait) without
// firing any of their callbacks.
type Scope struct {
	timer     *time.Timer
	mu        sync.Mutex
	cancelled bool
}

// After starts a Scope that calls fn after d unless Cancel runs first.
func After(d time.Duration, fn func()) *Scope {
	s := &Scope{}
	s.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		cancelled := s.cancelled
		s.mu.Unlock()
		if !cancelled {
			fn()
		}
	})
	return s
}

// Cancel stops the scope's timer and guarantees its callback will not
// run, even if the timer has already fired and is racing this call.
func (s *Scope) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	s.timer.Stop()
}

// Group collects scopes created over the life of a call so they can be
// cancelled together on a state transition, without each caller having
// to track its own handle.
type Group struct {
	mu     sync.Mutex
	scopes []*Scope
}

// After starts a Scope and adds it to the group.
func (g *Group) After(d time.Duration, fn func()) *Scope {
	s := After(d, fn)
	g.mu.Lock()
	g.scopes = append(g.scopes, s)
	g.mu.Unlock()
	return s
}

// CancelAll cancels every scope currently in the group and empties it.
func (g *Group) CancelAll() {
	g.mu.Lock()
	scopes := g.scopes
	g.scopes = nil
	g.mu.Unlock()
	for _, s := range scopes {
		s.Cancel()
	}
}
