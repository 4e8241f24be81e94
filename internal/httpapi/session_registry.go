package httpapi

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrDraining         = errors.New("server is draining")
	ErrDuplicateSession = errors.New("session already connected")
)

// SessionRegistry tracks live conversation sockets and supports graceful
// draining. When draining, new sessions are rejected while open ones finish.
//
// mu makes the draining check and wg.Add atomic in Add, so no session can
// slip in between StartDraining and Wait.
type SessionRegistry struct {
	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
	active   map[string]*mediaSession
}

// NewSessionRegistry creates a new SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{active: make(map[string]*mediaSession)}
}

// Add registers a session under id.
func (sr *SessionRegistry) Add(id string, s *mediaSession) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.draining {
		return ErrDraining
	}
	if _, ok := sr.active[id]; ok {
		return ErrDuplicateSession
	}
	sr.active[id] = s
	sr.wg.Add(1)
	return nil
}

// Done removes a session. Must be called exactly once per successful Add.
func (sr *SessionRegistry) Done(id string) {
	sr.mu.Lock()
	_, ok := sr.active[id]
	delete(sr.active, id)
	sr.mu.Unlock()
	if ok {
		sr.wg.Done()
	}
}

// StartDraining makes future Add calls fail and closes open sessions.
// Their pending utterances are dropped.
func (sr *SessionRegistry) StartDraining() {
	sr.mu.Lock()
	sr.draining = true
	open := make([]*mediaSession, 0, len(sr.active))
	for _, s := range sr.active {
		open = append(open, s)
	}
	sr.mu.Unlock()

	for _, s := range open {
		if s != nil {
			s.stop()
		}
	}
}

// IsDraining reports whether the registry is in draining mode.
func (sr *SessionRegistry) IsDraining() bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.draining
}

// ActiveCount returns the number of open sessions.
func (sr *SessionRegistry) ActiveCount() int {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return len(sr.active)
}

// IsActive reports whether a session with id is connected.
func (sr *SessionRegistry) IsActive(id string) bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	_, ok := sr.active[id]
	return ok
}

// Wait blocks until every session is done or ctx expires.
func (sr *SessionRegistry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		sr.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
