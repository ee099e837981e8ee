package identity

import (
	"errors"
	"sync"
)

// ErrNoIdentity is returned when the session identity has not been supplied.
// The core cannot start without it: ownership decisions would be meaningless.
var ErrNoIdentity = errors.New("session identity not set")

// Session holds the authenticated user's identity. It is set once during
// startup and read-only afterwards, so a mid-flight logout/login cannot
// silently reassign authorship of already-tracked messages.
type Session struct {
	mu  sync.RWMutex
	id  Identity
	set bool
}

// NewSession creates an empty session holder.
func NewSession() *Session {
	return &Session{}
}

// Set supplies the session identity. Only the first call takes effect;
// subsequent calls are ignored and return false.
func (s *Session) Set(id Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set || id.IsUnknown() {
		return false
	}
	s.id = id
	s.set = true
	return true
}

// Current returns the session identity, or ErrNoIdentity if it was never set.
func (s *Session) Current() (Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.set {
		return Unknown, ErrNoIdentity
	}
	return s.id, nil
}
