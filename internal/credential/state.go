package credential

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StateStore tracks outstanding OAuth CSRF states. States live for ten
// minutes and are consumed on first use.
type StateStore struct {
	mu     sync.Mutex
	states map[string]time.Time
}

func NewStateStore() *StateStore {
	return &StateStore{states: make(map[string]time.Time)}
}

// Generate mints a new state token and records its issue time.
func (s *StateStore) Generate() string {
	a := uuid.New()
	b := uuid.New()
	raw := make([]byte, 0, 32)
	raw = append(raw, a[:]...)
	raw = append(raw, b[:]...)
	state := base64.RawURLEncoding.EncodeToString(raw)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()
	s.states[state] = time.Now()
	return state
}

// Consume validates and removes a state. A state can be consumed at most
// once and only within its lifetime.
func (s *StateStore) Consume(state string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()
	issued, ok := s.states[state]
	if !ok {
		return false
	}
	delete(s.states, state)
	return time.Since(issued) <= oauthStateLifetime
}

func (s *StateStore) purgeLocked() {
	now := time.Now()
	for state, issued := range s.states {
		if now.Sub(issued) > oauthStateLifetime {
			delete(s.states, state)
		}
	}
}
