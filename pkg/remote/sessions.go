package remote

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSessionUnknown is returned for session ids that were never opened or have expired.
var ErrSessionUnknown = errors.New("unknown session")

// Sessions tracks operator sessions by their last poll. It is the
// captcha.ClientPresence of the service: a client counts as connected while
// any session polled within the TTL.
type Sessions struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewSessions(ttl time.Duration) *Sessions {
	return &Sessions{
		ttl:  ttl,
		now:  time.Now,
		seen: make(map[string]time.Time),
	}
}

// Open starts a new session and returns its id.
func (s *Sessions) Open() string {
	id := uuid.New().String()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[id] = s.now()
	return id
}

// Touch records a poll from the session.
func (s *Sessions) Touch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok := s.seen[id]
	if !ok || s.expired(last) {
		delete(s.seen, id)
		return ErrSessionUnknown
	}
	s.seen[id] = s.now()
	return nil
}

func (s *Sessions) Close(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, id)
}

func (s *Sessions) IsClientConnected() bool {
	return s.Count() > 0
}

// Count returns the number of live sessions, dropping expired ones.
func (s *Sessions) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, last := range s.seen {
		if s.expired(last) {
			delete(s.seen, id)
		}
	}
	return len(s.seen)
}

func (s *Sessions) expired(last time.Time) bool {
	return s.now().Sub(last) > s.ttl
}
