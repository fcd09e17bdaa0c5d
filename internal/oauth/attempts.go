package oauth

import (
	"context"
	"sync"
	"time"
)

// FlowState labels the phase of one authorization attempt, for logging and
// the status page.
type FlowState string

const (
	FlowUnstarted      FlowState = "unstarted"
	FlowRequested      FlowState = "authorization_requested"
	FlowCodeReceived   FlowState = "code_received"
	FlowDenied         FlowState = "denied"
	FlowErrored        FlowState = "errored"
	FlowExchanged      FlowState = "token_exchanged"
	FlowExchangeFailed FlowState = "exchange_failed"
)

// DefaultAttemptTTL bounds how long an authorization attempt may sit
// unconsumed before the callback arrives.
const DefaultAttemptTTL = 10 * time.Minute

type attempt struct {
	verifier  string
	createdAt time.Time
}

// AttemptStore maps in-flight authorization state tokens to their PKCE
// verifiers. Entries are single-use: Consume removes the entry whether or
// not the exchange that follows succeeds. Entries older than the TTL are
// never returned and are swept opportunistically.
type AttemptStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	attempts map[string]attempt
	now      func() time.Time
}

// NewAttemptStore creates an AttemptStore with the given TTL
// (DefaultAttemptTTL when zero).
func NewAttemptStore(ttl time.Duration) *AttemptStore {
	if ttl <= 0 {
		ttl = DefaultAttemptTTL
	}
	return &AttemptStore{
		ttl:      ttl,
		attempts: make(map[string]attempt),
		now:      time.Now,
	}
}

// Add registers a new attempt under its state token.
func (s *AttemptStore) Add(state, verifier string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	s.attempts[state] = attempt{verifier: verifier, createdAt: s.now()}
}

// Consume removes and returns the verifier for state. A missing or expired
// state returns ok=false; the caller treats that as a terminal failure of
// the attempt (exact-match CSRF check).
func (s *AttemptStore) Consume(state string) (verifier string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, found := s.attempts[state]
	if !found {
		return "", false
	}
	delete(s.attempts, state)
	if s.now().Sub(a.createdAt) > s.ttl {
		return "", false
	}
	return a.verifier, true
}

// Len reports the number of pending attempts.
func (s *AttemptStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	return len(s.attempts)
}

// Sweep runs periodic expiry until ctx is cancelled.
func (s *AttemptStore) Sweep(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			s.sweepLocked()
			s.mu.Unlock()
		}
	}
}

func (s *AttemptStore) sweepLocked() {
	cutoff := s.now().Add(-s.ttl)
	for state, a := range s.attempts {
		if a.createdAt.Before(cutoff) {
			delete(s.attempts, state)
		}
	}
}
