package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Natsummerance/facegate/internal/domain"
)

const (
	// DefaultTTL bounds how long an enrollment may stay in flight.
	DefaultTTL = 10 * time.Minute

	// DefaultSweepInterval is how often the background sweep reaps
	// expired sessions. Expiry is also enforced on access, so the
	// sweep only bounds memory, not correctness.
	DefaultSweepInterval = time.Minute

	watchBuffer = 16
)

// MemoryStore is an in-process Store implementation.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*domain.EnrollmentSession
	watchers map[string][]chan domain.EnrollmentSession
}

// NewMemoryStore creates a MemoryStore with the given session TTL.
// A non-positive ttl falls back to DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]*domain.EnrollmentSession),
		watchers: make(map[string][]chan domain.EnrollmentSession),
	}
}

// Create registers a new session in the Created state.
func (s *MemoryStore) Create(ownerLabel string) *domain.EnrollmentSession {
	now := s.now()
	sess := &domain.EnrollmentSession{
		SessionID:  fmt.Sprintf("reg_%s", uuid.NewString()),
		OwnerLabel: ownerLabel,
		State:      domain.StateCreated,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
	}

	s.mu.Lock()
	s.sessions[sess.SessionID] = sess
	s.mu.Unlock()

	return sess.Clone()
}

// Get returns a snapshot of an unexpired session.
func (s *MemoryStore) Get(sessionID string) (*domain.EnrollmentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok || sess.Expired(s.now()) {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

// CompareAndTransition applies one optimistic state transition.
func (s *MemoryStore) CompareAndTransition(sessionID string, expected, next domain.SessionState, mutate func(*domain.EnrollmentSession)) (*domain.EnrollmentSession, error) {
	if !expected.CanTransitionTo(next) {
		return nil, fmt.Errorf("illegal transition %s -> %s", expected, next)
	}

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.Expired(s.now()) {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if sess.State != expected {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s is %s, expected %s", ErrStale, sessionID, sess.State, expected)
	}

	if mutate != nil {
		mutate(sess)
	}
	sess.State = next

	snapshot := *sess.Clone()
	watchers := append([]chan domain.EnrollmentSession(nil), s.watchers[sessionID]...)
	s.mu.Unlock()

	// Notify outside the lock; slow watchers are skipped, never waited on.
	for _, ch := range watchers {
		select {
		case ch <- snapshot:
		default:
		}
	}

	return &snapshot, nil
}

// Delete removes a session and closes its watchers.
func (s *MemoryStore) Delete(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	watchers := s.watchers[sessionID]
	delete(s.watchers, sessionID)
	s.mu.Unlock()

	for _, ch := range watchers {
		close(ch)
	}
}

// Watch subscribes to future state snapshots of a session.
func (s *MemoryStore) Watch(sessionID string) (<-chan domain.EnrollmentSession, func()) {
	ch := make(chan domain.EnrollmentSession, watchBuffer)

	s.mu.Lock()
	s.watchers[sessionID] = append(s.watchers[sessionID], ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		list := s.watchers[sessionID]
		for i, c := range list {
			if c == ch {
				s.watchers[sessionID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(s.watchers[sessionID]) == 0 {
			delete(s.watchers, sessionID)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// Active returns the number of unexpired sessions.
func (s *MemoryStore) Active() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, sess := range s.sessions {
		if !sess.Expired(now) {
			n++
		}
	}
	return n
}

// sweep reaps expired sessions, whatever state they reached. Abandoned
// enrollments must not accumulate.
func (s *MemoryStore) sweep() int {
	now := s.now()

	s.mu.Lock()
	var reaped []string
	var closing []chan domain.EnrollmentSession
	for id, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, id)
			closing = append(closing, s.watchers[id]...)
			delete(s.watchers, id)
			reaped = append(reaped, id)
		}
	}
	s.mu.Unlock()

	for _, ch := range closing {
		close(ch)
	}
	return len(reaped)
}

// StartSweeper runs a background goroutine that periodically reaps
// expired sessions until ctx is cancelled.
func (s *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", interval, "ttl", s.ttl)

		for {
			select {
			case <-ctx.Done():
				slog.Info("Session sweeper stopped")
				return
			case <-ticker.C:
				if n := s.sweep(); n > 0 {
					slog.Info("Reaped expired enrollment sessions", "count", n)
				}
			}
		}
	}()
}
