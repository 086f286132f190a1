// Package session tracks in-flight enrollment sessions. The store is
// the only shared mutable state in the orchestration core; all
// mutation goes through CompareAndTransition so racing requests on one
// session resolve to exactly one winner.
package session

import (
	"errors"

	"github.com/Natsummerance/facegate/internal/domain"
)

var (
	// ErrNotFound is returned for unknown or expired session ids.
	ErrNotFound = errors.New("session not found")

	// ErrStale is returned when a transition's expected state no longer
	// matches the stored session. Caller-level retry is safe.
	ErrStale = errors.New("session state conflict")
)

// Store manages enrollment session lifecycles.
type Store interface {
	// Create registers a new session in the Created state and returns
	// a snapshot of it.
	Create(ownerLabel string) *domain.EnrollmentSession

	// Get returns a snapshot of the session, or ErrNotFound when the
	// id is unknown or the session has expired.
	Get(sessionID string) (*domain.EnrollmentSession, error)

	// CompareAndTransition atomically verifies the session is unexpired
	// and currently in expected, applies mutate (may be nil), and moves
	// it to next. It fails with ErrStale when the state does not match
	// and ErrNotFound when the session is unknown or expired. The
	// returned snapshot reflects the committed mutation.
	CompareAndTransition(sessionID string, expected, next domain.SessionState, mutate func(*domain.EnrollmentSession)) (*domain.EnrollmentSession, error)

	// Delete removes the session if present.
	Delete(sessionID string)

	// Watch subscribes to snapshots of the session's future states.
	// The channel is closed when the session is deleted or reaped.
	// The returned cancel function must be called to release the
	// subscription.
	Watch(sessionID string) (<-chan domain.EnrollmentSession, func())

	// Active returns the number of unexpired sessions.
	Active() int
}
