// Package domain contains core domain types for the face gateway.
package domain

import (
	"time"
)

// SessionState is the lifecycle state of an enrollment session.
type SessionState string

const (
	StateCreated    SessionState = "created"
	StateCollecting SessionState = "collecting"
	StateTraining   SessionState = "training"
	StateTrained    SessionState = "trained"
	StateFailed     SessionState = "failed"
)

// Terminal returns true if no further transition is possible from s.
func (s SessionState) Terminal() bool {
	return s == StateTrained || s == StateFailed
}

// CanTransitionTo reports whether moving from s to next is a legal
// forward transition. Failed is reachable from any non-terminal state;
// everything else must follow created -> collecting -> training -> trained.
func (s SessionState) CanTransitionTo(next SessionState) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	switch s {
	case StateCreated:
		return next == StateCollecting
	case StateCollecting:
		return next == StateTraining || next == StateCollecting
	case StateTraining:
		return next == StateTrained
	}
	return false
}

// EnrollmentSession tracks one face-enrollment flow from start to
// training completion. Owned by the session store; callers hold only
// the session ID and must re-fetch before acting on it.
type EnrollmentSession struct {
	SessionID    string       `json:"session_id"`
	OwnerLabel   string       `json:"owner_label"`
	State        SessionState `json:"state"`
	FrameCount   int          `json:"frame_count"`
	TargetFrames int          `json:"target_frames"`
	CreatedAt    time.Time    `json:"created_at"`
	ExpiresAt    time.Time    `json:"expires_at"`
	LastError    string       `json:"last_error,omitempty"`
}

// Expired reports whether the session is past its expiry at the given time.
func (s *EnrollmentSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Progress returns the collection progress as a percentage in [0, 100].
func (s *EnrollmentSession) Progress() float64 {
	if s.TargetFrames <= 0 {
		return 0
	}
	p := float64(s.FrameCount) / float64(s.TargetFrames) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// Completed reports whether enough frames have been collected to train.
func (s *EnrollmentSession) Completed() bool {
	return s.TargetFrames > 0 && s.FrameCount >= s.TargetFrames
}

// Clone returns a copy of the session safe to hand outside the store.
func (s *EnrollmentSession) Clone() *EnrollmentSession {
	c := *s
	return &c
}
