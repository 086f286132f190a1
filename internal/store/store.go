// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/Natsummerance/facegate/internal/domain"
)

// Repository defines the interface for persisting enrolled faces and
// the login audit trail.
type Repository interface {
	// SaveEnrolledFace records a completed enrollment. A re-enrollment
	// for the same username replaces the previous record.
	SaveEnrolledFace(ctx context.Context, face *domain.EnrolledFace) error

	// GetEnrolledFace retrieves an enrollment by face ID.
	// Returns (nil, nil) when no record exists.
	GetEnrolledFace(ctx context.Context, faceID string) (*domain.EnrolledFace, error)

	// ListEnrolledFaces returns all enrollments, newest first.
	ListEnrolledFaces(ctx context.Context) ([]*domain.EnrolledFace, error)

	// DeleteEnrolledFace removes an enrollment by face ID.
	DeleteEnrolledFace(ctx context.Context, faceID string) error

	// CountEnrolledFaces returns the number of enrolled users.
	CountEnrolledFaces(ctx context.Context) (int64, error)

	// RecordLoginAttempt appends one verification outcome to the audit log.
	RecordLoginAttempt(ctx context.Context, attempt *domain.LoginAttempt) error

	// RecentLoginAttempts returns up to limit attempts, newest first.
	RecentLoginAttempts(ctx context.Context, limit int) ([]*domain.LoginAttempt, error)

	// PruneLoginAttempts removes audit rows older than the retention
	// window and reports how many were deleted.
	PruneLoginAttempts(ctx context.Context, retention time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the
	// database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
