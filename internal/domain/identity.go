package domain

import (
	"time"
)

// ResolvedIdentity is the outcome of a positive face verification.
type ResolvedIdentity struct {
	Username   string  `json:"username"`
	FaceID     string  `json:"face_id,omitempty"`
	Confidence float64 `json:"confidence"`
}

// EnrolledFace is a persisted record of a completed enrollment.
type EnrolledFace struct {
	FaceID     string    `json:"face_id"`
	Username   string    `json:"username"`
	Samples    int       `json:"samples"`
	EnrolledAt time.Time `json:"enrolled_at"`
}

// LoginAttempt is an audit record of one verification request.
type LoginAttempt struct {
	ID         int64     `json:"id"`
	Username   string    `json:"username,omitempty"`
	Matched    bool      `json:"matched"`
	Confidence float64   `json:"confidence,omitempty"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
