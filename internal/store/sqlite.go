package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Natsummerance/facegate/internal/domain"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS enrolled_faces (
		face_id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		samples INTEGER NOT NULL DEFAULT 0,
		enrolled_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_enrolled_faces_enrolled ON enrolled_faces(enrolled_at);

	CREATE TABLE IF NOT EXISTS login_attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT,
		matched INTEGER NOT NULL DEFAULT 0,
		confidence REAL,
		remote_addr TEXT,
		detail TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_login_attempts_created ON login_attempts(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveEnrolledFace records a completed enrollment. Re-enrolling a
// username replaces the old face record so stale face ids cannot match.
func (s *SQLiteStore) SaveEnrolledFace(ctx context.Context, face *domain.EnrolledFace) error {
	query := `
	INSERT INTO enrolled_faces (face_id, username, samples, enrolled_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(username) DO UPDATE SET
		face_id = excluded.face_id,
		samples = excluded.samples,
		enrolled_at = excluded.enrolled_at`

	_, err := s.db.ExecContext(ctx, query,
		face.FaceID, face.Username, face.Samples, face.EnrolledAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save enrolled face: %w", err)
	}
	return nil
}

// GetEnrolledFace retrieves an enrollment by face ID.
func (s *SQLiteStore) GetEnrolledFace(ctx context.Context, faceID string) (*domain.EnrolledFace, error) {
	query := `SELECT face_id, username, samples, enrolled_at FROM enrolled_faces WHERE face_id = ?`
	row := s.db.QueryRowContext(ctx, query, faceID)

	var face domain.EnrolledFace
	var enrolledAt int64
	err := row.Scan(&face.FaceID, &face.Username, &face.Samples, &enrolledAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan enrolled face row: %w", err)
	}

	face.EnrolledAt = time.Unix(enrolledAt, 0)
	return &face, nil
}

// ListEnrolledFaces returns all enrollments, newest first.
func (s *SQLiteStore) ListEnrolledFaces(ctx context.Context) ([]*domain.EnrolledFace, error) {
	query := `SELECT face_id, username, samples, enrolled_at FROM enrolled_faces ORDER BY enrolled_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query enrolled faces: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close enrolled faces rows", "error", closeErr)
		}
	}()

	var faces []*domain.EnrolledFace
	for rows.Next() {
		var face domain.EnrolledFace
		var enrolledAt int64
		if err := rows.Scan(&face.FaceID, &face.Username, &face.Samples, &enrolledAt); err != nil {
			return nil, fmt.Errorf("scan enrolled face row: %w", err)
		}
		face.EnrolledAt = time.Unix(enrolledAt, 0)
		faces = append(faces, &face)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate enrolled faces: %w", err)
	}
	return faces, nil
}

// DeleteEnrolledFace removes an enrollment by face ID.
func (s *SQLiteStore) DeleteEnrolledFace(ctx context.Context, faceID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM enrolled_faces WHERE face_id = ?`, faceID)
	if err != nil {
		return fmt.Errorf("delete enrolled face: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("DeleteEnrolledFace affected 0 rows", "face_id", faceID)
	}
	return nil
}

// CountEnrolledFaces returns the number of enrolled users.
func (s *SQLiteStore) CountEnrolledFaces(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM enrolled_faces`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count enrolled faces: %w", err)
	}
	return count, nil
}

// RecordLoginAttempt appends one verification outcome to the audit log.
func (s *SQLiteStore) RecordLoginAttempt(ctx context.Context, attempt *domain.LoginAttempt) error {
	query := `
	INSERT INTO login_attempts (username, matched, confidence, remote_addr, detail, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	matched := 0
	if attempt.Matched {
		matched = 1
	}

	var username interface{}
	if attempt.Username != "" {
		username = attempt.Username
	}

	createdAt := attempt.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		username, matched, attempt.Confidence, attempt.RemoteAddr, attempt.Detail, createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record login attempt: %w", err)
	}
	return nil
}

// RecentLoginAttempts returns up to limit attempts, newest first.
func (s *SQLiteStore) RecentLoginAttempts(ctx context.Context, limit int) ([]*domain.LoginAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
	SELECT id, username, matched, confidence, remote_addr, detail, created_at
	FROM login_attempts ORDER BY created_at DESC, id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query login attempts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close login attempts rows", "error", closeErr)
		}
	}()

	var attempts []*domain.LoginAttempt
	for rows.Next() {
		var a domain.LoginAttempt
		var username, remoteAddr, detail sql.NullString
		var matched int
		var confidence sql.NullFloat64
		var createdAt int64

		if err := rows.Scan(&a.ID, &username, &matched, &confidence, &remoteAddr, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan login attempt row: %w", err)
		}

		a.Username = username.String
		a.Matched = matched != 0
		a.Confidence = confidence.Float64
		a.RemoteAddr = remoteAddr.String
		a.Detail = detail.String
		a.CreatedAt = time.Unix(createdAt, 0)
		attempts = append(attempts, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate login attempts: %w", err)
	}
	return attempts, nil
}

// PruneLoginAttempts removes audit rows older than the retention window.
func (s *SQLiteStore) PruneLoginAttempts(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM login_attempts WHERE created_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("prune login attempts: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
