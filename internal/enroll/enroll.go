// Package enroll sequences face-enrollment sessions through
// created -> collecting -> training -> trained, driving the recognition
// engine and recording the outcome.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Natsummerance/facegate/internal/codec"
	"github.com/Natsummerance/facegate/internal/domain"
	"github.com/Natsummerance/facegate/internal/engine"
	"github.com/Natsummerance/facegate/internal/session"
)

// DefaultTargetFrames is used when the engine's start response does not
// state its own target. The upstream engine collects 300 samples.
const DefaultTargetFrames = 300

var (
	// ErrStartFailed means the engine rejected the registration start;
	// the session is discarded.
	ErrStartFailed = errors.New("enrollment start failed")

	// ErrFrameRejected is a soft per-frame failure: the session stays
	// in collecting and the client may retry with a new frame.
	ErrFrameRejected = errors.New("frame rejected")

	// ErrInvalidSessionState means the requested operation is not legal
	// for the session's current state.
	ErrInvalidSessionState = errors.New("invalid session state")
)

// FaceRegistry persists completed enrollments.
type FaceRegistry interface {
	SaveEnrolledFace(ctx context.Context, face *domain.EnrolledFace) error
}

// Service is the enrollment state machine.
type Service struct {
	store        session.Store
	runner       engine.Runner
	codec        *codec.Codec
	registry     FaceRegistry // optional
	targetFrames int
}

// New creates an enrollment Service. registry may be nil when no
// persistent face registry is configured. targetFrames is the fallback
// sample target when the engine's start response does not state one;
// values <= 0 fall back to DefaultTargetFrames.
func New(store session.Store, runner engine.Runner, c *codec.Codec, registry FaceRegistry, targetFrames int) *Service {
	if targetFrames <= 0 {
		targetFrames = DefaultTargetFrames
	}
	return &Service{store: store, runner: runner, codec: c, registry: registry, targetFrames: targetFrames}
}

// StartRegistration creates a session and asks the engine to open a
// registration. On engine failure the session is discarded and
// ErrStartFailed reported; nothing half-started survives.
func (s *Service) StartRegistration(ctx context.Context, ownerLabel string) (*domain.EnrollmentSession, error) {
	sess := s.store.Create(ownerLabel)

	res, err := s.runner.Invoke(ctx, engine.ActionStartRegistration, engine.Args{
		Username:  ownerLabel,
		SessionID: sess.SessionID,
	})
	if err != nil {
		s.store.Delete(sess.SessionID)
		return nil, fmt.Errorf("%w: %w", ErrStartFailed, err)
	}
	if !res.Success {
		s.store.Delete(sess.SessionID)
		return nil, fmt.Errorf("%w: %s", ErrStartFailed, res.Message)
	}

	target := res.TargetImages
	if target <= 0 {
		target = s.targetFrames
	}

	// The session may have expired while the engine call was in flight,
	// in which case CompareAndTransition returns no session to report.
	id := sess.SessionID
	sess, err = s.store.CompareAndTransition(id, domain.StateCreated, domain.StateCollecting, func(e *domain.EnrollmentSession) {
		e.TargetFrames = target
	})
	if err != nil {
		return nil, fmt.Errorf("activate session %s: %w", id, err)
	}

	slog.Info("Enrollment session started", "session_id", sess.SessionID, "owner", ownerLabel, "target_frames", target)
	return sess, nil
}

// CollectImage decrypts one camera frame and feeds it to the engine.
// An engine rejection does not fail the session; the frame count is
// only advanced on success.
func (s *Service) CollectImage(ctx context.Context, sessionID, encryptedImage string) (*domain.EnrollmentSession, error) {
	sess, err := s.store.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State != domain.StateCollecting {
		return nil, fmt.Errorf("%w: cannot collect frames while %s", ErrInvalidSessionState, sess.State)
	}

	plain, err := s.codec.Decrypt(encryptedImage)
	if err != nil {
		return nil, err
	}

	// The decrypted payload is the engine's base64 image parameter;
	// the cipher wraps it as-is on the wire.
	res, err := s.runner.Invoke(ctx, engine.ActionCollectImage, engine.Args{
		SessionID:   sessionID,
		ImageBase64: string(plain),
	})
	if err != nil {
		return sess, fmt.Errorf("%w: %w", ErrFrameRejected, err)
	}
	if !res.Success {
		return sess, fmt.Errorf("%w: %s", ErrFrameRejected, res.Message)
	}

	return s.store.CompareAndTransition(sessionID, domain.StateCollecting, domain.StateCollecting, func(e *domain.EnrollmentSession) {
		e.FrameCount++
		if res.Target > 0 {
			e.TargetFrames = res.Target
		}
	})
}

// TrainSession moves a session with at least one collected frame into
// training and runs the engine's training step. Exactly one of two
// racing calls wins the collecting -> training transition; the loser
// observes session.ErrStale. Training failures are terminal: partial
// engine-side state from a failed run is not assumed consistent, so the
// session moves to failed instead of being retried.
func (s *Service) TrainSession(ctx context.Context, sessionID string) (*domain.EnrollmentSession, *domain.EnrolledFace, error) {
	sess, err := s.store.Get(sessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess.State != domain.StateCollecting {
		return nil, nil, fmt.Errorf("%w: cannot train while %s", ErrInvalidSessionState, sess.State)
	}
	if sess.FrameCount < 1 {
		return nil, nil, fmt.Errorf("%w: no frames collected", ErrInvalidSessionState)
	}

	sess, err = s.store.CompareAndTransition(sessionID, domain.StateCollecting, domain.StateTraining, nil)
	if err != nil {
		return nil, nil, err
	}

	res, invokeErr := s.runner.Invoke(ctx, engine.ActionTrainSession, engine.Args{SessionID: sessionID})
	if invokeErr != nil || !res.Success {
		detail := ""
		if invokeErr != nil {
			detail = invokeErr.Error()
		} else {
			detail = res.Message
		}
		failed, failErr := s.store.CompareAndTransition(sessionID, domain.StateTraining, domain.StateFailed, func(e *domain.EnrollmentSession) {
			e.LastError = detail
		})
		if failErr != nil {
			slog.Error("Failed to mark session failed", "session_id", sessionID, "error", failErr)
		} else {
			sess = failed
		}
		slog.Warn("Training failed", "session_id", sessionID, "owner", sess.OwnerLabel, "error", detail)
		if invokeErr != nil {
			return sess, nil, invokeErr
		}
		return sess, nil, fmt.Errorf("training rejected by engine: %s", res.Message)
	}

	sess, err = s.store.CompareAndTransition(sessionID, domain.StateTraining, domain.StateTrained, nil)
	if err != nil {
		return nil, nil, err
	}

	face := &domain.EnrolledFace{
		FaceID:     res.FaceID,
		Username:   sess.OwnerLabel,
		Samples:    res.Samples,
		EnrolledAt: time.Now(),
	}
	if face.FaceID == "" {
		face.FaceID = fmt.Sprintf("face_%d_%s", time.Now().Unix(), uuid.NewString()[:8])
	}
	if face.Samples == 0 {
		face.Samples = sess.FrameCount
	}

	if s.registry != nil {
		// The engine-side model already exists at this point, so a
		// registry write failure surfaces without undoing Trained.
		if err := s.registry.SaveEnrolledFace(ctx, face); err != nil {
			slog.Error("Failed to persist enrolled face", "face_id", face.FaceID, "owner", face.Username, "error", err)
			return sess, face, fmt.Errorf("session trained but registry write failed: %w", err)
		}
	}

	slog.Info("Enrollment trained", "session_id", sessionID, "owner", sess.OwnerLabel, "face_id", face.FaceID, "samples", face.Samples)
	return sess, face, nil
}
