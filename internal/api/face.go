package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Natsummerance/facegate/internal/codec"
	"github.com/Natsummerance/facegate/internal/engine"
	"github.com/Natsummerance/facegate/internal/enroll"
	"github.com/Natsummerance/facegate/internal/identity"
	"github.com/Natsummerance/facegate/internal/session"
	"github.com/Natsummerance/facegate/internal/store"
	"github.com/Natsummerance/facegate/internal/verify"
)

// FaceHandler handles enrollment and verification endpoints.
type FaceHandler struct {
	enroll    *enroll.Service
	verify    *verify.Coordinator
	repo      store.Repository
	sessions  session.Store
	transport string
}

// NewFaceHandler creates the face API handler.
func NewFaceHandler(enrollSvc *enroll.Service, verifySvc *verify.Coordinator, repo store.Repository, sessions session.Store, transport string) *FaceHandler {
	return &FaceHandler{
		enroll:    enrollSvc,
		verify:    verifySvc,
		repo:      repo,
		sessions:  sessions,
		transport: transport,
	}
}

// RegisterRoutes registers face routes. Routes under auth require a
// bearer token issued by a successful verification.
func (h *FaceHandler) RegisterRoutes(r chi.Router, auth func(http.Handler) http.Handler) {
	r.Route("/api/face", func(r chi.Router) {
		r.Post("/start_registration", h.StartRegistration)
		r.Post("/collect_image", h.CollectImage)
		r.Post("/train_session", h.TrainSession)
		r.Post("/verify", h.Verify)
		r.Post("/check_duplicate", h.CheckDuplicate)
		r.Get("/status", h.Status)

		r.Group(func(r chi.Router) {
			r.Use(auth)
			r.Get("/users", h.ListUsers)
			r.Delete("/users/{faceID}", h.DeleteUser)
		})
	})
}

type startRegistrationRequest struct {
	Username string `json:"username"`
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

type collectImageRequest struct {
	SessionID string `json:"session_id"`
	Image     string `json:"image"`
}

type imageRequest struct {
	Image string `json:"image"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// serviceError maps service-layer failures onto HTTP status codes.
func serviceError(w http.ResponseWriter, err error) {
	var invErr *engine.InvocationError

	switch {
	case errors.Is(err, codec.ErrInvalidCiphertext):
		Error(w, http.StatusBadRequest, "invalid encrypted payload")
	case errors.Is(err, session.ErrNotFound):
		Error(w, http.StatusNotFound, "session not found or expired")
	case errors.Is(err, session.ErrStale), errors.Is(err, enroll.ErrInvalidSessionState):
		Error(w, http.StatusConflict, err.Error())
	case errors.As(err, &invErr):
		Error(w, http.StatusBadGateway, err.Error())
	default:
		Error(w, http.StatusInternalServerError, err.Error())
	}
}

// StartRegistration opens a new enrollment session for a username.
func (h *FaceHandler) StartRegistration(w http.ResponseWriter, r *http.Request) {
	var req startRegistrationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Username == "" {
		Error(w, http.StatusBadRequest, "username is required")
		return
	}

	sess, err := h.enroll.StartRegistration(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, enroll.ErrStartFailed) {
			slog.Warn("Registration start rejected", "username", req.Username, "error", err)
			Error(w, http.StatusBadGateway, err.Error())
			return
		}
		serviceError(w, err)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"session_id":    sess.SessionID,
		"target_images": sess.TargetFrames,
		"message":       "registration started",
	})
}

// CollectImage feeds one encrypted camera frame into a session. A frame
// the engine rejects is a soft failure: the session survives and the
// client retries with the next frame.
func (h *FaceHandler) CollectImage(w http.ResponseWriter, r *http.Request) {
	var req collectImageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.Image == "" {
		Error(w, http.StatusBadRequest, "session_id and image are required")
		return
	}

	sess, err := h.enroll.CollectImage(r.Context(), req.SessionID, req.Image)
	if err != nil {
		if errors.Is(err, enroll.ErrFrameRejected) {
			resp := map[string]interface{}{
				"success": false,
				"message": err.Error(),
			}
			if sess != nil {
				resp["collected"] = sess.FrameCount
				resp["target"] = sess.TargetFrames
			}
			JSON(w, http.StatusOK, resp)
			return
		}
		serviceError(w, err)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"collected": sess.FrameCount,
		"target":    sess.TargetFrames,
		"progress":  sess.Progress(),
		"completed": sess.Completed(),
	})
}

// TrainSession finalizes a session into a recognizable face model.
func (h *FaceHandler) TrainSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		Error(w, http.StatusBadRequest, "session_id is required")
		return
	}

	sess, face, err := h.enroll.TrainSession(r.Context(), req.SessionID)
	if err != nil {
		var invErr *engine.InvocationError
		switch {
		case errors.Is(err, session.ErrNotFound):
			Error(w, http.StatusNotFound, "session not found or expired")
		case errors.Is(err, session.ErrStale), errors.Is(err, enroll.ErrInvalidSessionState):
			Error(w, http.StatusConflict, err.Error())
		case errors.As(err, &invErr):
			Error(w, http.StatusBadGateway, err.Error())
		default:
			// Engine rejected training or the registry write failed
			// after the model was built.
			Error(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"face_id": face.FaceID,
		"samples": face.Samples,
		"state":   string(sess.State),
		"message": "enrollment complete",
	})
}

// Verify runs single-shot recognition against an encrypted probe image.
// A clean no-match is a legitimate negative, not an error.
func (h *FaceHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req imageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Image == "" {
		Error(w, http.StatusBadRequest, "image is required")
		return
	}

	outcome, err := h.verify.Verify(r.Context(), req.Image, identity.IPFromRequest(r))
	if err != nil {
		serviceError(w, err)
		return
	}

	if !outcome.Matched {
		msg := outcome.Message
		if msg == "" {
			msg = "no matching face"
		}
		JSON(w, http.StatusOK, map[string]interface{}{
			"success": false,
			"message": msg,
		})
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"identity":   outcome.Identity.Username,
		"face_id":    outcome.Identity.FaceID,
		"confidence": outcome.Identity.Confidence,
		"token":      outcome.Token,
	})
}

// CheckDuplicate screens an encrypted image against existing enrollments.
func (h *FaceHandler) CheckDuplicate(w http.ResponseWriter, r *http.Request) {
	var req imageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Image == "" {
		Error(w, http.StatusBadRequest, "image is required")
		return
	}

	duplicate, err := h.verify.CheckDuplicate(r.Context(), req.Image)
	if err != nil {
		serviceError(w, err)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"duplicate": duplicate,
	})
}

// Status reports enrollment counts and the active engine transport.
func (h *FaceHandler) Status(w http.ResponseWriter, r *http.Request) {
	count, err := h.repo.CountEnrolledFaces(r.Context())
	if err != nil {
		slog.Error("Failed to count enrolled faces", "error", err)
		Error(w, http.StatusInternalServerError, "failed to read registry")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"enrolled_users":  count,
		"active_sessions": h.sessions.Active(),
		"transport":       h.transport,
	})
}

// ListUsers returns all enrolled faces. Requires a bearer token.
func (h *FaceHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	faces, err := h.repo.ListEnrolledFaces(r.Context())
	if err != nil {
		slog.Error("Failed to list enrolled faces", "error", err)
		Error(w, http.StatusInternalServerError, "failed to read registry")
		return
	}

	users := make([]map[string]interface{}, 0, len(faces))
	for _, f := range faces {
		users = append(users, map[string]interface{}{
			"face_id":     f.FaceID,
			"username":    f.Username,
			"samples":     f.Samples,
			"enrolled_at": f.EnrolledAt,
		})
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"users":   users,
	})
}

// DeleteUser removes an enrolled face. Requires a bearer token.
func (h *FaceHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	faceID := chi.URLParam(r, "faceID")
	ctx := r.Context()

	face, err := h.repo.GetEnrolledFace(ctx, faceID)
	if err != nil {
		slog.Error("Failed to look up enrolled face", "face_id", faceID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to read registry")
		return
	}
	if face == nil {
		Error(w, http.StatusNotFound, "face not found")
		return
	}

	if err := h.repo.DeleteEnrolledFace(ctx, faceID); err != nil {
		slog.Error("Failed to delete enrolled face", "face_id", faceID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete face")
		return
	}

	slog.Info("Enrolled face deleted", "face_id", faceID, "username", face.Username, "deleted_by", identity.UsernameFromContext(ctx))
	JSON(w, http.StatusOK, map[string]bool{"success": true})
}
