package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/Natsummerance/facegate/internal/domain"
	"github.com/Natsummerance/facegate/internal/session"
)

// ProgressHandler streams enrollment session snapshots over WebSocket so
// the capture UI can render a live progress bar without polling.
type ProgressHandler struct {
	sessions      session.Store
	allowedOrigin string
	isDev         bool
}

// NewProgressHandler creates a new enrollment progress handler.
func NewProgressHandler(sessions session.Store, allowedOrigin string, isDev bool) *ProgressHandler {
	return &ProgressHandler{
		sessions:      sessions,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// progressEvent is one snapshot on the wire.
type progressEvent struct {
	SessionID string  `json:"session_id"`
	State     string  `json:"state"`
	Collected int     `json:"collected"`
	Target    int     `json:"target"`
	Progress  float64 `json:"progress"`
	Completed bool    `json:"completed"`
	Error     string  `json:"error,omitempty"`
}

func snapshotEvent(s domain.EnrollmentSession) progressEvent {
	return progressEvent{
		SessionID: s.SessionID,
		State:     string(s.State),
		Collected: s.FrameCount,
		Target:    s.TargetFrames,
		Progress:  s.Progress(),
		Completed: s.Completed(),
		Error:     s.LastError,
	}
}

func (h *ProgressHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return h.allowedOrigin != "" && strings.HasPrefix(origin, h.allowedOrigin)
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *ProgressHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	sess, err := h.sessions.Get(sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			http.Error(w, "session not found or expired", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "feed ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	// The client never sends anything meaningful; CloseRead gives us a
	// context that cancels when it disconnects.
	ctx := ws.CloseRead(r.Context())

	updates, cancel := h.sessions.Watch(sessionID)
	defer cancel()

	// Re-fetch after registering the watcher: a transition landing
	// between the pre-upgrade lookup and Watch would otherwise never be
	// delivered. If the session vanished in that window, report the last
	// snapshot we have and end the feed.
	if fresh, err := h.sessions.Get(sessionID); err == nil {
		sess = fresh
	}

	slog.Info("Enrollment progress feed opened", "session_id", sessionID, "ip", r.RemoteAddr)

	if err := h.writeEvent(ctx, ws, snapshotEvent(*sess)); err != nil {
		return
	}
	if sess.State.Terminal() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if err := h.writeEvent(ctx, ws, snapshotEvent(snap)); err != nil {
				slog.Debug("Progress feed write failed", "error", err, "session_id", sessionID)
				return
			}
			if snap.State.Terminal() {
				return
			}
		}
	}
}

func (h *ProgressHandler) writeEvent(ctx context.Context, ws *websocket.Conn, ev progressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
