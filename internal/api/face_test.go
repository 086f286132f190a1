package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Natsummerance/facegate/internal/codec"
	"github.com/Natsummerance/facegate/internal/domain"
	"github.com/Natsummerance/facegate/internal/engine"
	"github.com/Natsummerance/facegate/internal/enroll"
	"github.com/Natsummerance/facegate/internal/identity"
	"github.com/Natsummerance/facegate/internal/session"
	"github.com/Natsummerance/facegate/internal/token"
	"github.com/Natsummerance/facegate/internal/verify"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   []engine.Action
	respond func(action engine.Action, args engine.Args) (*engine.Result, error)
}

func (f *fakeRunner) Invoke(_ context.Context, action engine.Action, args engine.Args) (*engine.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, action)
	f.mu.Unlock()
	return f.respond(action, args)
}

type fakeRepo struct {
	mu       sync.Mutex
	faces    map[string]*domain.EnrolledFace
	attempts []*domain.LoginAttempt
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{faces: make(map[string]*domain.EnrolledFace)}
}

func (f *fakeRepo) SaveEnrolledFace(_ context.Context, face *domain.EnrolledFace) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, existing := range f.faces {
		if existing.Username == face.Username {
			delete(f.faces, id)
		}
	}
	cp := *face
	f.faces[face.FaceID] = &cp
	return nil
}

func (f *fakeRepo) GetEnrolledFace(_ context.Context, faceID string) (*domain.EnrolledFace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	face, ok := f.faces[faceID]
	if !ok {
		return nil, nil
	}
	cp := *face
	return &cp, nil
}

func (f *fakeRepo) ListEnrolledFaces(_ context.Context) ([]*domain.EnrolledFace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.EnrolledFace, 0, len(f.faces))
	for _, face := range f.faces {
		cp := *face
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeRepo) DeleteEnrolledFace(_ context.Context, faceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.faces, faceID)
	return nil
}

func (f *fakeRepo) CountEnrolledFaces(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.faces)), nil
}

func (f *fakeRepo) RecordLoginAttempt(_ context.Context, attempt *domain.LoginAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, attempt)
	return nil
}

func (f *fakeRepo) RecentLoginAttempts(_ context.Context, limit int) ([]*domain.LoginAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > len(f.attempts) {
		limit = len(f.attempts)
	}
	return f.attempts[len(f.attempts)-limit:], nil
}

func (f *fakeRepo) PruneLoginAttempts(context.Context, time.Duration) (int64, error) { return 0, nil }
func (f *fakeRepo) Ping(context.Context) error                                      { return nil }
func (f *fakeRepo) Close() error                                                    { return nil }

type testEnv struct {
	router   chi.Router
	runner   *fakeRunner
	repo     *fakeRepo
	sessions *session.MemoryStore
	codec    *codec.Codec
	issuer   *token.Issuer
}

func newTestEnv(t *testing.T, respond func(action engine.Action, args engine.Args) (*engine.Result, error)) *testEnv {
	t.Helper()

	c, err := codec.New([]byte("12345678901234567890123456789012"), []byte("1234567890123456"))
	if err != nil {
		t.Fatalf("codec.New failed: %v", err)
	}
	issuer, err := token.NewIssuer([]byte("test-signing-secret"), time.Minute)
	if err != nil {
		t.Fatalf("token.NewIssuer failed: %v", err)
	}

	runner := &fakeRunner{respond: respond}
	repo := newFakeRepo()
	sessions := session.NewMemoryStore(time.Minute)

	enrollSvc := enroll.New(sessions, runner, c, repo, 0)
	verifySvc := verify.New(c, runner, issuer, repo)

	h := NewFaceHandler(enrollSvc, verifySvc, repo, sessions, "process")
	r := chi.NewRouter()
	h.RegisterRoutes(r, identity.Middleware(issuer))
	r.Get("/ws/enroll", NewProgressHandler(sessions, "", true).ServeHTTP)

	return &testEnv{router: r, runner: runner, repo: repo, sessions: sessions, codec: c, issuer: issuer}
}

func okEngine(t *testing.T) func(action engine.Action, args engine.Args) (*engine.Result, error) {
	t.Helper()
	return func(action engine.Action, args engine.Args) (*engine.Result, error) {
		switch action {
		case engine.ActionStartRegistration:
			return &engine.Result{Success: true, SessionID: args.SessionID, TargetImages: 3}, nil
		case engine.ActionCollectImage:
			return &engine.Result{Success: true}, nil
		case engine.ActionTrainSession:
			return &engine.Result{Success: true, FaceID: "face_test_1", Samples: 3}, nil
		default:
			return &engine.Result{Success: true}, nil
		}
	}
}

func (e *testEnv) post(t *testing.T, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) encrypt(t *testing.T, payload string) string {
	t.Helper()
	enc, err := e.codec.Encrypt([]byte(payload))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	return enc
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var got map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return got
}

func TestEnrollmentFlow(t *testing.T) {
	env := newTestEnv(t, okEngine(t))

	w := env.post(t, "/api/face/start_registration", map[string]string{"username": "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("start_registration status = %d, body = %s", w.Code, w.Body.String())
	}
	start := decodeJSON(t, w)
	sessionID, _ := start["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("no session_id in %v", start)
	}
	if start["target_images"].(float64) != 3 {
		t.Errorf("target_images = %v, want 3", start["target_images"])
	}

	for i := 0; i < 3; i++ {
		w = env.post(t, "/api/face/collect_image", map[string]string{
			"session_id": sessionID,
			"image":      env.encrypt(t, fmt.Sprintf("frame-%d", i)),
		})
		if w.Code != http.StatusOK {
			t.Fatalf("collect_image status = %d, body = %s", w.Code, w.Body.String())
		}
	}
	collected := decodeJSON(t, w)
	if collected["collected"].(float64) != 3 || collected["completed"] != true {
		t.Errorf("after 3 frames: %v", collected)
	}

	w = env.post(t, "/api/face/train_session", map[string]string{"session_id": sessionID})
	if w.Code != http.StatusOK {
		t.Fatalf("train_session status = %d, body = %s", w.Code, w.Body.String())
	}
	trained := decodeJSON(t, w)
	if trained["face_id"] != "face_test_1" {
		t.Errorf("face_id = %v", trained["face_id"])
	}

	face, err := env.repo.GetEnrolledFace(context.Background(), "face_test_1")
	if err != nil || face == nil || face.Username != "alice" {
		t.Errorf("face not persisted: %v %v", face, err)
	}

	// Trained sessions accept no further frames.
	w = env.post(t, "/api/face/collect_image", map[string]string{
		"session_id": sessionID,
		"image":      env.encrypt(t, "late"),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("collect after train status = %d, want 409", w.Code)
	}
}

func TestCollectImageBadCiphertext(t *testing.T) {
	env := newTestEnv(t, okEngine(t))

	w := env.post(t, "/api/face/start_registration", map[string]string{"username": "alice"})
	sessionID := decodeJSON(t, w)["session_id"].(string)

	w = env.post(t, "/api/face/collect_image", map[string]string{
		"session_id": sessionID,
		"image":      "not-base64!!!",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCollectImageUnknownSession(t *testing.T) {
	env := newTestEnv(t, okEngine(t))

	w := env.post(t, "/api/face/collect_image", map[string]string{
		"session_id": "reg_missing",
		"image":      env.encrypt(t, "frame"),
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestCollectImageFrameRejected(t *testing.T) {
	env := newTestEnv(t, func(action engine.Action, args engine.Args) (*engine.Result, error) {
		if action == engine.ActionCollectImage {
			return &engine.Result{Success: false, Message: "no face detected"}, nil
		}
		return okEngine(t)(action, args)
	})

	w := env.post(t, "/api/face/start_registration", map[string]string{"username": "alice"})
	sessionID := decodeJSON(t, w)["session_id"].(string)

	w = env.post(t, "/api/face/collect_image", map[string]string{
		"session_id": sessionID,
		"image":      env.encrypt(t, "frame"),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 soft failure", w.Code)
	}
	got := decodeJSON(t, w)
	if got["success"] != false {
		t.Errorf("success = %v, want false", got["success"])
	}
	if got["collected"].(float64) != 0 {
		t.Errorf("collected = %v, want 0", got["collected"])
	}
}

func TestTrainSessionWithoutFrames(t *testing.T) {
	env := newTestEnv(t, okEngine(t))

	w := env.post(t, "/api/face/start_registration", map[string]string{"username": "alice"})
	sessionID := decodeJSON(t, w)["session_id"].(string)

	w = env.post(t, "/api/face/train_session", map[string]string{"session_id": sessionID})
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestStartRegistrationEngineFailure(t *testing.T) {
	env := newTestEnv(t, func(action engine.Action, args engine.Args) (*engine.Result, error) {
		return nil, &engine.InvocationError{Action: action, Kind: engine.ErrEmptyOutput}
	})

	w := env.post(t, "/api/face/start_registration", map[string]string{"username": "alice"})
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
	if env.sessions.Active() != 0 {
		t.Errorf("active sessions = %d, want 0 after failed start", env.sessions.Active())
	}
}

func TestVerifyMatchIssuesToken(t *testing.T) {
	env := newTestEnv(t, func(action engine.Action, args engine.Args) (*engine.Result, error) {
		matched := "alice"
		return &engine.Result{Success: true, MatchedIdentity: &matched, FaceID: "face_1", Confidence: 97.5}, nil
	})

	w := env.post(t, "/api/face/verify", map[string]string{"image": env.encrypt(t, "probe")})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	got := decodeJSON(t, w)
	if got["success"] != true || got["identity"] != "alice" {
		t.Fatalf("unexpected response: %v", got)
	}

	raw, _ := got["token"].(string)
	claims, err := env.issuer.Verify(raw)
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if claims.Subject != "alice" || claims.FaceID != "face_1" {
		t.Errorf("claims = %+v", claims)
	}

	if len(env.repo.attempts) != 1 || !env.repo.attempts[0].Matched {
		t.Errorf("expected one matched audit row, got %+v", env.repo.attempts)
	}
}

func TestVerifyNoMatch(t *testing.T) {
	env := newTestEnv(t, func(engine.Action, engine.Args) (*engine.Result, error) {
		return &engine.Result{Success: false, Message: "below threshold"}, nil
	})

	w := env.post(t, "/api/face/verify", map[string]string{"image": env.encrypt(t, "probe")})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	got := decodeJSON(t, w)
	if got["success"] != false {
		t.Errorf("success = %v, want false", got["success"])
	}
	if _, hasToken := got["token"]; hasToken {
		t.Errorf("no-match response must not carry a token: %v", got)
	}
}

func TestVerifyEngineFailure(t *testing.T) {
	env := newTestEnv(t, func(action engine.Action, args engine.Args) (*engine.Result, error) {
		return nil, &engine.InvocationError{Action: action, Kind: engine.ErrTimeout}
	})

	w := env.post(t, "/api/face/verify", map[string]string{"image": env.encrypt(t, "probe")})
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

func TestCheckDuplicate(t *testing.T) {
	dup := true
	env := newTestEnv(t, func(engine.Action, engine.Args) (*engine.Result, error) {
		return &engine.Result{Success: true, Duplicate: &dup}, nil
	})

	w := env.post(t, "/api/face/check_duplicate", map[string]string{"image": env.encrypt(t, "probe")})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	got := decodeJSON(t, w)
	if got["duplicate"] != true {
		t.Errorf("duplicate = %v, want true", got["duplicate"])
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, okEngine(t))

	env.post(t, "/api/face/start_registration", map[string]string{"username": "alice"})
	if err := env.repo.SaveEnrolledFace(context.Background(), &domain.EnrolledFace{FaceID: "f1", Username: "bob"}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/face/status", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	got := decodeJSON(t, w)
	if got["enrolled_users"].(float64) != 1 {
		t.Errorf("enrolled_users = %v, want 1", got["enrolled_users"])
	}
	if got["active_sessions"].(float64) != 1 {
		t.Errorf("active_sessions = %v, want 1", got["active_sessions"])
	}
	if got["transport"] != "process" {
		t.Errorf("transport = %v", got["transport"])
	}
}

func TestUserRoutesRequireBearer(t *testing.T) {
	env := newTestEnv(t, okEngine(t))

	req := httptest.NewRequest(http.MethodGet, "/api/face/users", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/face/users", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", w.Code)
	}
}

func TestListAndDeleteUsers(t *testing.T) {
	env := newTestEnv(t, okEngine(t))

	if err := env.repo.SaveEnrolledFace(context.Background(), &domain.EnrolledFace{FaceID: "face_1", Username: "alice", Samples: 300}); err != nil {
		t.Fatal(err)
	}

	raw, err := env.issuer.Issue(domain.ResolvedIdentity{Username: "alice", FaceID: "face_1"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/face/users", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d, body = %s", w.Code, w.Body.String())
	}
	got := decodeJSON(t, w)
	users, _ := got["users"].([]interface{})
	if len(users) != 1 {
		t.Fatalf("users = %v", got)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/face/users/face_1", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d, body = %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/face/users/face_1", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("delete missing status = %d, want 404", w.Code)
	}
}

func TestProgressFeedRejectsUnknownSession(t *testing.T) {
	env := newTestEnv(t, okEngine(t))

	req := httptest.NewRequest(http.MethodGet, "/ws/enroll?session_id=reg_missing", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/ws/enroll", nil)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing session_id status = %d, want 400", w.Code)
	}
}
