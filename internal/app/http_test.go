package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"pulseboard/api/internal/audit"
	"pulseboard/api/internal/config"
	"pulseboard/api/internal/filestore"
	"pulseboard/api/internal/session"
)

// memSessions is an in-memory SessionStore for handler tests.
type memSessions struct {
	mu      sync.Mutex
	data    map[string]session.Data
	pingErr error
}

func newMemSessions() *memSessions {
	return &memSessions{data: make(map[string]session.Data)}
}

func (m *memSessions) Save(_ context.Context, jti string, data session.Data, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[jti] = data
	return nil
}

func (m *memSessions) Lookup(_ context.Context, jti string) (session.Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[jti]
	if !ok {
		return session.Data{}, session.ErrNotFound
	}
	return data, nil
}

func (m *memSessions) Revoke(_ context.Context, jti string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, jti)
	return nil
}

func (m *memSessions) Ping(context.Context) error {
	return m.pingErr
}

type testEnv struct {
	server   *HTTPServer
	files    *filestore.Memory
	sessions *memSessions
	service  *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	files := filestore.NewMemory()
	sessions := newMemSessions()
	cfg := config.Config{
		SessionSecret: "test-secret",
		SessionTTL:    time.Hour,
		AdminPassword: "admin",
		AuditDir:      t.TempDir(),
	}
	svc := New(cfg, files, sessions, audit.New(cfg.AuditDir, nil), nil)
	return &testEnv{
		server:   NewHTTPServer(svc, "*", nil),
		files:    files,
		sessions: sessions,
		service:  svc,
	}
}

func (e *testEnv) do(t *testing.T, method, target string, body any, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewBuffer(raw)
	} else {
		reader = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) login(t *testing.T, userID, password string) *http.Cookie {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/auth/login", map[string]any{
		"userId":   userID,
		"password": password,
	}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("login %s: expected 200, got %d body=%s", userID, rr.Code, rr.Body.String())
	}
	for _, c := range rr.Result().Cookies() {
		if c.Name == sessionCookie && c.Value != "" {
			return c
		}
	}
	t.Fatalf("login %s: session cookie not set", userID)
	return nil
}

func (e *testEnv) newBearerRequest(t *testing.T, method, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

// createUser provisions an account through the users API as admin.
func (e *testEnv) createUser(t *testing.T, admin *http.Cookie, userID, password, role string) {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/users", map[string]any{
		"userId":   userID,
		"password": password,
		"role":     role,
	}, admin)
	if rr.Code != http.StatusOK {
		t.Fatalf("create user %s: expected 200, got %d body=%s", userID, rr.Code, rr.Body.String())
	}
}

func parseBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response %q: %v", rr.Body.String(), err)
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/health", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if payload := parseBody(t, rr); payload["ok"] != true {
		t.Errorf("expected ok=true, got %v", payload["ok"])
	}
}

func TestReadyEndpointReportsSessionStore(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/ready", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := parseBody(t, rr)
	if payload["status"] != "ready" {
		t.Errorf("expected status=ready, got %v", payload["status"])
	}

	env.sessions.pingErr = context.DeadlineExceeded
	rr = env.do(t, http.MethodGet, "/api/ready", nil, nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	payload = parseBody(t, rr)
	if payload["status"] != "not_ready" {
		t.Errorf("expected status=not_ready, got %v", payload["status"])
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login(t, "admin", "admin")

	rr := env.do(t, http.MethodGet, "/api/nope", nil, admin)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if payload := parseBody(t, rr); payload["code"] != "NOT_FOUND" {
		t.Errorf("expected code NOT_FOUND, got %v", payload["code"])
	}
}

func TestRequestIDHeaderIsEchoed(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	rr := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-ID"); got != "req-abc" {
		t.Errorf("expected request id echoed, got %q", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodOptions, "/api/state", nil, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected allow-origin *, got %q", got)
	}
}
