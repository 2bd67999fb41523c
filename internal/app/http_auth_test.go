package app

import (
	"net/http"
	"strings"
	"testing"
)

func TestLoginReturnsContractAndSetsCookie(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/api/auth/login", map[string]any{
		"userId":   "admin",
		"password": "admin",
	}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	payload := parseBody(t, rr)
	if payload["ok"] != true {
		t.Errorf("expected ok=true, got %v", payload["ok"])
	}
	if payload["userId"] != "admin" {
		t.Errorf("expected userId admin, got %v", payload["userId"])
	}
	if payload["role"] != "admin" {
		t.Errorf("expected role admin, got %v", payload["role"])
	}
	if token, _ := payload["token"].(string); token == "" {
		t.Errorf("expected token in response")
	}

	var cookie *http.Cookie
	for _, c := range rr.Result().Cookies() {
		if c.Name == sessionCookie {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value == "" {
		t.Fatalf("expected %s cookie", sessionCookie)
	}
	if !cookie.HttpOnly {
		t.Errorf("expected HttpOnly cookie")
	}
	if cookie.Path != "/" {
		t.Errorf("expected cookie path /, got %q", cookie.Path)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/api/auth/login", map[string]any{
		"userId":   "admin",
		"password": "wrong",
	}, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := parseBody(t, rr); payload["code"] != "INVALID_CREDENTIALS" {
		t.Errorf("expected code INVALID_CREDENTIALS, got %v", payload["code"])
	}
}

func TestLoginRequiresCredentials(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/api/auth/login", map[string]any{"userId": "admin"}, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestMeWithoutSession(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/auth/me", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if payload := parseBody(t, rr); payload["authenticated"] != false {
		t.Errorf("expected authenticated=false, got %v", payload["authenticated"])
	}
}

func TestMeWithSession(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.login(t, "admin", "admin")

	rr := env.do(t, http.MethodGet, "/api/auth/me", nil, cookie)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := parseBody(t, rr)
	if payload["authenticated"] != true {
		t.Errorf("expected authenticated=true, got %v", payload["authenticated"])
	}
	if payload["userId"] != "admin" {
		t.Errorf("expected userId admin, got %v", payload["userId"])
	}
	perms, _ := payload["permissions"].(map[string]any)
	if perms["userManager"] != true {
		t.Errorf("expected userManager permission on seed admin, got %v", payload["permissions"])
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.login(t, "admin", "admin")

	rr := env.do(t, http.MethodPost, "/api/auth/logout", nil, cookie)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, "/api/state?list", nil, cookie)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestBearerTokenFallback(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/api/auth/login", map[string]any{
		"userId":   "admin",
		"password": "admin",
	}, nil)
	payload := parseBody(t, rr)
	token, _ := payload["token"].(string)
	if token == "" {
		t.Fatalf("expected token")
	}

	req := env.do(t, http.MethodGet, "/api/state?list", nil, nil)
	if req.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", req.Code)
	}

	reqWithToken := env.newBearerRequest(t, http.MethodGet, "/api/state?list", token)
	if reqWithToken.Code != http.StatusOK {
		t.Fatalf("expected 200 with bearer token, got %d body=%s", reqWithToken.Code, reqWithToken.Body.String())
	}
}

func TestSessionStoreKeysAreDigests(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "admin", "admin")

	env.sessions.mu.Lock()
	defer env.sessions.mu.Unlock()
	if len(env.sessions.data) != 1 {
		t.Fatalf("expected 1 session record, got %d", len(env.sessions.data))
	}
	for key := range env.sessions.data {
		if strings.HasPrefix(key, "jti_") {
			t.Errorf("expected digest key, got raw identifier %q", key)
		}
		if len(key) != 64 {
			t.Errorf("expected sha256 hex key, got %q", key)
		}
		for _, r := range key {
			if !strings.ContainsRune("0123456789abcdef", r) {
				t.Errorf("expected hex key, got %q", key)
				break
			}
		}
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	env := newTestEnv(t)

	for _, target := range []string{"/api/state?list", "/api/users", "/api/board", "/api/logs"} {
		rr := env.do(t, http.MethodGet, target, nil, nil)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", target, rr.Code)
		}
	}
}

func TestGarbageTokenIsUnauthorized(t *testing.T) {
	env := newTestEnv(t)

	cookie := &http.Cookie{Name: sessionCookie, Value: "not-a-jwt"}
	rr := env.do(t, http.MethodGet, "/api/state?list", nil, cookie)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d body=%s", rr.Code, rr.Body.String())
	}
}
