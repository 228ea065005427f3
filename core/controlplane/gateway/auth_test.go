package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBasicAuthOpenByDefault(t *testing.T) {
	t.Setenv(envAPIKeys, "")
	t.Setenv(envRequireAPIKey, "")
	provider, err := newBasicAuthProvider()
	if err != nil {
		t.Fatalf("expected provider: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/updates", nil)
	req.Header.Set("X-Principal-Id", "user-1")
	req.Header.Set("X-Principal-Roles", "role-a, role-b")
	authCtx, err := provider.AuthenticateHTTP(req)
	if err != nil {
		t.Fatalf("expected auth to pass: %v", err)
	}
	if authCtx.PrincipalID != "user-1" {
		t.Fatalf("unexpected principal: %q", authCtx.PrincipalID)
	}
	if len(authCtx.Roles) != 2 || authCtx.Roles[1] != "role-b" {
		t.Fatalf("unexpected roles: %v", authCtx.Roles)
	}
	if authCtx.Admin {
		t.Fatal("expected non-admin by default")
	}
}

func TestBasicAuthRequiresKey(t *testing.T) {
	t.Setenv(envAPIKeys, "secret-key")
	t.Setenv(envRequireAPIKey, "true")
	provider, err := newBasicAuthProvider()
	if err != nil {
		t.Fatalf("expected provider: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/updates", nil)
	if _, err := provider.AuthenticateHTTP(req); err == nil {
		t.Fatal("expected missing key to be rejected")
	}

	req.Header.Set("X-API-Key", "wrong")
	if _, err := provider.AuthenticateHTTP(req); err == nil {
		t.Fatal("expected wrong key to be rejected")
	}

	req.Header.Set("X-API-Key", "secret-key")
	if _, err := provider.AuthenticateHTTP(req); err != nil {
		t.Fatalf("expected valid key to pass: %v", err)
	}
}

func TestBasicAuthRequireWithoutKeys(t *testing.T) {
	t.Setenv(envAPIKeys, "")
	t.Setenv(envRequireAPIKey, "true")
	if _, err := newBasicAuthProvider(); err == nil {
		t.Fatal("expected configuration error")
	}
}

func TestBasicAuthAdminHeader(t *testing.T) {
	t.Setenv(envAPIKeys, "")
	t.Setenv(envRequireAPIKey, "")
	provider, err := newBasicAuthProvider()
	if err != nil {
		t.Fatalf("expected provider: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/updates", nil)
	req.Header.Set("X-Principal-Id", "user-1")
	req.Header.Set("X-Principal-Admin", "TRUE")
	authCtx, err := provider.AuthenticateHTTP(req)
	if err != nil {
		t.Fatalf("expected auth to pass: %v", err)
	}
	if !authCtx.Admin {
		t.Fatal("expected admin flag")
	}
}

func TestMiddlewareSkipsHealth(t *testing.T) {
	t.Setenv(envAPIKeys, "secret-key")
	t.Setenv(envRequireAPIKey, "true")
	provider, err := newBasicAuthProvider()
	if err != nil {
		t.Fatalf("expected provider: %v", err)
	}

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := apiKeyMiddleware(provider, inner)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected health to bypass auth, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/updates", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected api route to require key, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Setenv("UPDRAFT_ALLOWED_ORIGINS", "")
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := corsMiddleware(inner)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/updates", nil)
	req.Header.Set("Origin", "https://panel.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected preflight 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://panel.example.com" {
		t.Fatalf("unexpected allow-origin header: %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestCORSRejectsDisallowedOrigin(t *testing.T) {
	t.Setenv("UPDRAFT_ALLOWED_ORIGINS", "https://panel.example.com")
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/updates", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}
