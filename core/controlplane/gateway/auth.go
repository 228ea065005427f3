package gateway

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/updraft-io/updraft/core/permission"
)

// AuthContext is the authenticated caller attached to a request.
type AuthContext struct {
	APIKey      string
	PrincipalID string
	Roles       []string
	Admin       bool
}

// Identity converts the auth context to a permission identity.
func (a *AuthContext) Identity() permission.Identity {
	if a == nil {
		return permission.Identity{}
	}
	return permission.Identity{ID: a.PrincipalID, Roles: a.Roles, Admin: a.Admin}
}

// AuthProvider authenticates HTTP requests.
type AuthProvider interface {
	AuthenticateHTTP(r *http.Request) (*AuthContext, error)
}

// BasicAuthProvider checks a static API key set and trusts principal headers
// from the front-end surface that holds the key.
type BasicAuthProvider struct {
	keys          map[string]struct{}
	requireAPIKey bool
}

const (
	envAPIKeys       = "UPDRAFT_API_KEYS"
	envRequireAPIKey = "UPDRAFT_REQUIRE_API_KEY"
)

func newBasicAuthProvider() (*BasicAuthProvider, error) {
	keys := map[string]struct{}{}
	for _, key := range strings.Split(os.Getenv(envAPIKeys), ",") {
		if key = strings.TrimSpace(key); key != "" {
			keys[key] = struct{}{}
		}
	}
	require := strings.EqualFold(strings.TrimSpace(os.Getenv(envRequireAPIKey)), "true")
	if require && len(keys) == 0 {
		return nil, errors.New("UPDRAFT_REQUIRE_API_KEY is set but UPDRAFT_API_KEYS is empty")
	}
	return &BasicAuthProvider{keys: keys, requireAPIKey: require}, nil
}

func (b *BasicAuthProvider) AuthenticateHTTP(r *http.Request) (*AuthContext, error) {
	if r == nil {
		return nil, errors.New("request required")
	}
	key := strings.TrimSpace(r.Header.Get("X-API-Key"))
	if key == "" && websocket.IsWebSocketUpgrade(r) {
		key = apiKeyFromWebSocket(r)
	}
	if key == "" && b.requireAPIKey {
		return nil, errors.New("api key required")
	}
	if key != "" && len(b.keys) > 0 {
		if _, ok := b.keys[key]; !ok {
			return nil, errors.New("invalid api key")
		}
	}
	return &AuthContext{
		APIKey:      key,
		PrincipalID: strings.TrimSpace(r.Header.Get("X-Principal-Id")),
		Roles:       splitRoles(r.Header.Get("X-Principal-Roles")),
		Admin:       strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Principal-Admin")), "true"),
	}, nil
}

func splitRoles(raw string) []string {
	var roles []string
	for _, role := range strings.Split(raw, ",") {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}
	return roles
}

// apiKeyFromWebSocket pulls the key from the subprotocol list, where browser
// clients have to smuggle it because they cannot set headers on upgrade.
func apiKeyFromWebSocket(r *http.Request) string {
	for _, proto := range websocket.Subprotocols(r) {
		if strings.HasPrefix(proto, wsAPIKeyProtocol+".") {
			return strings.TrimPrefix(proto, wsAPIKeyProtocol+".")
		}
	}
	return ""
}

type authContextKey struct{}

func authFromContext(ctx context.Context) *AuthContext {
	if v, ok := ctx.Value(authContextKey{}).(*AuthContext); ok {
		return v
	}
	return nil
}

func apiKeyMiddleware(auth AuthProvider, next http.Handler) http.Handler {
	if auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		authCtx, err := auth.AuthenticateHTTP(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, authCtx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			if !isAllowedOrigin(origin) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Principal-Id, X-Principal-Roles, X-Principal-Admin")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAllowedOrigin(origin string) bool {
	raw := strings.TrimSpace(os.Getenv("UPDRAFT_ALLOWED_ORIGINS"))
	if raw == "" || raw == "*" {
		return true
	}
	for _, allowed := range strings.Split(raw, ",") {
		if strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	return false
}
