package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/Debaq/printerhub/server/storage"
)

type contextKey string

const principalKey contextKey = "principal"

// contextWithPrincipal attaches the authenticated user to a request context.
func contextWithPrincipal(ctx context.Context, user *storage.User) context.Context {
	return context.WithValue(ctx, principalKey, user)
}

// principalFromContext returns the authenticated user, or nil for anonymous
// requests.
func principalFromContext(ctx context.Context) *storage.User {
	u, _ := ctx.Value(principalKey).(*storage.User)
	return u
}

// sessionToken extracts the bearer token from the Authorization header or
// the session cookie.
func sessionToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if c, err := r.Cookie("printerhub_session"); err == nil {
		return c.Value
	}
	return ""
}

// withSession resolves the session token (if any) to a user and stores it
// on the context. Invalid or missing tokens leave the request anonymous;
// endpoints that require authentication call requireUser.
func withSession(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token := sessionToken(r); token != "" {
			if user, err := serverStore.GetSessionUser(r.Context(), token); err == nil {
				r = r.WithContext(contextWithPrincipal(r.Context(), user))
			}
		}
		h(w, r)
	}
}

// requireUser returns the authenticated user or writes a 401.
func requireUser(w http.ResponseWriter, r *http.Request) *storage.User {
	user := principalFromContext(r.Context())
	if user == nil {
		jsonError(w, http.StatusUnauthorized, "authentication required")
		return nil
	}
	return user
}

// requireAdmin returns the authenticated admin or writes a 401/403.
func requireAdmin(w http.ResponseWriter, r *http.Request) *storage.User {
	user := requireUser(w, r)
	if user == nil {
		return nil
	}
	if !user.IsAdmin() {
		jsonError(w, http.StatusForbidden, "admin access required")
		return nil
	}
	return user
}

// jsonResponse writes v as a JSON body.
func jsonResponse(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// jsonError writes a JSON error body with the given status.
func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// getRealIP extracts the client IP, preferring X-Forwarded-For when set by
// a fronting proxy.
func getRealIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// queryInt64 parses an optional integer query parameter.
func queryInt64(r *http.Request, name string) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
