package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/procurehq/vmp/pkg/api"
)

// SessionVerifier resolves a session cookie value to the acting user.
// identity.Authenticator is the production implementation.
type SessionVerifier interface {
	VerifyCookie(ctx context.Context, cookie string) (*Actor, error)
}

// publicPaths are endpoints that do not require a session.
var publicPaths = []string{
	"/healthz",
	"/login",
}

// isPublicPath checks if the path should be accessible without auth.
// Blob URLs carry their own signature and expiry, so they bypass the
// session check.
func isPublicPath(path string) bool {
	if strings.HasPrefix(path, "/blob/") {
		return true
	}
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// NewMiddleware creates session auth middleware.
// If verifier is nil, all non-public requests are rejected (fail closed).
func NewMiddleware(verifier SessionVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			cookie, err := r.Cookie(SessionCookie)
			if err != nil || cookie.Value == "" {
				api.WriteUnauthorized(w, "Missing session cookie")
				return
			}

			if verifier == nil {
				api.WriteUnauthorized(w, "Authentication not configured")
				return
			}

			actor, err := verifier.VerifyCookie(r.Context(), cookie.Value)
			if err != nil {
				api.WriteUnauthorized(w, "Invalid or expired session")
				return
			}
			if actor.UserID == "" || actor.TenantID == "" {
				api.WriteUnauthorized(w, "Session is not bound to a tenant")
				return
			}

			ctx := WithActor(r.Context(), actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
