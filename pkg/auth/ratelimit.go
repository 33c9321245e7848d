package auth

import (
	"fmt"
	"net/http"

	"github.com/procurehq/vmp/pkg/api"
	"github.com/procurehq/vmp/pkg/ratelimit"
)

// RateLimitMiddleware enforces per-actor rate limiting at the HTTP layer.
// The actor ID comes from the authenticated Actor (falls back to remote IP
// for unauthenticated paths such as login).
// On rate limit exceeded, it returns 429 with a Retry-After header.
func RateLimitMiddleware(store ratelimit.Store, policy ratelimit.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Fail open if no store configured (dev mode)
			if store == nil {
				next.ServeHTTP(w, r)
				return
			}

			actorID := r.RemoteAddr
			if actor, err := ActorFrom(r.Context()); err == nil {
				actorID = fmt.Sprintf("%s/%s", actor.TenantID, actor.UserID)
			}

			allowed, err := store.Allow(r.Context(), actorID, policy, 1)
			if err != nil {
				// Fail open on limiter errors to avoid blocking all traffic
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				retryAfter := 60 / policy.RPM
				if retryAfter < 1 {
					retryAfter = 1
				}
				api.WriteTooManyRequests(w, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
