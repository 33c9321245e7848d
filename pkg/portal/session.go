package portal

import (
	"net"
	"net/http"
	"time"

	"github.com/procurehq/vmp/pkg/api"
	"github.com/procurehq/vmp/pkg/auth"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleLogin verifies credentials and sets the session cookie. Failures
// are uniform: the authenticator never reveals whether the email exists.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	actor, cookie, err := s.deps.Sessions.Login(r.Context(), req.Email, req.Password, r.UserAgent(), remoteIP(r))
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	http.SetCookie(w, s.sessionCookie(cookie, s.deps.CookieTTL))
	api.WriteJSON(w, http.StatusOK, map[string]any{"user": actor})
}

// handleLogout revokes the session row and clears the cookie. A request
// without a valid cookie still gets the cookie cleared and a 204.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(auth.SessionCookie); err == nil && c.Value != "" {
		if err := s.deps.Sessions.Logout(r.Context(), c.Value); err != nil {
			s.logger.Warn("logout failed to revoke session", "error", err)
		}
	}
	http.SetCookie(w, s.sessionCookie("", -time.Hour))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sessionCookie(value string, ttl time.Duration) *http.Cookie {
	c := &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.deps.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
	if ttl > 0 {
		c.MaxAge = int(ttl.Seconds())
	} else {
		c.MaxAge = -1
	}
	return c
}

// remoteIP strips the port from RemoteAddr; the raw address is kept when it
// does not parse (unix sockets in tests).
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
