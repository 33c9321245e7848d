package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/procurehq/vmp/pkg/api"
	"github.com/procurehq/vmp/pkg/auth"
)

// dummyHash is a valid bcrypt digest compared against when the email does
// not resolve, so login failures take the same time either way.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// touchInterval throttles session refresh writes.
const touchInterval = time.Hour

// Authenticator implements login, logout and session resolution. It
// satisfies auth.SessionVerifier.
type Authenticator struct {
	users    *UserStore
	sessions *SessionStore
	secret   []byte
	ttl      time.Duration
	clock    func() time.Time
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithClock overrides the time source, for tests.
func WithClock(fn func() time.Time) Option {
	return func(a *Authenticator) { a.clock = fn }
}

func NewAuthenticator(users *UserStore, sessions *SessionStore, cookieSecret []byte, ttl time.Duration, opts ...Option) *Authenticator {
	a := &Authenticator{
		users:    users,
		sessions: sessions,
		secret:   cookieSecret,
		ttl:      ttl,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// errBadCredentials is the uniform login failure. It never reveals whether
// the email exists.
func errBadCredentials() error {
	return fmt.Errorf("%w: invalid email or password", api.ErrUnauthenticated)
}

// Login authenticates email+password and creates a session. It returns the
// resolved actor and the signed cookie value to set.
func (a *Authenticator) Login(ctx context.Context, email, password, userAgent, remoteIP string) (*auth.Actor, string, error) {
	user, err := a.users.GetByEmail(ctx, email)
	if err != nil {
		// Burn a bcrypt comparison so a missing account is not
		// distinguishable by response time.
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return nil, "", errBadCredentials()
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, "", errBadCredentials()
	}
	if !user.Active {
		return nil, "", errBadCredentials()
	}

	now := a.clock().UTC()
	sess := &Session{
		ID:         uuid.New().String(),
		UserID:     user.ID,
		TenantID:   user.TenantID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(a.ttl),
		LastSeenAt: now,
		UserAgent:  userAgent,
		RemoteIP:   remoteIP,
	}
	if err := a.sessions.Create(ctx, sess); err != nil {
		return nil, "", fmt.Errorf("identity: failed to open session: %w", err)
	}

	actor := actorFor(user, sess.ID)
	return actor, a.signCookie(sess.ID), nil
}

// VerifyCookie resolves a cookie value to the acting user. Tampered,
// expired, revoked and orphaned sessions all resolve to the same error.
func (a *Authenticator) VerifyCookie(ctx context.Context, cookie string) (*auth.Actor, error) {
	sid, err := a.parseCookie(cookie)
	if err != nil {
		return nil, err
	}

	sess, err := a.sessions.Get(ctx, sid)
	if err != nil {
		return nil, fmt.Errorf("%w: session not found", api.ErrUnauthenticated)
	}
	now := a.clock().UTC()
	if sess.Expired(now) {
		return nil, fmt.Errorf("%w: session expired", api.ErrUnauthenticated)
	}

	user, err := a.users.GetByID(ctx, sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: session user not found", api.ErrUnauthenticated)
	}
	if !user.Active {
		return nil, fmt.Errorf("%w: account disabled", api.ErrUnauthenticated)
	}

	// Sliding expiry, refreshed at most once per hour to keep session
	// reads write-light.
	if now.Sub(sess.LastSeenAt) >= touchInterval {
		if err := a.sessions.Touch(ctx, sess.ID, now, now.Add(a.ttl)); err != nil {
			slog.Warn("session touch failed", "session_id", sess.ID, "error", err)
		}
	}

	return actorFor(user, sess.ID), nil
}

// Logout revokes the session behind the cookie. Unknown or tampered cookies
// are ignored so logout is always safe to call.
func (a *Authenticator) Logout(ctx context.Context, cookie string) error {
	sid, err := a.parseCookie(cookie)
	if err != nil {
		return nil
	}
	return a.sessions.Revoke(ctx, sid)
}

func actorFor(u *User, sessionID string) *auth.Actor {
	return &auth.Actor{
		UserID:      u.ID,
		TenantID:    u.TenantID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Internal:    u.Internal,
		VendorID:    u.VendorID,
		SessionID:   sessionID,
	}
}

// signCookie binds the session id to the cookie secret:
// "<sid>.<base64url(HMAC-SHA256(sid))>".
func (a *Authenticator) signCookie(sid string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(sid))
	return sid + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// parseCookie validates the signature and returns the session id.
func (a *Authenticator) parseCookie(value string) (string, error) {
	i := strings.LastIndex(value, ".")
	if i <= 0 || i == len(value)-1 {
		return "", fmt.Errorf("%w: malformed session cookie", api.ErrUnauthenticated)
	}
	sid, sig := value[:i], value[i+1:]

	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return "", fmt.Errorf("%w: malformed session cookie", api.ErrUnauthenticated)
	}
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(sid))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return "", fmt.Errorf("%w: session cookie signature mismatch", api.ErrUnauthenticated)
	}
	return sid, nil
}
