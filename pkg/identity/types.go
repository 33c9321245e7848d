// Package identity manages users and relational sessions and authenticates
// portal requests from the session cookie.
package identity

import "time"

// User is a portal account. Internal users are procurement ops staff;
// supplier users are bound to exactly one vendor via VendorID.
type User struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"display_name"`
	Internal     bool      `json:"internal"`
	VendorID     string    `json:"vendor_id,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session is a server-side login session. Sessions live in the relational
// store so any portal instance can resolve them.
type Session struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	TenantID   string         `json:"tenant_id"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	LastSeenAt time.Time      `json:"last_seen_at"`
	RevokedAt  *time.Time     `json:"revoked_at,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	RemoteIP   string         `json:"remote_ip,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Expired reports whether the session is past its expiry or revoked.
func (s *Session) Expired(now time.Time) bool {
	if s.RevokedAt != nil {
		return true
	}
	return !now.Before(s.ExpiresAt)
}
