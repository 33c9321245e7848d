// Package auth carries the authenticated actor through request contexts and
// provides the HTTP middleware chain: session check, request IDs, CORS and
// per-actor rate limiting.
package auth

// Roles derived from the user record. Internal staff operate the portal;
// supplier users are bound to exactly one vendor.
const (
	RoleInternal = "internal"
	RoleSupplier = "supplier"
)

// SessionCookie is the name of the portal session cookie.
const SessionCookie = "vmp_session"

// Actor is the authenticated identity attached to every portal request.
type Actor struct {
	UserID      string `json:"user_id"`
	TenantID    string `json:"tenant_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Internal    bool   `json:"internal"`
	// VendorID is set for supplier users and scopes every read and write
	// to that vendor's cases.
	VendorID  string `json:"vendor_id,omitempty"`
	SessionID string `json:"-"`
}

// Role returns the actor's derived role name.
func (a *Actor) Role() string {
	if a.Internal {
		return RoleInternal
	}
	return RoleSupplier
}

// CanSeeVendor reports whether the actor may read records belonging to the
// given vendor. Internal staff see every vendor in their tenant; supplier
// users see only their own.
func (a *Actor) CanSeeVendor(vendorID string) bool {
	if a.Internal {
		return true
	}
	return a.VendorID != "" && a.VendorID == vendorID
}
