// Package notify fans events out to per-user notification rows and an
// optional webhook sink. Delivery is best-effort: a failed insert or sink
// post is logged and never fails the operation that raised the event.
package notify

import "time"

// Notification kinds.
const (
	KindMessageReceived  = "message_received"
	KindEvidenceVerified = "evidence_verified"
	KindEvidenceRejected = "evidence_rejected"
	KindCaseEscalated    = "case_escalated"
	KindSignoffRequired  = "soa_signoff_required"

	// SLA posture kinds are "sla_" + the posture name.
	kindSLAPrefix = "sla_"
)

// KindForPosture returns the notification kind for an SLA posture.
func KindForPosture(posture string) string {
	return kindSLAPrefix + posture
}

// Notification is one row in a user's inbox.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CaseID    string    `json:"case_id,omitempty"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is what domain code raises; the notifier resolves recipients and
// materializes rows.
type Event struct {
	TenantID string `json:"tenant_id"`
	CaseID   string `json:"case_id,omitempty"`
	Kind     string `json:"kind"`
	Title    string `json:"title"`
	Body     string `json:"body"`
}
