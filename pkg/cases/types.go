// Package cases is the collaboration spine: it creates and retrieves cases,
// enforces the status machine, tracks SLA posture and escalation, and owns
// every case-scoped orchestration (messages, checklist recommendations, the
// bank-change resolve hook).
package cases

import (
	"time"
)

// Case types.
const (
	TypeOnboarding = "onboarding"
	TypeInvoice    = "invoice"
	TypePayment    = "payment"
	TypeSOA        = "soa"
	TypeContract   = "contract"
	TypeGeneral    = "general"
)

// ValidType reports whether t is one of the enumerated case types.
func ValidType(t string) bool {
	switch t {
	case TypeOnboarding, TypeInvoice, TypePayment, TypeSOA, TypeContract, TypeGeneral:
		return true
	}
	return false
}

// Case statuses.
const (
	StatusOpen            = "open"
	StatusWaitingSupplier = "waiting_supplier"
	StatusWaitingInternal = "waiting_internal"
	StatusResolved        = "resolved"
	StatusRejected        = "rejected"
	StatusBlocked         = "blocked"
	StatusCancelled       = "cancelled"
)

// transitions is the authoritative status machine. Cancellation is only
// reachable from open; resolved and cancelled are terminal; a rejected case
// can only be reopened toward the supplier.
var transitions = map[string][]string{
	StatusOpen:            {StatusWaitingSupplier, StatusWaitingInternal, StatusBlocked, StatusCancelled},
	StatusWaitingSupplier: {StatusWaitingInternal, StatusResolved, StatusRejected, StatusBlocked},
	StatusWaitingInternal: {StatusWaitingSupplier, StatusResolved, StatusRejected, StatusBlocked},
	StatusResolved:        {},
	StatusRejected:        {StatusWaitingSupplier},
	StatusBlocked:         {StatusWaitingInternal, StatusWaitingSupplier},
	StatusCancelled:       {},
}

// CanTransition reports whether the status machine allows from -> to.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status admits no further transitions.
func Terminal(status string) bool {
	return len(transitions[status]) == 0 && (status == StatusResolved || status == StatusCancelled)
}

// ValidStatus reports whether s is one of the enumerated statuses.
func ValidStatus(s string) bool {
	_, ok := transitions[s]
	return ok
}

// Owner teams.
const (
	TeamProcurement = "procurement"
	TeamAP          = "ap"
	TeamFinance     = "finance"
	TeamNone        = "none"
)

// ValidTeam reports whether t is one of the enumerated owner teams.
func ValidTeam(t string) bool {
	switch t {
	case TeamProcurement, TeamAP, TeamFinance, TeamNone:
		return true
	}
	return false
}

// DefaultOwnerTeam maps a case type to the team that picks it up.
func DefaultOwnerTeam(caseType string) string {
	switch caseType {
	case TypeOnboarding:
		return TeamProcurement
	case TypeInvoice, TypePayment, TypeSOA:
		return TeamAP
	default:
		return TeamNone
	}
}

// SLA postures, derived from the due timestamp at read time.
const (
	PostureOnTrack     = "on_track"
	PostureApproaching = "approaching"
	PostureDueToday    = "due_today"
	PostureOverdue     = "overdue"
)

// PostureBoundaries are the policy-supplied windows for due_today and
// approaching.
type PostureBoundaries struct {
	DueToday    time.Duration
	Approaching time.Duration
}

// PostureOf derives the SLA posture of a due timestamp. A case without a due
// timestamp is always on track.
func PostureOf(due *time.Time, now time.Time, b PostureBoundaries) string {
	if due == nil || due.IsZero() {
		return PostureOnTrack
	}
	remaining := due.Sub(now)
	switch {
	case remaining < 0:
		return PostureOverdue
	case remaining <= b.DueToday:
		return PostureDueToday
	case remaining <= b.Approaching:
		return PostureApproaching
	default:
		return PostureOnTrack
	}
}

// Escalation levels. Normal traffic sits at 0; 2 and 3 are targetable by the
// escalate operation; 3 reveals the break-glass contact.
const (
	EscalationNone       = 0
	EscalationAttention  = 1
	EscalationManagement = 2
	EscalationBreakGlass = 3
)

// Case is the central entity. Metadata is free-form JSON; the bank-change
// flow stores its proposed details there.
type Case struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	CompanyID       string         `json:"company_id"`
	VendorID        string         `json:"vendor_id"`
	Type            string         `json:"case_type"`
	Subject         string         `json:"subject"`
	Status          string         `json:"status"`
	OwnerTeam       string         `json:"owner_team"`
	AssignedUserID  string         `json:"assigned_user_id,omitempty"`
	SLADue          *time.Time     `json:"sla_due,omitempty"`
	LastSLAPosture  string         `json:"-"`
	EscalationLevel int            `json:"escalation_level"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	LinkedInvoiceID string         `json:"linked_invoice_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Posture derives the case's current SLA posture.
func (c *Case) Posture(now time.Time, b PostureBoundaries) string {
	return PostureOf(c.SLADue, now, b)
}

// Filter narrows a case listing. Zero values mean "any".
type Filter struct {
	Status    string
	OwnerTeam string
	CaseType  string
	Posture   string
	VendorID  string
	// Query is matched case-insensitively against the subject.
	Query string
}

// Detail is a case plus the derived numbers the portal shows next to it.
type Detail struct {
	Case          *Case  `json:"case"`
	Posture       string `json:"sla_posture"`
	MessageCount  int    `json:"message_count"`
	EvidenceCount int    `json:"evidence_count"`
	OpenIssues    int    `json:"open_issue_count"`
	// BreakGlass carries the escalation contact, revealed at level 3 only.
	BreakGlass *BreakGlassContact `json:"break_glass,omitempty"`
}

// BreakGlassContact is the named escalation contact from the policy profile.
type BreakGlassContact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}
