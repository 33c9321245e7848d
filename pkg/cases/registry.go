package cases

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/procurehq/vmp/pkg/api"
	"github.com/procurehq/vmp/pkg/auth"
	"github.com/procurehq/vmp/pkg/checklist"
	"github.com/procurehq/vmp/pkg/config"
	"github.com/procurehq/vmp/pkg/notify"
	"github.com/procurehq/vmp/pkg/tenants"
	"github.com/procurehq/vmp/pkg/thread"
	"github.com/procurehq/vmp/pkg/vendors"
)

// Registry is the case service. All case-scoped writes run inside a
// transaction that locks the case row first, so messages, status moves and
// checklist recommendations serialize per case.
type Registry struct {
	db        *sql.DB
	cases     *Store
	steps     *checklist.Store
	messages  *thread.Store
	vendors   *vendors.Store
	companies *tenants.Store
	notifier  *notify.Notifier
	policy    *config.Policy
	clock     func() time.Time
	logger    *slog.Logger
}

// Deps collects the registry's collaborators.
type Deps struct {
	Cases     *Store
	Steps     *checklist.Store
	Messages  *thread.Store
	Vendors   *vendors.Store
	Companies *tenants.Store
	Notifier  *notify.Notifier
	Policy    *config.Policy
	Logger    *slog.Logger
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) { r.clock = clock }
}

func NewRegistry(db *sql.DB, d Deps, opts ...Option) *Registry {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		db:        db,
		cases:     d.Cases,
		steps:     d.Steps,
		messages:  d.Messages,
		vendors:   d.Vendors,
		companies: d.Companies,
		notifier:  d.Notifier,
		policy:    d.Policy,
		clock:     time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Bounds returns the policy's posture boundaries.
func (r *Registry) Bounds() PostureBoundaries {
	return PostureBoundaries{
		DueToday:    time.Duration(r.policy.SLA.DueTodayHours) * time.Hour,
		Approaching: time.Duration(r.policy.SLA.ApproachingHours) * time.Hour,
	}
}

// BreakGlass returns the escalation contact, but only once a case has hit
// level 3.
func (r *Registry) BreakGlass(c *Case) *BreakGlassContact {
	if c.EscalationLevel < EscalationBreakGlass {
		return nil
	}
	return &BreakGlassContact{
		Name:  r.policy.Escalate.BreakGlassName,
		Email: r.policy.Escalate.BreakGlassEmail,
	}
}

// CreateParams carries the inputs of case creation.
type CreateParams struct {
	CompanyID       string         `json:"company_id"`
	VendorID        string         `json:"vendor_id"`
	CaseType        string         `json:"case_type"`
	Subject         string         `json:"subject"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	LinkedInvoiceID string         `json:"linked_invoice_id,omitempty"`
}

// Create opens a case: status open, owner team defaulted by type, SLA due
// stamped from the policy window, checklist materialized, "Case opened" on
// the thread.
func (r *Registry) Create(ctx context.Context, actor *auth.Actor, p CreateParams) (*Case, error) {
	if !ValidType(p.CaseType) {
		return nil, fmt.Errorf("%w: unknown case type %q", api.ErrValidation, p.CaseType)
	}
	subject := strings.TrimSpace(p.Subject)
	if subject == "" {
		return nil, fmt.Errorf("%w: subject is required", api.ErrValidation)
	}
	if len(subject) > 500 {
		return nil, fmt.Errorf("%w: subject exceeds 500 characters", api.ErrValidation)
	}
	if !actor.Internal && p.VendorID != actor.VendorID {
		return nil, fmt.Errorf("%w: suppliers may only open cases for their own vendor", api.ErrForbidden)
	}

	vendor, err := r.vendors.Get(ctx, actor.TenantID, p.VendorID)
	if err != nil {
		return nil, err
	}
	if _, err := r.companies.GetCompany(ctx, actor.TenantID, p.CompanyID); err != nil {
		return nil, err
	}
	linked, err := r.vendors.IsLinked(ctx, p.VendorID, p.CompanyID)
	if err != nil {
		return nil, err
	}
	if !linked {
		return nil, fmt.Errorf("%w: vendor is not linked to company", api.ErrValidation)
	}

	bankChange := IsBankChange(p.Metadata)
	if bankChange {
		if p.CaseType != TypePayment {
			return nil, fmt.Errorf("%w: bank-change requests must be payment cases", api.ErrValidation)
		}
		if err := ValidateBankChange(p.Metadata); err != nil {
			return nil, err
		}
	}

	now := r.clock().UTC()
	due := now.Add(r.policy.SLAWindow(p.CaseType))
	c := &Case{
		ID:              uuid.New().String(),
		TenantID:        actor.TenantID,
		CompanyID:       p.CompanyID,
		VendorID:        p.VendorID,
		Type:            p.CaseType,
		Subject:         subject,
		Status:          StatusOpen,
		OwnerTeam:       DefaultOwnerTeam(p.CaseType),
		SLADue:          &due,
		LastSLAPosture:  PostureOf(&due, now, r.Bounds()),
		EscalationLevel: EscalationNone,
		Metadata:        p.Metadata,
		LinkedInvoiceID: p.LinkedInvoiceID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	reqs := checklist.Required(checklist.RuleInput{
		CaseType:          p.CaseType,
		VendorType:        vendor.Type,
		VendorCountry:     vendor.CountryCode,
		BankDetailsChange: bankChange,
	})

	err = r.inTx(ctx, func(tx *sql.Tx) error {
		if err := r.cases.CreateTx(ctx, tx, c); err != nil {
			return err
		}
		if err := r.steps.MaterializeTx(ctx, tx, c.ID, reqs); err != nil {
			return err
		}
		return r.messages.AppendSystemTx(ctx, tx, c.ID, "Case opened", false)
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("case created", "case_id", c.ID, "case_type", c.Type,
		"vendor_id", c.VendorID, "actor", actor.UserID)
	return c, nil
}

// Get retrieves a case in the actor's scope.
func (r *Registry) Get(ctx context.Context, actor *auth.Actor, id string) (*Case, error) {
	c, err := r.cases.Get(ctx, actor.TenantID, id)
	if err != nil {
		return nil, err
	}
	if !actor.CanSeeVendor(c.VendorID) {
		return nil, fmt.Errorf("%w: case", api.ErrNotFound)
	}
	return c, nil
}

// List enumerates cases in the actor's scope. Suppliers are pinned to their
// vendor; the posture filter is applied after derivation.
func (r *Registry) List(ctx context.Context, actor *auth.Actor, f Filter) ([]*Case, error) {
	if !actor.Internal {
		f.VendorID = actor.VendorID
	}
	if f.Status != "" && !ValidStatus(f.Status) {
		return nil, fmt.Errorf("%w: unknown status %q", api.ErrValidation, f.Status)
	}
	out, err := r.cases.List(ctx, actor.TenantID, f)
	if err != nil {
		return nil, err
	}
	if f.Posture == "" {
		return out, nil
	}

	now := r.clock().UTC()
	bounds := r.Bounds()
	filtered := out[:0]
	for _, c := range out {
		if c.Posture(now, bounds) == f.Posture {
			filtered = append(filtered, c)
		}
	}
	return filtered, nil
}

// Transition moves a case through the status machine. Only internal actors
// may reach resolved, rejected, blocked or cancelled. Resolving a bank-change
// case applies the proposed bank details to the vendor inside the same
// transaction.
func (r *Registry) Transition(ctx context.Context, actor *auth.Actor, id, target, reason string) (*Case, error) {
	if !ValidStatus(target) {
		return nil, fmt.Errorf("%w: unknown status %q", api.ErrValidation, target)
	}
	if privilegedTarget(target) && !actor.Internal {
		return nil, fmt.Errorf("%w: only internal actors may move a case to %s", api.ErrForbidden, target)
	}

	var c *Case
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		c, err = r.lockScoped(ctx, tx, actor, id)
		if err != nil {
			return err
		}
		if !CanTransition(c.Status, target) {
			return fmt.Errorf("%w: cannot transition case from %s to %s", api.ErrConflict, c.Status, target)
		}
		if target == StatusResolved {
			if err := r.applyBankChangeTx(ctx, tx, c); err != nil {
				return err
			}
		}
		if err := r.cases.UpdateStatusTx(ctx, tx, c.ID, target); err != nil {
			return err
		}
		body := statusChangeBody(c.Status, target, actorName(actor))
		if reason = strings.TrimSpace(reason); reason != "" {
			body += ": " + reason
		}
		if err := r.messages.AppendSystemTx(ctx, tx, c.ID, body, false); err != nil {
			return err
		}
		c.Status = target
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Reassign rewrites the owner team and/or assignee. Internal only.
func (r *Registry) Reassign(ctx context.Context, actor *auth.Actor, id, ownerTeam, assignedUserID string) (*Case, error) {
	if err := requireInternal(actor); err != nil {
		return nil, err
	}
	if ownerTeam != "" && !ValidTeam(ownerTeam) {
		return nil, fmt.Errorf("%w: unknown owner team %q", api.ErrValidation, ownerTeam)
	}

	var c *Case
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		c, err = r.lockScoped(ctx, tx, actor, id)
		if err != nil {
			return err
		}
		team := c.OwnerTeam
		if ownerTeam != "" {
			team = ownerTeam
		}
		if err := r.cases.SetAssignmentTx(ctx, tx, c.ID, team, assignedUserID); err != nil {
			return err
		}
		body := fmt.Sprintf("Case reassigned to team %s by %s", team, actorName(actor))
		if assignedUserID != "" {
			body = fmt.Sprintf("Case assigned to user %s (team %s) by %s", assignedUserID, team, actorName(actor))
		}
		if err := r.messages.AppendSystemTx(ctx, tx, c.ID, body, false); err != nil {
			return err
		}
		c.OwnerTeam = team
		c.AssignedUserID = assignedUserID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Escalate raises a case to level 2 or 3. Level 2 pulls the case to the AP
// team's queue; level 3 blocks it and reveals the break-glass contact.
// Suppliers may escalate their own cases.
func (r *Registry) Escalate(ctx context.Context, actor *auth.Actor, id string, level int, reason string) (*Case, error) {
	if level != EscalationManagement && level != EscalationBreakGlass {
		return nil, fmt.Errorf("%w: escalation level must be 2 or 3", api.ErrValidation)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: escalation reason is required", api.ErrValidation)
	}

	var c *Case
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		c, err = r.lockScoped(ctx, tx, actor, id)
		if err != nil {
			return err
		}
		if Terminal(c.Status) {
			return fmt.Errorf("%w: case is %s", api.ErrConflict, c.Status)
		}
		if level <= c.EscalationLevel {
			return fmt.Errorf("%w: case is already at escalation level %d", api.ErrConflict, c.EscalationLevel)
		}
		if err := r.cases.SetEscalationTx(ctx, tx, c.ID, level); err != nil {
			return err
		}

		target := StatusWaitingInternal
		if level == EscalationBreakGlass {
			target = StatusBlocked
		}
		statusNote := ""
		if c.Status != target && CanTransition(c.Status, target) {
			if err := r.cases.UpdateStatusTx(ctx, tx, c.ID, target); err != nil {
				return err
			}
			statusNote = fmt.Sprintf(" (%s -> %s)", c.Status, target)
			c.Status = target
		}
		if level == EscalationManagement {
			if err := r.cases.SetAssignmentTx(ctx, tx, c.ID, TeamAP, c.AssignedUserID); err != nil {
				return err
			}
			c.OwnerTeam = TeamAP
		}

		body := fmt.Sprintf("Case escalated to level %d%s by %s: %s", level, statusNote, actorName(actor), reason)
		if level == EscalationBreakGlass {
			body += " Break-glass contact revealed to supplier."
		}
		if err := r.messages.AppendSystemTx(ctx, tx, c.ID, body, true); err != nil {
			return err
		}
		c.EscalationLevel = level
		return nil
	})
	if err != nil {
		return nil, err
	}

	if r.notifier != nil {
		r.notifier.NotifyInternal(ctx, notify.Event{
			TenantID: c.TenantID,
			CaseID:   c.ID,
			Kind:     notify.KindCaseEscalated,
			Title:    fmt.Sprintf("Case escalated to level %d", level),
			Body:     fmt.Sprintf("%s: %s", c.Subject, reason),
		})
	}
	return c, nil
}

// ExtendSLA moves the due timestamp. This is the only path that changes an
// SLA after creation.
func (r *Registry) ExtendSLA(ctx context.Context, actor *auth.Actor, id string, due time.Time) (*Case, error) {
	if err := requireInternal(actor); err != nil {
		return nil, err
	}
	if !due.After(r.clock().UTC()) {
		return nil, fmt.Errorf("%w: new SLA due must be in the future", api.ErrValidation)
	}

	var c *Case
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		c, err = r.lockScoped(ctx, tx, actor, id)
		if err != nil {
			return err
		}
		if Terminal(c.Status) {
			return fmt.Errorf("%w: case is %s", api.ErrConflict, c.Status)
		}
		if err := r.cases.SetSLADueTx(ctx, tx, c.ID, due.UTC()); err != nil {
			return err
		}
		body := fmt.Sprintf("SLA due extended to %s by %s", due.UTC().Format(time.RFC3339), actorName(actor))
		if err := r.messages.AppendSystemTx(ctx, tx, c.ID, body, true); err != nil {
			return err
		}
		d := due.UTC()
		c.SLADue = &d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// PostMessage appends to the case thread. When the party the case was
// waiting on speaks, the waiting side flips as a convenience; internal notes
// never flip it and are never shown to suppliers.
func (r *Registry) PostMessage(ctx context.Context, actor *auth.Actor, caseID, body string, internalNote bool, source string) (*thread.Message, error) {
	body, err := thread.ValidateBody(body)
	if err != nil {
		return nil, err
	}
	if internalNote && !actor.Internal {
		return nil, fmt.Errorf("%w: suppliers cannot write internal notes", api.ErrForbidden)
	}
	if source == "" {
		source = thread.SourcePortal
	}
	if !validSource(source) {
		return nil, fmt.Errorf("%w: unknown channel source %q", api.ErrValidation, source)
	}

	party := thread.PartyInternal
	if !actor.Internal {
		party = thread.PartyVendor
	}
	msg := &thread.Message{
		CaseID:       caseID,
		SenderUserID: actor.UserID,
		SenderParty:  party,
		Source:       source,
		Body:         body,
		InternalNote: internalNote,
	}

	var c *Case
	err = r.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		c, err = r.lockScoped(ctx, tx, actor, caseID)
		if err != nil {
			return err
		}
		if err := r.messages.AppendTx(ctx, tx, msg); err != nil {
			return err
		}

		if !internalNote {
			toggled := ""
			switch {
			case c.Status == StatusWaitingSupplier && party == thread.PartyVendor:
				toggled = StatusWaitingInternal
			case c.Status == StatusWaitingInternal && party == thread.PartyInternal:
				toggled = StatusWaitingSupplier
			}
			if toggled != "" {
				if err := r.cases.UpdateStatusTx(ctx, tx, c.ID, toggled); err != nil {
					return err
				}
				note := statusChangeBody(c.Status, toggled, actorName(actor))
				if err := r.messages.AppendSystemTx(ctx, tx, c.ID, note, false); err != nil {
					return err
				}
				c.Status = toggled
				return nil
			}
		}
		return r.cases.TouchTx(ctx, tx, c.ID)
	})
	if err != nil {
		return nil, err
	}

	r.notifyMessage(ctx, c, party, internalNote)
	return msg, nil
}

// ListMessages returns the case thread in the actor's scope. Suppliers never
// see internal notes.
func (r *Registry) ListMessages(ctx context.Context, actor *auth.Actor, caseID string) ([]*thread.Message, error) {
	if _, err := r.Get(ctx, actor, caseID); err != nil {
		return nil, err
	}
	return r.messages.List(ctx, caseID, actor.Internal)
}

// FindSOAByPeriod returns the newest live statement case for a vendor and
// period, scoped to the actor.
func (r *Registry) FindSOAByPeriod(ctx context.Context, actor *auth.Actor, vendorID, periodStart, periodEnd string) (*Case, error) {
	c, err := r.cases.FindSOAByPeriod(ctx, actor.TenantID, vendorID, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}
	if !actor.CanSeeVendor(c.VendorID) {
		return nil, fmt.Errorf("%w: case", api.ErrNotFound)
	}
	return c, nil
}

// ApplyRecommendation is the checklist engine's callback: the vault reports
// what the evidence implies and the registry applies it if the machine
// allows. An empty recommendation still bumps the case's updated timestamp
// because an evidence event happened.
func (r *Registry) ApplyRecommendation(ctx context.Context, caseID, recommended, byName string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		c, err := r.cases.GetAnyForUpdateTx(ctx, tx, caseID)
		if err != nil {
			return err
		}
		if recommended == "" || recommended == c.Status {
			return r.cases.TouchTx(ctx, tx, c.ID)
		}
		if !CanTransition(c.Status, recommended) {
			// The recommendation is advisory; an illegal move is skipped,
			// not an error.
			r.logger.Debug("checklist recommendation skipped",
				"case_id", c.ID, "from", c.Status, "to", recommended)
			return r.cases.TouchTx(ctx, tx, c.ID)
		}
		if recommended == StatusResolved {
			if err := r.applyBankChangeTx(ctx, tx, c); err != nil {
				return err
			}
		}
		if err := r.cases.UpdateStatusTx(ctx, tx, c.ID, recommended); err != nil {
			return err
		}
		return r.messages.AppendSystemTx(ctx, tx, c.ID, statusChangeBody(c.Status, recommended, byName), false)
	})
}

// SLATransitions sweeps non-terminal cases and returns those whose posture
// moved since the last sweep, recording the new posture as it goes. One
// failed case does not abort the sweep.
func (r *Registry) SLATransitions(ctx context.Context, now time.Time) ([]notify.PostureTransition, error) {
	all, err := r.cases.SLAScan(ctx)
	if err != nil {
		return nil, err
	}

	bounds := r.Bounds()
	var out []notify.PostureTransition
	for _, c := range all {
		posture := c.Posture(now, bounds)
		if posture == c.LastSLAPosture {
			continue
		}
		if err := r.cases.RecordPosture(ctx, c.ID, posture); err != nil {
			r.logger.Error("failed to record sla posture", "case_id", c.ID, "error", err)
			continue
		}
		out = append(out, notify.PostureTransition{
			CaseID:         c.ID,
			TenantID:       c.TenantID,
			VendorID:       c.VendorID,
			Subject:        c.Subject,
			AssignedUserID: c.AssignedUserID,
			From:           c.LastSLAPosture,
			To:             posture,
		})
	}
	return out, nil
}

// applyBankChangeTx rewrites the vendor's bank details from the case
// metadata when a bank-change case resolves.
func (r *Registry) applyBankChangeTx(ctx context.Context, tx *sql.Tx, c *Case) error {
	if c.Type != TypePayment || !IsBankChange(c.Metadata) {
		return nil
	}
	bd, err := ProposedBankDetails(c.Metadata)
	if err != nil {
		return err
	}
	if err := r.vendors.UpdateBankDetailsTx(ctx, tx, c.TenantID, c.VendorID, bd); err != nil {
		return err
	}
	return r.messages.AppendSystemTx(ctx, tx, c.ID,
		"Vendor bank details updated from approved bank-change request", false)
}

func (r *Registry) notifyMessage(ctx context.Context, c *Case, senderParty string, internalNote bool) {
	if r.notifier == nil || internalNote {
		return
	}
	ev := notify.Event{
		TenantID: c.TenantID,
		CaseID:   c.ID,
		Kind:     notify.KindMessageReceived,
		Title:    "New message",
		Body:     c.Subject,
	}
	if senderParty == thread.PartyVendor {
		r.notifier.NotifyInternal(ctx, ev)
		return
	}
	r.notifier.NotifySupplier(ctx, c.VendorID, ev)
}

// lockScoped loads a case under FOR UPDATE and enforces the actor's scope.
func (r *Registry) lockScoped(ctx context.Context, tx *sql.Tx, actor *auth.Actor, id string) (*Case, error) {
	c, err := r.cases.GetForUpdateTx(ctx, tx, actor.TenantID, id)
	if err != nil {
		return nil, err
	}
	if !actor.CanSeeVendor(c.VendorID) {
		return nil, fmt.Errorf("%w: case", api.ErrNotFound)
	}
	return c, nil
}

func (r *Registry) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cases: failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cases: failed to commit transaction: %w", err)
	}
	return nil
}

func privilegedTarget(status string) bool {
	switch status {
	case StatusResolved, StatusRejected, StatusBlocked, StatusCancelled:
		return true
	}
	return false
}

func statusChangeBody(from, to, byName string) string {
	verb := "Status changed"
	switch to {
	case StatusResolved:
		verb = "Case resolved"
	case StatusRejected:
		verb = "Case rejected"
	case StatusBlocked:
		verb = "Case blocked"
	case StatusCancelled:
		verb = "Case cancelled"
	}
	return fmt.Sprintf("%s (%s -> %s) by %s", verb, from, to, byName)
}

func requireInternal(actor *auth.Actor) error {
	if !actor.Internal {
		return fmt.Errorf("%w: internal actors only", api.ErrForbidden)
	}
	return nil
}

func actorName(actor *auth.Actor) string {
	if actor.DisplayName != "" {
		return actor.DisplayName
	}
	if actor.Email != "" {
		return actor.Email
	}
	return actor.UserID
}

func validSource(s string) bool {
	switch s {
	case thread.SourcePortal, thread.SourceEmail, thread.SourceWhatsApp, thread.SourceSlack:
		return true
	}
	return false
}
