package soa

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/procurehq/vmp/pkg/api"
	"github.com/procurehq/vmp/pkg/auth"
	"github.com/procurehq/vmp/pkg/cases"
	"github.com/procurehq/vmp/pkg/config"
	"github.com/procurehq/vmp/pkg/evidence"
	"github.com/procurehq/vmp/pkg/invoices"
	"github.com/procurehq/vmp/pkg/notify"
	"github.com/procurehq/vmp/pkg/thread"
)

// CaseService is the slice of the case registry the reconciliation engine
// drives: scoped reads, statement-case creation and reuse, the resolve
// transition at sign-off, and the advisory status recommendation after a
// matching run.
type CaseService interface {
	Get(ctx context.Context, actor *auth.Actor, id string) (*cases.Case, error)
	Create(ctx context.Context, actor *auth.Actor, p cases.CreateParams) (*cases.Case, error)
	Transition(ctx context.Context, actor *auth.Actor, id, target, reason string) (*cases.Case, error)
	FindSOAByPeriod(ctx context.Context, actor *auth.Actor, vendorID, periodStart, periodEnd string) (*cases.Case, error)
	ApplyRecommendation(ctx context.Context, caseID, recommended, byName string) error
}

// Uploader is the slice of the evidence vault used for line attachments.
type Uploader interface {
	Upload(ctx context.Context, actor *auth.Actor, p evidence.UploadParams) (*evidence.Evidence, error)
}

// Service runs statement reconciliation: CSV ingest, the multi-pass
// matcher, manual corrections, and the gated sign-off.
type Service struct {
	store    *Store
	invoices *invoices.Store
	cases    CaseService
	vault    Uploader
	messages *thread.Store
	notifier *notify.Notifier
	policy   *config.Policy
	clock    func() time.Time
	spawn    func(func())
	logger   *slog.Logger
}

// Deps collects the service's collaborators.
type Deps struct {
	Store    *Store
	Invoices *invoices.Store
	Cases    CaseService
	Vault    Uploader
	Messages *thread.Store
	Notifier *notify.Notifier
	Policy   *config.Policy
	Logger   *slog.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

func NewService(d Deps, opts ...Option) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:    d.Store,
		invoices: d.Invoices,
		cases:    d.Cases,
		vault:    d.Vault,
		messages: d.Messages,
		notifier: d.Notifier,
		policy:   d.Policy,
		clock:    time.Now,
		spawn:    func(fn func()) { go fn() },
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IngestParams carries one statement upload. Period boundaries accept the
// same date formats as statement rows.
type IngestParams struct {
	CompanyID   string
	VendorID    string
	PeriodStart string
	PeriodEnd   string
	CSV         io.Reader
}

// IngestResult reports what one statement upload did. When matching was
// hoisted onto a background worker the match counts arrive on the case,
// not here.
type IngestResult struct {
	CaseID     string     `json:"case_id"`
	Created    bool       `json:"case_created"`
	Lines      int        `json:"lines_ingested"`
	Duplicates int        `json:"duplicate_lines"`
	Matched    int        `json:"lines_matched"`
	Issues     int        `json:"issues_opened"`
	Background bool       `json:"matching_deferred,omitempty"`
	Errors     []RowError `json:"errors,omitempty"`
}

// Ingest parses a statement CSV, creates or reuses the vendor's statement
// case for the period, attaches the lines, and runs matching. Rows already
// on the case (same document number, date and amount) are suppressed, so
// re-ingesting an identical file is a no-op. Statements larger than the
// policy threshold run the matcher on a background worker.
func (s *Service) Ingest(ctx context.Context, actor *auth.Actor, p IngestParams) (*IngestResult, error) {
	if err := requireInternal(actor); err != nil {
		return nil, err
	}
	start, err := invoices.ParseDate(p.PeriodStart)
	if err != nil {
		return nil, fmt.Errorf("%w: bad period start %q", api.ErrValidation, p.PeriodStart)
	}
	end, err := invoices.ParseDate(p.PeriodEnd)
	if err != nil {
		return nil, fmt.Errorf("%w: bad period end %q", api.ErrValidation, p.PeriodEnd)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: period end precedes period start", api.ErrValidation)
	}
	periodStart, periodEnd := start.Format("2006-01-02"), end.Format("2006-01-02")

	st, err := ParseStatement(p.CSV)
	if err != nil {
		return nil, err
	}

	c, created, err := s.statementCase(ctx, actor, p, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}

	res := &IngestResult{CaseID: c.ID, Created: created, Errors: st.Errors}
	now := s.clock().UTC()
	for _, line := range st.Lines {
		dup, err := s.store.HasLine(ctx, c.ID, line.DocNumber, line.DocDate, line.AmountCents)
		if err != nil {
			return nil, err
		}
		if dup {
			res.Duplicates++
			continue
		}
		seen, err := s.store.DocNumberCount(ctx, c.ID, line.DocNumber)
		if err != nil {
			return nil, err
		}

		line.ID = uuid.New().String()
		line.CaseID = c.ID
		line.Status = LineExtracted
		line.CreatedAt = now
		line.UpdatedAt = now
		if err := s.store.InsertLine(ctx, line); err != nil {
			return nil, err
		}
		res.Lines++

		// Same document number with a different date or amount: keep the
		// line (it may still match) but flag it for review.
		if seen > 0 {
			iss := &Issue{
				ID:          uuid.New().String(),
				LineID:      line.ID,
				Type:        IssueDuplicate,
				Description: fmt.Sprintf("document number %s appears on multiple statement lines", line.DocNumber),
				Status:      IssueOpen,
				CreatedAt:   now,
			}
			if err := s.store.InsertIssue(ctx, iss); err != nil {
				return nil, err
			}
			res.Issues++
		}
	}

	s.logger.Info("statement ingested", "case_id", c.ID, "vendor_id", p.VendorID,
		"lines", res.Lines, "duplicates", res.Duplicates, "row_errors", len(st.Errors),
		"actor", actor.UserID)

	if res.Lines > s.policy.Matching.BackgroundThresholdLines {
		res.Background = true
		bg := context.WithoutCancel(ctx)
		s.spawn(func() {
			if _, err := s.runMatching(bg, c); err != nil {
				s.logger.Error("background matching failed", "case_id", c.ID, "error", err)
			}
		})
		return res, nil
	}

	counts, err := s.runMatching(ctx, c)
	if err != nil {
		return nil, err
	}
	res.Matched = counts.matched
	res.Issues += counts.issues
	return res, nil
}

// statementCase finds the live case for (vendor, period) or opens one.
func (s *Service) statementCase(ctx context.Context, actor *auth.Actor, p IngestParams, periodStart, periodEnd string) (*cases.Case, bool, error) {
	c, err := s.cases.FindSOAByPeriod(ctx, actor, p.VendorID, periodStart, periodEnd)
	switch {
	case err == nil:
		if cases.Terminal(c.Status) {
			return nil, false, fmt.Errorf("%w: statement for this period was already signed off", api.ErrConflict)
		}
		return c, false, nil
	case errors.Is(err, api.ErrNotFound):
		c, err = s.cases.Create(ctx, actor, cases.CreateParams{
			CompanyID: p.CompanyID,
			VendorID:  p.VendorID,
			CaseType:  cases.TypeSOA,
			Subject:   fmt.Sprintf("Statement of account %s to %s", periodStart, periodEnd),
			Metadata: map[string]any{
				cases.MetaSOAPeriodStart: periodStart,
				cases.MetaSOAPeriodEnd:   periodEnd,
			},
		})
		if err != nil {
			return nil, false, err
		}
		return c, true, nil
	default:
		return nil, false, err
	}
}

// RecomputeResult reports one matching run.
type RecomputeResult struct {
	Processed int `json:"lines_processed"`
	Matched   int `json:"lines_matched"`
	Issues    int `json:"issues_opened"`
}

// Recompute re-runs matching over the case's extracted lines. Lines that
// already matched or produced issues are untouched, so a recompute on a
// settled case is a no-op.
func (s *Service) Recompute(ctx context.Context, actor *auth.Actor, caseID string) (*RecomputeResult, error) {
	if err := requireInternal(actor); err != nil {
		return nil, err
	}
	c, err := s.statementScoped(ctx, actor, caseID)
	if err != nil {
		return nil, err
	}
	if cases.Terminal(c.Status) {
		return nil, fmt.Errorf("%w: case is %s", api.ErrConflict, c.Status)
	}

	pending, err := s.store.ExtractedLines(ctx, caseID)
	if err != nil {
		return nil, err
	}
	counts, err := s.runMatching(ctx, c)
	if err != nil {
		return nil, err
	}
	return &RecomputeResult{Processed: len(pending), Matched: counts.matched, Issues: counts.issues}, nil
}

type runCounts struct {
	matched int
	issues  int
}

// runMatching pairs the case's extracted lines against the vendor's ledger.
// Cancellation is honored between lines; a partial run leaves its work in
// place and the remainder stays extracted for the next invocation. A
// per-line storage failure flags the line with an issue and moves on.
func (s *Service) runMatching(ctx context.Context, c *cases.Case) (runCounts, error) {
	var counts runCounts
	lines, err := s.store.ExtractedLines(ctx, c.ID)
	if err != nil {
		return counts, err
	}
	if len(lines) == 0 {
		return counts, nil
	}

	candidates, err := s.invoices.CandidatesForVendor(ctx, c.TenantID, c.VendorID)
	if err != nil {
		return counts, err
	}
	matcher := NewMatcher(candidates, s.policy.DateTolerance())

	for _, line := range lines {
		if err := ctx.Err(); err != nil {
			return counts, fmt.Errorf("soa: matching cancelled: %w", err)
		}
		matched, issues, err := s.applyOutcome(ctx, line, matcher.Match(line))
		if err != nil {
			s.flagLine(ctx, line, err)
			counts.issues++
			continue
		}
		if matched {
			counts.matched++
		}
		counts.issues += issues
	}

	s.logger.Info("matching run complete", "case_id", c.ID, "lines", len(lines),
		"matched", counts.matched, "issues", counts.issues)
	s.recommendReview(ctx, c.ID)
	s.maybeNotifySignoffReady(ctx, c)
	return counts, nil
}

// applyOutcome persists what the matcher decided for one line.
func (s *Service) applyOutcome(ctx context.Context, line *Line, o *Outcome) (bool, int, error) {
	now := s.clock().UTC()
	if o == nil {
		iss := &Issue{
			ID:          uuid.New().String(),
			LineID:      line.ID,
			Type:        IssueUnmatched,
			Description: fmt.Sprintf("no ledger invoice found for %s", line.DocNumber),
			Status:      IssueOpen,
			CreatedAt:   now,
		}
		if err := s.store.InsertIssue(ctx, iss); err != nil {
			return false, 0, err
		}
		if err := s.store.SetLineStatus(ctx, line.ID, LineDiscrepancy); err != nil {
			return false, 0, err
		}
		return false, 1, nil
	}

	m := &Match{
		ID:          uuid.New().String(),
		LineID:      line.ID,
		InvoiceID:   o.Invoice.ID,
		Pass:        o.Pass,
		IsExact:     o.Exact(),
		AmountDelta: o.AmountDelta,
		DaysDelta:   o.DaysDelta,
		CreatedAt:   now,
	}
	if err := s.store.InsertMatch(ctx, m); err != nil {
		return false, 0, err
	}
	if err := s.store.SetLineStatus(ctx, line.ID, LineMatched); err != nil {
		return false, 0, err
	}
	if err := s.invoices.SetStatus(ctx, o.Invoice.ID, invoices.StatusMatched); err != nil {
		return false, 0, err
	}

	issues := 0
	if o.AmountDelta != 0 {
		iss := &Issue{
			ID:          uuid.New().String(),
			LineID:      line.ID,
			Type:        IssueAmountVariance,
			Description: fmt.Sprintf("amount differs from invoice %s by %s", o.Invoice.InvoiceNumber, o.AmountDelta.Abs()),
			Status:      IssueOpen,
			CreatedAt:   now,
		}
		if err := s.store.InsertIssue(ctx, iss); err != nil {
			return true, issues, err
		}
		issues++
	}
	if o.DaysDelta != 0 {
		days := o.DaysDelta
		if days < 0 {
			days = -days
		}
		iss := &Issue{
			ID:          uuid.New().String(),
			LineID:      line.ID,
			Type:        IssueDateVariance,
			Description: fmt.Sprintf("date differs from invoice %s by %d days", o.Invoice.InvoiceNumber, days),
			Status:      IssueOpen,
			CreatedAt:   now,
		}
		if err := s.store.InsertIssue(ctx, iss); err != nil {
			return true, issues, err
		}
		issues++
	}
	return true, issues, nil
}

// flagLine records a matching failure as an issue. The line stays extracted
// so the next recompute retries it.
func (s *Service) flagLine(ctx context.Context, line *Line, cause error) {
	iss := &Issue{
		ID:          uuid.New().String(),
		LineID:      line.ID,
		Type:        IssueOther,
		Description: fmt.Sprintf("matching failed: %v", cause),
		Status:      IssueOpen,
		CreatedAt:   s.clock().UTC(),
	}
	if err := s.store.InsertIssue(ctx, iss); err != nil {
		s.logger.Error("failed to flag statement line", "line_id", line.ID, "error", err)
	}
}

// recommendReview parks the case with the AP team after a matching run. The
// recommendation is advisory; the registry skips moves the machine forbids.
func (s *Service) recommendReview(ctx context.Context, caseID string) {
	if err := s.cases.ApplyRecommendation(ctx, caseID, cases.StatusWaitingInternal, "Reconciliation"); err != nil {
		s.logger.Error("failed to apply matching recommendation", "case_id", caseID, "error", err)
	}
}

// maybeNotifySignoffReady tells the AP team when a statement becomes
// signable: every line settled and every issue resolved.
func (s *Service) maybeNotifySignoffReady(ctx context.Context, c *cases.Case) {
	if s.notifier == nil {
		return
	}
	total, err := s.store.LineCount(ctx, c.ID)
	if err != nil || total == 0 {
		s.logReadinessErr(c.ID, err)
		return
	}
	blocking, err := s.store.BlockingLine(ctx, c.ID)
	if err != nil || blocking != nil {
		s.logReadinessErr(c.ID, err)
		return
	}
	open, err := s.store.OpenIssueCount(ctx, c.ID)
	if err != nil || open > 0 {
		s.logReadinessErr(c.ID, err)
		return
	}
	s.notifier.NotifyInternal(ctx, notify.Event{
		TenantID: c.TenantID,
		CaseID:   c.ID,
		Kind:     notify.KindSignoffRequired,
		Title:    "Statement ready for sign-off",
		Body:     c.Subject,
	})
}

func (s *Service) logReadinessErr(caseID string, err error) {
	if err != nil {
		s.logger.Error("failed to check sign-off readiness", "case_id", caseID, "error", err)
	}
}

// Lines returns the case's statement lines in the actor's scope.
func (s *Service) Lines(ctx context.Context, actor *auth.Actor, caseID string) ([]*Line, error) {
	if _, err := s.statementScoped(ctx, actor, caseID); err != nil {
		return nil, err
	}
	return s.store.LinesForCase(ctx, caseID)
}

// Matches returns the case's matches in the actor's scope.
func (s *Service) Matches(ctx context.Context, actor *auth.Actor, caseID string) ([]*Match, error) {
	if _, err := s.statementScoped(ctx, actor, caseID); err != nil {
		return nil, err
	}
	return s.store.MatchesForCase(ctx, caseID)
}

// Issues returns the case's issues in the actor's scope.
func (s *Service) Issues(ctx context.Context, actor *auth.Actor, caseID string) ([]*Issue, error) {
	if _, err := s.statementScoped(ctx, actor, caseID); err != nil {
		return nil, err
	}
	return s.store.IssuesForCase(ctx, caseID)
}

// MatchLine records an operator's pairing of a line with an invoice. The
// match carries pass "manual" and whatever deltas the pairing has; any open
// unmatched issue on the line is resolved by the same action.
func (s *Service) MatchLine(ctx context.Context, actor *auth.Actor, caseID, lineID, invoiceID string) (*Match, error) {
	if err := requireInternal(actor); err != nil {
		return nil, err
	}
	c, err := s.statementScoped(ctx, actor, caseID)
	if err != nil {
		return nil, err
	}
	if cases.Terminal(c.Status) {
		return nil, fmt.Errorf("%w: case is %s", api.ErrConflict, c.Status)
	}
	line, err := s.caseLine(ctx, caseID, lineID)
	if err != nil {
		return nil, err
	}
	if line.Status == LineMatched {
		return nil, fmt.Errorf("%w: line %s is already matched", api.ErrConflict, line.DocNumber)
	}
	inv, err := s.invoices.Get(ctx, c.TenantID, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.VendorID != c.VendorID {
		return nil, fmt.Errorf("%w: invoice belongs to a different vendor", api.ErrValidation)
	}

	m := &Match{
		ID:          uuid.New().String(),
		LineID:      line.ID,
		InvoiceID:   inv.ID,
		Pass:        PassManual,
		AmountDelta: line.AmountCents - inv.AmountCents,
		DaysDelta:   daysBetween(inv.InvoiceDate, line.DocDate),
		CreatedAt:   s.clock().UTC(),
	}
	m.IsExact = m.AmountDelta == 0 && m.DaysDelta == 0

	if err := s.store.InsertMatch(ctx, m); err != nil {
		return nil, err
	}
	if err := s.store.SetLineStatus(ctx, line.ID, LineMatched); err != nil {
		return nil, err
	}
	if err := s.invoices.SetStatus(ctx, inv.ID, invoices.StatusMatched); err != nil {
		return nil, err
	}
	if err := s.store.ResolveLineIssues(ctx, line.ID, actor.UserID); err != nil {
		return nil, err
	}

	s.appendNote(ctx, caseID, fmt.Sprintf("Statement line %s manually matched to invoice %s by %s",
		line.DocNumber, inv.InvoiceNumber, actorName(actor)))
	s.maybeNotifySignoffReady(ctx, c)
	return m, nil
}

// DisputeLine opens an issue on a line. issueType defaults to "other"; a
// matched line under dispute flips its invoice to disputed.
func (s *Service) DisputeLine(ctx context.Context, actor *auth.Actor, caseID, lineID, issueType, reason string) (*Issue, error) {
	if err := requireInternal(actor); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: dispute reason is required", api.ErrValidation)
	}
	if issueType == "" {
		issueType = IssueOther
	}
	if !ValidIssueType(issueType) {
		return nil, fmt.Errorf("%w: unknown issue type %q", api.ErrValidation, issueType)
	}
	c, err := s.statementScoped(ctx, actor, caseID)
	if err != nil {
		return nil, err
	}
	if cases.Terminal(c.Status) {
		return nil, fmt.Errorf("%w: case is %s", api.ErrConflict, c.Status)
	}
	line, err := s.caseLine(ctx, caseID, lineID)
	if err != nil {
		return nil, err
	}

	iss := &Issue{
		ID:          uuid.New().String(),
		LineID:      line.ID,
		Type:        issueType,
		Description: reason,
		Status:      IssueOpen,
		CreatedAt:   s.clock().UTC(),
	}
	if err := s.store.InsertIssue(ctx, iss); err != nil {
		return nil, err
	}
	if err := s.store.SetLineStatus(ctx, line.ID, LineDiscrepancy); err != nil {
		return nil, err
	}
	if m, err := s.store.MatchForLine(ctx, line.ID); err == nil {
		if err := s.invoices.SetStatus(ctx, m.InvoiceID, invoices.StatusDisputed); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, api.ErrNotFound) {
		return nil, err
	}

	s.appendNote(ctx, caseID, fmt.Sprintf("Statement line %s disputed by %s: %s",
		line.DocNumber, actorName(actor), reason))
	return iss, nil
}

// IgnoreLine takes a line out of reconciliation, resolving its open issues
// with it. Ignoring an ignored line is a no-op.
func (s *Service) IgnoreLine(ctx context.Context, actor *auth.Actor, caseID, lineID, reason string) (*Line, error) {
	if err := requireInternal(actor); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: a reason is required to ignore a line", api.ErrValidation)
	}
	c, err := s.statementScoped(ctx, actor, caseID)
	if err != nil {
		return nil, err
	}
	if cases.Terminal(c.Status) {
		return nil, fmt.Errorf("%w: case is %s", api.ErrConflict, c.Status)
	}
	line, err := s.caseLine(ctx, caseID, lineID)
	if err != nil {
		return nil, err
	}
	if line.Status == LineIgnored {
		return line, nil
	}

	if err := s.store.SetLineStatus(ctx, line.ID, LineIgnored); err != nil {
		return nil, err
	}
	if err := s.store.ResolveLineIssues(ctx, line.ID, actor.UserID); err != nil {
		return nil, err
	}
	line.Status = LineIgnored

	s.appendNote(ctx, caseID, fmt.Sprintf("Statement line %s ignored by %s: %s",
		line.DocNumber, actorName(actor), reason))
	s.maybeNotifySignoffReady(ctx, c)
	return line, nil
}

// ResolveIssue closes an issue. When it was the line's last open issue and
// the line sat in discrepancy, the line moves to resolved. Resolving a
// resolved issue returns it unchanged.
func (s *Service) ResolveIssue(ctx context.Context, actor *auth.Actor, caseID, issueID, note string) (*Issue, error) {
	if err := requireInternal(actor); err != nil {
		return nil, err
	}
	c, err := s.statementScoped(ctx, actor, caseID)
	if err != nil {
		return nil, err
	}
	iss, err := s.store.Issue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	line, err := s.caseLine(ctx, caseID, iss.LineID)
	if err != nil {
		return nil, err
	}
	if iss.Status == IssueResolved {
		return iss, nil
	}

	if err := s.store.ResolveIssue(ctx, iss.ID, actor.UserID); err != nil {
		return nil, err
	}
	open, err := s.store.OpenIssueCountForLine(ctx, line.ID)
	if err != nil {
		return nil, err
	}
	if open == 0 && line.Status == LineDiscrepancy {
		if err := s.store.SetLineStatus(ctx, line.ID, LineResolved); err != nil {
			return nil, err
		}
	}

	body := fmt.Sprintf("Issue on statement line %s resolved by %s", line.DocNumber, actorName(actor))
	if note = strings.TrimSpace(note); note != "" {
		body += ": " + note
	}
	s.appendNote(ctx, caseID, body)
	s.maybeNotifySignoffReady(ctx, c)
	return s.store.Issue(ctx, issueID)
}

// UploadLineEvidence attaches a document to the line's case through the
// evidence vault. The vault enforces upload policy and supplier scoping;
// the evidence type defaults to reconciliation.
func (s *Service) UploadLineEvidence(ctx context.Context, actor *auth.Actor, caseID, lineID string, p evidence.UploadParams) (*evidence.Evidence, error) {
	line, err := s.caseLine(ctx, caseID, lineID)
	if err != nil {
		return nil, err
	}
	p.CaseID = caseID
	if p.EvidenceType == "" {
		p.EvidenceType = "reconciliation"
	}
	ev, err := s.vault.Upload(ctx, actor, p)
	if err != nil {
		return nil, err
	}
	s.appendNote(ctx, caseID, fmt.Sprintf("Evidence %s attached for statement line %s",
		ev.Filename, line.DocNumber))
	return ev, nil
}

// SignoffSummary is the canonical record embedded in the sign-off message.
// Its JCS digest makes the recorded numbers tamper-evident.
type SignoffSummary struct {
	CaseID           string `json:"case_id"`
	VendorID         string `json:"vendor_id"`
	SignedBy         string `json:"signed_by"`
	SignedByName     string `json:"signed_by_name"`
	SignedAt         string `json:"signed_at"`
	Lines            int    `json:"lines"`
	Matched          int    `json:"matched"`
	Resolved         int    `json:"resolved"`
	Ignored          int    `json:"ignored"`
	NetVarianceCents int64  `json:"net_variance_cents"`
}

// SignoffResult is the outcome of a successful sign-off.
type SignoffResult struct {
	Case    *cases.Case    `json:"case"`
	Summary SignoffSummary `json:"summary"`
	Digest  string         `json:"digest"`
}

// Signoff closes the reconciliation. It is permitted only when every line
// is matched, resolved or ignored and every issue is resolved; the refusal
// cites the first offending line. On success the case resolves and the
// status message carries the signing actor, the net variance and the
// summary digest.
func (s *Service) Signoff(ctx context.Context, actor *auth.Actor, caseID string) (*SignoffResult, error) {
	if err := requireInternal(actor); err != nil {
		return nil, err
	}
	c, err := s.statementScoped(ctx, actor, caseID)
	if err != nil {
		return nil, err
	}
	if cases.Terminal(c.Status) {
		return nil, fmt.Errorf("%w: case is %s", api.ErrConflict, c.Status)
	}

	lines, err := s.store.LinesForCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: statement has no lines", api.ErrConflict)
	}
	for _, l := range lines {
		switch l.Status {
		case LineMatched, LineResolved, LineIgnored:
		default:
			return nil, fmt.Errorf("%w: line %s is %s", api.ErrConflict, l.DocNumber, l.Status)
		}
	}
	open, err := s.store.FirstOpenIssue(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		l, err := s.store.Line(ctx, open.LineID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s issue on line %s is open", api.ErrConflict, open.Type, l.DocNumber)
	}

	matches, err := s.store.MatchesForCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	sum := s.summarize(c, actor, lines, matches)
	digest, err := summaryDigest(sum)
	if err != nil {
		return nil, err
	}

	reason := fmt.Sprintf("statement signed off: %d lines (%d matched, %d resolved, %d ignored), net variance %s, summary digest %s",
		sum.Lines, sum.Matched, sum.Resolved, sum.Ignored, invoices.Cents(sum.NetVarianceCents), digest)
	resolved, err := s.cases.Transition(ctx, actor, caseID, cases.StatusResolved, reason)
	if err != nil {
		return nil, err
	}

	s.logger.Info("statement signed off", "case_id", caseID, "actor", actor.UserID,
		"lines", sum.Lines, "net_variance_cents", sum.NetVarianceCents, "digest", digest)
	return &SignoffResult{Case: resolved, Summary: sum, Digest: digest}, nil
}

// summarize tallies the statement at sign-off time. Net variance is the sum
// of match deltas plus the full amount of every line settled without a
// ledger invoice behind it.
func (s *Service) summarize(c *cases.Case, actor *auth.Actor, lines []*Line, matches []*Match) SignoffSummary {
	byLine := make(map[string]*Match, len(matches))
	for _, m := range matches {
		byLine[m.LineID] = m
	}
	sum := SignoffSummary{
		CaseID:       c.ID,
		VendorID:     c.VendorID,
		SignedBy:     actor.UserID,
		SignedByName: actorName(actor),
		SignedAt:     s.clock().UTC().Format(time.RFC3339),
		Lines:        len(lines),
	}
	for _, l := range lines {
		switch l.Status {
		case LineMatched:
			sum.Matched++
		case LineResolved:
			sum.Resolved++
		case LineIgnored:
			sum.Ignored++
		}
		if m, ok := byLine[l.ID]; ok {
			sum.NetVarianceCents += int64(m.AmountDelta)
		} else {
			sum.NetVarianceCents += int64(l.AmountCents)
		}
	}
	return sum
}

// summaryDigest canonicalizes the summary per RFC 8785 and digests it, so
// the figure recorded in the thread can be re-derived and checked.
func summaryDigest(sum SignoffSummary) (string, error) {
	raw, err := json.Marshal(sum)
	if err != nil {
		return "", fmt.Errorf("soa: failed to encode sign-off summary: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("soa: failed to canonicalize sign-off summary: %w", err)
	}
	digest := sha256.Sum256(canon)
	return "sha256:" + hex.EncodeToString(digest[:]), nil
}

// statementScoped loads the case in the actor's scope and checks it is a
// statement case.
func (s *Service) statementScoped(ctx context.Context, actor *auth.Actor, caseID string) (*cases.Case, error) {
	c, err := s.cases.Get(ctx, actor, caseID)
	if err != nil {
		return nil, err
	}
	if c.Type != cases.TypeSOA {
		return nil, fmt.Errorf("%w: case %s is not a statement case", api.ErrValidation, caseID)
	}
	return c, nil
}

// caseLine loads a line and pins it to the case in the URL, so a line id
// from another case reads as missing.
func (s *Service) caseLine(ctx context.Context, caseID, lineID string) (*Line, error) {
	line, err := s.store.Line(ctx, lineID)
	if err != nil {
		return nil, err
	}
	if line.CaseID != caseID {
		return nil, fmt.Errorf("%w: statement line", api.ErrNotFound)
	}
	return line, nil
}

func (s *Service) appendNote(ctx context.Context, caseID, body string) {
	if s.messages == nil {
		return
	}
	err := s.messages.Append(ctx, &thread.Message{
		CaseID:      caseID,
		SenderParty: thread.PartySystem,
		Source:      thread.SourceSystem,
		Body:        body,
	})
	if err != nil {
		s.logger.Error("failed to append reconciliation note", "case_id", caseID, "error", err)
	}
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
