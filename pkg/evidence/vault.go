package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/procurehq/vmp/pkg/api"
	"github.com/procurehq/vmp/pkg/auth"
	"github.com/procurehq/vmp/pkg/cases"
	"github.com/procurehq/vmp/pkg/checklist"
	"github.com/procurehq/vmp/pkg/config"
	"github.com/procurehq/vmp/pkg/notify"
	"github.com/procurehq/vmp/pkg/objstore"
	"github.com/procurehq/vmp/pkg/thread"
	"github.com/procurehq/vmp/pkg/util"
)

const (
	// putTimeout bounds one blob write; signTimeout bounds one URL
	// signature; signConcurrency caps the fan-out when decorating lists.
	putTimeout      = 30 * time.Second
	signTimeout     = 5 * time.Second
	signConcurrency = 8
)

// CaseRegistry is the slice of the case service the vault needs: scoped
// reads and the reconciliation callback.
type CaseRegistry interface {
	Get(ctx context.Context, actor *auth.Actor, id string) (*cases.Case, error)
	ApplyRecommendation(ctx context.Context, caseID, recommended, byName string) error
}

// Vault runs the evidence pipeline: policy checks, digest, versioning,
// blob write, row insert, then checklist reconciliation. Verdicts and
// waivers route through the same reconciliation so the case status always
// reflects the latest document state.
type Vault struct {
	store    *Store
	blobs    objstore.BlobStore
	steps    *checklist.Store
	cases    CaseRegistry
	messages *thread.Store
	notifier *notify.Notifier
	policy   *config.Policy
	clock    func() time.Time
	logger   *slog.Logger
}

// Deps collects the vault's collaborators.
type Deps struct {
	Store    *Store
	Blobs    objstore.BlobStore
	Steps    *checklist.Store
	Cases    CaseRegistry
	Messages *thread.Store
	Notifier *notify.Notifier
	Policy   *config.Policy
	Logger   *slog.Logger
}

// Option customizes a Vault.
type Option func(*Vault)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(v *Vault) { v.clock = clock }
}

func NewVault(d Deps, opts ...Option) *Vault {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	v := &Vault{
		store:    d.Store,
		blobs:    d.Blobs,
		steps:    d.Steps,
		cases:    d.Cases,
		messages: d.Messages,
		notifier: d.Notifier,
		policy:   d.Policy,
		clock:    time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// UploadParams carries one file upload.
type UploadParams struct {
	CaseID          string
	EvidenceType    string
	ChecklistStepID string
	Filename        string
	MIMEType        string
	Data            []byte
}

// Upload runs the pipeline: digest -> blob put -> row insert -> reconcile.
// If the row insert fails after the blob was written, the blob is removed
// best-effort; a cleanup failure is logged, never surfaced.
func (v *Vault) Upload(ctx context.Context, actor *auth.Actor, p UploadParams) (*Evidence, error) {
	if !checklist.KnownType(p.EvidenceType) {
		return nil, fmt.Errorf("%w: unknown evidence type %q", api.ErrValidation, p.EvidenceType)
	}
	if !v.policy.MIMEAllowed(p.MIMEType) {
		return nil, fmt.Errorf("%w: content type %q is not accepted", api.ErrValidation, p.MIMEType)
	}
	if len(p.Data) == 0 {
		return nil, fmt.Errorf("%w: empty file", api.ErrValidation)
	}
	if max := v.policy.Uploads.MaxBytes; int64(len(p.Data)) > max {
		return nil, fmt.Errorf("%w: file exceeds the %d byte limit", api.ErrValidation, max)
	}

	c, err := v.cases.Get(ctx, actor, p.CaseID)
	if err != nil {
		return nil, err
	}
	if cases.Terminal(c.Status) {
		return nil, fmt.Errorf("%w: case is %s and no longer accepts uploads", api.ErrConflict, c.Status)
	}
	if p.ChecklistStepID != "" {
		st, err := v.steps.Get(ctx, p.CaseID, p.ChecklistStepID)
		if err != nil {
			return nil, err
		}
		if st.EvidenceType != p.EvidenceType {
			return nil, fmt.Errorf("%w: step %s expects %s, not %s",
				api.ErrValidation, st.ID, st.EvidenceType, p.EvidenceType)
		}
	}

	sum := sha256.Sum256(p.Data)
	version, err := v.store.NextVersion(ctx, p.CaseID, p.EvidenceType)
	if err != nil {
		return nil, err
	}

	now := v.clock().UTC()
	key := StorageKey(p.CaseID, p.EvidenceType, now, version, p.Filename)

	err = util.WithDeadline(ctx, putTimeout, func(ctx context.Context) error {
		return v.blobs.Put(ctx, key, p.Data, p.MIMEType)
	})
	if err != nil {
		return nil, fmt.Errorf("evidence: blob write failed: %w", err)
	}

	party := PartyInternal
	if !actor.Internal {
		party = PartyVendor
	}
	ev := &Evidence{
		ID:              uuid.New().String(),
		CaseID:          p.CaseID,
		ChecklistStepID: p.ChecklistStepID,
		EvidenceType:    p.EvidenceType,
		Version:         version,
		Filename:        p.Filename,
		MIMEType:        p.MIMEType,
		SizeBytes:       int64(len(p.Data)),
		StorageKey:      key,
		SHA256:          hex.EncodeToString(sum[:]),
		UploaderUserID:  actor.UserID,
		UploaderParty:   party,
		CreatedAt:       now,
	}
	if err := v.store.Insert(ctx, ev); err != nil {
		v.cleanupBlob(ctx, key)
		return nil, err
	}

	v.reconcile(ctx, p.CaseID, actorName(actor))

	v.logger.Info("evidence uploaded", "case_id", p.CaseID, "evidence_type", p.EvidenceType,
		"version", version, "size_bytes", ev.SizeBytes, "actor", actor.UserID)
	return ev, nil
}

// cleanupBlob removes an orphaned blob after a failed row insert. Runs
// detached from the request's cancellation so a client abort does not
// leave the orphan behind.
func (v *Vault) cleanupBlob(ctx context.Context, key string) {
	err := util.WithDeadline(context.WithoutCancel(ctx), putTimeout, func(ctx context.Context) error {
		return v.blobs.Delete(ctx, key)
	})
	if err != nil {
		v.logger.Error("orphaned evidence blob not cleaned up", "key", key, "error", err)
	}
}

// List returns a case's evidence decorated with signed read URLs. URLs
// are generated concurrently under a bounded fan-out; the first signing
// failure fails the listing.
func (v *Vault) List(ctx context.Context, actor *auth.Actor, caseID string) ([]*Item, error) {
	if _, err := v.cases.Get(ctx, actor, caseID); err != nil {
		return nil, err
	}
	rows, err := v.store.ListForCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	ttl := v.policy.SignedURLTTL()
	items := make([]*Item, len(rows))
	sem := make(chan struct{}, signConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var signErr error

	for i, ev := range rows {
		items[i] = &Item{Evidence: ev}
		wg.Add(1)
		go func(item *Item) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			mu.Lock()
			aborted := signErr != nil
			mu.Unlock()
			if aborted {
				return
			}

			var u string
			err := util.WithDeadline(ctx, signTimeout, func(ctx context.Context) error {
				var err error
				u, err = v.blobs.SignedURL(ctx, item.StorageKey, ttl)
				return err
			})
			if err != nil {
				mu.Lock()
				if signErr == nil {
					signErr = err
				}
				mu.Unlock()
				return
			}
			item.SignedURL = u
		}(items[i])
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if signErr != nil {
		return nil, fmt.Errorf("evidence: failed to sign read URL: %w", signErr)
	}
	return items, nil
}

// ListSteps returns the case checklist in the actor's scope.
func (v *Vault) ListSteps(ctx context.Context, actor *auth.Actor, caseID string) ([]*checklist.Step, error) {
	if _, err := v.cases.Get(ctx, actor, caseID); err != nil {
		return nil, err
	}
	return v.steps.ListForCase(ctx, caseID)
}

// VerifyStep stamps a verified verdict on the governing evidence of a
// step and reconciles. Internal only.
func (v *Vault) VerifyStep(ctx context.Context, actor *auth.Actor, caseID, stepID string) (*checklist.Step, error) {
	return v.applyVerdict(ctx, actor, caseID, stepID, checklist.VerdictVerified, "")
}

// RejectStep stamps a rejected verdict with a reason; reconciliation puts
// the case back with the supplier. Internal only.
func (v *Vault) RejectStep(ctx context.Context, actor *auth.Actor, caseID, stepID, reason string) (*checklist.Step, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: a rejection reason is required", api.ErrValidation)
	}
	return v.applyVerdict(ctx, actor, caseID, stepID, checklist.VerdictRejected, reason)
}

func (v *Vault) applyVerdict(ctx context.Context, actor *auth.Actor, caseID, stepID, verdict, reason string) (*checklist.Step, error) {
	if !actor.Internal {
		return nil, fmt.Errorf("%w: only internal actors may issue verdicts", api.ErrForbidden)
	}
	c, err := v.cases.Get(ctx, actor, caseID)
	if err != nil {
		return nil, err
	}
	st, err := v.steps.Get(ctx, caseID, stepID)
	if err != nil {
		return nil, err
	}
	if st.Status == checklist.StatusWaived {
		return nil, fmt.Errorf("%w: step %s is waived", api.ErrConflict, st.EvidenceType)
	}

	latest, err := v.store.LatestForType(ctx, caseID, st.EvidenceType)
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return nil, fmt.Errorf("%w: no evidence uploaded for %s", api.ErrConflict, st.EvidenceType)
		}
		return nil, err
	}
	if err := v.store.SetVerdict(ctx, latest.ID, verdict, reason, actor.UserID); err != nil {
		return nil, err
	}

	v.reconcile(ctx, caseID, actorName(actor))

	label := checklist.Label(st.EvidenceType)
	switch verdict {
	case checklist.VerdictVerified:
		v.appendNote(ctx, caseID, fmt.Sprintf("%s verified by %s", label, actorName(actor)), false)
		v.notifySupplier(ctx, c, notify.KindEvidenceVerified, "Evidence verified", label)
	case checklist.VerdictRejected:
		v.appendNote(ctx, caseID, fmt.Sprintf("%s rejected by %s: %s", label, actorName(actor), reason), false)
		v.notifySupplier(ctx, c, notify.KindEvidenceRejected, "Evidence rejected", fmt.Sprintf("%s: %s", label, reason))
	}

	v.logger.Info("evidence verdict", "case_id", caseID, "step_id", stepID,
		"verdict", verdict, "actor", actor.UserID)
	return v.steps.Get(ctx, caseID, stepID)
}

// WaiveStep marks a step waived so it never blocks resolution. Waiving is
// sticky and idempotent. Internal only.
func (v *Vault) WaiveStep(ctx context.Context, actor *auth.Actor, caseID, stepID, reason string) (*checklist.Step, error) {
	if !actor.Internal {
		return nil, fmt.Errorf("%w: only internal actors may waive steps", api.ErrForbidden)
	}
	if _, err := v.cases.Get(ctx, actor, caseID); err != nil {
		return nil, err
	}
	st, err := v.steps.Get(ctx, caseID, stepID)
	if err != nil {
		return nil, err
	}
	if st.Status == checklist.StatusWaived {
		return st, nil
	}
	if err := v.steps.SetStatus(ctx, st.ID, checklist.StatusWaived, ""); err != nil {
		return nil, err
	}

	note := fmt.Sprintf("%s waived by %s", checklist.Label(st.EvidenceType), actorName(actor))
	if reason = strings.TrimSpace(reason); reason != "" {
		note += ": " + reason
	}
	v.appendNote(ctx, caseID, note, true)

	v.reconcile(ctx, caseID, actorName(actor))
	return v.steps.Get(ctx, caseID, stepID)
}

// reconcile re-derives step statuses from the evidence history and hands
// the recommendation to the case registry. Reconciliation is advisory: a
// failure is logged, the triggering operation is not rolled back, and the
// next evidence event re-derives from scratch.
func (v *Vault) reconcile(ctx context.Context, caseID, byName string) {
	steps, err := v.steps.ListForCase(ctx, caseID)
	if err != nil {
		v.logger.Error("checklist reconciliation failed", "case_id", caseID, "error", err)
		return
	}
	history, err := v.store.History(ctx, caseID)
	if err != nil {
		v.logger.Error("checklist reconciliation failed", "case_id", caseID, "error", err)
		return
	}

	out := checklist.Evaluate(steps, history)
	if err := v.steps.ApplyChanges(ctx, out.Changes); err != nil {
		v.logger.Error("checklist reconciliation failed", "case_id", caseID, "error", err)
		return
	}
	if err := v.cases.ApplyRecommendation(ctx, caseID, out.Recommendation, byName); err != nil {
		v.logger.Error("checklist recommendation not applied", "case_id", caseID, "error", err)
	}
}

func (v *Vault) appendNote(ctx context.Context, caseID, body string, internal bool) {
	if v.messages == nil {
		return
	}
	err := v.messages.Append(ctx, &thread.Message{
		CaseID:       caseID,
		SenderParty:  thread.PartySystem,
		Source:       thread.SourceSystem,
		Body:         body,
		InternalNote: internal,
	})
	if err != nil {
		v.logger.Error("failed to append evidence note", "case_id", caseID, "error", err)
	}
}

func (v *Vault) notifySupplier(ctx context.Context, c *cases.Case, kind, title, body string) {
	if v.notifier == nil {
		return
	}
	v.notifier.NotifySupplier(ctx, c.VendorID, notify.Event{
		TenantID: c.TenantID,
		CaseID:   c.ID,
		Kind:     kind,
		Title:    title,
		Body:     body,
	})
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
