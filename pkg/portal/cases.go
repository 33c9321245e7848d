package portal

import (
	"fmt"
	"net/http"
	"time"

	"github.com/procurehq/vmp/pkg/api"
	"github.com/procurehq/vmp/pkg/auth"
	"github.com/procurehq/vmp/pkg/cases"
	"github.com/procurehq/vmp/pkg/invoices"
	"github.com/procurehq/vmp/pkg/thread"
)

func (s *Server) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	var p cases.CreateParams
	if err := api.DecodeJSON(w, r, &p); err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	c, err := s.deps.Cases.Create(r.Context(), actor, p)
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	q := r.URL.Query()
	f := cases.Filter{
		Status:    q.Get("status"),
		OwnerTeam: q.Get("owner_team"),
		CaseType:  q.Get("case_type"),
		Posture:   q.Get("posture"),
		VendorID:  q.Get("vendor_id"),
		Query:     q.Get("q"),
	}

	list, err := s.deps.Cases.List(r.Context(), actor, f)
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"cases": list,
		"count": len(list),
	})
}

// handleGetCase returns the case plus the derived numbers the detail view
// shows: SLA posture, thread and evidence counts, open issues, and the
// break-glass contact once escalation reaches that level. Supplier actors
// get the thread count without internal notes.
func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	c, err := s.deps.Cases.Get(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	ctx := r.Context()
	msgs, err := s.deps.Messages.CountForCase(ctx, c.ID, actor.Internal)
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	artifacts, err := s.deps.Artifacts.CountForCase(ctx, c.ID)
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	issues, err := s.deps.Issues.OpenIssueCount(ctx, c.ID)
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	api.WriteJSON(w, http.StatusOK, &cases.Detail{
		Case:          c,
		Posture:       c.Posture(s.clock().UTC(), s.deps.Cases.Bounds()),
		MessageCount:  msgs,
		EvidenceCount: artifacts,
		OpenIssues:    issues,
		BreakGlass:    s.deps.Cases.BreakGlass(c),
	})
}

type statusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCaseStatus(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	var req statusRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	c, err := s.deps.Cases.Transition(r.Context(), actor, r.PathValue("id"), req.Status, req.Reason)
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, c)
}

type reassignRequest struct {
	OwnerTeam      string `json:"owner_team"`
	AssignedUserID string `json:"assigned_user_id,omitempty"`
}

func (s *Server) handleCaseReassign(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	var req reassignRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	c, err := s.deps.Cases.Reassign(r.Context(), actor, r.PathValue("id"), req.OwnerTeam, req.AssignedUserID)
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, c)
}

type escalateRequest struct {
	Level  int    `json:"level"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCaseEscalate(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	var req escalateRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	c, err := s.deps.Cases.Escalate(r.Context(), actor, r.PathValue("id"), req.Level, req.Reason)
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, c)
}

type extendSLARequest struct {
	Due string `json:"due"`
}

func (s *Server) handleCaseExtendSLA(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	var req extendSLARequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	due, err := time.Parse(time.RFC3339, req.Due)
	if err != nil {
		api.WriteProblem(w, r, fmt.Errorf("%w: due must be RFC 3339", api.ErrValidation))
		return
	}

	c, err := s.deps.Cases.ExtendSLA(r.Context(), actor, r.PathValue("id"), due)
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, c)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	msgs, err := s.deps.Cases.ListMessages(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"count":    len(msgs),
	})
}

type postMessageRequest struct {
	Body         string `json:"body"`
	InternalNote bool   `json:"internal_note,omitempty"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	var req postMessageRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	msg, err := s.deps.Cases.PostMessage(r.Context(), actor, r.PathValue("id"), req.Body, req.InternalNote, thread.SourcePortal)
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleInvoiceCreate(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	var p invoices.CreateParams
	if err := api.DecodeJSON(w, r, &p); err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	inv, err := s.deps.Invoices.Create(r.Context(), actor, p)
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, inv)
}

func (s *Server) handleInvoiceList(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	q := r.URL.Query()
	list, err := s.deps.Invoices.List(r.Context(), actor, invoices.Filter{
		VendorID:  q.Get("vendor_id"),
		CompanyID: q.Get("company_id"),
		Status:    q.Get("status"),
	})
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"invoices": list,
		"count":    len(list),
	})
}

// handleInvoiceIngest bulk-loads ledger rows from a CSV upload.
func (s *Server) handleInvoiceIngest(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	file, _, form, err := s.multipartFile(w, r, csvUploadLimit)
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	defer file.Close()

	res, err := s.deps.Invoices.IngestCSV(r.Context(), actor, invoices.IngestParams{
		CompanyID: form.Get("company_id"),
		VendorID:  form.Get("vendor_id"),
		Source:    form.Get("source"),
		CSV:       file,
	})
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}
