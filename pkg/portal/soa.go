package portal

import (
	"fmt"
	"io"
	"net/http"

	"github.com/procurehq/vmp/pkg/api"
	"github.com/procurehq/vmp/pkg/auth"
	"github.com/procurehq/vmp/pkg/evidence"
	"github.com/procurehq/vmp/pkg/observability"
	"github.com/procurehq/vmp/pkg/soa"
)

// handleSOAIngest accepts a statement CSV as multipart form data. Fields:
// company_id, vendor_id, period_start, period_end (YYYY-MM-DD), file.
// Large statements defer matching to a background worker; the response is
// 202 in that case so callers know counts will arrive on the case later.
func (s *Server) handleSOAIngest(w http.ResponseWriter, r *http.Request) {
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

	res, err := s.deps.Statements.Ingest(r.Context(), actor, soa.IngestParams{
		CompanyID:   form.Get("company_id"),
		VendorID:    form.Get("vendor_id"),
		PeriodStart: form.Get("period_start"),
		PeriodEnd:   form.Get("period_end"),
		CSV:         file,
	})
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	observability.AddSpanEvent(r.Context(), "soa.ingested",
		observability.MatchOperation(res.CaseID, res.Lines, res.Matched)...)

	status := http.StatusOK
	if res.Background {
		status = http.StatusAccepted
	}
	api.WriteJSON(w, status, res)
}

func (s *Server) handleSOALines(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	lines, err := s.deps.Statements.Lines(r.Context(), actor, r.PathValue("case"))
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"lines": lines,
		"count": len(lines),
	})
}

func (s *Server) handleSOARecompute(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	res, err := s.deps.Statements.Recompute(r.Context(), actor, r.PathValue("case"))
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	observability.AddSpanEvent(r.Context(), "soa.matched",
		observability.MatchOperation(r.PathValue("case"), res.Processed, res.Matched)...)
	api.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleSOASignoff(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	res, err := s.deps.Statements.Signoff(r.Context(), actor, r.PathValue("case"))
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

type matchLineRequest struct {
	InvoiceID string `json:"invoice_id"`
}

// handleSOAMatchLine records a manual match against a ledger invoice.
func (s *Server) handleSOAMatchLine(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	var req matchLineRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	m, err := s.deps.Statements.MatchLine(r.Context(), actor, r.PathValue("case"), r.PathValue("line"), req.InvoiceID)
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, m)
}

type disputeLineRequest struct {
	IssueType string `json:"issue_type"`
	Reason    string `json:"reason"`
}

func (s *Server) handleSOADisputeLine(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	var req disputeLineRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	issue, err := s.deps.Statements.DisputeLine(r.Context(), actor, r.PathValue("case"), r.PathValue("line"), req.IssueType, req.Reason)
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, issue)
}

type ignoreLineRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleSOAIgnoreLine(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	var req ignoreLineRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	line, err := s.deps.Statements.IgnoreLine(r.Context(), actor, r.PathValue("case"), r.PathValue("line"), req.Reason)
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, line)
}

// handleSOALineEvidence attaches a document to a statement line's case via
// the vault. Fields: evidence_type (optional, defaults to reconciliation),
// file. The thread records which line the document belongs to.
func (s *Server) handleSOALineEvidence(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	file, header, form, err := s.multipartFile(w, r, s.policy.Uploads.MaxBytes)
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		api.WriteProblem(w, r, fmt.Errorf("%w: reading upload: %v", api.ErrValidation, err))
		return
	}

	ev, err := s.deps.Statements.UploadLineEvidence(r.Context(), actor,
		r.PathValue("case"), r.PathValue("line"), evidence.UploadParams{
			EvidenceType: form.Get("evidence_type"),
			Filename:     header.Filename,
			MIMEType:     header.Header.Get("Content-Type"),
			Data:         data,
		})
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, ev)
}

type resolveIssueRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleSOAResolveIssue(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	var req resolveIssueRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	issue, err := s.deps.Statements.ResolveIssue(r.Context(), actor, r.PathValue("case"), r.PathValue("issue"), req.Note)
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, issue)
}
