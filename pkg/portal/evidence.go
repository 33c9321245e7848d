package portal

import (
	"fmt"
	"io"
	"net/http"

	"github.com/procurehq/vmp/pkg/api"
	"github.com/procurehq/vmp/pkg/auth"
	"github.com/procurehq/vmp/pkg/evidence"
	"github.com/procurehq/vmp/pkg/observability"
)

// handleEvidenceUpload accepts one document as multipart form data. Fields:
// evidence_type (required), checklist_step_id (optional), file (the blob).
// The vault enforces the MIME allow-list and size cap; the reader here is
// capped a second time so an oversized body never buffers fully.
func (s *Server) handleEvidenceUpload(w http.ResponseWriter, r *http.Request) {
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

	ev, err := s.deps.Evidence.Upload(r.Context(), actor, evidence.UploadParams{
		CaseID:          r.PathValue("id"),
		EvidenceType:    form.Get("evidence_type"),
		ChecklistStepID: form.Get("checklist_step_id"),
		Filename:        header.Filename,
		MIMEType:        header.Header.Get("Content-Type"),
		Data:            data,
	})
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	observability.AddSpanEvent(r.Context(), "evidence.stored",
		observability.EvidenceOperation(ev.CaseID, ev.EvidenceType, ev.SizeBytes)...)
	api.WriteJSON(w, http.StatusCreated, ev)
}

// handleEvidenceList returns the case's evidence rows, newest version first,
// each carrying a fresh signed download URL.
func (s *Server) handleEvidenceList(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	items, err := s.deps.Evidence.List(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"evidence": items,
		"count":    len(items),
	})
}

func (s *Server) handleChecklist(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	steps, err := s.deps.Evidence.ListSteps(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"steps": steps,
		"count": len(steps),
	})
}

func (s *Server) handleChecklistVerify(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	step, err := s.deps.Evidence.VerifyStep(r.Context(), actor, r.PathValue("id"), r.PathValue("step"))
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, step)
}

type verdictRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleChecklistReject(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	var req verdictRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	step, err := s.deps.Evidence.RejectStep(r.Context(), actor, r.PathValue("id"), r.PathValue("step"), req.Reason)
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, step)
}

func (s *Server) handleChecklistWaive(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	var req verdictRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	step, err := s.deps.Evidence.WaiveStep(r.Context(), actor, r.PathValue("id"), r.PathValue("step"), req.Reason)
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, step)
}
