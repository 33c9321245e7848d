// Package evidence is the vault: it versions, stores and serves the files
// uploaded against a case, and routes every upload and verdict through
// checklist reconciliation so the case status tracks the document state.
package evidence

import (
	"fmt"
	"time"

	"github.com/procurehq/vmp/pkg/util"
)

// Uploader parties.
const (
	PartyInternal = "internal"
	PartyVendor   = "vendor"
)

// Evidence is one immutable versioned file on a case. (case id, evidence
// type, version) is unique; a re-upload of the same type gets version
// max+1 and becomes the governing copy.
type Evidence struct {
	ID              string     `json:"id"`
	CaseID          string     `json:"case_id"`
	ChecklistStepID string     `json:"checklist_step_id,omitempty"`
	EvidenceType    string     `json:"evidence_type"`
	Version         int        `json:"version"`
	Filename        string     `json:"filename"`
	MIMEType        string     `json:"mime_type"`
	SizeBytes       int64      `json:"size_bytes"`
	StorageKey      string     `json:"-"`
	SHA256          string     `json:"sha256"`
	UploaderUserID  string     `json:"uploader_user_id"`
	UploaderParty   string     `json:"uploader_party"`
	Verdict         string     `json:"verdict,omitempty"`
	VerdictReason   string     `json:"verdict_reason,omitempty"`
	VerdictByUserID string     `json:"verdict_by_user_id,omitempty"`
	VerdictAt       *time.Time `json:"verdict_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Item is an evidence row decorated with a signed read URL for list
// responses.
type Item struct {
	*Evidence
	SignedURL string `json:"signed_url,omitempty"`
}

// StorageKey builds the canonical blob key for an upload:
// {caseID}/{evidenceType}/{YYYY-MM-DD}/v{version}_{sanitized filename}.
func StorageKey(caseID, evidenceType string, uploadedAt time.Time, version int, filename string) string {
	return fmt.Sprintf("%s/%s/%s/v%d_%s",
		caseID, evidenceType, uploadedAt.UTC().Format("2006-01-02"), version,
		util.SanitizeFilename(filename))
}
