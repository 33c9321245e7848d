// Package thread is the append-only message log attached to a case. There
// is no update or delete; ordering within a case is stable across reads.
package thread

import (
	"fmt"
	"strings"
	"time"

	"github.com/procurehq/vmp/pkg/api"
)

// Sender parties.
const (
	PartyVendor   = "vendor"
	PartyInternal = "internal"
	PartyAI       = "ai"
	PartySystem   = "system"
)

// Channel sources. Portal is the default; email/whatsapp/slack are reserved
// for inbound adapters.
const (
	SourcePortal   = "portal"
	SourceEmail    = "email"
	SourceWhatsApp = "whatsapp"
	SourceSlack    = "slack"
	SourceSystem   = "system"
)

// MaxBodyBytes caps a message body at 10 KB.
const MaxBodyBytes = 10 * 1024

// Message is one immutable log entry. Seq is assigned by the database and
// breaks created-at ties within a case.
type Message struct {
	ID           string    `json:"id"`
	Seq          int64     `json:"-"`
	CaseID       string    `json:"case_id"`
	SenderUserID string    `json:"sender_user_id,omitempty"`
	SenderParty  string    `json:"sender_party"`
	Source       string    `json:"channel_source"`
	Body         string    `json:"body"`
	InternalNote bool      `json:"internal_note"`
	CreatedAt    time.Time `json:"created_at"`
}

// ValidateBody trims and checks a message body. It returns the trimmed body.
func ValidateBody(body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", fmt.Errorf("%w: message body is empty", api.ErrValidation)
	}
	if len(body) > MaxBodyBytes {
		return "", fmt.Errorf("%w: message body exceeds %d bytes", api.ErrValidation, MaxBodyBytes)
	}
	return body, nil
}
