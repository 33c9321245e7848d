// Package vendors manages the supplier master: vendor records, their bank
// details and the vendor-company authorization links.
package vendors

import "time"

// Vendor types.
const (
	TypeIndividual    = "individual"
	TypeCorporate     = "corporate"
	TypeInternational = "international"
	TypeDomestic      = "domestic"
)

// ValidType reports whether t is one of the enumerated vendor types.
func ValidType(t string) bool {
	switch t {
	case TypeIndividual, TypeCorporate, TypeInternational, TypeDomestic:
		return true
	}
	return false
}

// BankDetails is the payment destination on a vendor record. Changes flow
// exclusively through a bank-change case; nothing else writes these fields.
type BankDetails struct {
	AccountName   string `json:"account_name"`
	AccountNumber string `json:"account_number"`
	BankName      string `json:"bank_name"`
	SWIFT         string `json:"swift"`
}

// Empty reports whether no field is set.
func (b BankDetails) Empty() bool {
	return b.AccountName == "" && b.AccountNumber == "" && b.BankName == "" && b.SWIFT == ""
}

// Vendor is a supplier master record.
type Vendor struct {
	ID          string      `json:"id"`
	TenantID    string      `json:"tenant_id"`
	DisplayName string      `json:"display_name"`
	Type        string      `json:"vendor_type"`
	CountryCode string      `json:"country_code"`
	Bank        BankDetails `json:"bank_details"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
