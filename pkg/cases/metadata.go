package cases

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/procurehq/vmp/pkg/api"
	"github.com/procurehq/vmp/pkg/vendors"
)

// Metadata keys of the bank-change flow. A payment case carrying
// MetaBankChange=true proposes new vendor bank details; they are applied to
// the vendor record when the case resolves.
const (
	MetaBankChange   = "bank_details_change"
	MetaProposedBank = "proposed_bank_details"
)

// Metadata keys stamped on statement cases; FindSOAByPeriod filters on them
// so repeat ingests of the same vendor period land on the same case.
const (
	MetaSOAPeriodStart = "soa_period_start"
	MetaSOAPeriodEnd   = "soa_period_end"
)

// bankChangeSchemaJSON validates the metadata payload of a bank-change case.
// Extra metadata keys are allowed; the proposed details are not.
const bankChangeSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["bank_details_change", "proposed_bank_details"],
  "properties": {
    "bank_details_change": {"const": true},
    "proposed_bank_details": {
      "type": "object",
      "required": ["account_name", "account_number", "bank_name"],
      "properties": {
        "account_name": {"type": "string", "minLength": 1},
        "account_number": {"type": "string", "minLength": 1},
        "bank_name": {"type": "string", "minLength": 1},
        "swift": {"type": "string"}
      },
      "additionalProperties": false
    }
  }
}`

var (
	bankSchemaOnce sync.Once
	bankSchema     *jsonschema.Schema
	bankSchemaErr  error
)

func bankChangeSchema() (*jsonschema.Schema, error) {
	bankSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource("bank_change.json", strings.NewReader(bankChangeSchemaJSON)); err != nil {
			bankSchemaErr = fmt.Errorf("cases: bank-change schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile("bank_change.json")
		if err != nil {
			bankSchemaErr = fmt.Errorf("cases: bank-change schema compile: %w", err)
			return
		}
		bankSchema = schema
	})
	return bankSchema, bankSchemaErr
}

// IsBankChange reports whether the metadata flags a bank-details change.
func IsBankChange(meta map[string]any) bool {
	b, ok := meta[MetaBankChange].(bool)
	return ok && b
}

// ValidateBankChange checks bank-change metadata against its schema.
func ValidateBankChange(meta map[string]any) error {
	schema, err := bankChangeSchema()
	if err != nil {
		return err
	}

	// Round-trip so the validator sees plain decoded-JSON values whatever
	// the caller put in the map.
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("%w: bank-change metadata is not serializable: %v", api.ErrValidation, err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("cases: bank-change metadata decode: %w", err)
	}

	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: bank-change metadata: %v", api.ErrValidation, err)
	}
	return nil
}

// ProposedBankDetails extracts the proposed details from validated metadata.
func ProposedBankDetails(meta map[string]any) (vendors.BankDetails, error) {
	obj, ok := meta[MetaProposedBank].(map[string]any)
	if !ok {
		return vendors.BankDetails{}, fmt.Errorf("%w: metadata is missing %s", api.ErrValidation, MetaProposedBank)
	}
	str := func(key string) string {
		s, _ := obj[key].(string)
		return strings.TrimSpace(s)
	}
	bd := vendors.BankDetails{
		AccountName:   str("account_name"),
		AccountNumber: str("account_number"),
		BankName:      str("bank_name"),
		SWIFT:         str("swift"),
	}
	if bd.AccountName == "" || bd.AccountNumber == "" || bd.BankName == "" {
		return vendors.BankDetails{}, fmt.Errorf("%w: proposed bank details are incomplete", api.ErrValidation)
	}
	return bd, nil
}
