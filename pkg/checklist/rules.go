package checklist

// RuleInput is everything the rule table conditions on.
type RuleInput struct {
	CaseType      string
	VendorType    string // individual, corporate, international, domestic
	VendorCountry string // ISO 3166-1 alpha-2, upper case
	// BankDetailsChange forces a bank confirmation letter onto the case.
	BankDetailsChange bool
}

// Requirement is one document the rule table demands for a case.
type Requirement struct {
	EvidenceType string `json:"evidence_type"`
	Label        string `json:"label"`
}

// euVAT covers the EU member states plus GB, whose vendors must provide a
// VAT registration certificate during onboarding.
var euVAT = map[string]bool{
	"AT": true, "BE": true, "BG": true, "CY": true, "CZ": true,
	"DE": true, "DK": true, "EE": true, "ES": true, "FI": true,
	"FR": true, "GR": true, "HR": true, "HU": true, "IE": true,
	"IT": true, "LT": true, "LU": true, "LV": true, "MT": true,
	"NL": true, "PL": true, "PT": true, "RO": true, "SE": true,
	"SI": true, "SK": true, "GB": true,
}

// Required returns the checklist for a case in a stable order. The result
// never contains the same evidence type twice.
func Required(in RuleInput) []Requirement {
	var types []string

	switch in.CaseType {
	case "invoice":
		types = append(types, TypeInvoicePDF, TypePONumber, TypeGRN)
	case "payment":
		types = append(types, TypeRemittance, TypeBankStatement)
	case "soa":
		types = append(types, TypeSOADocument, TypeReconciliation)
	case "onboarding":
		types = append(types, TypeBankLetter, TypeTaxID)
		if in.VendorType != "individual" {
			types = append(types, TypeCompanyRegistration)
		}
		switch {
		case in.VendorCountry == "US":
			types = append(types, TypeEINCertificate, TypeW9Form)
		case euVAT[in.VendorCountry]:
			types = append(types, TypeVATCertificate)
		case in.VendorCountry == "MY":
			types = append(types, TypeTaxCertificate)
		}
		if in.VendorType == "international" {
			types = append(types, TypeTradeLicense, TypeImportExportPermit)
		}
	default:
		types = append(types, TypeSupportingDocs)
	}

	if in.BankDetailsChange {
		types = append(types, TypeBankLetter)
	}

	out := make([]Requirement, 0, len(types))
	seen := make(map[string]bool, len(types))
	for _, t := range types {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, Requirement{EvidenceType: t, Label: Label(t)})
	}
	return out
}
