package invoices

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/procurehq/vmp/pkg/api"
)

// Cents is an exact scale-2 currency amount. All arithmetic in the ledger
// and the statement matcher is integer arithmetic; floats never touch
// money.
type Cents int64

// ParseAmount reads a human amount string into cents. Currency symbols,
// thousands separators and surrounding space are tolerated; accounting
// negatives "(100.00)" and a leading minus both work. More than two
// decimal places is an error, not a rounding.
func ParseAmount(s string) (Cents, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return 0, fmt.Errorf("%w: empty amount", api.ErrValidation)
	}

	negative := false
	if strings.HasPrefix(raw, "(") && strings.HasSuffix(raw, ")") {
		negative = true
		raw = raw[1 : len(raw)-1]
	}
	raw = strings.TrimSpace(strings.Trim(raw, "$€£"))
	raw = strings.ReplaceAll(raw, ",", "")
	raw = strings.ReplaceAll(raw, " ", "")
	if strings.HasPrefix(raw, "-") {
		negative = !negative
		raw = raw[1:]
	}
	if raw == "" {
		return 0, fmt.Errorf("%w: malformed amount %q", api.ErrValidation, s)
	}

	whole, frac := raw, ""
	if i := strings.IndexByte(raw, '.'); i >= 0 {
		whole, frac = raw[:i], raw[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 2 {
		return 0, fmt.Errorf("%w: amount %q has more than two decimal places", api.ErrValidation, s)
	}
	for len(frac) < 2 {
		frac += "0"
	}

	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed amount %q", api.ErrValidation, s)
	}
	cents64, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed amount %q", api.ErrValidation, s)
	}

	total := units*100 + cents64
	if negative {
		total = -total
	}
	return Cents(total), nil
}

// String renders the amount at scale 2, e.g. "1234.56" or "-0.05".
func (c Cents) String() string {
	v := int64(c)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// Abs returns the magnitude.
func (c Cents) Abs() Cents {
	if c < 0 {
		return -c
	}
	return c
}

// dateFormats are tried in order. Day-first is assumed for slash and
// dash dates, matching the regional statements this portal receives.
var dateFormats = []string{
	"2006-01-02",
	"2006/01/02",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"02 Jan 2006",
	"2 Jan 2006",
	"Jan 2, 2006",
	time.RFC3339,
}

// ParseDate reads a document date in ISO 8601 or the common regional
// formats. The result is a UTC date at midnight.
func ParseDate(s string) (time.Time, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: empty date", api.ErrValidation)
	}
	for _, layout := range dateFormats {
		if t, err := time.Parse(layout, raw); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognized date %q", api.ErrValidation, s)
}

// NormalizeCurrency upper-cases a 3-letter code, defaulting empty to USD.
func NormalizeCurrency(s string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(s))
	if c == "" {
		return "USD", nil
	}
	if len(c) != 3 {
		return "", fmt.Errorf("%w: currency %q is not a 3-letter code", api.ErrValidation, s)
	}
	return c, nil
}
