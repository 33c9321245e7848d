package soa

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NormalizeDocNumber reduces a document number to its comparable core for
// the matcher's normalized pass: NFKC-fold the text, drop everything that is
// not a letter or digit, and uppercase the rest. "inv 001", "INV-001" and
// the fullwidth "ＩＮＶ００１" all normalize to "INV001".
func NormalizeDocNumber(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range norm.NFKC.String(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return strings.ToUpper(b.String())
}
