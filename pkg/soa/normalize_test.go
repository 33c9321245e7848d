package soa

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeDocNumber(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"INV-001", "INV001"},
		{"inv 001", "INV001"},
		{"inv_001", "INV001"},
		{"INV/2026/001", "INV2026001"},
		{"  inv - 001  ", "INV001"},
		{"ＩＮＶ００１", "INV001"}, // fullwidth folds to ASCII
		{"fact.º 77", "FACTO77"},
		{"", ""},
		{"---", ""},
		{"001", "001"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeDocNumber(tt.in), "input %q", tt.in)
	}
}

func TestNormalizeDocNumberKeepsLeadingZeros(t *testing.T) {
	// "INV-1" and "INV-001" are different documents; normalization only
	// strips separators, never digits.
	assert.NotEqual(t, NormalizeDocNumber("INV-1"), NormalizeDocNumber("INV-001"))
}
