package util

import "strings"

// SanitizeFilename maps any byte outside [A-Za-z0-9._-] to '_' so the name
// is safe inside an object-store key. Empty input becomes "file".
func SanitizeFilename(name string) string {
	if name == "" {
		return "file"
	}
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '.', c == '_', c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
