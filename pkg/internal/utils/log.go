package utils

import (
	"strings"
	"unicode"
)

const maxLoggedLen = 120

// SanitizeForLog makes a request-supplied string safe to embed in a log
// line: control characters are escaped or dropped and the result is
// truncated, so crafted model names cannot forge log records.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r == '\\':
			b.WriteString(`\\`)
		case unicode.IsControl(r) || !unicode.IsPrint(r):
			b.WriteString("?")
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > maxLoggedLen {
		return out[:maxLoggedLen] + "..."
	}
	return out
}
