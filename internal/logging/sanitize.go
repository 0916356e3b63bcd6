package logging

import "strings"

// Sanitize strips newlines and control characters from user-provided
// strings (host names, connection names) before they reach a log line, so
// they cannot forge extra entries.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 0x7f:
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
