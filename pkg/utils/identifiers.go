package utils

import "strings"

// SanitizeContainerName makes an identifier safe for container names, which must match
// [a-zA-Z0-9][a-zA-Z0-9_.-]*. Disallowed characters become dashes.
func SanitizeContainerName(id string) string {
	var b strings.Builder
	for i, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case (r == '_' || r == '.' || r == '-') && i > 0:
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := b.String()
	if out == "" || out[0] == '-' {
		out = "x" + out
	}
	return out
}

// Preview shortens s to at most n runes for log lines.
func Preview(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
