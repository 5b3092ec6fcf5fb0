// Package security holds small helpers for handling externally sourced
// strings before they touch the filesystem.
package security

import "strings"

// maxFilenameLen bounds sanitized names so joined paths stay well under
// common filesystem limits.
const maxFilenameLen = 128

// SanitizeFilename reduces an arbitrary string to a safe file name
// component. ASCII letters, digits, dot, underscore and dash pass through;
// every other run of characters becomes a single underscore. The result is
// capped at maxFilenameLen characters and is never empty.
func SanitizeFilename(s string) string {
	var b strings.Builder
	replaced := false
	for _, r := range s {
		if b.Len() >= maxFilenameLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
			replaced = false
		default:
			if !replaced {
				b.WriteByte('_')
				replaced = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
