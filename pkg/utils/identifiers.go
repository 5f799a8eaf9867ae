// Package utils provides small shared helpers for identifier and path handling.
package utils

import (
	"strings"
	"unicode"
)

// SanitizeIdentifier makes an identifier safe for filesystem paths and git refs.
// Replaces problematic characters with dashes.
func SanitizeIdentifier(id string) string {
	sanitized := strings.ReplaceAll(id, ":", "-")
	sanitized = strings.ReplaceAll(sanitized, " ", "-")
	sanitized = strings.ReplaceAll(sanitized, "/", "-")
	sanitized = strings.ReplaceAll(sanitized, "\\", "-")
	return sanitized
}

// SanitizeBranchName converts a free-form workspace title into a valid git
// branch name segment: lowercase, alphanumerics and dashes only, no leading or
// trailing dashes, bounded length.
func SanitizeBranchName(title string) string {
	var b strings.Builder
	lastDash := true // Suppress leading dashes
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}

	name := strings.TrimRight(b.String(), "-")
	if len(name) > 40 {
		name = strings.TrimRight(name[:40], "-")
	}
	if name == "" {
		name = "workspace"
	}
	return name
}
