package util

import (
	"html"
	"strings"
)

// SanitizeInput trims and escapes HTML/script-like characters.
func SanitizeInput(s string) string {
	return html.EscapeString(strings.TrimSpace(s))
}

var suspiciousPatterns = []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"}

// ContainsSuspicious reports whether s carries markup or template fragments
// that have no business in names, emails or phone numbers.
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	for _, p := range suspiciousPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
