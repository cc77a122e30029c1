package util

import (
	"html"
	"strings"
	"unicode/utf8"
)

// SanitizeInput trims s and escapes HTML so it can be embedded in mail bodies.
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

// Truncate cuts s to at most max runes.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}

// MaskPhone hides the middle of a phone number for logs: +90555*****33.
func MaskPhone(phone string) string {
	r := []rune(phone)
	if len(r) <= 6 {
		return strings.Repeat("*", len(r))
	}
	keepHead := 6
	keepTail := 2
	masked := make([]rune, 0, len(r))
	masked = append(masked, r[:keepHead]...)
	for i := keepHead; i < len(r)-keepTail; i++ {
		masked = append(masked, '*')
	}
	masked = append(masked, r[len(r)-keepTail:]...)
	return string(masked)
}

// ContainsSuspicious reports script-like fragments in free text fields.
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	for _, c := range []string{"<script", "javascript:", "onerror=", "onload="} {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}
