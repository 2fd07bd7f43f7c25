package util

import (
	"html"
	"regexp"
	"strings"
)

var (
	emailPattern  = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	mobilePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)
)

// SanitizeInput escapes HTML/script-like characters
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

// ContainsSuspicious flags obvious injection payloads before validation.
func ContainsSuspicious(s string) bool {
	badChars := []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"}
	for _, c := range badChars {
		if strings.Contains(strings.ToLower(s), c) {
			return true
		}
	}
	return false
}

// NormalizeEmail lowercases and trims an email address. Duplicate checks on
// email are case-insensitive, so all lookups go through this first.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeMobile strips formatting characters from a mobile number.
func NormalizeMobile(mobile string) string {
	mobile = strings.TrimSpace(mobile)
	replacer := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
	return replacer.Replace(mobile)
}

// IsValidEmail reports whether the value looks like an email address.
func IsValidEmail(email string) bool {
	email = NormalizeEmail(email)
	return len(email) <= 254 && emailPattern.MatchString(email)
}

// IsValidMobile reports whether the value looks like an E.164-ish number.
func IsValidMobile(mobile string) bool {
	return mobilePattern.MatchString(NormalizeMobile(mobile))
}
