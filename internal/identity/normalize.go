package identity

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// DefaultRegion is applied to numbers written without a country code.
const DefaultRegion = "TH"

// NormalizePhone returns an E.164 number or "" when the input cannot be read
// as one. National numbers are read as Thai ("08x...", "02...").
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	num, err := phonenumbers.Parse(raw, DefaultRegion)
	if err != nil || !phonenumbers.IsPossibleNumber(num) {
		return ""
	}
	return phonenumbers.Format(num, phonenumbers.E164)
}

// NormalizeEmail lowercases a plausible address and returns "" otherwise.
func NormalizeEmail(raw string) string {
	email := strings.ToLower(strings.TrimSpace(raw))
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 || strings.ContainsAny(email, " \t") {
		return ""
	}
	if !strings.Contains(email[at+1:], ".") {
		return ""
	}
	return email
}
