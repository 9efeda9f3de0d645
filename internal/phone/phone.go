// Package phone normalizes raw phone number input into WhatsApp JIDs.
package phone

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// JIDSuffix is the WhatsApp network suffix appended to a normalized number.
const JIDSuffix = "@s.whatsapp.net"

const (
	countryCode  = "62"
	trunkPrefix  = "0"
	mobilePrefix = "8"
)

// Validation errors.
var (
	ErrInvalidFormat = errors.New("invalid phone number format")
	ErrInvalidLength = errors.New("invalid phone number length")
)

// Operator prefixes commonly seen on Indonesian mobile numbers. Unknown
// prefixes are logged, not rejected.
var knownPrefixes = map[string]bool{
	"6281": true, "6282": true, "6283": true, "6285": true,
	"6286": true, "6287": true, "6288": true, "6289": true,
	"6277": true, "6278": true,
}

// Digits that make a bare number plausible as an Indonesian subscriber
// number when guessing a missing country code.
var assumableFirstDigits = map[byte]bool{
	'1': true, '2': true, '3': true, '5': true, '7': true, '8': true, '9': true,
}

// Number is a normalized WhatsApp recipient address.
type Number struct {
	// JID is the canonical address, digits plus JIDSuffix.
	JID string
	// Digits is the numeric part of the JID.
	Digits string
	// Original is the raw input the number was normalized from.
	Original string
}

// Normalize converts free-form phone number input into a canonical JID.
// Input already in JID form is validated and passed through. Otherwise all
// non-digit characters are stripped and Indonesian numbering rules are
// applied: a leading trunk "0" is replaced by the country code, a bare
// subscriber number starting with "8" is prefixed with it, and any other
// plausible number is speculatively assumed to be Indonesian. Suspicious
// but well-formed results are logged and accepted.
func Normalize(raw string) (Number, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Number{}, fmt.Errorf("%w: number is empty", ErrInvalidFormat)
	}

	if strings.Contains(trimmed, "@") {
		return normalizeJID(trimmed, raw)
	}

	digits := stripNonDigits(trimmed)
	if len(digits) < 8 || len(digits) > 15 {
		return Number{}, fmt.Errorf("%w: %d digits, want 8-15", ErrInvalidLength, len(digits))
	}

	switch {
	case strings.HasPrefix(digits, trunkPrefix):
		digits = countryCode + digits[1:]
	case strings.HasPrefix(digits, mobilePrefix):
		// Bare subscriber number without trunk prefix or country code.
		if len(digits) >= 8 && len(digits) <= 12 {
			digits = countryCode + digits
		}
	case !strings.HasPrefix(digits, countryCode) && len(digits) <= 13:
		if assumableFirstDigits[digits[0]] {
			slog.Debug("assuming indonesian number", "input", raw, "digits", digits)
			digits = countryCode + digits
		}
	}

	if strings.HasPrefix(digits, countryCode) {
		if len(digits) < 10 || len(digits) > 15 {
			return Number{}, fmt.Errorf("%w: %d digits after country code, want 10-15", ErrInvalidLength, len(digits))
		}
		if digits[2] != '8' {
			slog.Warn("number does not look like an indonesian mobile number", "digits", digits)
		}
		if prefix := digits[:4]; !knownPrefixes[prefix] && !strings.HasPrefix(digits, countryCode+mobilePrefix) {
			slog.Warn("unrecognized operator prefix, sending anyway", "prefix", prefix)
		}
	} else {
		// International number outside the default country.
		if len(digits) < 8 || len(digits) > 15 {
			return Number{}, fmt.Errorf("%w: %d digits, want 8-15", ErrInvalidLength, len(digits))
		}
	}

	return Number{
		JID:      digits + JIDSuffix,
		Digits:   digits,
		Original: raw,
	}, nil
}

func normalizeJID(trimmed, raw string) (Number, error) {
	if !strings.HasSuffix(trimmed, JIDSuffix) {
		return Number{}, fmt.Errorf("%w: address must end with %s", ErrInvalidFormat, JIDSuffix)
	}

	digits := strings.TrimSuffix(trimmed, JIDSuffix)
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return Number{}, fmt.Errorf("%w: local part must be digits only", ErrInvalidFormat)
		}
	}
	if len(digits) < 10 || len(digits) > 15 {
		return Number{}, fmt.Errorf("%w: %d digits, want 10-15", ErrInvalidLength, len(digits))
	}

	return Number{JID: trimmed, Digits: digits, Original: raw}, nil
}

func stripNonDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
