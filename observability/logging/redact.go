package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces values that must never reach the log stream.
const RedactedValue = "[REDACTED]"

// Identifiers and state labels are logged verbatim.
var plainKeys = map[string]struct{}{
	"operation":    {},
	"code":         {},
	"status":       {},
	"stage":        {},
	"contract_id":  {},
	"milestone_id": {},
	"event_id":     {},
	"event_type":   {},
	"request_id":   {},
	"currency":     {},
}

// Proofs and addresses are correlated by operators, so they keep a short
// fingerprint instead of disappearing entirely.
var fingerprintKeys = map[string]struct{}{
	"funding_proof":      {},
	"settlement_proof":   {},
	"settlement_address": {},
	"creator_id":         {},
	"maker_id":           {},
	"subject":            {},
	"actor":              {},
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// IsPlain reports whether values under key are emitted unchanged.
func IsPlain(key string) bool {
	_, ok := plainKeys[normalizeKey(key)]
	return ok
}

// Fingerprint keeps the first six and last four characters of value. Values
// too short to shorten are fully redacted.
func Fingerprint(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return trimmed
	}
	if len(trimmed) <= 12 {
		return RedactedValue
	}
	return trimmed[:6] + "..." + trimmed[len(trimmed)-4:]
}

// MaskField builds a slog attribute for a possibly sensitive value. Unknown
// keys such as tokens or secrets are always redacted.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsPlain(key) {
		return slog.String(key, value)
	}
	if _, ok := fingerprintKeys[normalizeKey(key)]; ok {
		return slog.String(key, Fingerprint(value))
	}
	return slog.String(key, RedactedValue)
}
