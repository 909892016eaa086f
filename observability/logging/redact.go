package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// Keys the pool logs routinely. Anything else passed through MaskField is
// treated as sensitive.
var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"component": {},
	"op":        {},
	"code":      {},
	"caller":    {},
	"loan_id":   {},
	"asset":     {},
	"amount":    {},
	"height":    {},
	"tx_id":     {},
	"source":    {},

	// query parameters of the public lending routes
	"address":    {},
	"collateral": {},
	"cursor":     {},
	"limit":      {},
	"type":       {},
	"types":      {},
	"from":       {},
	"to":         {},
}

// IsAllowlisted reports whether the provided key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactionAllowlist[normalized]
	return ok
}

// MaskValue returns the canonical redacted placeholder for non-empty values.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns a slog.Attr that redacts the supplied value unless the key is
// explicitly allowlisted.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskToken keeps the first characters of a credential so operators can tell
// tokens apart without exposing them.
func MaskToken(token string) string {
	trimmed := strings.TrimSpace(token)
	if len(trimmed) <= 8 {
		return MaskValue(trimmed)
	}
	return trimmed[:6] + "..." + RedactedValue
}
