package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields.
const RedactedValue = "[REDACTED]"

// Secret key material, master keys, and full wallet addresses never reach the
// logs. Keys listed here are safe to emit verbatim.
var redactionAllowlist = map[string]struct{}{
	"service":      {},
	"env":          {},
	"message":      {},
	"severity":     {},
	"timestamp":    {},
	"error":        {},
	"reason":       {},
	"component":    {},
	"challenge_id": {},
	"user_id":      {},
	"job_id":       {},
	"day":          {},
	"payout_type":  {},
	"tx_signature": {},
}

// IsAllowlisted reports whether the key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns a slog.Attr that redacts the supplied value unless the
// key is explicitly allowlisted.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// ShortAddress renders a wallet address as a loggable prefix. Addresses are
// public but long; eight characters is enough to correlate.
func ShortAddress(addr string) string {
	trimmed := strings.TrimSpace(addr)
	if len(trimmed) <= 8 {
		return trimmed
	}
	return trimmed[:8] + "…"
}
