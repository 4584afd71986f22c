package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// sensitiveKeys lists log keys that must never carry their raw value. The
// signer key and webhook secrets fall in this bucket by construction because
// they are never passed to a logging call in the first place; the mask exists
// for fields that may incidentally contain secret material.
var sensitiveKeys = map[string]struct{}{
	"signer_key":    {},
	"api_secret":    {},
	"authorization": {},
	"passphrase":    {},
}

// IsSensitive reports whether a log key must be redacted.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns a slog.Attr whose value is redacted when the key is
// sensitive. Empty values pass through unchanged to avoid log noise.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
