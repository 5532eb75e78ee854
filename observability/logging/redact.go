package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// safeKeys lists the attribute keys that carry routine operational data:
// identifiers, counters and asset symbols. Anything outside this set that
// travels through MaskField is masked. Bearer credentials, JWT secrets and
// keystore passphrases must never be added here.
var safeKeys = map[string]struct{}{
	"service":   {},
	"env":       {},
	"severity":  {},
	"timestamp": {},
	"message":   {},
	"error":     {},
	"err":       {},
	"reason":    {},
	"module":    {},
	"token":     {},
	"boundary":  {},
	"policy_id": {},
	"provider":  {},
	"batch":     {},
	"run":       {},
}

// IsAllowlisted reports whether a key may appear with its raw value.
func IsAllowlisted(key string) bool {
	_, ok := safeKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// RedactionAllowlist returns the sorted set of keys exempt from masking.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(safeKeys))
	for key := range safeKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskField builds a slog attribute, replacing the value with the redaction
// placeholder unless the key is allowlisted. Empty values pass through so
// absent fields stay readable.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
