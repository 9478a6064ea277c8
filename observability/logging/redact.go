package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder for sensitive fields in logs.
// Key material, database credentials, and signed payloads are always masked.
const RedactedValue = "[REDACTED]"

// Secret returns a slog.Attr whose value is masked unless empty. Empty values
// pass through so absent configuration stays visible in logs.
func Secret(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
