package participants

import (
	"strings"
)

const scrubMaxString = 200

var secretKeyFragments = []string{"token", "secret", "password", "authorization", "apikey", "api_key"}

// Scrub returns a loggable copy of v: long strings truncated, values under
// secret-looking keys elided. Scrub never mutates its input.
func Scrub(v any) any {
	return scrubValue(v, "")
}

func scrubValue(v any, key string) any {
	if isSecretKey(key) {
		return "[redacted]"
	}
	switch t := v.(type) {
	case string:
		return truncate(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = scrubValue(inner, k)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = scrubValue(inner, "")
		}
		return out
	default:
		return v
	}
}

func isSecretKey(key string) bool {
	if key == "" {
		return false
	}
	lower := strings.ToLower(key)
	for _, frag := range secretKeyFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

func truncate(s string) string {
	if len(s) <= scrubMaxString {
		return s
	}
	return s[:scrubMaxString] + "…"
}
