// Package sanitize implements the cross-cutting redaction and truncation
// rules applied to every key-value map before it is stored or broadcast.
package sanitize

import "strings"

const redacted = "[REDACTED]"
const depthLimit = "[DEPTH-LIMIT]"
const truncatedSuffix = "… [TRUNCATED]"

var sensitiveSubstrings = []string{
	"password", "token", "secret", "apikey", "api_key",
	"credential", "private_key", "auth",
}

// Options bounds string length and nesting depth; both come from Config.
type Options struct {
	MaxStringLen int
	MaxDepth     int
}

// Map sanitizes a key-value map:
//   - keys whose lowercased form contains a sensitive substring are
//     replaced with "[REDACTED]" regardless of value type
//   - string values longer than MaxStringLen are truncated with a suffix
//   - nested maps and slices are sanitized recursively; one that sits at
//     depth MaxDepth or deeper (the top-level map is depth 0) is replaced
//     with "[DEPTH-LIMIT]"
//
// Map is idempotent: Map(Map(x)) == Map(x) for any x, since a redacted
// value stays "[REDACTED]", a truncated value keeps the same first
// MaxStringLen bytes and so truncates to itself again, and depth-limited
// subtrees are plain strings thereafter.
func Map(in map[string]any, opts Options) map[string]any {
	if in == nil {
		return nil
	}
	return sanitizeMap(in, opts, 0)
}

func sanitizeMap(in map[string]any, opts Options, depth int) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if isSensitiveKey(k) {
			out[k] = redacted
			continue
		}
		out[k] = sanitizeValue(v, opts, depth)
	}
	return out
}

func sanitizeValue(v any, opts Options, depth int) any {
	switch t := v.(type) {
	case map[string]any:
		if opts.MaxDepth > 0 && depth+1 >= opts.MaxDepth {
			return depthLimit
		}
		return sanitizeMap(t, opts, depth+1)
	case []any:
		if opts.MaxDepth > 0 && depth+1 >= opts.MaxDepth {
			return depthLimit
		}
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sanitizeValue(e, opts, depth+1)
		}
		return out
	case string:
		return truncateString(t, opts.MaxStringLen)
	default:
		return v
	}
}

func truncateString(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + truncatedSuffix
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, needle := range sensitiveSubstrings {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}
