package model

import "regexp"

// Redacted is the literal that replaces sensitive values in persisted
// audit entries and change records.
const Redacted = "[REDACTED]"

var sensitiveKey = regexp.MustCompile(`(?i)password|secret|token|key|credential`)

// IsSensitiveKey reports whether a parameter key must never be persisted
// with its value.
func IsSensitiveKey(k string) bool {
	return sensitiveKey.MatchString(k)
}

// RedactMap returns a deep copy of m with every value under a sensitive key
// replaced by the Redacted literal, recursively through nested maps and
// slices. Redaction happens at the write boundary so callers cannot skip it.
func RedactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

// RedactStringMap is RedactMap for flat string maps (tags, labels).
func RedactStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = v
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return RedactMap(t)
	case map[string]string:
		return RedactStringMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = redactValue(item)
		}
		return out
	default:
		return v
	}
}
