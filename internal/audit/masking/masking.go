// Package masking redacts credentials that end up in audit metadata, such
// as webhook signatures or gateway keys echoed back in an error.
package masking

import "strings"

const maskToken = "****"

var sensitiveMarkers = []string{"secret", "signature", "token", "api_key", "server_key", "authorization", "password"}

// SensitiveKey reports whether a metadata key names a credential.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	for _, marker := range sensitiveMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Secret keeps the scheme prefix and the last four characters, so
// "sha256_abcdef123456" becomes "sha256_****3456".
func Secret(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	prefix, rest := value, ""
	if i := strings.LastIndex(value, "_"); i >= 0 && i < len(value)-1 {
		prefix, rest = value[:i+1], value[i+1:]
	} else {
		prefix, rest = "", value
	}
	if len(rest) <= 4 {
		return prefix + maskToken
	}
	return prefix + maskToken + rest[len(rest)-4:]
}

// Metadata copies in, masking string values under sensitive keys at any
// depth. Blank keys are dropped.
func Metadata(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = metadataValue(value, SensitiveKey(key))
	}
	return out
}

func metadataValue(value any, sensitive bool) any {
	switch v := value.(type) {
	case string:
		if sensitive {
			return Secret(v)
		}
		return v
	case map[string]any:
		return Metadata(v)
	case map[string]string:
		nested := make(map[string]any, len(v))
		for key, item := range v {
			nested[key] = item
		}
		return Metadata(nested)
	case []any:
		items := make([]any, len(v))
		for i, item := range v {
			items[i] = metadataValue(item, sensitive)
		}
		return items
	default:
		return value
	}
}
