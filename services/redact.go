package services

import "strings"

// RedactedValue replaces any parameter whose field name looks credential-like
// on every read surface.
const RedactedValue = "*****REDACTED*****"

// sensitiveMarkers flag a field as credential material when the lowercased
// field name contains any of them.
var sensitiveMarkers = []string{"password", "_pw", "secret", "token"}

func isSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, marker := range sensitiveMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// RedactParameters deep-copies the parameter map, masking every value whose
// key matches the sensitive pattern. Recursion covers nested maps and map
// elements inside slices. The input is never mutated, and the operation is
// idempotent.
func RedactParameters(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}
	out := make(map[string]interface{}, len(params))
	for key, value := range params {
		if isSensitiveField(key) {
			out[key] = RedactedValue
			continue
		}
		out[key] = redactValue(value)
	}
	return out
}

func redactValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return RedactParameters(v)
	case []interface{}:
		copied := make([]interface{}, len(v))
		for i, elem := range v {
			copied[i] = redactValue(elem)
		}
		return copied
	default:
		return value
	}
}
