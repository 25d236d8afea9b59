// Package typeutil provides coercion helpers for command parameters.
//
// Producers send parameters as JSON, so by the time a handler sees them
// every number is a float64 and every list is a []any. These helpers
// absorb that with the comma-ok idiom, so handlers can reject bad input
// with an argument error instead of panicking on a failed assertion.
package typeutil

// SafeString asserts value to string.
// Returns the string and true, or "" and false.
func SafeString(value any) (string, bool) {
	if value == nil {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

// SafeStringDefault asserts value to string, falling back to defaultVal.
func SafeStringDefault(value any, defaultVal string) string {
	if s, ok := SafeString(value); ok {
		return s
	}
	return defaultVal
}

// SafeInt asserts value to int.
// Handles the float64 that JSON decoding produces for every number, plus
// the narrower int types.
func SafeInt(value any) (int, bool) {
	if value == nil {
		return 0, false
	}
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case int32:
		return int(v), true
	case float64:
		return int(v), true
	case float32:
		return int(v), true
	default:
		return 0, false
	}
}

// SafeIntDefault asserts value to int, falling back to defaultVal.
func SafeIntDefault(value any, defaultVal int) int {
	if i, ok := SafeInt(value); ok {
		return i
	}
	return defaultVal
}

// SafeFloat64 asserts value to float64. Also handles int types, so a
// parameter written as 2 coerces the same as 2.0.
func SafeFloat64(value any) (float64, bool) {
	if value == nil {
		return 0, false
	}
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	default:
		return 0, false
	}
}

// SafeFloat64Default asserts value to float64, falling back to defaultVal.
func SafeFloat64Default(value any, defaultVal float64) float64 {
	if f, ok := SafeFloat64(value); ok {
		return f
	}
	return defaultVal
}

// SafeBool asserts value to bool.
func SafeBool(value any) (bool, bool) {
	if value == nil {
		return false, false
	}
	b, ok := value.(bool)
	return b, ok
}

// SafeBoolDefault asserts value to bool, falling back to defaultVal.
func SafeBoolDefault(value any, defaultVal bool) bool {
	if b, ok := SafeBool(value); ok {
		return b
	}
	return defaultVal
}

// SafeMapStringAny asserts value to map[string]any, the shape of a nested
// parameter block.
func SafeMapStringAny(value any) (map[string]any, bool) {
	if value == nil {
		return nil, false
	}
	m, ok := value.(map[string]any)
	return m, ok
}

// SafeMapStringAnyDefault asserts value to map[string]any, falling back to
// defaultVal.
func SafeMapStringAnyDefault(value any, defaultVal map[string]any) map[string]any {
	if m, ok := SafeMapStringAny(value); ok {
		return m
	}
	return defaultVal
}

// SafeSlice asserts value to []any.
func SafeSlice(value any) ([]any, bool) {
	if value == nil {
		return nil, false
	}
	s, ok := value.([]any)
	return s, ok
}

// SafeSliceDefault asserts value to []any, falling back to defaultVal.
func SafeSliceDefault(value any, defaultVal []any) []any {
	if s, ok := SafeSlice(value); ok {
		return s
	}
	return defaultVal
}

// SafeStringSlice asserts value to []string. A []any whose elements are
// all strings, which is what JSON decoding produces for a list of ids,
// converts; a mixed list does not.
func SafeStringSlice(value any) ([]string, bool) {
	if value == nil {
		return nil, false
	}

	if s, ok := value.([]string); ok {
		return s, true
	}

	if anySlice, ok := value.([]any); ok {
		result := make([]string, 0, len(anySlice))
		for _, item := range anySlice {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			result = append(result, str)
		}
		return result, true
	}

	return nil, false
}

// SafeStringSliceDefault asserts value to []string, falling back to
// defaultVal.
func SafeStringSliceDefault(value any, defaultVal []string) []string {
	if s, ok := SafeStringSlice(value); ok {
		return s
	}
	return defaultVal
}

// SafeFloat64Slice asserts value to []float64, converting the []any of
// numbers that JSON decoding produces for a coordinate or point list.
func SafeFloat64Slice(value any) ([]float64, bool) {
	if value == nil {
		return nil, false
	}

	if s, ok := value.([]float64); ok {
		return s, true
	}

	if anySlice, ok := value.([]any); ok {
		result := make([]float64, 0, len(anySlice))
		for _, item := range anySlice {
			f, ok := SafeFloat64(item)
			if !ok {
				return nil, false
			}
			result = append(result, f)
		}
		return result, true
	}

	return nil, false
}

// GetNestedValue walks a dot-separated path through nested parameter
// blocks. GetNestedValue(params, "transform.axis") returns
// params["transform"]["axis"].
func GetNestedValue(data map[string]any, path string) (any, bool) {
	if data == nil || path == "" {
		return nil, false
	}

	keys := splitPath(path)
	current := any(data)

	for _, key := range keys {
		m, ok := SafeMapStringAny(current)
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// GetNestedString walks a dot-separated path to a string value.
func GetNestedString(data map[string]any, path string) (string, bool) {
	v, ok := GetNestedValue(data, path)
	if !ok {
		return "", false
	}
	return SafeString(v)
}

// GetNestedFloat64 walks a dot-separated path to a numeric value.
func GetNestedFloat64(data map[string]any, path string) (float64, bool) {
	v, ok := GetNestedValue(data, path)
	if !ok {
		return 0, false
	}
	return SafeFloat64(v)
}

// splitPath splits a dot-separated path into keys, skipping empty segments.
func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	result := make([]string, 0, 4)
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			if i > start {
				result = append(result, path[start:i])
			}
			start = i + 1
		}
	}
	if start < len(path) {
		result = append(result, path[start:])
	}
	return result
}
