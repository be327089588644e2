package queue

// Reserved field names a task record carries, preserved verbatim in
// the store (spec.md §6). User fields share the same record but never
// use these names.
const (
	FieldState        = "_state"
	FieldStateChanged = "_state_changed"
	FieldOwner        = "_owner"
	FieldProgress     = "_progress"
	FieldErrorDetails = "_error_details"
	FieldNewState     = "_new_state"
	FieldID           = "_id"
)

// copyMap returns a shallow copy of m so mutations never alias the
// value a Store Adapter handed to a transaction callback.
func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// asMap type-asserts v as a task record; ok is false for malformed
// records (non-mapping values such as a bare string or number).
func asMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

// fieldEquals reports whether record[field] equals want, treating an
// absent field the same as an explicit nil (spec.md §4.4: "treat
// absent _state as null, matching startState == null").
func fieldEquals(record map[string]interface{}, field string, want interface{}) bool {
	got, present := record[field]
	if !present {
		got = nil
	}
	if want == nil || got == nil {
		return want == nil && got == nil
	}
	return got == want
}

// sanitizeData strips reserved fields from a record before handing it
// to the processing function, or (sanitize=false) leaves them in place
// and additionally injects _id. Either way the returned map is a copy
// safe for the caller to mutate.
func sanitizeData(id string, record map[string]interface{}, sanitize bool) map[string]interface{} {
	out := make(map[string]interface{}, len(record)+1)
	for k, v := range record {
		if sanitize && isReservedField(k) {
			continue
		}
		out[k] = v
	}
	if !sanitize {
		out[FieldID] = id
	}
	return out
}

func isReservedField(field string) bool {
	switch field {
	case FieldState, FieldStateChanged, FieldOwner, FieldProgress, FieldErrorDetails, FieldNewState, FieldID:
		return true
	default:
		return false
	}
}

// asFloat normalizes the numeric types a decoded JSON value (or a
// value a caller built in Go directly) might arrive as.
func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
