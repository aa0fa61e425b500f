package task

import (
	"encoding/json"
)

// VariableBudget bounds the size, nesting depth, and string length of
// a task's variables map, per spec.md §6's store configuration
// options. It is a plain value type so pkg/task/store can build one
// from config.StoreConfig without an import cycle.
type VariableBudget struct {
	MaxSizeBytes int
	MaxDepth     int
	MaxStringLen int
}

// MergeVariables applies updates onto existing per-key: a null value
// in updates deletes the key, any other value upserts it. The input
// maps are never mutated; a new map is returned (spec §4.2 set_variables,
// §8 invariant 4).
func MergeVariables(existing map[string]interface{}, updates map[string]interface{}, nullKeys map[string]bool) map[string]interface{} {
	merged := make(map[string]interface{}, len(existing)+len(updates))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range updates {
		merged[k] = v
	}
	for k := range nullKeys {
		delete(merged, k)
	}
	return merged
}

// DecodeVariableUpdate splits a raw JSON update map into the non-null
// upserts and the set of keys whose value was explicitly JSON null,
// since json.Unmarshal into map[string]interface{} collapses null to a
// Go nil that is indistinguishable from "absent" without inspecting
// the raw tokens first.
func DecodeVariableUpdate(raw json.RawMessage) (updates map[string]interface{}, nullKeys map[string]bool, err error) {
	var rawFields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &rawFields); err != nil {
		return nil, nil, err
	}
	updates = make(map[string]interface{}, len(rawFields))
	nullKeys = make(map[string]bool)
	for k, v := range rawFields {
		if string(v) == "null" {
			nullKeys[k] = true
			continue
		}
		var decoded interface{}
		if err := json.Unmarshal(v, &decoded); err != nil {
			return nil, nil, err
		}
		updates[k] = decoded
	}
	return updates, nullKeys, nil
}

// ValidateVariables enforces the three resource bounds named in
// spec.md §3 and §6: serialized size, JSON nesting depth, and the
// length of any single string value. It returns the first violated
// sentinel error.
func ValidateVariables(vars map[string]interface{}, budget VariableBudget) error {
	if budget.MaxDepth > 0 {
		for _, v := range vars {
			if depthOf(v, 1) > budget.MaxDepth {
				return ErrVariableDepthExceeded
			}
		}
	}
	if budget.MaxStringLen > 0 {
		for _, v := range vars {
			if !stringLengthsWithin(v, budget.MaxStringLen) {
				return ErrVariableStringTooLong
			}
		}
	}
	if budget.MaxSizeBytes > 0 {
		encoded, err := json.Marshal(vars)
		if err != nil {
			return err
		}
		if len(encoded) > budget.MaxSizeBytes {
			return ErrVariableSizeExceeded
		}
	}
	return nil
}

// depthOf returns the maximum nesting depth of a decoded JSON value,
// where a scalar has depth 1 and each level of object/array nesting
// adds one.
func depthOf(v interface{}, current int) int {
	switch val := v.(type) {
	case map[string]interface{}:
		max := current
		for _, child := range val {
			if d := depthOf(child, current+1); d > max {
				max = d
			}
		}
		return max
	case []interface{}:
		max := current
		for _, child := range val {
			if d := depthOf(child, current+1); d > max {
				max = d
			}
		}
		return max
	default:
		return current
	}
}

// stringLengthsWithin reports whether every string value reachable
// from v (including nested object/array members) is no longer than
// maxLen runes.
func stringLengthsWithin(v interface{}, maxLen int) bool {
	switch val := v.(type) {
	case string:
		return len([]rune(val)) <= maxLen
	case map[string]interface{}:
		for _, child := range val {
			if !stringLengthsWithin(child, maxLen) {
				return false
			}
		}
		return true
	case []interface{}:
		for _, child := range val {
			if !stringLengthsWithin(child, maxLen) {
				return false
			}
		}
		return true
	default:
		return true
	}
}
