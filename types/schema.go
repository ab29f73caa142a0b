package types

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/fatih/structs"
)

// BuildSchema derives a structural schema from a sample value: for a map, the
// schema is the sorted key-set with each value's own nested schema; for a Go
// struct (used by the mock source's hard-coded seed fixtures, which are
// written as plain Go structs rather than raw maps) the struct is flattened
// with fatih/structs first so seed data and wire data share one schema
// representation; for a []any, the schema is {"__kind": "array", "__elem":
// <first element's schema>}; for a primitive it is {"__kind": tag} with tag
// "string", "number" or "bool".
//
// This single helper backs both the write-validation structural check
// (design §4.7) and the MQTT adapter's schema-inference-from-latest-payload
// (design §4.3).
func BuildSchema(sample any) map[string]any {
	switch v := sample.(type) {
	case map[string]any:
		return mapSchema(v)
	case []any:
		if len(v) == 0 {
			return map[string]any{"__kind": "array", "__elem": map[string]any{}}
		}
		return map[string]any{"__kind": "array", "__elem": BuildSchema(v[0])}
	case nil:
		return map[string]any{"__kind": "null"}
	default:
		rv := reflect.ValueOf(sample)
		if rv.Kind() == reflect.Struct || (rv.Kind() == reflect.Ptr && rv.Elem().Kind() == reflect.Struct) {
			return mapSchema(structs.Map(sample))
		}
		return map[string]any{"__kind": primitiveKind(sample)}
	}
}

func mapSchema(m map[string]any) map[string]any {
	fields := map[string]any{}
	for k, v := range m {
		fields[k] = BuildSchema(v)
	}
	fields["__kind"] = "object"
	return fields
}

func primitiveKind(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "bool"
	case int, int32, int64, float32, float64:
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// sortedKeys returns the sorted, non-metadata keys of a schema map.
func sortedKeys(schema map[string]any) []string {
	keys := make([]string, 0, len(schema))
	for k := range schema {
		if k == "__kind" || k == "__elem" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ValidateAndCoerce checks newValue against the schema of the current head
// value, applying the limited primitive coercion triangle (string<->int<->
// float) described in design §4.7. It returns the (possibly coerced) value
// ready to store, or an error if the shapes are incompatible.
func ValidateAndCoerce(current, newValue any) (any, error) {
	currentSchema := BuildSchema(current)
	return validateAgainst(currentSchema, current, newValue)
}

func validateAgainst(schema map[string]any, current, newValue any) (any, error) {
	kind, _ := schema["__kind"].(string)
	switch kind {
	case "object":
		newMap, ok := newValue.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected object, got %T", newValue)
		}
		curMap, _ := current.(map[string]any)
		wantKeys := sortedKeys(schema)
		gotKeys := make([]string, 0, len(newMap))
		for k := range newMap {
			gotKeys = append(gotKeys, k)
		}
		sort.Strings(gotKeys)
		if !equalStrings(wantKeys, gotKeys) {
			return nil, fmt.Errorf("object key set mismatch: want %v got %v", wantKeys, gotKeys)
		}
		out := make(map[string]any, len(newMap))
		for _, k := range wantKeys {
			fieldSchema, _ := schema[k].(map[string]any)
			var curField any
			if curMap != nil {
				curField = curMap[k]
			}
			coerced, err := validateAgainst(fieldSchema, curField, newMap[k])
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			out[k] = coerced
		}
		return out, nil
	case "array":
		newArr, ok := newValue.([]any)
		if !ok {
			return nil, fmt.Errorf("expected array, got %T", newValue)
		}
		elemSchema, _ := schema["__elem"].(map[string]any)
		var curElem any
		if curArr, ok := current.([]any); ok && len(curArr) > 0 {
			curElem = curArr[0]
		}
		out := make([]any, len(newArr))
		for i, elem := range newArr {
			coerced, err := validateAgainst(elemSchema, curElem, elem)
			if err != nil {
				return nil, fmt.Errorf("array element %d: %w", i, err)
			}
			out[i] = coerced
		}
		return out, nil
	case "null":
		return newValue, nil
	default:
		return coercePrimitive(kind, newValue)
	}
}

// coercePrimitive applies the string<->int<->float coercion triangle. Any
// other mismatch is a hard failure.
func coercePrimitive(wantKind string, v any) (any, error) {
	gotKind := primitiveKind(v)
	if gotKind == wantKind {
		return v, nil
	}
	switch wantKind {
	case "string":
		switch n := v.(type) {
		case int:
			return fmt.Sprintf("%d", n), nil
		case float64:
			return fmt.Sprintf("%v", n), nil
		}
	case "number":
		if s, ok := v.(string); ok {
			var f float64
			if _, err := fmt.Sscanf(s, "%g", &f); err == nil {
				return f, nil
			}
		}
	case "bool":
		// no implicit coercion into bool.
	}
	return nil, fmt.Errorf("cannot coerce %s into %s", gotKind, wantKind)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
