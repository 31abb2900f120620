package tools

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
)

// validateArguments checks args against a JSON schema object: required
// fields, unknown fields, primitive types and enums. Nested schemas are not
// descended into.
func validateArguments(schema map[string]any, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	required, err := requiredFields(schema["required"])
	if err != nil {
		return err
	}
	for _, field := range required {
		if _, ok := args[field]; !ok {
			return fmt.Errorf("missing required argument %q", field)
		}
	}

	properties, hasProperties := schema["properties"].(map[string]any)
	additionalAllowed := true
	if raw, ok := schema["additionalProperties"]; ok {
		allowed, ok := raw.(bool)
		if !ok {
			return errors.New(`input schema "additionalProperties" must be a bool`)
		}
		additionalAllowed = allowed
	}

	keys := make([]string, 0, len(args))
	for key := range args {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := args[key]
		raw, known := properties[key]
		if !known {
			if hasProperties && !additionalAllowed {
				return fmt.Errorf("unknown argument %q", key)
			}
			continue
		}
		property, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("input schema property %q must be an object", key)
		}

		if typeName, ok := property["type"].(string); ok && !matchesType(typeName, value) {
			return fmt.Errorf("argument %q must be %s", key, typeName)
		}
		if enum, ok := property["enum"]; ok && !inEnum(enum, value) {
			return fmt.Errorf("argument %q must be one of %v", key, enum)
		}
	}
	return nil
}

func requiredFields(raw any) ([]string, error) {
	switch value := raw.(type) {
	case nil:
		return nil, nil
	case []string:
		return value, nil
	case []any:
		out := make([]string, 0, len(value))
		for _, item := range value {
			field, ok := item.(string)
			if !ok {
				return nil, errors.New(`input schema "required" entries must be strings`)
			}
			out = append(out, field)
		}
		return out, nil
	default:
		return nil, errors.New(`input schema "required" must be an array`)
	}
}

func matchesType(expected string, value any) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number":
		_, ok := toFloat(value)
		return ok
	case "integer":
		f, ok := toFloat(value)
		return ok && f == math.Trunc(f)
	case "object":
		return value != nil && reflect.TypeOf(value).Kind() == reflect.Map
	case "array":
		if value == nil {
			return false
		}
		kind := reflect.TypeOf(value).Kind()
		return kind == reflect.Slice || kind == reflect.Array
	case "null":
		return value == nil
	default:
		return true
	}
}

func inEnum(enum any, value any) bool {
	rv := reflect.ValueOf(enum)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return true
	}
	for i := 0; i < rv.Len(); i++ {
		if reflect.DeepEqual(rv.Index(i).Interface(), value) {
			return true
		}
	}
	return false
}

// toFloat accepts any Go numeric type. JSON-decoded arguments arrive as float64.
func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, !math.IsNaN(v) && !math.IsInf(v, 0)
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}
