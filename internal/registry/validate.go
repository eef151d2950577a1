package registry

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// ValidateInput checks input against the tool's input schema.
// Checks run in order: required fields, types, enums, numeric ranges.
// Every violation is reported; fields absent from the schema pass through.
// Only top-level fields are checked.
func (r *Registry) ValidateInput(id string, input map[string]any) ValidationResult {
	def, ok := r.Get(id)
	if !ok {
		return ValidationResult{Errors: []string{fmt.Sprintf("unknown tool: %s", id)}}
	}
	return validateAgainst(def.InputSchema, input)
}

func validateAgainst(schema *InputSchema, input map[string]any) ValidationResult {
	if schema == nil {
		return ValidationResult{Valid: true}
	}

	var errs []string
	for _, field := range schema.Required {
		if isEmpty(input[field]) {
			errs = append(errs, fmt.Sprintf("missing required field: %s", field))
		}
	}

	// Sorted so that error order is stable across calls.
	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		if v, ok := input[name]; ok && v != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	typed := make([]string, 0, len(names))
	for _, name := range names {
		prop := schema.Properties[name]
		if !matchesType(prop.Type, input[name]) {
			errs = append(errs, fmt.Sprintf("field %s must be of type %s", name, prop.Type))
			continue
		}
		typed = append(typed, name)
	}

	for _, name := range typed {
		prop := schema.Properties[name]
		if len(prop.Enum) > 0 && !inEnum(prop.Enum, input[name]) {
			errs = append(errs, fmt.Sprintf("field %s must be one of %s", name, formatEnum(prop.Enum)))
		}
	}

	for _, name := range typed {
		prop := schema.Properties[name]
		if prop.Minimum == nil && prop.Maximum == nil {
			continue
		}
		n, ok := numericValue(input[name])
		if !ok {
			continue
		}
		if prop.Minimum != nil && n < *prop.Minimum {
			errs = append(errs, fmt.Sprintf("field %s must be >= %s", name, formatNumber(*prop.Minimum)))
		}
		if prop.Maximum != nil && n > *prop.Maximum {
			errs = append(errs, fmt.Sprintf("field %s must be <= %s", name, formatNumber(*prop.Maximum)))
		}
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func matchesType(typ string, v any) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := numericValue(v)
		return ok
	case "integer":
		n, ok := numericValue(v)
		return ok && n == math.Trunc(n)
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "array":
		k := reflect.ValueOf(v).Kind()
		return k == reflect.Slice || k == reflect.Array
	case "object":
		return reflect.ValueOf(v).Kind() == reflect.Map
	default:
		// Unconstrained or unrecognised type.
		return true
	}
}

// numericValue converts JSON numbers, Go numeric types and numeric strings to float64.
func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func inEnum(enum []any, v any) bool {
	vn, vIsNum := numericValue(v)
	_, vIsString := v.(string)
	for _, e := range enum {
		if en, ok := numericValue(e); ok && vIsNum && !isStringOnly(e, v, vIsString) && en == vn {
			return true
		}
		if reflect.DeepEqual(e, v) {
			return true
		}
	}
	return false
}

// isStringOnly reports whether both values are strings, in which case
// numeric coercion must not make "1.0" equal "1".
func isStringOnly(e, v any, vIsString bool) bool {
	_, eIsString := e.(string)
	return eIsString && vIsString
}

func formatEnum(enum []any) string {
	parts := make([]string, len(enum))
	for i, e := range enum {
		parts[i] = fmt.Sprint(e)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
