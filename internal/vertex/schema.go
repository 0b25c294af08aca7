package vertex

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// SanitizeFunctionParametersSchema converts a Claude/OpenAI style JSON
// Schema into the subset the backend's functionDeclarations.parameters
// parser accepts. The input is not mutated.
func SanitizeFunctionParametersSchema(schema map[string]any) map[string]any {
	cloned, ok := cloneJSONValue(schema).(map[string]any)
	if !ok {
		return map[string]any{}
	}
	sanitizeSchemaInPlace(cloned)
	return cloned
}

func cloneJSONValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneJSONValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneJSONValue(vv)
		}
		return out
	default:
		return v
	}
}

func sanitizeSchemaInPlace(schema map[string]any) {
	for _, k := range []string{"$schema", "$id", "$anchor", "$comment"} {
		delete(schema, k)
	}

	// The backend schema uses "ref"/"defs" without the $ prefix.
	if v, ok := schema["$ref"]; ok {
		delete(schema, "$ref")
		if _, has := schema["ref"]; !has {
			schema["ref"] = v
		}
	}
	if v, ok := schema["$defs"]; ok {
		delete(schema, "$defs")
		if _, has := schema["defs"]; !has {
			schema["defs"] = v
		}
	}
	if v, ok := schema["definitions"]; ok {
		delete(schema, "definitions")
		if _, has := schema["defs"]; !has {
			schema["defs"] = v
		}
	}

	// oneOf is unsupported; anyOf is.
	if v, ok := schema["oneOf"]; ok {
		delete(schema, "oneOf")
		if cur, has := schema["anyOf"]; !has {
			schema["anyOf"] = v
		} else if dst, okDst := cur.([]any); okDst {
			if src, okSrc := v.([]any); okSrc {
				schema["anyOf"] = append(dst, src...)
			}
		}
	}

	// allOf is unsupported; fold the first entry's keys in as a best effort.
	if v, ok := schema["allOf"]; ok {
		delete(schema, "allOf")
		if arr, okArr := v.([]any); okArr && len(arr) > 0 {
			if first, okObj := arr[0].(map[string]any); okObj {
				for k, vv := range first {
					if _, has := schema[k]; !has {
						schema[k] = vv
					}
				}
			}
		}
	}

	convertExclusiveBounds(schema)

	normalizeTypeField(schema)
	// Schemas that carry only properties/items without a type are common;
	// the backend rejects them or produces MALFORMED_FUNCTION_CALL.
	if _, isStr := schema["type"].(string); !isStr {
		if _, has := schema["properties"]; has {
			schema["type"] = "OBJECT"
		} else if _, has := schema["items"]; has {
			schema["type"] = "ARRAY"
		}
	}

	if v, ok := schema["enum"]; ok {
		if norm, okNorm := normalizeEnum(v); okNorm {
			schema["enum"] = norm
		} else {
			delete(schema, "enum")
		}
	}

	if v, ok := schema["required"]; ok {
		if norm, okNorm := normalizeStringArray(v); okNorm {
			schema["required"] = norm
		} else {
			delete(schema, "required")
		}
	}

	if f, ok := schemaFloat(schema["minimum"]); ok {
		schema["minimum"] = f
	} else {
		delete(schema, "minimum")
	}
	if f, ok := schemaFloat(schema["maximum"]); ok {
		schema["maximum"] = f
	} else {
		delete(schema, "maximum")
	}

	for _, k := range []string{
		"not", "if", "then", "else",
		"dependentSchemas", "dependentRequired", "dependencies",
		"patternProperties", "propertyNames",
		"unevaluatedProperties", "unevaluatedItems",
		"prefixItems", "contains", "minContains", "maxContains",
		"multipleOf", "pattern", "format",
		"minItems", "maxItems", "uniqueItems",
		"minLength", "maxLength", "minProperties", "maxProperties",
		"additionalProperties", "contentMediaType", "contentEncoding",
		"const", "examples", "readOnly", "writeOnly", "deprecated",
		"title", "default",
	} {
		delete(schema, k)
	}

	if v, ok := schema["defs"]; ok {
		if m, okMap := v.(map[string]any); okMap {
			sanitizeChildMap(m)
		} else {
			delete(schema, "defs")
		}
	}

	if v, ok := schema["properties"]; ok {
		if m, okMap := v.(map[string]any); okMap {
			sanitizeChildMap(m)
		} else {
			delete(schema, "properties")
		}
	}

	if v, ok := schema["items"]; ok {
		switch items := v.(type) {
		case map[string]any:
			sanitizeSchemaInPlace(items)
		case []any:
			// JSON Schema allows an array form; the backend expects one schema.
			var picked map[string]any
			for _, it := range items {
				if obj, okObj := it.(map[string]any); okObj {
					picked = obj
					break
				}
			}
			if picked != nil {
				sanitizeSchemaInPlace(picked)
				schema["items"] = picked
			} else {
				delete(schema, "items")
			}
		default:
			delete(schema, "items")
		}
	}

	if v, ok := schema["anyOf"]; ok {
		if arr, okArr := v.([]any); okArr {
			dst := make([]any, 0, len(arr))
			for _, it := range arr {
				obj, okObj := it.(map[string]any)
				if !okObj {
					continue
				}
				sanitizeSchemaInPlace(obj)
				dst = append(dst, obj)
			}
			if len(dst) == 0 {
				delete(schema, "anyOf")
			} else {
				schema["anyOf"] = dst
			}
		} else {
			delete(schema, "anyOf")
		}
	}

	enforceSchemaAllowlist(schema)
}

func sanitizeChildMap(m map[string]any) {
	for k, child := range m {
		if obj, ok := child.(map[string]any); ok {
			sanitizeSchemaInPlace(obj)
		} else {
			delete(m, k)
		}
	}
}

func normalizeTypeField(schema map[string]any) {
	raw, ok := schema["type"]
	if !ok {
		return
	}
	switch t := raw.(type) {
	case string:
		if norm, okNorm := normalizeVertexType(t); okNorm {
			schema["type"] = norm
		}
	case []any:
		// JSON Schema union types like ["string","null"].
		hasNull := false
		firstNonNull := ""
		found := false
		for _, it := range t {
			s, okStr := it.(string)
			if !okStr {
				continue
			}
			if strings.EqualFold(s, "null") {
				hasNull = true
				continue
			}
			if !found {
				firstNonNull = s
				found = true
			}
		}
		if hasNull {
			if _, has := schema["nullable"]; !has {
				schema["nullable"] = true
			}
		}
		if found {
			if norm, okNorm := normalizeVertexType(firstNonNull); okNorm {
				schema["type"] = norm
			} else {
				schema["type"] = strings.ToUpper(strings.TrimSpace(firstNonNull))
			}
		} else {
			delete(schema, "type")
		}
	default:
		delete(schema, "type")
	}
}

func normalizeVertexType(t string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "object":
		return "OBJECT", true
	case "array":
		return "ARRAY", true
	case "string":
		return "STRING", true
	case "integer", "int":
		return "INTEGER", true
	case "number":
		return "NUMBER", true
	case "boolean", "bool":
		return "BOOLEAN", true
	case "null":
		return "NULL", true
	}
	switch up := strings.ToUpper(strings.TrimSpace(t)); up {
	case "TYPE_UNSPECIFIED", "STRING", "NUMBER", "INTEGER", "BOOLEAN", "ARRAY", "OBJECT", "NULL":
		return up, true
	}
	return "", false
}

// normalizeEnum coerces enum members to strings; the backend schema only
// takes string enums.
func normalizeEnum(v any) ([]any, bool) {
	arr, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]any, 0, len(arr))
	for _, it := range arr {
		switch e := it.(type) {
		case string:
			out = append(out, e)
		case bool:
			out = append(out, strconv.FormatBool(e))
		case float64:
			out = append(out, formatEnumNumber(e))
		case int:
			out = append(out, strconv.Itoa(e))
		case int64:
			out = append(out, strconv.FormatInt(e, 10))
		default:
			out = append(out, fmt.Sprint(e))
		}
	}
	return out, true
}

func formatEnumNumber(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	return strings.TrimSuffix(s, ".0")
}

func normalizeStringArray(v any) ([]any, bool) {
	arr, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]any, 0, len(arr))
	for _, it := range arr {
		s, okStr := it.(string)
		if !okStr {
			continue
		}
		t := strings.TrimSpace(s)
		if t == "" {
			continue
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// convertExclusiveBounds rewrites exclusiveMinimum/exclusiveMaximum, which
// the backend does not support, into minimum/maximum.
func convertExclusiveBounds(schema map[string]any) {
	if v, ok := schema["exclusiveMinimum"]; ok {
		delete(schema, "exclusiveMinimum")
		if _, has := schema["minimum"]; !has {
			if f, okF := schemaFloat(v); okF {
				schema["minimum"] = adjustExclusive(f, schema, true)
			}
		} else if b, okB := v.(bool); okB && b {
			if f, okF := schemaFloat(schema["minimum"]); okF {
				schema["minimum"] = adjustExclusive(f, schema, true)
			}
		}
	}

	if v, ok := schema["exclusiveMaximum"]; ok {
		delete(schema, "exclusiveMaximum")
		if _, has := schema["maximum"]; !has {
			if f, okF := schemaFloat(v); okF {
				schema["maximum"] = adjustExclusive(f, schema, false)
			}
		} else if b, okB := v.(bool); okB && b {
			if f, okF := schemaFloat(schema["maximum"]); okF {
				schema["maximum"] = adjustExclusive(f, schema, false)
			}
		}
	}
}

func adjustExclusive(bound float64, schema map[string]any, isMin bool) float64 {
	t, _ := schema["type"].(string)
	if strings.EqualFold(t, "integer") && bound == float64(int64(bound)) {
		if isMin {
			return bound + 1
		}
		return bound - 1
	}
	return bound
}

func schemaFloat(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// enforceSchemaAllowlist drops every key the backend's strict schema parser
// does not know, then type-checks the survivors it cares about.
func enforceSchemaAllowlist(schema map[string]any) {
	allowed := map[string]struct{}{
		"type": {}, "properties": {}, "required": {}, "description": {},
		"enum": {}, "items": {}, "nullable": {}, "minimum": {}, "maximum": {},
		"anyOf": {}, "ref": {}, "defs": {},
	}
	for k := range schema {
		if strings.HasPrefix(k, "$") {
			delete(schema, k)
			continue
		}
		if _, ok := allowed[k]; !ok {
			delete(schema, k)
		}
	}

	for _, k := range []string{"ref", "type", "description"} {
		if v, ok := schema[k]; ok {
			if _, isStr := v.(string); !isStr {
				delete(schema, k)
			}
		}
	}
	if v, ok := schema["nullable"]; ok {
		if _, isBool := v.(bool); !isBool {
			delete(schema, "nullable")
		}
	}
}
