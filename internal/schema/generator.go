// Package schema derives JSON schemas for tool parameters from Go structs.
package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Generate creates an object schema from a struct value or pointer.
//
// Tags: `json` names the property, `description` documents it and `schema`
// carries comma separated constraints: required, minLength:N, maxLength:N,
// enum:a|b, pattern:RE. Fields without omitempty are required.
func Generate(v any) (map[string]any, error) {
	t := reflect.TypeOf(v)
	if t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("expected struct, got %v", t)
	}
	return object(t), nil
}

// MustJSON returns the schema of v encoded as JSON and panics on failure.
// It is meant for package-level tool descriptors.
func MustJSON(v any) json.RawMessage {
	s, err := Generate(v)
	if err != nil {
		panic(err)
	}
	data, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	return data
}

func object(t reflect.Type) map[string]any {
	properties := map[string]any{}
	required := []string{}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		jsonTag := field.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}
		name := fieldName(field, jsonTag)

		schemaTag := field.Tag.Get("schema")
		if strings.Contains(schemaTag, "required") || !strings.Contains(jsonTag, "omitempty") {
			required = append(required, name)
		}

		prop := fieldSchema(field.Type)
		if desc := field.Tag.Get("description"); desc != "" {
			prop["description"] = desc
		}
		applyConstraints(schemaTag, prop)
		properties[name] = prop
	}

	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func fieldSchema(t reflect.Type) map[string]any {
	switch t.Kind() {
	case reflect.String:
		return map[string]any{"type": "string"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]any{"type": "integer"}
	case reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}
	case reflect.Bool:
		return map[string]any{"type": "boolean"}
	case reflect.Slice, reflect.Array:
		return map[string]any{"type": "array", "items": fieldSchema(t.Elem())}
	case reflect.Map:
		return map[string]any{"type": "object"}
	case reflect.Struct:
		return object(t)
	case reflect.Pointer:
		return fieldSchema(t.Elem())
	default:
		return map[string]any{"type": "string"}
	}
}

func applyConstraints(tag string, s map[string]any) {
	for _, part := range strings.Split(tag, ",") {
		part = strings.TrimSpace(part)
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		switch key {
		case "minLength", "maxLength":
			if n, err := strconv.Atoi(value); err == nil {
				s[key] = n
			}
		case "enum":
			s["enum"] = strings.Split(value, "|")
		case "pattern":
			s["pattern"] = value
		}
	}
}

func fieldName(field reflect.StructField, jsonTag string) string {
	name, _, _ := strings.Cut(jsonTag, ",")
	if name = strings.TrimSpace(name); name == "" {
		return field.Name
	}
	return name
}
