package isolation

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// cycleMarker replaces a reference that is already on the current traversal
// path, so self-referential payloads encode instead of recursing forever.
const cycleMarker = "<cycle>"

// Sanitize converts an arbitrary payload into a JSON-safe value: named
// primitive types collapse to their underlying value, time.Time becomes an
// ISO-8601 string, maps/slices/structs are walked recursively, and cyclic
// references are replaced with a marker.
func Sanitize(value any) any {
	if value == nil {
		return nil
	}
	return sanitizeValue(reflect.ValueOf(value), make(map[uintptr]struct{}))
}

func sanitizeValue(v reflect.Value, seen map[uintptr]struct{}) any {
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return sanitizeValue(v.Elem(), seen)

	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if _, onPath := seen[ptr]; onPath {
			return cycleMarker
		}
		seen[ptr] = struct{}{}
		out := sanitizeValue(v.Elem(), seen)
		delete(seen, ptr)
		return out

	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if _, onPath := seen[ptr]; onPath {
			return cycleMarker
		}
		seen[ptr] = struct{}{}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[fmt.Sprint(sanitizeValue(iter.Key(), seen))] = sanitizeValue(iter.Value(), seen)
		}
		delete(seen, ptr)
		return out

	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if _, onPath := seen[ptr]; onPath {
			return cycleMarker
		}
		seen[ptr] = struct{}{}
		out := sanitizeSequence(v, seen)
		delete(seen, ptr)
		return out

	case reflect.Array:
		return sanitizeSequence(v, seen)

	case reflect.Struct:
		if t, ok := v.Interface().(time.Time); ok {
			return t.Format(time.RFC3339)
		}
		return sanitizeStruct(v, seen)

	case reflect.String:
		return v.String()
	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		return v.Float()

	default:
		// Channels, funcs, complex numbers: degrade to their string form
		// rather than failing the whole payload.
		return fmt.Sprint(v.Interface())
	}
}

func sanitizeSequence(v reflect.Value, seen map[uintptr]struct{}) []any {
	out := make([]any, v.Len())
	for i := 0; i < v.Len(); i++ {
		out[i] = sanitizeValue(v.Index(i), seen)
	}
	return out
}

func sanitizeStruct(v reflect.Value, seen map[uintptr]struct{}) map[string]any {
	t := v.Type()
	out := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, omitEmpty := jsonFieldName(field)
		if name == "-" {
			continue
		}
		value := sanitizeValue(v.Field(i), seen)
		if omitEmpty && isEmptyValue(value) {
			continue
		}
		out[name] = value
	}
	return out
}

func jsonFieldName(field reflect.StructField) (string, bool) {
	tag := field.Tag.Get("json")
	if tag == "" {
		return field.Name, false
	}

	parts := strings.Split(tag, ",")
	name := parts[0]
	if name == "" {
		name = field.Name
	}

	omitEmpty := false
	for _, part := range parts[1:] {
		if part == "omitempty" {
			omitEmpty = true
		}
	}
	return name, omitEmpty
}

func isEmptyValue(v any) bool {
	switch value := v.(type) {
	case nil:
		return true
	case string:
		return value == ""
	case bool:
		return !value
	case int64:
		return value == 0
	case uint64:
		return value == 0
	case float64:
		return value == 0
	default:
		return false
	}
}
