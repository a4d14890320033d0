// Package schema implements declarative validation of JSON-shaped
// values. A Schema describes the expected shape of a decoded document
// (maps, slices, and scalars as produced by encoding/json); Validate
// walks the value recursively and reports the first violation with its
// path.
//
// Schemas gate every persisted event on load and on append, every
// registry catalog, and every dead-letter entry. Report views are also
// validated, but violations there are logged rather than fatal.
package schema

import (
	"fmt"
	"strings"
	"time"
)

// Value type names understood by the validator.
const (
	TypeObject    = "object"
	TypeArray     = "array"
	TypeString    = "string"
	TypeNumber    = "number"
	TypeInteger   = "integer"
	TypeBoolean   = "boolean"
	TypeTimestamp = "timestamp"
)

// Schema declares the expected shape of a value.
type Schema struct {
	// Type is one of the Type* constants.
	Type string
	// Required lists property names that must be present (objects only).
	Required []string
	// Properties maps property names to their schemas (objects only).
	Properties map[string]*Schema
	// Items is the schema every element must satisfy (arrays only).
	Items *Schema
	// Enum restricts a string value to the listed members.
	Enum []string
	// AdditionalProperties permits object keys beyond Properties.
	AdditionalProperties bool
	// MinLength is the minimum length for strings (0 means no minimum).
	MinLength int
}

// ValidationError describes a single schema violation.
type ValidationError struct {
	// Path locates the offending value, e.g. "payload.scope.campaign_id".
	Path string
	// Message describes the violation.
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validate checks v against the schema and returns the first violation.
func (s *Schema) Validate(v any) error {
	return s.validate(v, "")
}

func (s *Schema) validate(v any, path string) error {
	switch s.Type {
	case TypeObject:
		return s.validateObject(v, path)
	case TypeArray:
		return s.validateArray(v, path)
	case TypeString:
		return s.validateString(v, path)
	case TypeNumber:
		if _, ok := asFloat(v); !ok {
			return violation(path, "expected number, got %T", v)
		}
		return nil
	case TypeInteger:
		f, ok := asFloat(v)
		if !ok || f != float64(int64(f)) {
			return violation(path, "expected integer, got %v", v)
		}
		return nil
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			return violation(path, "expected boolean, got %T", v)
		}
		return nil
	case TypeTimestamp:
		return s.validateTimestamp(v, path)
	default:
		return violation(path, "schema declares unknown type %q", s.Type)
	}
}

func (s *Schema) validateObject(v any, path string) error {
	obj, ok := v.(map[string]any)
	if !ok {
		return violation(path, "expected object, got %T", v)
	}

	for _, name := range s.Required {
		if _, present := obj[name]; !present {
			return violation(path, "missing required property %q", name)
		}
	}

	for name, value := range obj {
		prop, declared := s.Properties[name]
		if !declared {
			if s.AdditionalProperties {
				continue
			}
			return violation(path, "unexpected property %q", name)
		}
		if err := prop.validate(value, joinPath(path, name)); err != nil {
			return err
		}
	}

	return nil
}

func (s *Schema) validateArray(v any, path string) error {
	items, ok := v.([]any)
	if !ok {
		return violation(path, "expected array, got %T", v)
	}
	if s.Items == nil {
		return nil
	}
	for i, item := range items {
		if err := s.Items.validate(item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Schema) validateString(v any, path string) error {
	str, ok := v.(string)
	if !ok {
		return violation(path, "expected string, got %T", v)
	}
	if s.MinLength > 0 && len(str) < s.MinLength {
		return violation(path, "string shorter than %d", s.MinLength)
	}
	if len(s.Enum) > 0 {
		for _, member := range s.Enum {
			if str == member {
				return nil
			}
		}
		return violation(path, "%q not in enum [%s]", str, strings.Join(s.Enum, ", "))
	}
	return nil
}

func (s *Schema) validateTimestamp(v any, path string) error {
	switch t := v.(type) {
	case string:
		if _, err := time.Parse(time.RFC3339Nano, t); err != nil {
			return violation(path, "invalid timestamp %q", t)
		}
		return nil
	case time.Time:
		return nil
	default:
		return violation(path, "expected timestamp, got %T", v)
	}
}

// asFloat normalizes JSON numeric representations.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func violation(path, format string, args ...any) error {
	return &ValidationError{Path: path, Message: fmt.Sprintf(format, args...)}
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
