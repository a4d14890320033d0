package schema

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var scopeSchema = &Schema{
	Type:     TypeObject,
	Required: []string{"campaign_id", "publisher_id"},
	Properties: map[string]*Schema{
		"campaign_id":  {Type: TypeString, MinLength: 1},
		"publisher_id": {Type: TypeString, MinLength: 1},
		"weight":       {Type: TypeNumber},
		"count":        {Type: TypeInteger},
		"billable":     {Type: TypeBoolean},
		"created_at":   {Type: TypeTimestamp},
		"mode":         {Type: TypeString, Enum: []string{"raw", "weighted"}},
		"tags":         {Type: TypeArray, Items: &Schema{Type: TypeString}},
	},
}

func TestValidate_OK(t *testing.T) {
	v := map[string]any{
		"campaign_id":  "cmp-1",
		"publisher_id": "pub-1",
		"weight":       1.5,
		"count":        int64(3),
		"billable":     true,
		"created_at":   "2026-08-24T12:00:00Z",
		"mode":         "raw",
		"tags":         []any{"a", "b"},
	}
	if err := scopeSchema.Validate(v); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidate_MissingRequired(t *testing.T) {
	err := scopeSchema.Validate(map[string]any{"campaign_id": "cmp-1"})
	if err == nil || !strings.Contains(err.Error(), "publisher_id") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidate_UnexpectedProperty(t *testing.T) {
	err := scopeSchema.Validate(map[string]any{
		"campaign_id": "cmp-1", "publisher_id": "pub-1", "bogus": 1,
	})
	if err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidate_AdditionalPropertiesAllowed(t *testing.T) {
	s := &Schema{Type: TypeObject, AdditionalProperties: true}
	if err := s.Validate(map[string]any{"anything": 1}); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidate_TypeMismatches(t *testing.T) {
	cases := []struct {
		name  string
		value map[string]any
		want  string
	}{
		{"string", base(map[string]any{"campaign_id": 5}), "expected string"},
		{"number", base(map[string]any{"weight": "heavy"}), "expected number"},
		{"integer", base(map[string]any{"count": 1.5}), "expected integer"},
		{"boolean", base(map[string]any{"billable": "yes"}), "expected boolean"},
		{"timestamp", base(map[string]any{"created_at": "not-a-time"}), "invalid timestamp"},
		{"enum", base(map[string]any{"mode": "hybrid"}), "not in enum"},
		{"array item", base(map[string]any{"tags": []any{"ok", 7}}), "expected string"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := scopeSchema.Validate(tc.value)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestValidate_ErrorCarriesPath(t *testing.T) {
	err := scopeSchema.Validate(base(map[string]any{"tags": []any{7}}))

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %T", err)
	}
	if verr.Path != "tags[0]" {
		t.Fatalf("path = %q", verr.Path)
	}
}

func TestValidate_TimestampAcceptsTimeValue(t *testing.T) {
	s := &Schema{Type: TypeTimestamp}
	if err := s.Validate(time.Now()); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidate_IntegerAcceptsWholeFloat(t *testing.T) {
	// encoding/json decodes all numbers as float64.
	s := &Schema{Type: TypeInteger}
	if err := s.Validate(float64(42)); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidate_MinLength(t *testing.T) {
	err := scopeSchema.Validate(base(map[string]any{"campaign_id": ""}))
	if err == nil || !strings.Contains(err.Error(), "shorter") {
		t.Fatalf("err = %v", err)
	}
}

// base returns a valid value with overrides applied.
func base(overrides map[string]any) map[string]any {
	v := map[string]any{"campaign_id": "cmp-1", "publisher_id": "pub-1"}
	for k, val := range overrides {
		v[k] = val
	}
	return v
}
