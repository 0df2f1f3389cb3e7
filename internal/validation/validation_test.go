package validation

import (
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/wudi/tollgate/internal/config"
	"github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/metadata"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func mustDoc(t *testing.T, body string) interface{} {
	t.Helper()
	doc, err := JSONDocument([]byte(body))
	if err != nil {
		t.Fatalf("JSONDocument(%q): %v", body, err)
	}
	return doc
}

func f64(v float64) *float64 { return &v }

func wantValidationError(t *testing.T, err error, detail string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected failure mentioning %q, got nil", detail)
	}
	ge, ok := errors.AsGatewayError(err)
	if !ok {
		t.Fatalf("expected gateway error, got %v", err)
	}
	if ge.Code != "GTW011" || ge.Status != http.StatusBadRequest {
		t.Errorf("expected GTW011/400, got %s/%d", ge.Code, ge.Status)
	}
	if !strings.Contains(ge.Details, detail) {
		t.Errorf("expected details to mention %q, got %q", detail, ge.Details)
	}
}

func TestRequiredFields(t *testing.T) {
	v := newValidator(t)
	schema := map[string]*metadata.ValidationRule{
		"name":     {Required: true, Type: "string"},
		"nickname": {Type: "string"},
	}

	if err := v.Validate(schema, mustDoc(t, `{"name":"ada"}`)); err != nil {
		t.Errorf("expected pass without optional field, got %v", err)
	}
	wantValidationError(t, v.Validate(schema, mustDoc(t, `{}`)), ValMissing)
	wantValidationError(t, v.Validate(schema, mustDoc(t, `{"nickname":"al"}`)), `field "name"`)
}

func TestTypeChecks(t *testing.T) {
	v := newValidator(t)
	tests := []struct {
		name string
		typ  string
		body string
		ok   bool
	}{
		{"string ok", "string", `{"f":"x"}`, true},
		{"string from number", "string", `{"f":12}`, false},
		{"number ok", "number", `{"f":1.5}`, true},
		{"number from string", "number", `{"f":"1.5"}`, false},
		{"integer ok", "integer", `{"f":3}`, true},
		{"integer rejects fraction", "integer", `{"f":3.5}`, false},
		{"boolean ok", "boolean", `{"f":true}`, true},
		{"boolean from string", "boolean", `{"f":"true"}`, false},
		{"array ok", "array", `{"f":[1,2]}`, true},
		{"array from object", "array", `{"f":{}}`, false},
		{"object ok", "object", `{"f":{"a":1}}`, true},
		{"object from array", "object", `{"f":[]}`, false},
		{"untyped accepts anything", "", `{"f":[1,2]}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schema := map[string]*metadata.ValidationRule{"f": {Type: tt.typ}}
			err := v.Validate(schema, mustDoc(t, tt.body))
			if tt.ok && err != nil {
				t.Errorf("expected pass, got %v", err)
			}
			if !tt.ok {
				wantValidationError(t, err, ValType)
			}
		})
	}
}

func TestBounds(t *testing.T) {
	v := newValidator(t)
	tests := []struct {
		name string
		rule *metadata.ValidationRule
		body string
		ok   bool
	}{
		{"string length in range", &metadata.ValidationRule{Type: "string", Min: f64(2), Max: f64(4)}, `{"f":"abc"}`, true},
		{"string too short", &metadata.ValidationRule{Type: "string", Min: f64(2)}, `{"f":"a"}`, false},
		{"string length counts runes", &metadata.ValidationRule{Type: "string", Max: f64(2)}, `{"f":"héé"}`, false},
		{"two runes pass", &metadata.ValidationRule{Type: "string", Max: f64(2)}, `{"f":"hé"}`, true},
		{"array too long", &metadata.ValidationRule{Type: "array", Max: f64(2)}, `{"f":[1,2,3]}`, false},
		{"numeric value over max", &metadata.ValidationRule{Type: "number", Max: f64(10)}, `{"f":10.5}`, false},
		{"numeric value at max", &metadata.ValidationRule{Type: "number", Max: f64(10)}, `{"f":10}`, true},
		{"numeric value under min", &metadata.ValidationRule{Type: "integer", Min: f64(1)}, `{"f":0}`, false},
		{"boolean ignores bounds", &metadata.ValidationRule{Type: "boolean", Min: f64(5)}, `{"f":true}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schema := map[string]*metadata.ValidationRule{"f": tt.rule}
			err := v.Validate(schema, mustDoc(t, tt.body))
			if tt.ok && err != nil {
				t.Errorf("expected pass, got %v", err)
			}
			if !tt.ok {
				wantValidationError(t, err, ValBounds)
			}
		})
	}
}

func TestPatternIsFullmatch(t *testing.T) {
	v := newValidator(t)
	schema := map[string]*metadata.ValidationRule{
		"code": {Type: "string", Pattern: "[a-z]+"},
	}

	if err := v.Validate(schema, mustDoc(t, `{"code":"abc"}`)); err != nil {
		t.Errorf("expected pass, got %v", err)
	}
	// A substring match is not enough.
	wantValidationError(t, v.Validate(schema, mustDoc(t, `{"code":"abc1"}`)), ValPattern)

	// Patterns only apply to strings.
	loose := map[string]*metadata.ValidationRule{"n": {Pattern: "[a-z]+"}}
	if err := v.Validate(loose, mustDoc(t, `{"n":42}`)); err != nil {
		t.Errorf("expected non-string to skip pattern, got %v", err)
	}
}

func TestEnum(t *testing.T) {
	v := newValidator(t)

	schema := map[string]*metadata.ValidationRule{
		"currency": {Type: "string", Enum: []interface{}{"USD", "EUR"}},
	}
	if err := v.Validate(schema, mustDoc(t, `{"currency":"EUR"}`)); err != nil {
		t.Errorf("expected pass, got %v", err)
	}
	wantValidationError(t, v.Validate(schema, mustDoc(t, `{"currency":"GBP"}`)), ValEnum)

	// Seed files decode enum numbers as ints; JSON documents carry
	// float64. The comparison must bridge the two.
	numeric := map[string]*metadata.ValidationRule{
		"tier": {Type: "integer", Enum: []interface{}{int(1), int64(2), uint64(3)}},
	}
	for _, body := range []string{`{"tier":1}`, `{"tier":2}`, `{"tier":3}`} {
		if err := v.Validate(numeric, mustDoc(t, body)); err != nil {
			t.Errorf("expected %s to pass, got %v", body, err)
		}
	}
	wantValidationError(t, v.Validate(numeric, mustDoc(t, `{"tier":4}`)), ValEnum)
}

func TestNestedSchema(t *testing.T) {
	v := newValidator(t)
	schema := map[string]*metadata.ValidationRule{
		"user": {
			Required: true,
			Type:     "object",
			NestedSchema: map[string]*metadata.ValidationRule{
				"address": {
					Type: "object",
					NestedSchema: map[string]*metadata.ValidationRule{
						"city": {Required: true, Type: "string"},
					},
				},
			},
		},
	}

	if err := v.Validate(schema, mustDoc(t, `{"user":{"address":{"city":"Oslo"}}}`)); err != nil {
		t.Errorf("expected pass, got %v", err)
	}

	err := v.Validate(schema, mustDoc(t, `{"user":{"address":{}}}`))
	wantValidationError(t, err, `field "user.address.city"`)

	// Dotted paths reach into objects without nested_schema too.
	dotted := map[string]*metadata.ValidationRule{
		"user.address.city": {Required: true, Type: "string"},
	}
	if err := v.Validate(dotted, mustDoc(t, `{"user":{"address":{"city":"Oslo"}}}`)); err != nil {
		t.Errorf("expected dotted path pass, got %v", err)
	}
	wantValidationError(t, v.Validate(dotted, mustDoc(t, `{"user":{}}`)), ValMissing)
}

func TestArrayItems(t *testing.T) {
	v := newValidator(t)
	schema := map[string]*metadata.ValidationRule{
		"tags": {
			Type:       "array",
			ArrayItems: &metadata.ValidationRule{Type: "string", Max: f64(3)},
		},
	}

	if err := v.Validate(schema, mustDoc(t, `{"tags":["a","bb","ccc"]}`)); err != nil {
		t.Errorf("expected pass, got %v", err)
	}

	err := v.Validate(schema, mustDoc(t, `{"tags":["ok",12]}`))
	wantValidationError(t, err, `field "tags[1]"`)

	wantValidationError(t, v.Validate(schema, mustDoc(t, `{"tags":["toolong"]}`)), ValBounds)
}

func TestCustomValidator(t *testing.T) {
	v := newValidator(t)
	v.Register("even", func(_ string, value interface{}) error {
		f, ok := value.(float64)
		if !ok || int64(f)%2 != 0 {
			return fmt.Errorf("must be even")
		}
		return nil
	})
	v.Register("grumpy", func(string, interface{}) error {
		panic("boom")
	})

	schema := map[string]*metadata.ValidationRule{
		"n": {Type: "integer", CustomValidator: "even"},
	}
	if err := v.Validate(schema, mustDoc(t, `{"n":4}`)); err != nil {
		t.Errorf("expected pass, got %v", err)
	}
	wantValidationError(t, v.Validate(schema, mustDoc(t, `{"n":3}`)), ValCustom)

	// A panicking validator rejects the field instead of crashing the
	// request.
	panicky := map[string]*metadata.ValidationRule{"n": {CustomValidator: "grumpy"}}
	wantValidationError(t, v.Validate(panicky, mustDoc(t, `{"n":1}`)), ValCustom)

	unknown := map[string]*metadata.ValidationRule{"n": {CustomValidator: "nope"}}
	wantValidationError(t, v.Validate(unknown, mustDoc(t, `{"n":1}`)), "invalid validation schema")
}

func TestSchemaMistakesAreDistinct(t *testing.T) {
	v := newValidator(t)
	tests := []struct {
		name   string
		schema map[string]*metadata.ValidationRule
	}{
		{"empty path segment", map[string]*metadata.ValidationRule{"user..name": {Required: true}}},
		{"unknown type", map[string]*metadata.ValidationRule{"f": {Type: "uuid"}}},
		{"bad pattern", map[string]*metadata.ValidationRule{"f": {Type: "string", Pattern: "("}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.schema, mustDoc(t, `{"f":"x","user":{"name":"y"}}`))
			wantValidationError(t, err, "invalid validation schema")
		})
	}
}

func TestExpressionValidatorFromConfig(t *testing.T) {
	v, err := New([]config.ValidatorConfig{
		{Name: "positive", Expression: "value > 0"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	schema := map[string]*metadata.ValidationRule{
		"amount": {Type: "number", CustomValidator: "positive"},
	}
	if err := v.Validate(schema, mustDoc(t, `{"amount":5}`)); err != nil {
		t.Errorf("expected pass, got %v", err)
	}
	wantValidationError(t, v.Validate(schema, mustDoc(t, `{"amount":-5}`)), ValCustom)
}

func TestSchemaValidatorFromConfig(t *testing.T) {
	v, err := New([]config.ValidatorConfig{
		{Name: "tiny", Schema: `{"type":"number","maximum":10}`},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	schema := map[string]*metadata.ValidationRule{
		"n": {CustomValidator: "tiny"},
	}
	if err := v.Validate(schema, mustDoc(t, `{"n":5}`)); err != nil {
		t.Errorf("expected pass, got %v", err)
	}
	wantValidationError(t, v.Validate(schema, mustDoc(t, `{"n":11}`)), ValCustom)
}

func TestValidatorConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.ValidatorConfig
	}{
		{"missing name", config.ValidatorConfig{Expression: "true"}},
		{"no body", config.ValidatorConfig{Name: "empty"}},
		{"both kinds", config.ValidatorConfig{Name: "both", Expression: "true", Schema: `{}`}},
		{"bad expression", config.ValidatorConfig{Name: "broken", Expression: "value >"}},
		{"bad schema json", config.ValidatorConfig{Name: "mangled", Schema: `{`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New([]config.ValidatorConfig{tt.cfg}); err == nil {
				t.Errorf("expected config error, got nil")
			}
		})
	}
}

func TestJSONDocument(t *testing.T) {
	if _, err := JSONDocument([]byte(`{"a":`)); err == nil {
		t.Errorf("expected invalid JSON to fail")
	}

	// An empty body still trips required fields.
	doc, err := JSONDocument(nil)
	if err != nil {
		t.Fatalf("JSONDocument(nil): %v", err)
	}
	v := newValidator(t)
	schema := map[string]*metadata.ValidationRule{"id": {Required: true}}
	wantValidationError(t, v.Validate(schema, doc), ValMissing)
}
