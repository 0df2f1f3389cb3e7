// Package validation enforces per-endpoint payload schemas before
// upstream dispatch. A schema is a flat map of dotted field paths to
// rules; objects and arrays recurse through nested_schema and
// array_items. Protocol front-ends turn their payloads into a generic
// value tree (JSONDocument, SOAPDocument, GraphQLDocument) and the
// engine evaluates rules against that tree.
package validation

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/wudi/tollgate/internal/config"
	"github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/metadata"
)

// Failure detail codes. They ride inside the GTW011 response details so
// clients can tell what kind of check rejected the field.
const (
	ValMissing = "VAL_MISSING"
	ValType    = "VAL_TYPE"
	ValBounds  = "VAL_BOUNDS"
	ValPattern = "VAL_PATTERN"
	ValEnum    = "VAL_ENUM"
	ValCustom  = "VAL_CUSTOM"
)

// CustomFunc is a named validator invoked as the last rule step. A
// non-nil error rejects the field with a VAL_CUSTOM detail.
type CustomFunc func(field string, value interface{}) error

// Validator evaluates endpoint schemas. Custom validators are
// registered once at startup; pattern compilation is cached.
type Validator struct {
	custom map[string]CustomFunc

	mu       sync.RWMutex
	patterns map[string]*regexp.Regexp
}

// New builds a Validator with the configured custom validators
// compiled and registered by name.
func New(validators []config.ValidatorConfig) (*Validator, error) {
	v := &Validator{
		custom:   make(map[string]CustomFunc, len(validators)),
		patterns: make(map[string]*regexp.Regexp),
	}
	for _, cfg := range validators {
		if cfg.Name == "" {
			return nil, fmt.Errorf("custom validator needs a name")
		}
		fn, err := compileValidator(cfg)
		if err != nil {
			return nil, err
		}
		v.custom[cfg.Name] = fn
	}
	return v, nil
}

// Register adds a custom validator under the given name, replacing any
// configured one.
func (v *Validator) Register(name string, fn CustomFunc) {
	v.custom[name] = fn
}

// Validate applies the schema to the document and returns the first
// failure as a 400 gateway error. Fields are checked in sorted path
// order so failures are deterministic.
func (v *Validator) Validate(schema map[string]*metadata.ValidationRule, doc interface{}) error {
	return v.validateSchema("", schema, doc)
}

func (v *Validator) validateSchema(prefix string, schema map[string]*metadata.ValidationRule, doc interface{}) error {
	paths := make([]string, 0, len(schema))
	for p := range schema {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		rule := schema[p]
		if rule == nil {
			continue
		}
		full := joinPath(prefix, p)
		segs, err := splitPath(p)
		if err != nil {
			return schemaError(full, err.Error())
		}
		val, found := resolve(doc, segs)
		if err := v.applyRule(full, rule, val, found); err != nil {
			return err
		}
	}
	return nil
}

// applyRule runs the rule steps for one field in the fixed order:
// presence, type, bounds, pattern, enum, recursion, custom.
func (v *Validator) applyRule(path string, rule *metadata.ValidationRule, val interface{}, found bool) error {
	if !found {
		if rule.Required {
			return fieldError(ValMissing, path, "is required")
		}
		return nil
	}

	val, err := checkType(path, rule.Type, val)
	if err != nil {
		return err
	}

	if err := checkBounds(path, rule, val); err != nil {
		return err
	}

	if rule.Pattern != "" {
		if s, ok := val.(string); ok {
			re, err := v.pattern(rule.Pattern)
			if err != nil {
				return schemaError(path, fmt.Sprintf("bad pattern %q: %v", rule.Pattern, err))
			}
			if !re.MatchString(s) {
				return fieldError(ValPattern, path, fmt.Sprintf("does not match %q", rule.Pattern))
			}
		}
	}

	if len(rule.Enum) > 0 {
		allowed := false
		for _, want := range rule.Enum {
			if equalValues(val, want) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fieldError(ValEnum, path, "is not one of the allowed values")
		}
	}

	if len(rule.NestedSchema) > 0 {
		if obj, ok := val.(map[string]interface{}); ok {
			if err := v.validateSchema(path, rule.NestedSchema, obj); err != nil {
				return err
			}
		}
	}

	if rule.ArrayItems != nil {
		if arr, ok := val.([]interface{}); ok {
			for i, item := range arr {
				itemPath := fmt.Sprintf("%s[%d]", path, i)
				if err := v.applyRule(itemPath, rule.ArrayItems, item, true); err != nil {
					return err
				}
			}
		}
	}

	if rule.CustomValidator != "" {
		fn, ok := v.custom[rule.CustomValidator]
		if !ok {
			return schemaError(path, fmt.Sprintf("unknown custom validator %q", rule.CustomValidator))
		}
		if err := safeCall(fn, path, val); err != nil {
			return fieldError(ValCustom, path, err.Error())
		}
	}
	return nil
}

// safeCall shields the engine from panicking validators; a panic
// rejects the field like any other custom failure.
func safeCall(fn CustomFunc, field string, value interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("validator panic: %v", r)
		}
	}()
	return fn(field, value)
}

// checkType verifies the declared type and returns the value to use
// for the remaining steps. XML leaf text coerces to the declared
// scalar type; JSON and GraphQL values must already match.
func checkType(path, typ string, val interface{}) (interface{}, error) {
	if text, ok := val.(xmlText); ok {
		return coerceText(path, typ, string(text))
	}
	switch typ {
	case "":
		return val, nil
	case "string":
		if _, ok := val.(string); ok {
			return val, nil
		}
	case "boolean":
		if _, ok := val.(bool); ok {
			return val, nil
		}
	case "number":
		if f, ok := numeric(val); ok {
			return f, nil
		}
	case "integer":
		if f, ok := numeric(val); ok && f == math.Trunc(f) {
			return f, nil
		}
	case "array":
		if _, ok := val.([]interface{}); ok {
			return val, nil
		}
	case "object":
		if _, ok := val.(map[string]interface{}); ok {
			return val, nil
		}
	default:
		return nil, schemaError(path, fmt.Sprintf("unknown type %q", typ))
	}
	return nil, fieldError(ValType, path, "must be of type "+typ)
}

// checkBounds applies min/max to string length (in runes), array
// length, or numeric value. Types without a measure pass.
func checkBounds(path string, rule *metadata.ValidationRule, val interface{}) error {
	if rule.Min == nil && rule.Max == nil {
		return nil
	}
	var size float64
	unit := "value"
	switch t := val.(type) {
	case string:
		size = float64(utf8.RuneCountInString(t))
		unit = "length"
	case []interface{}:
		size = float64(len(t))
		unit = "length"
	default:
		f, ok := numeric(val)
		if !ok {
			return nil
		}
		size = f
	}
	if rule.Min != nil && size < *rule.Min {
		return fieldError(ValBounds, path, fmt.Sprintf("%s must be at least %v", unit, *rule.Min))
	}
	if rule.Max != nil && size > *rule.Max {
		return fieldError(ValBounds, path, fmt.Sprintf("%s must be at most %v", unit, *rule.Max))
	}
	return nil
}

// pattern returns the anchored regexp for a rule pattern, compiling it
// once. Matching is a fullmatch: the pattern must cover the whole
// string.
func (v *Validator) pattern(p string) (*regexp.Regexp, error) {
	v.mu.RLock()
	re, ok := v.patterns[p]
	v.mu.RUnlock()
	if ok {
		return re, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if re, ok := v.patterns[p]; ok {
		return re, nil
	}
	re, err := regexp.Compile("^(?:" + p + ")$")
	if err != nil {
		return nil, err
	}
	v.patterns[p] = re
	return re, nil
}

func numeric(val interface{}) (float64, bool) {
	switch n := val.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// equalValues compares a document value with an enum entry, promoting
// both to float64 when numeric so YAML ints match JSON numbers.
func equalValues(a, b interface{}) bool {
	fa, aok := numeric(a)
	fb, bok := numeric(b)
	if aok && bok {
		return fa == fb
	}
	return a == b
}

func fieldError(code, path, msg string) error {
	return errors.ErrValidation.WithDetails(fmt.Sprintf("%s: field %q %s", code, path, msg))
}

// schemaError reports a broken schema definition. Same 400 family as
// payload failures but distinguishable by message.
func schemaError(path, msg string) error {
	return errors.ErrValidation.WithDetails(fmt.Sprintf("invalid validation schema for field %q: %s", path, msg))
}
