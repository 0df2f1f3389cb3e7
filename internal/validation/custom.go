package validation

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/expr-lang/expr"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/wudi/tollgate/internal/config"
)

// CustomEnv is the expression environment for configured validators.
type CustomEnv struct {
	Value any    `expr:"value"`
	Field string `expr:"field"`
}

func compileValidator(cfg config.ValidatorConfig) (CustomFunc, error) {
	switch {
	case cfg.Expression != "" && (cfg.Schema != "" || cfg.SchemaFile != ""):
		return nil, fmt.Errorf("validator %s: expression and schema are mutually exclusive", cfg.Name)
	case cfg.Expression != "":
		return compileExpression(cfg.Name, cfg.Expression)
	case cfg.Schema != "" || cfg.SchemaFile != "":
		return compileSchema(cfg.Name, cfg.Schema, cfg.SchemaFile)
	default:
		return nil, fmt.Errorf("validator %s: expression or schema required", cfg.Name)
	}
}

// compileExpression builds a validator from an expr program. The
// program sees {value, field} and must return a boolean verdict.
func compileExpression(name, expression string) (CustomFunc, error) {
	program, err := expr.Compile(expression, expr.Env(CustomEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("validator %s: failed to compile expression: %w", name, err)
	}
	return func(field string, value interface{}) error {
		out, err := expr.Run(program, CustomEnv{Value: value, Field: field})
		if err != nil {
			return err
		}
		if ok, _ := out.(bool); !ok {
			return fmt.Errorf("rejected by %s", name)
		}
		return nil
	}, nil
}

// compileSchema builds a validator from an inline or file-based JSON
// Schema document. The field value is validated as a standalone
// instance.
func compileSchema(name, inline, file string) (CustomFunc, error) {
	raw := inline
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("validator %s: failed to read schema file: %w", name, err)
		}
		raw = string(data)
	}

	var doc interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("validator %s: failed to parse JSON schema: %w", name, err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("validator %s: failed to add schema resource: %w", name, err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("validator %s: failed to compile schema: %w", name, err)
	}

	return func(_ string, value interface{}) error {
		return schema.Validate(value)
	}, nil
}
