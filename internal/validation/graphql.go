package validation

import (
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/wudi/tollgate/internal/errors"
)

// GraphQLDocument builds the validation tree for a GraphQL request.
// Each top-level selection field becomes a root key with its arguments
// as the nested object, so schema paths read operation.argument.field.
// Variable references are substituted from the request's variables.
func GraphQLDocument(body []byte) (interface{}, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.ErrValidation.WithDetails("request body is not valid JSON")
	}
	envelope := gjson.ParseBytes(body)

	query := envelope.Get("query").String()
	if query == "" {
		return nil, errors.ErrValidation.WithDetails("missing GraphQL query")
	}
	vars, _ := envelope.Get("variables").Value().(map[string]interface{})

	doc, err := parser.ParseQuery(&ast.Source{Name: "request", Input: query})
	if err != nil {
		return nil, errors.ErrValidation.WithDetails("GraphQL parse error: " + err.Error())
	}

	name := envelope.Get("operationName").String()
	op := doc.Operations.ForName(name)
	if op == nil {
		if name != "" {
			return nil, errors.ErrValidation.WithDetails("operation " + strconv.Quote(name) + " not found")
		}
		if len(doc.Operations) == 0 {
			return nil, errors.ErrValidation.WithDetails("GraphQL query has no operations")
		}
		op = doc.Operations[0]
	}

	root := map[string]interface{}{}
	for _, sel := range op.SelectionSet {
		field, ok := sel.(*ast.Field)
		if !ok {
			continue
		}
		args := make(map[string]interface{}, len(field.Arguments))
		for _, arg := range field.Arguments {
			args[arg.Name] = astValue(arg.Value, vars)
		}
		root[field.Name] = args
	}
	return root, nil
}

func astValue(v *ast.Value, vars map[string]interface{}) interface{} {
	if v == nil {
		return nil
	}
	switch v.Kind {
	case ast.Variable:
		return vars[v.Raw]
	case ast.IntValue, ast.FloatValue:
		f, _ := strconv.ParseFloat(v.Raw, 64)
		return f
	case ast.StringValue, ast.BlockValue, ast.EnumValue:
		return v.Raw
	case ast.BooleanValue:
		return v.Raw == "true"
	case ast.NullValue:
		return nil
	case ast.ListValue:
		items := make([]interface{}, 0, len(v.Children))
		for _, c := range v.Children {
			items = append(items, astValue(c.Value, vars))
		}
		return items
	case ast.ObjectValue:
		obj := make(map[string]interface{}, len(v.Children))
		for _, c := range v.Children {
			obj[c.Name] = astValue(c.Value, vars)
		}
		return obj
	default:
		return v.Raw
	}
}
