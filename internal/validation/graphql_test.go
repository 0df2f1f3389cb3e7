package validation

import (
	"testing"

	"github.com/wudi/tollgate/internal/metadata"
)

func TestGraphQLDocumentArguments(t *testing.T) {
	body := `{"query":"mutation { createOrder(input: {amount: 5, currency: \"USD\", tags: [\"a\",\"b\"]}, dryRun: true) { id } }"}`

	doc, err := GraphQLDocument([]byte(body))
	if err != nil {
		t.Fatalf("GraphQLDocument: %v", err)
	}
	root, ok := doc.(map[string]interface{})
	if !ok {
		t.Fatalf("expected object root, got %T", doc)
	}
	args, ok := root["createOrder"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected createOrder arguments, got %v", root)
	}
	input, ok := args["input"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected input object, got %v", args["input"])
	}
	if input["amount"] != float64(5) {
		t.Errorf("expected amount 5, got %v", input["amount"])
	}
	if input["currency"] != "USD" {
		t.Errorf("expected currency USD, got %v", input["currency"])
	}
	tags, ok := input["tags"].([]interface{})
	if !ok || len(tags) != 2 || tags[0] != "a" {
		t.Errorf("expected tags [a b], got %v", input["tags"])
	}
	if args["dryRun"] != true {
		t.Errorf("expected dryRun true, got %v", args["dryRun"])
	}
}

func TestGraphQLDocumentVariables(t *testing.T) {
	body := `{"query":"query Fetch($amt: Int!) { orders(min: $amt) { id } }","variables":{"amt":7}}`

	doc, err := GraphQLDocument([]byte(body))
	if err != nil {
		t.Fatalf("GraphQLDocument: %v", err)
	}
	root := doc.(map[string]interface{})
	args := root["orders"].(map[string]interface{})
	if args["min"] != float64(7) {
		t.Errorf("expected substituted variable 7, got %v", args["min"])
	}
}

func TestGraphQLDocumentOperationSelection(t *testing.T) {
	body := `{"query":"query A { a(x: 1) { id } } query B { b(y: 2) { id } }","operationName":"B"}`

	doc, err := GraphQLDocument([]byte(body))
	if err != nil {
		t.Fatalf("GraphQLDocument: %v", err)
	}
	root := doc.(map[string]interface{})
	if _, ok := root["b"]; !ok {
		t.Errorf("expected operation B fields, got %v", root)
	}
	if _, ok := root["a"]; ok {
		t.Errorf("expected operation A to be skipped, got %v", root)
	}
}

func TestGraphQLDocumentErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		detail string
	}{
		{"invalid envelope", `{`, "not valid JSON"},
		{"missing query", `{"variables":{}}`, "missing GraphQL query"},
		{"parse error", `{"query":"query {"}`, "GraphQL parse error"},
		{"unknown operation", `{"query":"query A { a { id } }","operationName":"Z"}`, "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := GraphQLDocument([]byte(tt.body))
			wantValidationError(t, err, tt.detail)
		})
	}
}

func TestGraphQLValidation(t *testing.T) {
	v := newValidator(t)
	body := `{"query":"mutation { createOrder(input: {amount: -1}) { id } }"}`

	doc, err := GraphQLDocument([]byte(body))
	if err != nil {
		t.Fatalf("GraphQLDocument: %v", err)
	}

	schema := map[string]*metadata.ValidationRule{
		"createOrder.input.amount":   {Required: true, Type: "number", Min: f64(0)},
		"createOrder.input.currency": {Type: "string"},
	}
	wantValidationError(t, v.Validate(schema, doc), ValBounds)

	required := map[string]*metadata.ValidationRule{
		"createOrder.input.currency": {Required: true, Type: "string"},
	}
	wantValidationError(t, v.Validate(required, doc), ValMissing)
}
