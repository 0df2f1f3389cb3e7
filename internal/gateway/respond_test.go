package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/wudi/tollgate/internal/errors"
)

func TestEnvelopeEmbedsJSON(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")

	out := envelope(200, h, []byte(`{"id":7,"tags":["a"]}`))

	if got := gjson.GetBytes(out, "status_code").Int(); got != 200 {
		t.Errorf("expected status_code 200, got %d", got)
	}
	if got := gjson.GetBytes(out, "response.id").Int(); got != 7 {
		t.Errorf("expected raw JSON embedding, got %s", out)
	}
	if got := gjson.GetBytes(out, "response_headers.Content-Type").String(); got != "application/json" {
		t.Errorf("expected content type in response_headers, got %s", out)
	}
}

func TestEnvelopeStringifiesNonJSON(t *testing.T) {
	out := envelope(502, http.Header{}, []byte("upstream said <nope>"))

	if !gjson.GetBytes(out, "response").Exists() {
		t.Fatalf("expected response field: %s", out)
	}
	if got := gjson.GetBytes(out, "response").String(); got != "upstream said <nope>" {
		t.Errorf("expected body as string, got %q", got)
	}
	if gjson.GetBytes(out, "response").IsObject() {
		t.Errorf("non-JSON body must not embed as object: %s", out)
	}
}

func TestEnvelopeOmitsEmptyBody(t *testing.T) {
	out := envelope(204, http.Header{}, nil)

	if gjson.GetBytes(out, "response").Exists() {
		t.Errorf("expected no response field for empty body: %s", out)
	}
	if got := gjson.GetBytes(out, "status_code").Int(); got != 204 {
		t.Errorf("expected status_code 204, got %d", got)
	}
}

func TestErrorEnvelopeFields(t *testing.T) {
	ge := errors.ErrAPINotFound.WithRequestID("req-1")

	out := errorEnvelope(ge)

	if got := gjson.GetBytes(out, "error_code").String(); got != "GTW001" {
		t.Errorf("expected GTW001, got %q", got)
	}
	if got := gjson.GetBytes(out, "error_message").String(); got != "API not found" {
		t.Errorf("expected message, got %q", got)
	}
	if got := gjson.GetBytes(out, "request_id").String(); got != "req-1" {
		t.Errorf("expected request id, got %q", got)
	}
	if got := gjson.GetBytes(out, "status_code").Int(); got != 404 {
		t.Errorf("expected status_code 404, got %d", got)
	}
}

func TestHeaderJSONFlattensFirstValues(t *testing.T) {
	h := http.Header{}
	h.Add("X-Shard", "a")
	h.Add("X-Shard", "b")

	out := headerJSON(h)

	if got := gjson.GetBytes(out, "X-Shard").String(); got != "a" {
		t.Errorf("expected first value only, got %q", got)
	}
}

func TestEscapeKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"X-Request-ID", "X-Request-ID"},
		{"a.b", `a\.b`},
		{"q?x", `q\?x`},
		{"w*", `w\*`},
		{"p|q", `p\|q`},
	}
	for _, tt := range tests {
		if got := escapeKey(tt.in); got != tt.want {
			t.Errorf("escapeKey(%q): expected %q, got %q", tt.in, got, tt.want)
		}
	}
}

func TestHeaderJSONEscapesDottedNames(t *testing.T) {
	h := http.Header{}
	h.Set("grpc.status", "0")

	out := headerJSON(h)

	var decoded map[string]string
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("invalid JSON from headerJSON: %v: %s", err, out)
	}
	if decoded["Grpc.status"] != "0" {
		t.Errorf("expected literal dotted key, got %v", decoded)
	}
}

// Strict mode wraps JSON errors but never a SOAP fault; SOAP callers
// always get an envelope their stacks can parse.
func TestStrictModeKeepsSOAPFaults(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.StrictResponseEnvelope = true

	h := newTestHandler(t, cfg, nil)

	r := httptest.NewRequest(http.MethodPost, "/api/soap/ghost/v1/x", strings.NewReader(`<Envelope/>`))
	r.Header.Set("Content-Type", "text/xml")
	w := do(h, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/xml") {
		t.Errorf("expected a SOAP fault content type, got %q", ct)
	}
	if !strings.Contains(w.Body.String(), "<faultcode>") {
		t.Errorf("expected fault XML, got %s", w.Body.String())
	}
}
