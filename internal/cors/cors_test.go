package cors

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wudi/tollgate/internal/metadata"
)

func preflight(origin string) *http.Request {
	r := httptest.NewRequest(http.MethodOptions, "/api/rest/orders/v1/orders", nil)
	r.Header.Set("Origin", origin)
	r.Header.Set("Access-Control-Request-Method", "POST")
	return r
}

func TestIsPreflight(t *testing.T) {
	if !IsPreflight(preflight("https://app.example.com")) {
		t.Errorf("expected preflight detection")
	}

	plain := httptest.NewRequest(http.MethodOptions, "/", nil)
	if IsPreflight(plain) {
		t.Errorf("expected OPTIONS without Origin to not be a preflight")
	}

	get := httptest.NewRequest(http.MethodGet, "/", nil)
	get.Header.Set("Origin", "https://app.example.com")
	if IsPreflight(get) {
		t.Errorf("expected GET to not be a preflight")
	}
}

func TestPreflightAllowedOrigin(t *testing.T) {
	c := New(false)
	policy := &metadata.CORSPolicy{
		Origins:     []string{"https://app.example.com"},
		Methods:     []string{"GET", "POST"},
		Credentials: true,
		MaxAge:      600,
	}

	w := httptest.NewRecorder()
	c.HandlePreflight(w, preflight("https://app.example.com"), policy)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("expected origin echo, got %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST" {
		t.Errorf("expected configured methods, got %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("expected credentials header, got %q", got)
	}
	if got := w.Header().Get("Access-Control-Max-Age"); got != "600" {
		t.Errorf("expected max age 600, got %q", got)
	}
}

func TestPreflightDisallowedOrigin(t *testing.T) {
	policy := &metadata.CORSPolicy{Origins: []string{"https://app.example.com"}}

	// Lax mode: bare 204, no ACAO.
	w := httptest.NewRecorder()
	New(false).HandlePreflight(w, preflight("https://evil.example.net"), policy)
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204 in lax mode, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("expected no ACAO in lax mode, got %q", got)
	}

	// Strict mode: 403.
	w = httptest.NewRecorder()
	New(true).HandlePreflight(w, preflight("https://evil.example.net"), policy)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 in strict mode, got %d", w.Code)
	}

	// No policy at all behaves like a disallowed origin.
	w = httptest.NewRecorder()
	New(true).HandlePreflight(w, preflight("https://app.example.com"), nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 without policy, got %d", w.Code)
	}
}

func TestWildcardOrigins(t *testing.T) {
	c := New(false)

	// Credential-less wildcard may answer "*".
	w := httptest.NewRecorder()
	c.HandlePreflight(w, preflight("https://anywhere.net"), &metadata.CORSPolicy{Origins: []string{"*"}})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected *, got %q", got)
	}

	// With credentials the origin must be echoed.
	w = httptest.NewRecorder()
	c.HandlePreflight(w, preflight("https://anywhere.net"), &metadata.CORSPolicy{Origins: []string{"*"}, Credentials: true})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://anywhere.net" {
		t.Errorf("expected origin echo with credentials, got %q", got)
	}

	// Subdomain wildcard.
	w = httptest.NewRecorder()
	c.HandlePreflight(w, preflight("https://shop.example.com"), &metadata.CORSPolicy{Origins: []string{"*.example.com"}})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://shop.example.com" {
		t.Errorf("expected subdomain match, got %q", got)
	}
}

func TestApplyResponseHeaders(t *testing.T) {
	c := New(false)
	policy := &metadata.CORSPolicy{
		Origins:     []string{"https://app.example.com"},
		Credentials: true,
		Expose:      []string{"X-Request-ID", "X-Gateway-Time"},
	}

	r := httptest.NewRequest(http.MethodGet, "/api/rest/orders/v1/orders", nil)
	r.Header.Set("Origin", "https://app.example.com")
	h := http.Header{}
	c.Apply(h, r, policy)

	if got := h.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("expected ACAO, got %q", got)
	}
	if got := h.Get("Access-Control-Expose-Headers"); got != "X-Request-ID, X-Gateway-Time" {
		t.Errorf("expected expose headers, got %q", got)
	}

	// No origin header: nothing applied.
	h = http.Header{}
	c.Apply(h, httptest.NewRequest(http.MethodGet, "/", nil), policy)
	if len(h) != 0 {
		t.Errorf("expected no headers without Origin, got %v", h)
	}
}
