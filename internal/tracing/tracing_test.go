package tracing

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/wudi/tollgate/internal/config"
)

// newTestTracer builds an enabled tracer backed by an in-process
// provider so tests never dial an OTLP endpoint.
func newTestTracer() *Tracer {
	provider := sdktrace.NewTracerProvider()
	return &Tracer{
		enabled:  true,
		provider: provider,
		tracer:   provider.Tracer("test"),
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}
}

func TestMiddlewareSetsTraceID(t *testing.T) {
	tracer := newTestTracer()

	handler := tracer.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest("GET", "/api/status", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	traceID := w.Header().Get("X-Trace-ID")
	if traceID == "" {
		t.Fatal("expected X-Trace-ID response header")
	}
	if len(traceID) != 32 {
		t.Errorf("expected 32-char trace ID, got %d chars: %s", len(traceID), traceID)
	}
}

func TestMiddlewareExtractsParent(t *testing.T) {
	tracer := newTestTracer()

	const parentTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	var seenTraceID string
	handler := tracer.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenTraceID = trace.SpanContextFromContext(r.Context()).TraceID().String()
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("traceparent", "00-"+parentTraceID+"-00f067aa0ba902b7-01")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if seenTraceID != parentTraceID {
		t.Errorf("expected handler span to continue trace %s, got %s", parentTraceID, seenTraceID)
	}
	if got := w.Header().Get("X-Trace-ID"); got != parentTraceID {
		t.Errorf("expected X-Trace-ID %s, got %s", parentTraceID, got)
	}
}

func TestDisabledTracerIsInert(t *testing.T) {
	tracer, err := New(config.TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tracer.IsEnabled() {
		t.Error("expected tracer to be disabled")
	}

	handler := tracer.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Header().Get("X-Trace-ID") != "" {
		t.Error("disabled tracer should not set X-Trace-ID")
	}
	if err := tracer.Close(); err != nil {
		t.Errorf("unexpected close error: %v", err)
	}
}

func TestInjectHeadersFallback(t *testing.T) {
	src := httptest.NewRequest("GET", "/", nil)
	src.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	src.Header.Set("tracestate", "vendor=value")

	dst := httptest.NewRequest("GET", "http://upstream.local/orders", nil)
	InjectHeaders(src, dst)

	if got := dst.Header.Get("traceparent"); got != src.Header.Get("traceparent") {
		t.Errorf("expected traceparent to carry over, got %q", got)
	}
	if got := dst.Header.Get("tracestate"); got != "vendor=value" {
		t.Errorf("expected tracestate to carry over, got %q", got)
	}
}

func TestSpanMiddlewareDisabledPassthrough(t *testing.T) {
	tracer, err := New(config.TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	called := false
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			next.ServeHTTP(w, r)
		})
	}

	handler := SpanMiddleware(tracer, "admission", mw)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if !called {
		t.Error("expected wrapped middleware to run")
	}
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
}
