package tracing

import (
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/wudi/tollgate/internal/middleware"
)

// SpanMiddleware wraps a middleware so its work is recorded as a named
// child span. Inert when tracing is disabled.
func SpanMiddleware(tracer *Tracer, name string, mw middleware.Middleware) middleware.Middleware {
	if tracer == nil || !tracer.enabled {
		return mw
	}
	return func(next http.Handler) http.Handler {
		inner := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.tracer.Start(r.Context(), name,
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			defer span.End()
			inner.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
