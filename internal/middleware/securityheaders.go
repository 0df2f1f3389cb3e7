package middleware

import "net/http"

type headerPair struct {
	name  string
	value string
}

// SecurityHeaders sets the static response header set: nosniff always,
// the configured Content-Security-Policy, and HSTS when the listener
// is HTTPS-only.
func SecurityHeaders(csp string, httpsOnly bool) Middleware {
	pairs := []headerPair{{"X-Content-Type-Options", "nosniff"}}
	if csp != "" {
		pairs = append(pairs, headerPair{"Content-Security-Policy", csp})
	}
	if httpsOnly {
		pairs = append(pairs, headerPair{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for _, p := range pairs {
				h.Set(p.name, p.value)
			}
			next.ServeHTTP(w, r)
		})
	}
}
