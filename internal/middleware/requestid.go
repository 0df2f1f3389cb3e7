package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/wudi/tollgate/internal/variables"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// RequestIDHeader is echoed when the client sends one and minted
// otherwise. The lowercase mirror rides along for clients that only
// see flattened header maps.
const (
	RequestIDHeader = "X-Request-ID"
	requestIDMirror = "request_id"
)

// RequestID attaches a request id and a pooled per-request variable
// context. It sits outermost so every later stage can tag its work.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.New().String()
			}
			r.Header.Set(RequestIDHeader, id)
			w.Header().Set(RequestIDHeader, id)
			w.Header().Set(requestIDMirror, id)

			varCtx := variables.AcquireContext(r)
			varCtx.RequestID = id
			varCtx.ClientIP = variables.ExtractClientIP(r)
			ctx := context.WithValue(r.Context(), variables.RequestContextKey{}, varCtx)

			next.ServeHTTP(w, r.WithContext(ctx))
			variables.ReleaseContext(varCtx)
		})
	}
}

// GetRequestID reads the request id assigned by RequestID.
func GetRequestID(r *http.Request) string {
	return variables.GetFromRequest(r).RequestID
}
