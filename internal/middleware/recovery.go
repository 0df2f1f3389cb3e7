package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/logging"
)

// Recovery turns handler panics into a 500 gateway error instead of a
// dropped connection.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logging.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack", debug.Stack()),
					)

					ge := errors.ErrInternal.WithDetails(fmt.Sprintf("panic: %v", rec))
					if id := w.Header().Get(RequestIDHeader); id != "" {
						ge = ge.WithRequestID(id)
					}
					ge.WriteJSON(w)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
