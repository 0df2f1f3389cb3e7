package middleware

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/tollgate/internal/logging"
	"github.com/wudi/tollgate/internal/variables"
)

var recorderPool = sync.Pool{
	New: func() any { return &statusRecorder{} },
}

// statusRecorder captures the status code and bytes written so the
// access log works regardless of what the pipeline did.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.status = http.StatusOK
		w.wroteHeader = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer for http.ResponseController.
func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// AccessLog emits one structured line per request with the routing and
// admission fields the pipeline filled in. Paths in skip are not
// logged (health probes, metrics scrapes).
func AccessLog(skip ...string) Middleware {
	skipPaths := make(map[string]bool, len(skip))
	for _, p := range skip {
		skipPaths[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			rec := recorderPool.Get().(*statusRecorder)
			rec.ResponseWriter = w
			rec.status = http.StatusOK
			rec.bytes = 0
			rec.wroteHeader = false

			next.ServeHTTP(rec, r)

			varCtx := variables.GetFromRequest(r)
			fields := make([]zap.Field, 0, 12)
			fields = append(fields,
				zap.String("request_id", varCtx.RequestID),
				zap.String("client_ip", varCtx.ClientIP),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Int64("bytes_out", rec.bytes),
				zap.Duration("duration", time.Since(varCtx.StartTime)),
			)
			if varCtx.APIName != "" {
				fields = append(fields,
					zap.String("api", varCtx.APIName+"/"+varCtx.APIVersion),
					zap.String("protocol", varCtx.Protocol),
				)
			}
			if varCtx.Subject != "" {
				fields = append(fields, zap.String("subject", varCtx.Subject))
			}
			if varCtx.UpstreamAddr != "" {
				fields = append(fields,
					zap.String("upstream", varCtx.UpstreamAddr),
					zap.Duration("upstream_time", varCtx.UpstreamTime),
				)
			}
			if varCtx.RetryCount > 0 {
				fields = append(fields, zap.Int("retries", varCtx.RetryCount))
			}
			logging.Info("request completed", fields...)

			rec.ResponseWriter = nil
			recorderPool.Put(rec)
		})
	}
}
