// Package compression negotiates and applies response compression on
// the public listener. Responses buffer until they pass the minimum
// size, so small payloads go out unmodified.
package compression

import (
	"compress/gzip"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"

	"github.com/wudi/tollgate/internal/config"
	"github.com/wudi/tollgate/internal/middleware"
)

// encodingWriter is an io.Writer that can be closed.
type encodingWriter interface {
	io.Writer
	Close() error
}

// optionalFlusher is implemented by writers that support flushing.
type optionalFlusher interface {
	Flush() error
}

// countWriter wraps an io.Writer and counts bytes written.
type countWriter struct {
	w io.Writer
	n int64
}

func (cw *countWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// pooledZstdWriter returns its encoder to the pool on Close.
type pooledZstdWriter struct {
	enc  *zstd.Encoder
	pool *sync.Pool
}

func (pw *pooledZstdWriter) Write(p []byte) (int, error) {
	return pw.enc.Write(p)
}

func (pw *pooledZstdWriter) Close() error {
	err := pw.enc.Close()
	pw.pool.Put(pw.enc)
	return err
}

// AlgorithmMetrics tracks compression counters for one algorithm.
type AlgorithmMetrics struct {
	BytesIn  atomic.Int64
	BytesOut atomic.Int64
	Count    atomic.Int64
}

// AlgorithmSnapshot is the JSON-serializable form of AlgorithmMetrics.
type AlgorithmSnapshot struct {
	BytesIn  int64 `json:"bytes_in"`
	BytesOut int64 `json:"bytes_out"`
	Count    int64 `json:"count"`
}

// encodingPref is a parsed Accept-Encoding entry.
type encodingPref struct {
	encoding string
	quality  float64
}

// algoOrder is the server-preferred algorithm order.
var algoOrder = []string{"br", "zstd", "gzip"}

// Compressor negotiates and applies response compression.
type Compressor struct {
	enabled      bool
	level        int
	minSize      int
	contentTypes []string
	metrics      map[string]*AlgorithmMetrics
	zstdPool     sync.Pool
}

// New creates a Compressor from config. Content types are prefix
// matched; the defaults cover text and structured payloads.
func New(cfg config.CompressionConfig) *Compressor {
	c := &Compressor{
		enabled:      cfg.Enabled,
		level:        cfg.Level,
		minSize:      cfg.MinSize,
		contentTypes: cfg.Types,
		metrics:      make(map[string]*AlgorithmMetrics, len(algoOrder)),
	}

	if c.level <= 0 || c.level > 11 {
		c.level = 5
	}
	if c.minSize <= 0 {
		c.minSize = 1024
	}
	if len(c.contentTypes) == 0 {
		c.contentTypes = []string{"text/", "application/json", "application/xml", "image/svg+xml"}
	}

	for _, algo := range algoOrder {
		c.metrics[algo] = &AlgorithmMetrics{}
	}

	zstdLevel := zstd.SpeedDefault
	if c.level > 0 {
		zstdLevel = zstd.EncoderLevelFromZstd(c.level)
	}
	c.zstdPool = sync.Pool{
		New: func() any {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel))
			return enc
		},
	}

	return c
}

// IsEnabled returns whether compression is enabled.
func (c *Compressor) IsEnabled() bool {
	return c.enabled
}

// parseAcceptEncoding parses the Accept-Encoding header per RFC 7231 §5.3.4.
func parseAcceptEncoding(header string) []encodingPref {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	prefs := make([]encodingPref, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		enc := part
		q := 1.0
		if idx := strings.Index(part, ";"); idx != -1 {
			enc = strings.TrimSpace(part[:idx])
			params := strings.TrimSpace(part[idx+1:])
			if strings.HasPrefix(params, "q=") {
				if v, err := strconv.ParseFloat(params[2:], 64); err == nil {
					q = v
				}
			}
		}
		prefs = append(prefs, encodingPref{encoding: enc, quality: q})
	}
	return prefs
}

// NegotiateEncoding selects the compression algorithm for the request.
// Returns "" when nothing suitable is accepted.
func (c *Compressor) NegotiateEncoding(r *http.Request) string {
	if !c.enabled {
		return ""
	}
	prefs := parseAcceptEncoding(r.Header.Get("Accept-Encoding"))
	if len(prefs) == 0 {
		return ""
	}

	clientPrefs := make(map[string]float64, len(prefs))
	hasWildcard := false
	wildcardQ := 0.0
	for _, p := range prefs {
		if p.encoding == "*" {
			hasWildcard = true
			wildcardQ = p.quality
		} else {
			clientPrefs[p.encoding] = p.quality
		}
	}

	// Higher quality wins; ties go to the server preference order.
	bestAlgo := ""
	bestQ := -1.0
	for _, algo := range algoOrder {
		q, explicit := clientPrefs[algo]
		if !explicit {
			if !hasWildcard {
				continue
			}
			q = wildcardQ
		}
		if q <= 0 {
			continue
		}
		if q > bestQ {
			bestQ = q
			bestAlgo = algo
		}
	}
	return bestAlgo
}

func (c *Compressor) newEncodingWriter(w io.Writer, algo string) encodingWriter {
	switch algo {
	case "br":
		return brotli.NewWriterLevel(w, c.level)
	case "zstd":
		enc := c.zstdPool.Get().(*zstd.Encoder)
		enc.Reset(w)
		return &pooledZstdWriter{enc: enc, pool: &c.zstdPool}
	default:
		level := c.level
		if level > gzip.BestCompression {
			level = gzip.BestCompression
		}
		gz, _ := gzip.NewWriterLevel(w, level)
		return gz
	}
}

// Stats returns per-algorithm compression counters.
func (c *Compressor) Stats() map[string]AlgorithmSnapshot {
	snap := make(map[string]AlgorithmSnapshot, len(c.metrics))
	for algo, m := range c.metrics {
		snap[algo] = AlgorithmSnapshot{
			BytesIn:  m.BytesIn.Load(),
			BytesOut: m.BytesOut.Load(),
			Count:    m.Count.Load(),
		}
	}
	return snap
}

func (c *Compressor) isCompressibleType(contentType string) bool {
	if idx := strings.Index(contentType, ";"); idx != -1 {
		contentType = strings.TrimSpace(contentType[:idx])
	}
	for _, prefix := range c.contentTypes {
		if strings.HasPrefix(contentType, prefix) {
			return true
		}
	}
	return false
}

// Writer wraps a ResponseWriter and compresses once the body crosses
// the minimum size. Close must be called after the handler returns.
type Writer struct {
	http.ResponseWriter
	compressor    *Compressor
	algorithm     string
	encWriter     encodingWriter
	countWriter   *countWriter
	headerWritten bool
	statusCode    int
	buf           []byte
	decided       bool
	compressing   bool
	bytesIn       int64
}

// NewWriter creates a compressing response writer for the negotiated
// algorithm.
func NewWriter(w http.ResponseWriter, c *Compressor, algo string) *Writer {
	return &Writer{
		ResponseWriter: w,
		compressor:     c,
		algorithm:      algo,
		statusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code. The compress/passthrough
// decision waits for enough body unless the content type already
// rules compression out.
func (w *Writer) WriteHeader(code int) {
	if w.headerWritten {
		return
	}
	w.statusCode = code

	if w.decided {
		w.headerWritten = true
		if w.compressing {
			w.setCompressionHeaders()
		}
		w.ResponseWriter.WriteHeader(code)
		return
	}

	ct := w.ResponseWriter.Header().Get("Content-Type")
	if ct != "" && !w.compressor.isCompressibleType(ct) {
		w.decided = true
		w.compressing = false
		w.headerWritten = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *Writer) Write(b []byte) (int, error) {
	if !w.decided {
		w.buf = append(w.buf, b...)

		ct := w.ResponseWriter.Header().Get("Content-Type")
		if ct != "" && !w.compressor.isCompressibleType(ct) {
			w.decided = true
			w.compressing = false
			w.flushBuffer()
			return len(b), nil
		}

		if len(w.buf) >= w.compressor.minSize {
			w.decided = true
			w.compressing = true
			w.flushBuffer()
		}
		return len(b), nil
	}

	if w.compressing && w.encWriter != nil {
		w.bytesIn += int64(len(b))
		return w.encWriter.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

func (w *Writer) setCompressionHeaders() {
	h := w.ResponseWriter.Header()
	h.Del("Content-Length")
	h.Set("Content-Encoding", w.algorithm)
	h.Add("Vary", "Accept-Encoding")
}

func (w *Writer) flushBuffer() {
	if !w.headerWritten {
		w.headerWritten = true
		if w.compressing {
			w.setCompressionHeaders()
			cw := &countWriter{w: w.ResponseWriter}
			w.countWriter = cw
			w.encWriter = w.compressor.newEncodingWriter(cw, w.algorithm)
		}
		w.ResponseWriter.WriteHeader(w.statusCode)
	}

	if len(w.buf) > 0 {
		if w.compressing && w.encWriter != nil {
			w.bytesIn += int64(len(w.buf))
			w.encWriter.Write(w.buf)
		} else {
			w.ResponseWriter.Write(w.buf)
		}
		w.buf = nil
	}
}

// Close finishes compression and records counters. Must be called
// after the handler completes.
func (w *Writer) Close() {
	if !w.decided {
		w.decided = true
		w.compressing = false
		w.flushBuffer()
		return
	}
	if w.compressing && w.encWriter != nil {
		w.encWriter.Close()
		if m, ok := w.compressor.metrics[w.algorithm]; ok {
			m.BytesIn.Add(w.bytesIn)
			if w.countWriter != nil {
				m.BytesOut.Add(w.countWriter.n)
			}
			m.Count.Add(1)
		}
	}
}

// Flush implements http.Flusher. An early flush forces the
// compress/passthrough decision on whatever is buffered.
func (w *Writer) Flush() {
	if !w.decided {
		w.decided = true
		w.compressing = len(w.buf) >= w.compressor.minSize
		w.flushBuffer()
	}
	if w.compressing && w.encWriter != nil {
		if f, ok := w.encWriter.(optionalFlusher); ok {
			f.Flush()
		}
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// StatusCode returns the recorded status code.
func (w *Writer) StatusCode() int {
	return w.statusCode
}

// Unwrap returns the underlying ResponseWriter.
func (w *Writer) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Middleware compresses responses for requests that accept it.
func (c *Compressor) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			algo := c.NegotiateEncoding(r)
			if algo == "" {
				next.ServeHTTP(w, r)
				return
			}
			cw := NewWriter(w, c, algo)
			defer cw.Close()
			next.ServeHTTP(cw, r)
		})
	}
}
