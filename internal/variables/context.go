package variables

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Identity is a verified principal: the authenticated subject plus the
// role and group set used by admission checks.
type Identity struct {
	Subject    string
	Role       string
	Groups     []string
	AuthType   string // "jwt", "basic", "token"
	Attributes map[string]interface{}
}

// InGroup reports whether the identity belongs to the named group.
func (id *Identity) InGroup(group string) bool {
	for _, g := range id.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// Context carries per-request state across the pipeline: resolution
// results, the authenticated identity, and timing/outcome fields the
// access log, metrics and response headers read afterwards.
type Context struct {
	Request   *http.Request
	RequestID string

	// Resolution results.
	Protocol   string // rest, soap, graphql, grpc
	APIName    string
	APIVersion string
	APIID      string
	APIKey     string // "{name}/{version}", keys counters and breakers
	EndpointID string
	PathRest   string // path remainder forwarded upstream

	// Admission results.
	Subject  string // authenticated username (or client IP for public quotas)
	Identity *Identity
	ClientIP string

	// Dispatch results.
	UpstreamAddr   string
	UpstreamStatus int
	UpstreamTime   time.Duration
	RetryCount     int

	StartTime time.Time
	Status    int
	BytesIn   int64
	BytesOut  int64
}

var contextPool = sync.Pool{
	New: func() any { return &Context{} },
}

// AcquireContext gets a Context from the pool and initialises it for r.
func AcquireContext(r *http.Request) *Context {
	c := contextPool.Get().(*Context)
	c.Request = r
	c.StartTime = time.Now()
	return c
}

// ReleaseContext zeroes all fields and returns c to the pool.
// The caller must ensure no goroutine reads from c after this call.
func ReleaseContext(c *Context) {
	if c == nil {
		return
	}
	*c = Context{}
	contextPool.Put(c)
}

// GatewayTime returns elapsed wall time since the request entered the
// pipeline, in whole milliseconds.
func (c *Context) GatewayTime() int64 {
	return time.Since(c.StartTime).Milliseconds()
}

// RequestContextKey keys the pipeline Context inside request contexts.
type RequestContextKey struct{}

// GetFromRequest extracts the pipeline context from an HTTP request,
// falling back to a fresh pooled context when none was attached.
func GetFromRequest(r *http.Request) *Context {
	if ctx, ok := r.Context().Value(RequestContextKey{}).(*Context); ok {
		return ctx
	}
	return AcquireContext(r)
}

// ExtractClientIP extracts the client IP from X-Forwarded-For (first
// hop), X-Real-IP, then RemoteAddr.
func ExtractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
