// Package adapter gives each protocol family (REST, SOAP, GraphQL,
// gRPC) one implementation of request checking, validation-document
// building, upstream dispatch and error rendering. The pipeline picks
// the adapter by path prefix and stays protocol-agnostic itself.
package adapter

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/metadata"
)

// Call is one dispatch to an already-selected upstream server. Header
// and Query are owned by the adapter and may be mutated.
type Call struct {
	API      *metadata.API
	Endpoint *metadata.Endpoint
	Server   string
	PathRest string
	Method   string
	Header   http.Header
	Query    url.Values
	Body     []byte
}

// Result is the normalized upstream outcome. For gRPC calls the
// status-name/code pair is set so the pipeline can surface it in
// headers; NetworkFailure marks outcomes that warrant a credit refund.
type Result struct {
	StatusCode     int
	Header         http.Header
	Body           []byte
	Retries        int
	UpstreamTime   time.Duration
	GRPCStatus     string
	GRPCCode       int
	NetworkFailure bool
}

// Adapter is one protocol family's behavior.
type Adapter interface {
	// Protocol is the path-prefix name: rest, soap, graphql or grpc.
	Protocol() string

	// Type is the API record type the adapter serves.
	Type() metadata.APIType

	// CheckRequest rejects requests the protocol cannot accept before
	// any metadata work happens (e.g. the SOAP content-type matrix).
	CheckRequest(r *http.Request) error

	// Document builds the value tree endpoint validation walks.
	Document(body []byte) (interface{}, error)

	// Dispatch forwards the call. Gateway-level failures come back as
	// errors; upstream responses (including upstream errors) come back
	// as a Result.
	Dispatch(ctx context.Context, call *Call) (*Result, error)

	// WriteError renders a gateway error in the protocol's wire shape.
	WriteError(w http.ResponseWriter, err *errors.GatewayError)
}

// Registry holds the four adapters keyed by path prefix.
type Registry struct {
	byProtocol map[string]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Protocol()] = a
	}
	return &Registry{byProtocol: m}
}

// ByProtocol looks an adapter up by its path-prefix name.
func (r *Registry) ByProtocol(protocol string) (Adapter, bool) {
	a, ok := r.byProtocol[protocol]
	return a, ok
}

// hopByHop headers are connection-scoped and never forwarded.
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ForwardHeaders clones the incoming headers minus hop-by-hop fields
// and Content-Length (the client recomputes it from the body).
func ForwardHeaders(src http.Header) http.Header {
	h := src.Clone()
	if h == nil {
		return http.Header{}
	}
	for _, name := range hopByHop {
		h.Del(name)
	}
	// Connection may name additional per-hop headers.
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	h.Del("Content-Length")
	return h
}

// joinURL glues the selected server and the remaining request path.
func joinURL(server, rest string) string {
	if rest == "" {
		return server
	}
	return strings.TrimSuffix(server, "/") + "/" + strings.TrimPrefix(rest, "/")
}
