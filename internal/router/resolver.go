// Package router resolves inbound paths to their API and endpoint and
// picks the upstream server a request is dispatched to.
package router

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/lookup"
	"github.com/wudi/tollgate/internal/metadata"
)

// VersionHeader carries the API version when the path does not.
const VersionHeader = "X-API-Version"

var versionSegment = regexp.MustCompile(`^v\d+$`)

// Target is the API coordinate a request resolves to plus the path
// remainder forwarded upstream.
type Target struct {
	Name    string
	Version string
	Rest    string
}

// Key returns "{name}/{version}".
func (t Target) Key() string { return t.Name + "/" + t.Version }

// Path returns "/{name}/{version}".
func (t Target) Path() string { return "/" + t.Name + "/" + t.Version }

// ParseTarget extracts (name, version, rest) from the path remainder
// after the protocol prefix. REST and SOAP paths carry the version
// inline ("/{name}/v1/…") or fall back to the version header. GraphQL
// requires the header. gRPC defaults to v1.
func ParseTarget(apiType metadata.APIType, path, version string) (Target, error) {
	path = strings.TrimPrefix(path, "/")
	switch apiType {
	case metadata.TypeGraphQL:
		name := lastSegment(path)
		if name == "" {
			return Target{}, errors.ErrAPINotFound
		}
		if version == "" {
			return Target{}, errors.ErrValidation.WithDetails(VersionHeader + " header is required")
		}
		return Target{Name: name, Version: version, Rest: "/"}, nil
	case metadata.TypeGRPC:
		name := lastSegment(path)
		if name == "" {
			return Target{}, errors.ErrAPINotFound
		}
		if version == "" {
			version = "v1"
		}
		return Target{Name: name, Version: version, Rest: "/"}, nil
	default:
		segs := strings.SplitN(path, "/", 3)
		if segs[0] == "" {
			return Target{}, errors.ErrAPINotFound
		}
		if len(segs) >= 2 && versionSegment.MatchString(segs[1]) {
			t := Target{Name: segs[0], Version: segs[1], Rest: "/"}
			if len(segs) == 3 {
				t.Rest = "/" + segs[2]
			}
			return t, nil
		}
		if version == "" {
			return Target{}, errors.ErrAPINotFound
		}
		rest := "/"
		if len(segs) > 1 {
			rest = "/" + strings.Join(segs[1:], "/")
		}
		return Target{Name: segs[0], Version: version, Rest: rest}, nil
	}
}

func lastSegment(path string) string {
	path = strings.TrimSuffix(path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// canonicalMethod folds HEAD into GET for endpoint matching.
func canonicalMethod(method string) string {
	method = strings.ToUpper(method)
	if method == http.MethodHead {
		return http.MethodGet
	}
	return method
}

var pathParam = regexp.MustCompile(`\{[^/{}]+\}`)

// compilePattern turns a "{METHOD}{uri}" template into an anchored
// regex where each {param} matches exactly one path segment. Literal
// parts are quoted, so the result always compiles.
func compilePattern(key string) *regexp.Regexp {
	var b strings.Builder
	b.WriteByte('^')
	last := 0
	for _, loc := range pathParam.FindAllStringIndex(key, -1) {
		b.WriteString(regexp.QuoteMeta(key[last:loc[0]]))
		b.WriteString(`([^/]+)`)
		last = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(key[last:]))
	b.WriteByte('$')
	return regexp.MustCompile(b.String())
}

// Matcher matches request paths against endpoint URI templates.
// Compiled patterns are cached forever; a template compiles the same
// way for the life of the process.
type Matcher struct {
	mu       sync.RWMutex
	patterns map[string]*regexp.Regexp
}

func NewMatcher() *Matcher {
	return &Matcher{patterns: make(map[string]*regexp.Regexp)}
}

func (m *Matcher) pattern(key string) *regexp.Regexp {
	m.mu.RLock()
	re, ok := m.patterns[key]
	m.mu.RUnlock()
	if ok {
		return re
	}
	re = compilePattern(key)
	m.mu.Lock()
	m.patterns[key] = re
	m.mu.Unlock()
	return re
}

// Match returns the first endpoint whose template matches the method
// and path.
func (m *Matcher) Match(endpoints []*metadata.Endpoint, method, path string) (*metadata.Endpoint, bool) {
	if path == "" {
		path = "/"
	}
	candidate := canonicalMethod(method) + path
	for _, ep := range endpoints {
		if m.pattern(ep.MatchKey()).MatchString(candidate) {
			return ep, true
		}
	}
	return nil, false
}

// Router resolves a request to its API and matched endpoint through
// the shared lookup cache.
type Router struct {
	lookup  *lookup.Cached
	matcher *Matcher
}

func New(l *lookup.Cached) *Router {
	return &Router{lookup: l, matcher: NewMatcher()}
}

// Resolve maps a parsed target to its API and endpoint. A matched
// endpoint is remembered per concrete URI so repeat requests skip the
// pattern walk.
func (r *Router) Resolve(ctx context.Context, method string, t Target) (*metadata.API, *metadata.Endpoint, error) {
	api, err := r.lookup.APIByPath(ctx, t.Path())
	if err != nil {
		return nil, nil, err
	}
	if api == nil {
		return nil, nil, errors.ErrAPINotFound
	}

	method = canonicalMethod(method)
	if ep, ok := r.lookup.MatchedEndpoint(method, api.Key(), t.Rest); ok {
		return api, ep, nil
	}

	endpoints, err := r.lookup.Endpoints(ctx, api.ID)
	if err != nil {
		return nil, nil, err
	}
	if len(endpoints) == 0 {
		return api, nil, errors.ErrNoEndpoints
	}
	ep, ok := r.matcher.Match(endpoints, method, t.Rest)
	if !ok {
		return api, nil, errors.ErrEndpointNotFound
	}
	r.lookup.RememberEndpoint(method, api.Key(), t.Rest, ep)
	return api, ep, nil
}
