// Package cors applies per-API CORS policies: preflight answers and
// response header injection. Policies live on the API record, so the
// handler is stateless apart from the strict-mode flag.
package cors

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/metadata"
)

const (
	defaultMethods = "GET, POST, PUT, DELETE, PATCH, OPTIONS"
	defaultHeaders = "Content-Type, Authorization, X-API-Key, X-API-Version"
	defaultMaxAge  = "86400"
)

// CORS answers preflights and decorates responses. In strict mode a
// preflight from a disallowed origin is rejected with a 403 instead of
// a bare 204.
type CORS struct {
	strict bool
}

func New(strict bool) *CORS {
	return &CORS{strict: strict}
}

// IsPreflight reports whether the request is a CORS preflight.
func IsPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions &&
		r.Header.Get("Origin") != "" &&
		r.Header.Get("Access-Control-Request-Method") != ""
}

// HandlePreflight answers a preflight for the API's policy. Allowed
// origins get the full header set and a 204; disallowed origins get a
// bare 204, or a 403 in strict mode.
func (c *CORS) HandlePreflight(w http.ResponseWriter, r *http.Request, policy *metadata.CORSPolicy) {
	origin := r.Header.Get("Origin")
	if !originAllowed(policy, origin) {
		if c.strict {
			errors.ErrTargetNotAllowed.WithDetails("origin " + strconv.Quote(origin) + " is not allowed").WriteJSON(w)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", responseOrigin(policy, origin))

	methods := defaultMethods
	if len(policy.Methods) > 0 {
		methods = strings.Join(policy.Methods, ", ")
	}
	w.Header().Set("Access-Control-Allow-Methods", methods)

	headers := defaultHeaders
	if len(policy.Headers) > 0 {
		headers = strings.Join(policy.Headers, ", ")
	}
	w.Header().Set("Access-Control-Allow-Headers", headers)

	if policy.Credentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}

	maxAge := defaultMaxAge
	if policy.MaxAge > 0 {
		maxAge = strconv.Itoa(policy.MaxAge)
	}
	w.Header().Set("Access-Control-Max-Age", maxAge)
	w.Header().Set("Vary", "Origin, Access-Control-Request-Method, Access-Control-Request-Headers")
	w.WriteHeader(http.StatusNoContent)
}

// Apply adds CORS headers to a non-preflight response when the request
// origin is allowed.
func (c *CORS) Apply(h http.Header, r *http.Request, policy *metadata.CORSPolicy) {
	origin := r.Header.Get("Origin")
	if origin == "" || !originAllowed(policy, origin) {
		return
	}

	h.Set("Access-Control-Allow-Origin", responseOrigin(policy, origin))
	if policy.Credentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if len(policy.Expose) > 0 {
		h.Set("Access-Control-Expose-Headers", strings.Join(policy.Expose, ", "))
	}
	h.Add("Vary", "Origin")
}

// responseOrigin echoes the caller's origin unless the policy is a
// credential-less wildcard, which may answer with "*".
func responseOrigin(policy *metadata.CORSPolicy, origin string) string {
	if !policy.Credentials && allowsAll(policy) {
		return "*"
	}
	return origin
}

func allowsAll(policy *metadata.CORSPolicy) bool {
	for _, o := range policy.Origins {
		if o == "*" {
			return true
		}
	}
	return false
}

func originAllowed(policy *metadata.CORSPolicy, origin string) bool {
	if policy == nil || origin == "" {
		return false
	}
	for _, allowed := range policy.Origins {
		if allowed == "*" || allowed == origin {
			return true
		}
		// Wildcard subdomains: *.example.com
		if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(origin, allowed[1:]) {
			return true
		}
	}
	return false
}
