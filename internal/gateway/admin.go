package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/wudi/tollgate/internal/cache"
	"github.com/wudi/tollgate/internal/circuitbreaker"
	"github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/metadata"
	"github.com/wudi/tollgate/internal/middleware"
	"github.com/wudi/tollgate/internal/principal"
	"github.com/wudi/tollgate/internal/variables"
)

// statusPayload is the GET /api/status response body.
type statusPayload struct {
	Status        string                        `json:"status"`
	UptimeSeconds int64                         `json:"uptime_seconds"`
	Cache         cache.Stats                   `json:"cache"`
	Breakers      []circuitbreaker.BreakerState `json:"breakers"`
}

// HandleHealth answers the public liveness probe.
func (g *Gateway) HandleHealth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
}

// HandleStatus reports cache and breaker state to operators.
func (g *Gateway) HandleStatus() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.requireManageGateway(w, r) {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(statusPayload{
			Status:        "ok",
			UptimeSeconds: int64(time.Since(g.startTime).Seconds()),
			Cache:         g.cache.Stats(),
			Breakers:      g.breakers.Snapshot(),
		})
	})
}

// HandleCachePurge clears every cached keyspace: lookups, counters,
// verified principals, gRPC descriptors and circuit state. Running it
// twice is the same as running it once.
func (g *Gateway) HandleCachePurge() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.requireManageGateway(w, r) {
			return
		}
		g.cache.Purge()
		g.principal.InvalidateCache()
		g.grpc.FlushDescriptors()
		g.breakers.ResetAll()

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"caches cleared"}`))
	})
}

// requireManageGateway gates an admin route on the manage_gateway
// permission. It writes the error response itself and reports whether
// the caller may proceed.
func (g *Gateway) requireManageGateway(w http.ResponseWriter, r *http.Request) bool {
	id, err := g.adminIdentity(r)
	if err != nil {
		ge, ok := errors.AsGatewayError(err)
		if !ok {
			ge = errors.ErrInternal
		}
		ge.WithRequestID(middleware.GetRequestID(r)).WriteJSON(w)
		return false
	}

	varCtx := variables.GetFromRequest(r)
	varCtx.Subject = id.Subject
	return true
}

// adminIdentity verifies the caller and resolves their role. The
// identity's role claim wins over the stored user record, matching
// how admission treats roles.
func (g *Gateway) adminIdentity(r *http.Request) (*variables.Identity, error) {
	credential := principal.Credential(r, "")
	if credential == "" {
		return nil, errors.ErrAuthRequired
	}
	id, err := g.principal.Verify(r.Context(), credential)
	if err != nil {
		return nil, err
	}
	roleName := id.Role
	if roleName == "" {
		user, err := g.lookup.User(r.Context(), id.Subject)
		if err != nil {
			return nil, errors.Wrap(errors.ErrInternal, err)
		}
		if user != nil {
			roleName = user.Role
		}
	}
	role, err := g.store.GetRole(r.Context(), roleName)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, err)
	}
	if !role.HasPermission(metadata.PermManageGateway) {
		return nil, errors.ErrPermissionDenied
	}
	return id, nil
}
