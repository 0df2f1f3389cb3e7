package router

import (
	"context"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/wudi/tollgate/internal/cache"
	"github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/metadata"
)

// ClientKeyHeader overrides upstream selection per traffic class.
const ClientKeyHeader = "client-key"

// Server URL schemes dialed as gRPC. The "s" variant requires TLS and
// the dialer fails closed when no TLS config is available.
const (
	SchemeGRPC  = "grpc"
	SchemeGRPCS = "grpcs"
)

// rotationTTL keeps stale round-robin cursors from piling up. Losing a
// cursor just restarts the rotation.
const rotationTTL = time.Hour

// Selector picks the upstream server for one dispatch. The rotating
// index lives in the shared cache, so replicas rotate over the same
// cursor; a lost increment only repeats a server, which is harmless.
type Selector struct {
	store metadata.Store
	cache cache.Store
}

func NewSelector(store metadata.Store, c cache.Store) *Selector {
	return &Selector{store: store, cache: c}
}

// Select resolves the server set and rotates through it. Client-key
// routing wins over endpoint servers, which win over API servers; the
// first non-empty set is used. An empty result fails closed.
func (s *Selector) Select(ctx context.Context, api *metadata.API, ep *metadata.Endpoint, clientKey string) (string, error) {
	var servers []string
	if clientKey != "" {
		routing, err := s.store.GetRouting(ctx, clientKey)
		if err != nil {
			return "", err
		}
		if routing != nil {
			servers = routing.Servers
		}
	}
	if len(servers) == 0 && ep != nil {
		servers = ep.Servers
	}
	if len(servers) == 0 {
		servers = api.Servers
	}

	switch len(servers) {
	case 0:
		return "", errors.ErrAPINotFound
	case 1:
		return servers[0], nil
	}
	idx := s.cache.IncrBy(cache.KeyRoundRobin(api.ID, setHash(servers)), 1, rotationTTL)
	return servers[int((idx-1)%int64(len(servers)))], nil
}

// setHash identifies the exact server set, so a config change restarts
// the rotation instead of continuing a stale cursor.
func setHash(servers []string) uint64 {
	d := xxhash.New()
	for _, srv := range servers {
		d.WriteString(srv)
		d.Write([]byte{0})
	}
	return d.Sum64()
}

// SplitScheme splits "scheme://rest" without a URL parse; gRPC targets
// are host:port strings, not URLs.
func SplitScheme(server string) (scheme, rest string) {
	i := strings.Index(server, "://")
	if i < 0 {
		return "", server
	}
	return strings.ToLower(server[:i]), server[i+3:]
}

// IsGRPC reports whether the server names a gRPC upstream.
func IsGRPC(server string) bool {
	scheme, _ := SplitScheme(server)
	return scheme == SchemeGRPC || scheme == SchemeGRPCS
}
