// Package lookup layers the shared cache over the metadata store.
// Every request resolves an API, an endpoint and usually a user, so
// those records are cached under the shared keyspaces and dropped
// together when metadata changes.
package lookup

import (
	"context"
	"encoding/gob"
	"strings"
	"time"

	"github.com/wudi/tollgate/internal/cache"
	"github.com/wudi/tollgate/internal/metadata"
)

// The external cache encodes values with gob, which needs every
// concrete type crossing the boundary registered up front.
func init() {
	gob.Register(&metadata.API{})
	gob.Register(&metadata.Endpoint{})
	gob.Register([]*metadata.Endpoint{})
	gob.Register(&metadata.User{})
	gob.Register(&metadata.Subscription{})
	gob.Register(&metadata.EndpointValidation{})
}

// DefaultTTL bounds how stale a cached record may get when nothing
// invalidates it explicitly.
const DefaultTTL = 5 * time.Minute

// Cached reads metadata through the shared cache. Records are treated
// as immutable once cached; a metadata reload calls Invalidate rather
// than mutating them in place.
type Cached struct {
	store  metadata.Store
	cache  cache.Store
	ttl    time.Duration
	onHit  func()
	onMiss func()
}

func New(store metadata.Store, c cache.Store, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	nop := func() {}
	return &Cached{store: store, cache: c, ttl: ttl, onHit: nop, onMiss: nop}
}

// Observe wires hit/miss counters. Either func may be nil.
func (l *Cached) Observe(onHit, onMiss func()) {
	if onHit != nil {
		l.onHit = onHit
	}
	if onMiss != nil {
		l.onMiss = onMiss
	}
}

// APIByPath resolves "/{name}/{version}" to its API record. A miss
// populates both the id key and the record key, so later stages can
// go from path to id without another store round trip.
func (l *Cached) APIByPath(ctx context.Context, path string) (*metadata.API, error) {
	apiKey := strings.TrimPrefix(path, "/")
	if v, ok := l.cache.Get(cache.KeyAPI(apiKey)); ok {
		if api, ok := v.(*metadata.API); ok {
			l.onHit()
			return api, nil
		}
	}
	l.onMiss()
	api, err := l.store.GetAPIByPath(ctx, path)
	if err != nil || api == nil {
		return nil, err
	}
	l.cache.Set(cache.KeyAPI(api.Key()), api, l.ttl)
	l.cache.Set(cache.KeyAPIID(api.Path()), api.ID, l.ttl)
	return api, nil
}

// Endpoints returns an API's endpoint set. Empty sets are not cached,
// so an API gaining its first endpoint shows up without a purge.
func (l *Cached) Endpoints(ctx context.Context, apiID string) ([]*metadata.Endpoint, error) {
	if v, ok := l.cache.Get(cache.KeyAPIEndpoints(apiID)); ok {
		if eps, ok := v.([]*metadata.Endpoint); ok {
			l.onHit()
			return eps, nil
		}
	}
	l.onMiss()
	eps, err := l.store.ListEndpoints(ctx, apiID)
	if err != nil {
		return nil, err
	}
	if len(eps) > 0 {
		l.cache.Set(cache.KeyAPIEndpoints(apiID), eps, l.ttl)
	}
	return eps, nil
}

// MatchedEndpoint returns the endpoint previously matched for this
// exact method and request URI, if the router remembered one.
func (l *Cached) MatchedEndpoint(method, apiKey, uri string) (*metadata.Endpoint, bool) {
	v, ok := l.cache.Get(cache.KeyEndpoint(method, apiKey, uri))
	if !ok {
		return nil, false
	}
	ep, ok := v.(*metadata.Endpoint)
	if !ok {
		return nil, false
	}
	l.onHit()
	return ep, true
}

// RememberEndpoint stores the endpoint matched for a concrete request
// URI so the next identical request skips the pattern walk.
func (l *Cached) RememberEndpoint(method, apiKey, uri string, ep *metadata.Endpoint) {
	l.cache.Set(cache.KeyEndpoint(method, apiKey, uri), ep, l.ttl)
}

func (l *Cached) User(ctx context.Context, username string) (*metadata.User, error) {
	if v, ok := l.cache.Get(cache.KeyUser(username)); ok {
		if u, ok := v.(*metadata.User); ok {
			l.onHit()
			return u, nil
		}
	}
	l.onMiss()
	u, err := l.store.GetUser(ctx, username)
	if err != nil || u == nil {
		return nil, err
	}
	l.cache.Set(cache.KeyUser(username), u, l.ttl)
	return u, nil
}

func (l *Cached) Subscription(ctx context.Context, username string) (*metadata.Subscription, error) {
	if v, ok := l.cache.Get(cache.KeySubscription(username)); ok {
		if sub, ok := v.(*metadata.Subscription); ok {
			l.onHit()
			return sub, nil
		}
	}
	l.onMiss()
	sub, err := l.store.GetSubscription(ctx, username)
	if err != nil || sub == nil {
		return nil, err
	}
	l.cache.Set(cache.KeySubscription(username), sub, l.ttl)
	return sub, nil
}

func (l *Cached) Validation(ctx context.Context, endpointID string) (*metadata.EndpointValidation, error) {
	if v, ok := l.cache.Get(cache.KeyValidation(endpointID)); ok {
		if ev, ok := v.(*metadata.EndpointValidation); ok {
			l.onHit()
			return ev, nil
		}
	}
	l.onMiss()
	ev, err := l.store.GetEndpointValidation(ctx, endpointID)
	if err != nil || ev == nil {
		return nil, err
	}
	l.cache.Set(cache.KeyValidation(endpointID), ev, l.ttl)
	return ev, nil
}

// Invalidate drops every cached metadata record. Counters and rotation
// cursors survive, so in-window limits keep applying across reloads.
func (l *Cached) Invalidate() {
	for _, prefix := range cache.LookupPrefixes {
		l.cache.DeleteByPrefix(prefix)
	}
}
