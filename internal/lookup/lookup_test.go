package lookup

import (
	"context"
	"testing"
	"time"

	"github.com/wudi/tollgate/internal/cache"
	"github.com/wudi/tollgate/internal/metadata"
)

const lookupSeed = `
apis:
  - name: orders
    version: v1
    type: REST
    active: true
    auth_required: true
endpoints:
  - api_id: orders/v1
    method: GET
    uri: /orders/{id}
users:
  - username: alice
    role: consumer
roles:
  - name: consumer
    permissions: []
subscriptions:
  - username: alice
    apis: [orders/v1]
validations:
  - endpoint_id: "orders/v1:GET/orders/{id}"
    enabled: true
    schema:
      status:
        type: string
`

func newCached(t *testing.T) (*Cached, *metadata.MemoryStore, cache.Store) {
	t.Helper()
	seed, err := metadata.ParseSeed([]byte(lookupSeed))
	if err != nil {
		t.Fatalf("parse seed: %v", err)
	}
	store := metadata.NewMemoryStore()
	if err := store.Apply(seed); err != nil {
		t.Fatalf("apply seed: %v", err)
	}
	c := cache.NewMemoryStore(0)
	return New(store, c, time.Minute), store, c
}

func TestAPIByPathPopulatesBothKeys(t *testing.T) {
	l, _, c := newCached(t)

	api, err := l.APIByPath(context.Background(), "/orders/v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api == nil || api.Name != "orders" {
		t.Fatalf("expected orders API, got %+v", api)
	}

	if _, ok := c.Get(cache.KeyAPI("orders/v1")); !ok {
		t.Error("expected api record cached")
	}
	v, ok := c.Get(cache.KeyAPIID("/orders/v1"))
	if !ok {
		t.Fatal("expected api id cached")
	}
	if v.(string) != api.ID {
		t.Errorf("expected id %q, got %v", api.ID, v)
	}
}

func TestAPIByPathServesFromCache(t *testing.T) {
	l, store, _ := newCached(t)

	var hits, misses int
	l.Observe(func() { hits++ }, func() { misses++ })

	if _, err := l.APIByPath(context.Background(), "/orders/v1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Empty out the store; the cached record must still be served.
	if err := store.Apply(&metadata.Seed{}); err != nil {
		t.Fatalf("apply empty seed: %v", err)
	}
	api, err := l.APIByPath(context.Background(), "/orders/v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api == nil {
		t.Fatal("expected cached record after store wipe")
	}
	if misses != 1 || hits != 1 {
		t.Errorf("expected 1 miss and 1 hit, got %d/%d", misses, hits)
	}
}

func TestAPIByPathMissingIsNotCached(t *testing.T) {
	l, _, c := newCached(t)

	var misses int
	l.Observe(nil, func() { misses++ })

	for i := 0; i < 2; i++ {
		api, err := l.APIByPath(context.Background(), "/ghost/v1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if api != nil {
			t.Fatalf("expected nil for unknown API, got %+v", api)
		}
	}
	if misses != 2 {
		t.Errorf("expected 2 misses, got %d", misses)
	}
	if _, ok := c.Get(cache.KeyAPI("ghost/v1")); ok {
		t.Error("expected no cache entry for unknown API")
	}
}

func TestEndpointsCached(t *testing.T) {
	l, _, _ := newCached(t)

	var hits, misses int
	l.Observe(func() { hits++ }, func() { misses++ })

	eps, err := l.Endpoints(context.Background(), "orders/v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(eps) != 1 {
		t.Fatalf("expected 1 endpoint, got %d", len(eps))
	}
	if _, err := l.Endpoints(context.Background(), "orders/v1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if misses != 1 || hits != 1 {
		t.Errorf("expected 1 miss and 1 hit, got %d/%d", misses, hits)
	}

	// An API with no endpoints is asked from the store every time.
	for i := 0; i < 2; i++ {
		eps, err := l.Endpoints(context.Background(), "unknown")
		if err != nil || len(eps) != 0 {
			t.Fatalf("expected empty set, got %v (%v)", eps, err)
		}
	}
	if misses != 3 {
		t.Errorf("expected empty sets uncached, misses=%d", misses)
	}
}

func TestRememberEndpoint(t *testing.T) {
	l, _, _ := newCached(t)

	ep := &metadata.Endpoint{ID: "orders/v1:GET/orders/{id}", APIID: "orders/v1", Method: "GET", URI: "/orders/{id}"}
	l.RememberEndpoint("GET", "orders/v1", "/orders/42", ep)

	got, ok := l.MatchedEndpoint("GET", "orders/v1", "/orders/42")
	if !ok {
		t.Fatal("expected remembered endpoint")
	}
	if got.ID != ep.ID {
		t.Errorf("expected %q, got %q", ep.ID, got.ID)
	}

	if _, ok := l.MatchedEndpoint("GET", "orders/v1", "/orders/43"); ok {
		t.Error("expected miss for different URI")
	}
	if _, ok := l.MatchedEndpoint("POST", "orders/v1", "/orders/42"); ok {
		t.Error("expected miss for different method")
	}
}

func TestUserSubscriptionValidationCached(t *testing.T) {
	l, _, _ := newCached(t)

	var misses int
	l.Observe(nil, func() { misses++ })

	for i := 0; i < 2; i++ {
		u, err := l.User(context.Background(), "alice")
		if err != nil || u == nil {
			t.Fatalf("user lookup failed: %v %v", u, err)
		}
	}
	for i := 0; i < 2; i++ {
		sub, err := l.Subscription(context.Background(), "alice")
		if err != nil || sub == nil {
			t.Fatalf("subscription lookup failed: %v %v", sub, err)
		}
		if !sub.Has("orders/v1") {
			t.Error("expected subscription to cover orders/v1")
		}
	}
	for i := 0; i < 2; i++ {
		ev, err := l.Validation(context.Background(), "orders/v1:GET/orders/{id}")
		if err != nil || ev == nil {
			t.Fatalf("validation lookup failed: %v %v", ev, err)
		}
		if !ev.Enabled {
			t.Error("expected validation enabled")
		}
	}
	if misses != 3 {
		t.Errorf("expected one miss per record type, got %d", misses)
	}
}

func TestInvalidateKeepsCounters(t *testing.T) {
	l, _, c := newCached(t)

	if _, err := l.APIByPath(context.Background(), "/orders/v1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.IncrBy(cache.KeyRate("alice", 1), 3, time.Minute)

	l.Invalidate()

	if _, ok := c.Get(cache.KeyAPI("orders/v1")); ok {
		t.Error("expected api record dropped")
	}
	if got := c.Counter(cache.KeyRate("alice", 1)); got != 3 {
		t.Errorf("expected counter to survive invalidate, got %d", got)
	}
}
