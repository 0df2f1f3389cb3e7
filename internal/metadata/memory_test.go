package metadata

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testSeed = `
apis:
  - name: orders
    version: v1
    type: REST
    active: true
    public: false
    auth_required: true
    allowed_roles: [consumer]
    allowed_headers: [Content-Type, X-Request-ID]
    servers: ["http://10.0.0.1:8080"]
    retry_count: 2
    credits_enabled: true
    credit_group: premium
endpoints:
  - api_id: orders/v1
    method: get
    uri: /orders/{id}
  - api_id: orders/v1
    method: POST
    uri: /orders
users:
  - username: alice
    role: consumer
    groups: [engineering]
    rate_limit: {count: 100, window: min}
roles:
  - name: consumer
    permissions: [view_logs]
subscriptions:
  - username: alice
    apis: [orders/v1]
routings:
  - client_key: beta-tester
    servers: ["http://10.0.0.9:8080"]
credit_definitions:
  - group: premium
    key_header: X-Api-Key
    key_value: secret-key
    tiers:
      - tier_name: gold
        credits: 1000
user_credits:
  - username: alice
    credits:
      premium: {tier_name: gold, available_credits: 2}
tiers:
  - id: basic
    name: Basic
    enabled: true
    is_default: true
    limits: {rps: 10}
  - id: pro
    name: Pro
    enabled: true
    limits: {rps: 100}
tier_assignments:
  - user_id: alice
    tier_id: pro
validations:
  - endpoint_id: "orders/v1:POST/orders"
    enabled: true
    schema:
      name: {required: true, type: string}
`

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	seed, err := ParseSeed([]byte(testSeed))
	if err != nil {
		t.Fatalf("parse seed: %v", err)
	}
	s := NewMemoryStore()
	if err := s.Apply(seed); err != nil {
		t.Fatalf("apply seed: %v", err)
	}
	return s
}

func TestGetAPIByPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	api, err := s.GetAPIByPath(ctx, "/orders/v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api == nil {
		t.Fatal("expected api, got nil")
	}
	if api.ID != "orders/v1" {
		t.Errorf("expected default id orders/v1, got %q", api.ID)
	}
	if api.Key() != "orders/v1" {
		t.Errorf("expected key orders/v1, got %q", api.Key())
	}
	if len(api.AllowedHeaders) != 2 || api.AllowedHeaders[0] != "content-type" {
		t.Errorf("expected lowercased allowed headers, got %v", api.AllowedHeaders)
	}

	missing, err := s.GetAPIByPath(ctx, "/nothing/v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown path, got %+v", missing)
	}
}

func TestEndpointLookups(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	eps, err := s.ListEndpoints(ctx, "orders/v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(eps) != 2 {
		t.Fatalf("expected 2 endpoints, got %d", len(eps))
	}

	ep, err := s.GetEndpoint(ctx, "orders/v1", "GET", "/orders/{id}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep == nil {
		t.Fatal("expected endpoint, got nil")
	}
	if ep.Method != "GET" {
		t.Errorf("expected method uppercased to GET, got %q", ep.Method)
	}
	if ep.MatchKey() != "GET/orders/{id}" {
		t.Errorf("expected match key GET/orders/{id}, got %q", ep.MatchKey())
	}

	// lookup is case-insensitive on method
	ep2, err := s.GetEndpoint(ctx, "orders/v1", "get", "/orders/{id}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep2 == nil {
		t.Error("expected lowercase method lookup to match")
	}
}

func TestApplyRejectsBadSeeds(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"duplicate api", "apis:\n  - {name: a, version: v1}\n  - {name: a, version: v1}\n"},
		{"orphan endpoint", "endpoints:\n  - {api_id: nope, method: GET, uri: /x}\n"},
		{"api missing version", "apis:\n  - {name: a}\n"},
		{"double tier assignment", "tiers:\n  - {id: t1, name: T1, enabled: true}\ntier_assignments:\n  - {user_id: u, tier_id: t1}\n  - {user_id: u, tier_id: t1}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seed, err := ParseSeed([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("parse seed: %v", err)
			}
			if err := NewMemoryStore().Apply(seed); err == nil {
				t.Error("expected apply error, got nil")
			}
		})
	}
}

func TestCreditDecrementAndRefund(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.DecrementCredit(ctx, "alice", "premium")
	if err != nil || !ok {
		t.Fatalf("expected first decrement to succeed, got ok=%v err=%v", ok, err)
	}
	ok, _ = s.DecrementCredit(ctx, "alice", "premium")
	if !ok {
		t.Fatal("expected second decrement to succeed")
	}
	ok, _ = s.DecrementCredit(ctx, "alice", "premium")
	if ok {
		t.Error("expected decrement at zero to fail")
	}

	ok, err = s.RefundCredit(ctx, "alice", "premium")
	if err != nil || !ok {
		t.Fatalf("expected refund to succeed, got ok=%v err=%v", ok, err)
	}
	uc, _ := s.GetUserCredits(ctx, "alice")
	if uc.Credits["premium"].AvailableCredits != 1 {
		t.Errorf("expected 1 credit after refund, got %d", uc.Credits["premium"].AvailableCredits)
	}

	ok, _ = s.DecrementCredit(ctx, "alice", "no-such-group")
	if ok {
		t.Error("expected decrement on unknown group to fail")
	}
	ok, _ = s.DecrementCredit(ctx, "nobody", "premium")
	if ok {
		t.Error("expected decrement for unknown user to fail")
	}
}

func TestGetUserCreditsReturnsSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snap, _ := s.GetUserCredits(ctx, "alice")
	snap.Credits["premium"].AvailableCredits = 99

	fresh, _ := s.GetUserCredits(ctx, "alice")
	if fresh.Credits["premium"].AvailableCredits != 2 {
		t.Errorf("mutating a snapshot leaked into the store: got %d", fresh.Credits["premium"].AvailableCredits)
	}
}

func TestGetUserTier(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tier, err := s.GetUserTier(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tier == nil || tier.ID != "pro" {
		t.Fatalf("expected assigned tier pro, got %+v", tier)
	}

	// unassigned users fall back to the default tier
	tier, _ = s.GetUserTier(ctx, "bob")
	if tier == nil || tier.ID != "basic" {
		t.Fatalf("expected default tier basic, got %+v", tier)
	}
}

func TestGetUserTierExpiredAssignment(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	seed := &Seed{
		Tiers: []*Tier{
			{ID: "basic", Name: "Basic", Enabled: true, IsDefault: true, Limits: TierLimits{RPS: 10}},
			{ID: "pro", Name: "Pro", Enabled: true, Limits: TierLimits{RPS: 100}},
		},
		TierAssignments: []*TierAssignment{
			{UserID: "alice", TierID: "pro", EffectiveUntil: &past},
		},
	}
	s := NewMemoryStore()
	if err := s.Apply(seed); err != nil {
		t.Fatalf("apply seed: %v", err)
	}

	tier, _ := s.GetUserTier(context.Background(), "alice")
	if tier == nil || tier.ID != "basic" {
		t.Fatalf("expected expired assignment to fall back to basic, got %+v", tier)
	}
}

func TestGetUserTierOverrideLimits(t *testing.T) {
	seed := &Seed{
		Tiers: []*Tier{
			{ID: "pro", Name: "Pro", Enabled: true, Limits: TierLimits{RPS: 100}},
		},
		TierAssignments: []*TierAssignment{
			{UserID: "alice", TierID: "pro", OverrideLimits: &TierLimits{RPS: 5}},
		},
	}
	s := NewMemoryStore()
	if err := s.Apply(seed); err != nil {
		t.Fatalf("apply seed: %v", err)
	}

	tier, _ := s.GetUserTier(context.Background(), "alice")
	if tier == nil || tier.Limits.RPS != 5 {
		t.Fatalf("expected override rps 5, got %+v", tier)
	}

	// the override must not mutate the stored tier
	again, _ := s.GetUserTier(context.Background(), "bob")
	if again != nil {
		t.Fatalf("expected nil for unassigned user without default, got %+v", again)
	}
}

func TestSubscriptionHas(t *testing.T) {
	sub := &Subscription{Username: "alice", APIs: []string{"orders/v1", "billing/v2"}}
	if !sub.Has("orders/v1") {
		t.Error("expected subscription to cover orders/v1")
	}
	if sub.Has("orders/v2") {
		t.Error("expected subscription to miss orders/v2")
	}
	var nilSub *Subscription
	if nilSub.Has("orders/v1") {
		t.Error("expected nil subscription to cover nothing")
	}
}

func TestHeaderAllowed(t *testing.T) {
	api := &API{AllowedHeaders: []string{"content-type", "x-request-id"}}
	if !api.HeaderAllowed("Content-Type") {
		t.Error("expected Content-Type to pass the allowlist")
	}
	if api.HeaderAllowed("X-Secret") {
		t.Error("expected X-Secret to be filtered")
	}
	open := &API{}
	if !open.HeaderAllowed("Anything") {
		t.Error("expected empty allowlist to pass everything")
	}
}

func TestWindowDuration(t *testing.T) {
	tests := []struct {
		label string
		want  time.Duration
	}{
		{"sec", time.Second},
		{"SEC", time.Second},
		{"seconds", time.Second},
		{"min", time.Minute},
		{"minutes", time.Minute},
		{"hour", time.Hour},
		{"day", 24 * time.Hour},
		{"fortnight", 0},
		{"", 0},
	}
	for _, tt := range tests {
		if got := WindowDuration(tt.label); got != tt.want {
			t.Errorf("WindowDuration(%q): expected %v, got %v", tt.label, tt.want, got)
		}
	}
}

func TestThrottleMaxWait(t *testing.T) {
	th := &Throttle{Wait: 2, WaitWindow: "sec"}
	if got := th.MaxWait(); got != 2*time.Second {
		t.Errorf("expected 2s, got %v", got)
	}
	th = &Throttle{Wait: 0.5, WaitWindow: "sec"}
	if got := th.MaxWait(); got != 500*time.Millisecond {
		t.Errorf("expected 500ms, got %v", got)
	}
	th = &Throttle{}
	if got := th.MaxWait(); got != 0 {
		t.Errorf("expected 0 for no wait, got %v", got)
	}
}

func TestWatcherReloadSwapsSeed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.yaml")
	if err := os.WriteFile(path, []byte(testSeed), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	store := NewMemoryStore()
	w, err := NewWatcher(store, path)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Stop()

	notified := make(chan struct{}, 1)
	w.OnChange(func(*Seed) { notified <- struct{}{} })

	api, _ := store.GetAPIByPath(context.Background(), "/orders/v1")
	if api == nil {
		t.Fatal("expected initial seed to load")
	}

	next := "apis:\n  - {name: billing, version: v2, type: REST, active: true, public: true}\n"
	if err := os.WriteFile(path, []byte(next), 0o644); err != nil {
		t.Fatalf("rewrite seed: %v", err)
	}
	w.reload()

	api, _ = store.GetAPIByPath(context.Background(), "/orders/v1")
	if api != nil {
		t.Error("expected old api to be gone after reload")
	}
	api, _ = store.GetAPIByPath(context.Background(), "/billing/v2")
	if api == nil {
		t.Error("expected new api after reload")
	}

	// callbacks fire asynchronously
	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Error("expected change callback to fire")
	}
}

func TestWatcherKeepsOldSeedOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.yaml")
	if err := os.WriteFile(path, []byte(testSeed), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	store := NewMemoryStore()
	w, err := NewWatcher(store, path)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("apis: [{name: broken"), 0o644); err != nil {
		t.Fatalf("rewrite seed: %v", err)
	}
	w.reload()

	api, _ := store.GetAPIByPath(context.Background(), "/orders/v1")
	if api == nil {
		t.Error("expected previous seed to keep serving after a bad reload")
	}
}
