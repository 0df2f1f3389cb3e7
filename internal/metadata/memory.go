package metadata

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-yaml"
)

// Seed is the YAML document a MemoryStore is loaded from.
type Seed struct {
	APIs              []*API                `yaml:"apis"`
	Endpoints         []*Endpoint           `yaml:"endpoints"`
	Users             []*User               `yaml:"users"`
	Roles             []*Role               `yaml:"roles"`
	Subscriptions     []*Subscription       `yaml:"subscriptions"`
	Routings          []*Routing            `yaml:"routings"`
	CreditDefinitions []*CreditDefinition   `yaml:"credit_definitions"`
	UserCredits       []*UserCredits        `yaml:"user_credits"`
	Tiers             []*Tier               `yaml:"tiers"`
	TierAssignments   []*TierAssignment     `yaml:"tier_assignments"`
	Validations       []*EndpointValidation `yaml:"validations"`
}

// ParseSeed decodes a seed document.
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse metadata seed: %w", err)
	}
	return &seed, nil
}

// LoadSeed reads and decodes a seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata seed: %w", err)
	}
	return ParseSeed(data)
}

// MemoryStore is a mutex-guarded in-memory Store. A whole seed is
// swapped in atomically by Apply, so a watcher can reload the file
// under live traffic.
type MemoryStore struct {
	mu sync.RWMutex

	apisByPath     map[string]*API
	apisByID       map[string]*API
	endpointsByAPI map[string][]*Endpoint
	endpointsByKey map[string]*Endpoint
	users          map[string]*User
	roles          map[string]*Role
	subscriptions  map[string]*Subscription
	routings       map[string]*Routing
	creditDefs     map[string]*CreditDefinition
	userCredits    map[string]*UserCredits
	tiers          map[string]*Tier
	defaultTierID  string
	assignments    map[string]*TierAssignment
	validations    map[string]*EndpointValidation
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.reset()
	return s
}

// NewMemoryStoreFromFile loads a seed file into a fresh store.
func NewMemoryStoreFromFile(path string) (*MemoryStore, error) {
	seed, err := LoadSeed(path)
	if err != nil {
		return nil, err
	}
	s := NewMemoryStore()
	if err := s.Apply(seed); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MemoryStore) reset() {
	s.apisByPath = make(map[string]*API)
	s.apisByID = make(map[string]*API)
	s.endpointsByAPI = make(map[string][]*Endpoint)
	s.endpointsByKey = make(map[string]*Endpoint)
	s.users = make(map[string]*User)
	s.roles = make(map[string]*Role)
	s.subscriptions = make(map[string]*Subscription)
	s.routings = make(map[string]*Routing)
	s.creditDefs = make(map[string]*CreditDefinition)
	s.userCredits = make(map[string]*UserCredits)
	s.tiers = make(map[string]*Tier)
	s.defaultTierID = ""
	s.assignments = make(map[string]*TierAssignment)
	s.validations = make(map[string]*EndpointValidation)
}

func endpointKey(apiID, method, uri string) string {
	return apiID + "\x00" + strings.ToUpper(method) + uri
}

// Apply normalizes and installs a seed, replacing all previous data in
// one swap. Duplicate identities are rejected so a bad seed never half
// applies.
func (s *MemoryStore) Apply(seed *Seed) error {
	apisByPath := make(map[string]*API, len(seed.APIs))
	apisByID := make(map[string]*API, len(seed.APIs))
	for _, a := range seed.APIs {
		if a.Name == "" || a.Version == "" {
			return fmt.Errorf("api missing name or version: %+v", a)
		}
		if a.ID == "" {
			a.ID = a.Key()
		}
		a.Type = APIType(strings.ToUpper(string(a.Type)))
		for i, h := range a.AllowedHeaders {
			a.AllowedHeaders[i] = strings.ToLower(h)
		}
		if _, dup := apisByPath[a.Path()]; dup {
			return fmt.Errorf("duplicate api %s", a.Key())
		}
		if _, dup := apisByID[a.ID]; dup {
			return fmt.Errorf("duplicate api id %s", a.ID)
		}
		apisByPath[a.Path()] = a
		apisByID[a.ID] = a
	}

	endpointsByAPI := make(map[string][]*Endpoint)
	endpointsByKey := make(map[string]*Endpoint, len(seed.Endpoints))
	for _, e := range seed.Endpoints {
		if _, ok := apisByID[e.APIID]; !ok {
			return fmt.Errorf("endpoint %s%s references unknown api %q", e.Method, e.URI, e.APIID)
		}
		e.Method = strings.ToUpper(e.Method)
		if !strings.HasPrefix(e.URI, "/") {
			e.URI = "/" + e.URI
		}
		if e.ID == "" {
			e.ID = e.APIID + ":" + e.MatchKey()
		}
		key := endpointKey(e.APIID, e.Method, e.URI)
		if _, dup := endpointsByKey[key]; dup {
			return fmt.Errorf("duplicate endpoint %s %s on api %s", e.Method, e.URI, e.APIID)
		}
		endpointsByKey[key] = e
		endpointsByAPI[e.APIID] = append(endpointsByAPI[e.APIID], e)
	}

	users := make(map[string]*User, len(seed.Users))
	for _, u := range seed.Users {
		if u.Username == "" {
			return fmt.Errorf("user missing username")
		}
		users[u.Username] = u
	}

	roles := make(map[string]*Role, len(seed.Roles))
	for _, r := range seed.Roles {
		roles[r.Name] = r
	}

	subscriptions := make(map[string]*Subscription, len(seed.Subscriptions))
	for _, sub := range seed.Subscriptions {
		subscriptions[sub.Username] = sub
	}

	routings := make(map[string]*Routing, len(seed.Routings))
	for _, rt := range seed.Routings {
		routings[rt.ClientKey] = rt
	}

	creditDefs := make(map[string]*CreditDefinition, len(seed.CreditDefinitions))
	for _, cd := range seed.CreditDefinitions {
		creditDefs[cd.Group] = cd
	}

	userCredits := make(map[string]*UserCredits, len(seed.UserCredits))
	for _, uc := range seed.UserCredits {
		if uc.Credits == nil {
			uc.Credits = make(map[string]*CreditBucket)
		}
		userCredits[uc.Username] = uc
	}

	tiers := make(map[string]*Tier, len(seed.Tiers))
	defaultTierID := ""
	for _, t := range seed.Tiers {
		if t.ID == "" {
			t.ID = t.Name
		}
		tiers[t.ID] = t
		if t.IsDefault && t.Enabled {
			defaultTierID = t.ID
		}
	}

	assignments := make(map[string]*TierAssignment, len(seed.TierAssignments))
	for _, ta := range seed.TierAssignments {
		if _, ok := tiers[ta.TierID]; !ok {
			return fmt.Errorf("tier assignment for %s references unknown tier %q", ta.UserID, ta.TierID)
		}
		if _, dup := assignments[ta.UserID]; dup {
			return fmt.Errorf("user %s has more than one tier assignment", ta.UserID)
		}
		assignments[ta.UserID] = ta
	}

	validations := make(map[string]*EndpointValidation, len(seed.Validations))
	for _, v := range seed.Validations {
		validations[v.EndpointID] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.apisByPath = apisByPath
	s.apisByID = apisByID
	s.endpointsByAPI = endpointsByAPI
	s.endpointsByKey = endpointsByKey
	s.users = users
	s.roles = roles
	s.subscriptions = subscriptions
	s.routings = routings
	s.creditDefs = creditDefs
	s.userCredits = userCredits
	s.tiers = tiers
	s.defaultTierID = defaultTierID
	s.assignments = assignments
	s.validations = validations
	return nil
}

func (s *MemoryStore) GetAPIByPath(_ context.Context, path string) (*API, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.apisByPath[path], nil
}

func (s *MemoryStore) ListEndpoints(_ context.Context, apiID string) ([]*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	eps := s.endpointsByAPI[apiID]
	out := make([]*Endpoint, len(eps))
	copy(out, eps)
	return out, nil
}

func (s *MemoryStore) GetEndpoint(_ context.Context, apiID, method, uri string) (*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpointsByKey[endpointKey(apiID, method, uri)], nil
}

func (s *MemoryStore) GetUser(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[username], nil
}

func (s *MemoryStore) GetRole(_ context.Context, name string) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roles[name], nil
}

func (s *MemoryStore) GetSubscription(_ context.Context, username string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscriptions[username], nil
}

func (s *MemoryStore) GetRouting(_ context.Context, clientKey string) (*Routing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.routings[clientKey], nil
}

func (s *MemoryStore) GetCreditDefinition(_ context.Context, group string) (*CreditDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creditDefs[group], nil
}

// GetUserCredits returns a snapshot so readers never observe a
// concurrent decrement mid-copy.
func (s *MemoryStore) GetUserCredits(_ context.Context, username string) (*UserCredits, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	uc := s.userCredits[username]
	if uc == nil {
		return nil, nil
	}
	out := &UserCredits{Username: uc.Username, Credits: make(map[string]*CreditBucket, len(uc.Credits))}
	for g, b := range uc.Credits {
		copied := *b
		out.Credits[g] = &copied
	}
	return out, nil
}

func (s *MemoryStore) DecrementCredit(_ context.Context, username, group string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uc := s.userCredits[username]
	if uc == nil {
		return false, nil
	}
	b := uc.Credits[group]
	if b == nil || b.AvailableCredits <= 0 {
		return false, nil
	}
	b.AvailableCredits--
	return true, nil
}

func (s *MemoryStore) RefundCredit(_ context.Context, username, group string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uc := s.userCredits[username]
	if uc == nil {
		return false, nil
	}
	b := uc.Credits[group]
	if b == nil {
		return false, nil
	}
	b.AvailableCredits++
	return true, nil
}

func (s *MemoryStore) GetEndpointValidation(_ context.Context, endpointID string) (*EndpointValidation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.validations[endpointID], nil
}

func (s *MemoryStore) GetUserTier(_ context.Context, userID string) (*Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ta := s.assignments[userID]; ta != nil && ta.ActiveAt(time.Now()) {
		if t := s.tiers[ta.TierID]; t != nil && t.Enabled {
			if ta.OverrideLimits != nil {
				clone := *t
				clone.Limits = *ta.OverrideLimits
				return &clone, nil
			}
			return t, nil
		}
	}
	if s.defaultTierID != "" {
		return s.tiers[s.defaultTierID], nil
	}
	return nil, nil
}

// Counts reports collection sizes for the status endpoint.
func (s *MemoryStore) Counts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]int{
		"apis":          len(s.apisByID),
		"endpoints":     len(s.endpointsByKey),
		"users":         len(s.users),
		"roles":         len(s.roles),
		"subscriptions": len(s.subscriptions),
		"routings":      len(s.routings),
		"credit_groups": len(s.creditDefs),
		"tiers":         len(s.tiers),
		"validations":   len(s.validations),
	}
}

var _ Store = (*MemoryStore)(nil)
