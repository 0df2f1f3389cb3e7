package metadata

import (
	"strings"
	"time"
)

// APIType is the protocol family an API fronts.
type APIType string

const (
	TypeREST    APIType = "REST"
	TypeSOAP    APIType = "SOAP"
	TypeGraphQL APIType = "GRAPHQL"
	TypeGRPC    APIType = "GRPC"
)

// API is a logical upstream exposed under /{name}/{version}.
type API struct {
	ID             string   `yaml:"id" json:"id"`
	Name           string   `yaml:"name" json:"name"`
	Version        string   `yaml:"version" json:"version"`
	Type           APIType  `yaml:"type" json:"type"`
	Public         bool     `yaml:"public" json:"public"`
	AuthRequired   bool     `yaml:"auth_required" json:"auth_required"`
	Active         bool     `yaml:"active" json:"active"`
	AllowedRoles   []string `yaml:"allowed_roles" json:"allowed_roles,omitempty"`
	AllowedGroups  []string `yaml:"allowed_groups" json:"allowed_groups,omitempty"`
	AllowedHeaders []string `yaml:"allowed_headers" json:"allowed_headers,omitempty"`
	Servers        []string `yaml:"servers" json:"servers,omitempty"`
	RetryCount     int      `yaml:"retry_count" json:"retry_count"`
	CreditsEnabled bool     `yaml:"credits_enabled" json:"credits_enabled"`
	CreditGroup    string   `yaml:"credit_group" json:"credit_group,omitempty"`

	// AuthorizationFieldSwap names a request header the credential is
	// read from instead of Authorization.
	AuthorizationFieldSwap string `yaml:"authorization_field_swap" json:"authorization_field_swap,omitempty"`

	CORS     *CORSPolicy `yaml:"cors" json:"cors,omitempty"`
	GRPC     *GRPCPolicy `yaml:"grpc" json:"grpc,omitempty"`
	IPPolicy *IPPolicy   `yaml:"ip_policy" json:"ip_policy,omitempty"`
}

// Key returns the "(name,version)" identity used by subscriptions,
// counters and circuit breakers.
func (a *API) Key() string { return a.Name + "/" + a.Version }

// Path returns the canonical "/{name}/{version}" lookup path.
func (a *API) Path() string { return "/" + a.Name + "/" + a.Version }

// HeaderAllowed reports whether a response header passes the allowlist.
// An empty allowlist passes everything; comparisons are case-insensitive.
func (a *API) HeaderAllowed(name string) bool {
	if len(a.AllowedHeaders) == 0 {
		return true
	}
	name = strings.ToLower(name)
	for _, h := range a.AllowedHeaders {
		if strings.ToLower(h) == name {
			return true
		}
	}
	return false
}

// CORSPolicy is the per-API CORS configuration.
type CORSPolicy struct {
	Origins     []string `yaml:"origins" json:"origins,omitempty"`
	Methods     []string `yaml:"methods" json:"methods,omitempty"`
	Headers     []string `yaml:"headers" json:"headers,omitempty"`
	Credentials bool     `yaml:"credentials" json:"credentials"`
	Expose      []string `yaml:"expose" json:"expose,omitempty"`
	MaxAge      int      `yaml:"max_age" json:"max_age"`
}

// GRPCPolicy restricts which gRPC targets an API may invoke.
type GRPCPolicy struct {
	Package         string   `yaml:"package" json:"package,omitempty"`
	AllowedPackages []string `yaml:"allowed_packages" json:"allowed_packages,omitempty"`
	AllowedServices []string `yaml:"allowed_services" json:"allowed_services,omitempty"`
	AllowedMethods  []string `yaml:"allowed_methods" json:"allowed_methods,omitempty"`
}

// IPPolicy is a CIDR allow/deny policy evaluated before authentication.
type IPPolicy struct {
	Allow []string `yaml:"allow" json:"allow,omitempty"`
	Deny  []string `yaml:"deny" json:"deny,omitempty"`
}

// Endpoint is one routable operation of an API. URI may contain
// {name} templates matched as [^/]+.
type Endpoint struct {
	ID      string   `yaml:"id" json:"id"`
	APIID   string   `yaml:"api_id" json:"api_id"`
	Method  string   `yaml:"method" json:"method"`
	URI     string   `yaml:"uri" json:"uri"`
	Servers []string `yaml:"servers" json:"servers,omitempty"`
}

// MatchKey returns the "{METHOD}{uri}" composite the endpoint matcher
// compiles into a regex.
func (e *Endpoint) MatchKey() string { return strings.ToUpper(e.Method) + e.URI }

// Subscription binds a user to a set of "name/version" APIs.
type Subscription struct {
	Username string   `yaml:"username" json:"username"`
	APIs     []string `yaml:"apis" json:"apis"`
}

// Has reports whether the subscription covers the API key.
func (s *Subscription) Has(apiKey string) bool {
	if s == nil {
		return false
	}
	for _, a := range s.APIs {
		if a == apiKey {
			return true
		}
	}
	return false
}

// RateLimit is a fixed-window request quota.
type RateLimit struct {
	Count  int64  `yaml:"count" json:"count"`
	Window string `yaml:"window" json:"window"` // sec, min, hour, day
}

// Throttle is a burst bucket: QueueLimit capacity refilled at Count
// per Window. Wait bounds how long an over-rate request may sleep
// before being rejected, expressed in WaitWindow units.
type Throttle struct {
	Count      int64   `yaml:"count" json:"count"`
	Window     string  `yaml:"window" json:"window"`
	QueueLimit int     `yaml:"queue_limit" json:"queue_limit"`
	Wait       float64 `yaml:"wait" json:"wait"`
	WaitWindow string  `yaml:"wait_window" json:"wait_window"`
}

// MaxWait returns the maximum sleep budget for one request.
func (t *Throttle) MaxWait() time.Duration {
	if t == nil || t.Wait <= 0 {
		return 0
	}
	unit := WindowDuration(t.WaitWindow)
	if unit == 0 {
		unit = time.Second
	}
	return time.Duration(t.Wait * float64(unit))
}

// Bandwidth caps bytes transferred per window.
type Bandwidth struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	LimitBytes int64  `yaml:"limit_bytes" json:"limit_bytes"`
	Window     string `yaml:"window" json:"window"`
}

// User is a gateway caller. Password material never appears here; the
// Principal collaborator owns credentials.
type User struct {
	Username         string            `yaml:"username" json:"username"`
	Email            string            `yaml:"email" json:"email,omitempty"`
	Role             string            `yaml:"role" json:"role,omitempty"`
	Groups           []string          `yaml:"groups" json:"groups,omitempty"`
	RateLimit        *RateLimit        `yaml:"rate_limit" json:"rate_limit,omitempty"`
	Throttle         *Throttle         `yaml:"throttle" json:"throttle,omitempty"`
	Bandwidth        *Bandwidth        `yaml:"bandwidth" json:"bandwidth,omitempty"`
	CustomAttributes map[string]string `yaml:"custom_attributes" json:"custom_attributes,omitempty"`
}

// Role permissions form a closed set.
const (
	PermManageAPIs    = "manage_apis"
	PermManageGateway = "manage_gateway"
	PermManageUsers   = "manage_users"
	PermViewLogs      = "view_logs"
)

// Role is a named permission bundle.
type Role struct {
	Name        string   `yaml:"name" json:"name"`
	Permissions []string `yaml:"permissions" json:"permissions"`
}

// HasPermission reports whether the role grants perm.
func (r *Role) HasPermission(perm string) bool {
	if r == nil {
		return false
	}
	for _, p := range r.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Reserved group names.
const (
	GroupAdmin = "admin"
	GroupAll   = "ALL"
)

// Routing overrides upstream selection for a client-key header value.
type Routing struct {
	ClientKey string   `yaml:"client_key" json:"client_key"`
	Servers   []string `yaml:"servers" json:"servers"`
}

// CreditTier is one purchasable credit bundle inside a definition.
type CreditTier struct {
	TierName       string `yaml:"tier_name" json:"tier_name"`
	Credits        int64  `yaml:"credits" json:"credits"`
	ResetFrequency string `yaml:"reset_frequency" json:"reset_frequency,omitempty"`
}

// CreditDefinition describes a credit group: the header injected on
// dispatch and the tiers users can hold.
type CreditDefinition struct {
	Group     string       `yaml:"group" json:"group"`
	KeyHeader string       `yaml:"key_header" json:"key_header"`
	KeyValue  string       `yaml:"key_value" json:"key_value"`
	Tiers     []CreditTier `yaml:"tiers" json:"tiers,omitempty"`
}

// CreditBucket is a user's balance within one credit group.
type CreditBucket struct {
	TierName         string `yaml:"tier_name" json:"tier_name,omitempty"`
	AvailableCredits int64  `yaml:"available_credits" json:"available_credits"`
	UserAPIKey       string `yaml:"user_api_key" json:"user_api_key,omitempty"`
}

// UserCredits holds a user's balances keyed by credit group.
type UserCredits struct {
	Username string                   `yaml:"username" json:"username"`
	Credits  map[string]*CreditBucket `yaml:"credits" json:"credits"`
}

// TierLimits are the rate ceilings a tier grants. Zero means the
// window is unlimited.
type TierLimits struct {
	RPS        int64 `yaml:"rps" json:"rps,omitempty"`
	RPM        int64 `yaml:"rpm" json:"rpm,omitempty"`
	RPH        int64 `yaml:"rph" json:"rph,omitempty"`
	RPD        int64 `yaml:"rpd" json:"rpd,omitempty"`
	Throttling bool  `yaml:"throttling" json:"throttling"`
	MaxQueueMS int64 `yaml:"max_queue_ms" json:"max_queue_ms,omitempty"`
}

// Tier is a named limit bundle assignable to users.
type Tier struct {
	ID        string     `yaml:"id" json:"id"`
	Name      string     `yaml:"name" json:"name"`
	Limits    TierLimits `yaml:"limits" json:"limits"`
	Enabled   bool       `yaml:"enabled" json:"enabled"`
	IsDefault bool       `yaml:"is_default" json:"is_default"`
}

// TierAssignment binds a user to a tier, optionally time-boxed, with
// optional limit overrides. At most one per user.
type TierAssignment struct {
	UserID         string      `yaml:"user_id" json:"user_id"`
	TierID         string      `yaml:"tier_id" json:"tier_id"`
	EffectiveFrom  *time.Time  `yaml:"effective_from" json:"effective_from,omitempty"`
	EffectiveUntil *time.Time  `yaml:"effective_until" json:"effective_until,omitempty"`
	OverrideLimits *TierLimits `yaml:"override_limits" json:"override_limits,omitempty"`
}

// ActiveAt reports whether the assignment is effective at t.
func (ta *TierAssignment) ActiveAt(t time.Time) bool {
	if ta.EffectiveFrom != nil && t.Before(*ta.EffectiveFrom) {
		return false
	}
	if ta.EffectiveUntil != nil && t.After(*ta.EffectiveUntil) {
		return false
	}
	return true
}

// ValidationRule is one node of a payload schema. Object and array
// recursion happens through NestedSchema and ArrayItems.
type ValidationRule struct {
	Required        bool                       `yaml:"required" json:"required"`
	Type            string                     `yaml:"type" json:"type"` // string, number, integer, boolean, array, object
	Min             *float64                   `yaml:"min" json:"min,omitempty"`
	Max             *float64                   `yaml:"max" json:"max,omitempty"`
	Pattern         string                     `yaml:"pattern" json:"pattern,omitempty"`
	Enum            []interface{}              `yaml:"enum" json:"enum,omitempty"`
	NestedSchema    map[string]*ValidationRule `yaml:"nested_schema" json:"nested_schema,omitempty"`
	ArrayItems      *ValidationRule            `yaml:"array_items" json:"array_items,omitempty"`
	CustomValidator string                     `yaml:"custom_validator" json:"custom_validator,omitempty"`
}

// EndpointValidation attaches a schema to an endpoint.
type EndpointValidation struct {
	EndpointID string                     `yaml:"endpoint_id" json:"endpoint_id"`
	Enabled    bool                       `yaml:"enabled" json:"enabled"`
	Schema     map[string]*ValidationRule `yaml:"schema" json:"schema"`
}

// WindowDuration maps a window label to its duration. Labels are
// case-insensitive and tolerate plural forms ("secs", "minutes").
// Unknown labels return 0.
func WindowDuration(label string) time.Duration {
	switch strings.TrimSuffix(strings.ToLower(strings.TrimSpace(label)), "s") {
	case "sec", "second":
		return time.Second
	case "min", "minute":
		return time.Minute
	case "hour", "hr":
		return time.Hour
	case "day":
		return 24 * time.Hour
	}
	return 0
}
