// Package admission enforces the gating checks a request passes before
// dispatch: API activity, IP policy, subscription, group membership,
// rate/throttle/tier limits, credential verification, role, bandwidth
// and credit budgets.
package admission

import (
	"context"
	"net/http"

	"github.com/wudi/tollgate/internal/cache"
	"github.com/wudi/tollgate/internal/config"
	"github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/lookup"
	"github.com/wudi/tollgate/internal/metadata"
	"github.com/wudi/tollgate/internal/principal"
	"github.com/wudi/tollgate/internal/variables"
)

// Engine runs the admission chain. Checks run in a fixed order and the
// first failure wins; limiter slots consumed before a later limiter
// denies are rolled back, while failures past the limiter stage keep
// them consumed.
type Engine struct {
	lookup      *lookup.Cached
	store       metadata.Store
	counters    cache.Store
	principal   *principal.Resolver
	pacers      *pacers
	nets        *netCache
	publicQuota *config.QuotaConfig
}

func New(lk *lookup.Cached, store metadata.Store, counters cache.Store, pr *principal.Resolver, publicQuota *config.QuotaConfig) *Engine {
	return &Engine{
		lookup:      lk,
		store:       store,
		counters:    counters,
		principal:   pr,
		pacers:      newPacers(),
		nets:        newNetCache(),
		publicQuota: publicQuota,
	}
}

// Admission is what a granted request carries into dispatch.
type Admission struct {
	Subject  string
	User     *metadata.User
	Identity *variables.Identity
}

// Admit runs the chain for one request. A nil error means the request
// may proceed to validation, credits and dispatch.
func (e *Engine) Admit(ctx context.Context, r *http.Request, api *metadata.API) (*Admission, error) {
	if !api.Active {
		return nil, errors.ErrAPIDisabled
	}
	clientIP := variables.ExtractClientIP(r)
	if err := e.checkIPPolicy(api.IPPolicy, clientIP); err != nil {
		return nil, err
	}

	if api.Public || !api.AuthRequired {
		if api.Public && e.publicQuota != nil && e.publicQuota.Count > 0 {
			quota := &metadata.RateLimit{Count: e.publicQuota.Count, Window: e.publicQuota.Window}
			var rb rollback
			if err := e.checkRate("ip:"+clientIP, quota, &rb); err != nil {
				return nil, err
			}
		}
		return &Admission{}, nil
	}

	credential := principal.Credential(r, api.AuthorizationFieldSwap)
	subject := e.principal.Subject(credential)
	if subject == "" {
		return nil, errors.ErrAuthRequired
	}

	sub, err := e.lookup.Subscription(ctx, subject)
	if err != nil {
		return nil, err
	}
	if sub == nil || !sub.Has(api.Key()) {
		return nil, errors.ErrSubscriptionRequired
	}

	user, err := e.lookup.User(ctx, subject)
	if err != nil {
		return nil, err
	}
	if err := checkGroups(api, user); err != nil {
		return nil, err
	}

	var rb rollback
	if user != nil {
		if err := e.checkRate(subject, user.RateLimit, &rb); err != nil {
			rb.run()
			return nil, err
		}
		if err := e.checkThrottle(ctx, subject, user.Throttle, &rb); err != nil {
			rb.run()
			return nil, err
		}
	}
	tier, err := e.store.GetUserTier(ctx, subject)
	if err != nil {
		return nil, err
	}
	if err := e.checkTier(ctx, subject, tier, &rb); err != nil {
		rb.run()
		return nil, err
	}

	identity, err := e.principal.Verify(ctx, credential)
	if err != nil {
		return nil, err
	}
	if err := checkRole(api, user, identity); err != nil {
		return nil, err
	}
	if user != nil {
		if err := e.checkBandwidth(subject, user.Bandwidth, r.ContentLength); err != nil {
			return nil, err
		}
	}

	return &Admission{Subject: subject, User: user, Identity: identity}, nil
}

// checkGroups requires a shared group when the API restricts groups.
// "ALL" in the API's list admits any authenticated user.
func checkGroups(api *metadata.API, user *metadata.User) error {
	if len(api.AllowedGroups) == 0 {
		return nil
	}
	for _, g := range api.AllowedGroups {
		if g == metadata.GroupAll {
			return nil
		}
	}
	if user == nil {
		return errors.ErrGroupUnresolved
	}
	for _, g := range api.AllowedGroups {
		for _, ug := range user.Groups {
			if ug == g {
				return nil
			}
		}
	}
	return errors.ErrGroupNotAllowed
}

// checkRole requires an allowlisted role when the API restricts roles.
// The verified identity's claim wins over the stored user record.
func checkRole(api *metadata.API, user *metadata.User, identity *variables.Identity) error {
	if len(api.AllowedRoles) == 0 {
		return nil
	}
	var role string
	if identity != nil && identity.Role != "" {
		role = identity.Role
	} else if user != nil {
		role = user.Role
	}
	if role == "" {
		return errors.ErrRoleNotAllowed
	}
	for _, allowed := range api.AllowedRoles {
		if allowed == role {
			return nil
		}
	}
	return errors.ErrRoleNotAllowed
}
