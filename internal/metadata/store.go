// Package metadata defines the gateway's control-plane records and the
// store they are read from. All lookups return (nil, nil) when the
// record is absent; a non-nil error means the backend itself failed.
package metadata

import "context"

// Store is the read/decrement contract the request pipeline depends
// on. Implementations must make DecrementCredit and RefundCredit
// atomic with respect to concurrent callers.
type Store interface {
	// GetAPIByPath resolves "/{name}/{version}".
	GetAPIByPath(ctx context.Context, path string) (*API, error)

	// ListEndpoints returns all endpoints of an API.
	ListEndpoints(ctx context.Context, apiID string) ([]*Endpoint, error)

	// GetEndpoint resolves one endpoint by its literal method and URI
	// template (not by matching a concrete request path).
	GetEndpoint(ctx context.Context, apiID, method, uri string) (*Endpoint, error)

	GetUser(ctx context.Context, username string) (*User, error)
	GetRole(ctx context.Context, name string) (*Role, error)
	GetSubscription(ctx context.Context, username string) (*Subscription, error)
	GetRouting(ctx context.Context, clientKey string) (*Routing, error)

	GetCreditDefinition(ctx context.Context, group string) (*CreditDefinition, error)
	GetUserCredits(ctx context.Context, username string) (*UserCredits, error)

	// DecrementCredit consumes one credit from the user's bucket for
	// the group. It returns false without mutating when the bucket is
	// missing or already at zero.
	DecrementCredit(ctx context.Context, username, group string) (bool, error)

	// RefundCredit returns one credit after a dispatch that never
	// reached the upstream.
	RefundCredit(ctx context.Context, username, group string) (bool, error)

	GetEndpointValidation(ctx context.Context, endpointID string) (*EndpointValidation, error)

	// GetUserTier resolves the tier effective for the user right now:
	// an active assignment (with overrides applied) when one exists,
	// otherwise the enabled default tier, otherwise nil.
	GetUserTier(ctx context.Context, userID string) (*Tier, error)
}
