package admission

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/logging"
	"github.com/wudi/tollgate/internal/metadata"
)

// CreditGrant is one reserved credit plus the key header to inject
// upstream. Refund puts the credit back when the dispatch never
// reached the upstream.
type CreditGrant struct {
	HeaderName  string
	HeaderValue string
	refund      func()
}

// Inject sets the credit key header on an upstream request.
func (g *CreditGrant) Inject(h http.Header) {
	if g != nil && g.HeaderName != "" {
		h.Set(g.HeaderName, g.HeaderValue)
	}
}

// Refund returns the reserved credit. Safe on nil grants.
func (g *CreditGrant) Refund() {
	if g != nil && g.refund != nil {
		g.refund()
	}
}

// Credits reserves one credit for the call. APIs without credits (or
// public APIs, or anonymous subjects) get a nil grant and nil error.
// An empty user_api_key on the bucket falls back to the definition's
// key value.
func (e *Engine) Credits(ctx context.Context, api *metadata.API, subject string) (*CreditGrant, error) {
	if !api.CreditsEnabled || api.Public || subject == "" {
		return nil, nil
	}
	group := api.CreditGroup

	def, err := e.store.GetCreditDefinition(ctx, group)
	if err != nil {
		return nil, err
	}
	credits, err := e.store.GetUserCredits(ctx, subject)
	if err != nil {
		return nil, err
	}
	if credits == nil {
		return nil, errors.ErrCreditsExhausted
	}
	bucket := credits.Credits[group]
	if bucket == nil || bucket.AvailableCredits <= 0 {
		return nil, errors.ErrCreditsExhausted
	}

	ok, err := e.store.DecrementCredit(ctx, subject, group)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.ErrCreditsExhausted
	}

	grant := &CreditGrant{
		refund: func() {
			// The request context may already be cancelled by the
			// failure that triggered the refund.
			if _, err := e.store.RefundCredit(context.WithoutCancel(ctx), subject, group); err != nil {
				logging.Warn("credit refund failed",
					zap.String("subject", subject),
					zap.String("group", group),
					zap.Error(err))
			}
		},
	}
	if def != nil && def.KeyHeader != "" {
		grant.HeaderName = def.KeyHeader
		grant.HeaderValue = def.KeyValue
		if bucket.UserAPIKey != "" {
			grant.HeaderValue = bucket.UserAPIKey
		}
	}
	return grant, nil
}
