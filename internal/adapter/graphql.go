package adapter

import (
	"context"
	"net/http"

	"github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/metadata"
	"github.com/wudi/tollgate/internal/upstream"
	"github.com/wudi/tollgate/internal/validation"
)

// GraphQL forwards query envelopes to the API's GraphQL endpoint. The
// whole server URL is the endpoint; there is no path remainder.
type GraphQL struct {
	client *upstream.Client
}

// NewGraphQL creates the GraphQL adapter.
func NewGraphQL(client *upstream.Client) *GraphQL {
	return &GraphQL{client: client}
}

func (a *GraphQL) Protocol() string                 { return "graphql" }
func (a *GraphQL) Type() metadata.APIType           { return metadata.TypeGraphQL }
func (a *GraphQL) CheckRequest(*http.Request) error { return nil }

func (a *GraphQL) Document(body []byte) (interface{}, error) {
	return validation.GraphQLDocument(body)
}

func (a *GraphQL) Dispatch(ctx context.Context, call *Call) (*Result, error) {
	resp, err := a.client.Call(ctx, upstream.Request{
		Method:  call.Method,
		URL:     call.Server,
		Header:  call.Header,
		Query:   call.Query,
		Body:    call.Body,
		Retries: call.API.RetryCount,
		APIKey:  call.API.Key(),
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		StatusCode:   resp.StatusCode,
		Header:       resp.Header,
		Body:         resp.Body,
		Retries:      resp.Retries,
		UpstreamTime: resp.Duration,
	}, nil
}

func (a *GraphQL) WriteError(w http.ResponseWriter, err *errors.GatewayError) {
	err.WriteJSON(w)
}
