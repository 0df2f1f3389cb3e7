package adapter

import (
	"context"
	"net/http"

	"github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/metadata"
	"github.com/wudi/tollgate/internal/upstream"
	"github.com/wudi/tollgate/internal/validation"
)

// REST forwards requests as-is over the shared HTTP client.
type REST struct {
	client *upstream.Client
}

// NewREST creates the REST adapter.
func NewREST(client *upstream.Client) *REST {
	return &REST{client: client}
}

func (a *REST) Protocol() string        { return "rest" }
func (a *REST) Type() metadata.APIType  { return metadata.TypeREST }
func (a *REST) CheckRequest(*http.Request) error { return nil }

func (a *REST) Document(body []byte) (interface{}, error) {
	return validation.JSONDocument(body)
}

func (a *REST) Dispatch(ctx context.Context, call *Call) (*Result, error) {
	resp, err := a.client.Call(ctx, upstream.Request{
		Method:  call.Method,
		URL:     joinURL(call.Server, call.PathRest),
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

func (a *REST) WriteError(w http.ResponseWriter, err *errors.GatewayError) {
	err.WriteJSON(w)
}
