package adapter

import (
	"context"
	"mime"
	"net/http"
	"strconv"

	"github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/metadata"
	"github.com/wudi/tollgate/internal/upstream"
	"github.com/wudi/tollgate/internal/validation"
)

// soapMediaTypes is the accepted content-type matrix. Anything else
// is a 415 before the gateway touches metadata.
var soapMediaTypes = map[string]bool{
	"text/xml":             true,
	"application/xml":      true,
	"application/soap+xml": true,
}

// SOAP forwards XML envelopes over the shared HTTP client and renders
// failures as SOAP 1.1 faults.
type SOAP struct {
	client *upstream.Client
}

// NewSOAP creates the SOAP adapter.
func NewSOAP(client *upstream.Client) *SOAP {
	return &SOAP{client: client}
}

func (a *SOAP) Protocol() string       { return "soap" }
func (a *SOAP) Type() metadata.APIType { return metadata.TypeSOAP }

func (a *SOAP) CheckRequest(r *http.Request) error {
	ct := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil || !soapMediaTypes[mediaType] {
		return errors.ErrValidation.
			WithStatus(http.StatusUnsupportedMediaType).
			WithDetails("content type " + strconv.Quote(ct) + " is not a SOAP media type")
	}
	return nil
}

func (a *SOAP) Document(body []byte) (interface{}, error) {
	return validation.SOAPDocument(body)
}

func (a *SOAP) Dispatch(ctx context.Context, call *Call) (*Result, error) {
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

func (a *SOAP) WriteError(w http.ResponseWriter, err *errors.GatewayError) {
	err.WriteSOAPFault(w)
}
