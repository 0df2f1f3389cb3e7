// Package upstream dispatches gateway requests to backend servers. One
// pooled HTTP client serves REST and SOAP traffic; gRPC targets go
// through a dynamic invoker fed by server reflection. Every dispatch
// runs under the API's circuit breaker with the retry loop inside, so
// a request feeds the breaker exactly one outcome.
package upstream

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/wudi/tollgate/internal/circuitbreaker"
	"github.com/wudi/tollgate/internal/config"
	"github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/metrics"
)

// retryableStatuses trigger a re-send for REST/SOAP calls.
var retryableStatuses = map[int]bool{
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// errServerStatus marks a 5xx response inside a breaker execution: the
// breaker counts it as a failure but the response is still delivered.
var errServerStatus = stderrors.New("upstream returned a server error")

// Request is one HTTP dispatch. Retries is the number of re-sends
// allowed after the first attempt; Body is re-sent verbatim.
type Request struct {
	Method  string
	URL     string
	Header  http.Header
	Query   url.Values
	Body    []byte
	Retries int
	APIKey  string
}

// Response is the upstream's final answer, body fully buffered.
// Retries counts the re-sends that were actually performed.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Retries    int
	Duration   time.Duration
}

// Client is the shared pooled HTTP dispatcher.
type Client struct {
	http     *http.Client
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
}

// New creates the dispatcher. The client never follows redirects;
// 3xx responses pass through to the caller untouched.
func New(cfg config.HTTPClientConfig, breakers *circuitbreaker.Manager, m *metrics.Metrics) *Client {
	return &Client{
		http: &http.Client{
			Transport: NewTransport(cfg),
			Timeout:   cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		breakers: breakers,
		metrics:  m,
	}
}

// Call dispatches the request under the API's circuit breaker. The
// whole retry loop runs as one breaker execution: a final 5xx or a
// transport error counts one failure, anything else one success. An
// open breaker returns ErrCircuitOpen without touching the upstream.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	result, err := c.breakers.Do(req.APIKey, func() (interface{}, error) {
		resp, derr := c.dispatch(ctx, req)
		if derr != nil {
			return nil, derr
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return resp, errServerStatus
		}
		return resp, nil
	})
	elapsed := time.Since(start)

	if err == errServerStatus {
		c.metrics.ObserveUpstream(req.APIKey, elapsed.Seconds(), false)
		return result.(*Response), nil
	}
	if err != nil {
		ge, ok := errors.AsGatewayError(err)
		if !ok {
			ge = errors.Wrap(errors.ErrUpstream, err)
		}
		if ge != errors.ErrCircuitOpen {
			c.metrics.ObserveUpstream(req.APIKey, elapsed.Seconds(), ge.Code == errors.ErrUpstreamTimeout.Code)
		}
		return nil, ge
	}

	c.metrics.ObserveUpstream(req.APIKey, elapsed.Seconds(), false)
	return result.(*Response), nil
}

// dispatch runs the attempt loop: up to Retries re-sends while the
// upstream answers a retryable status or fails at the transport level.
// 4xx and other non-retryable statuses return immediately.
func (c *Client) dispatch(ctx context.Context, req Request) (*Response, error) {
	target, err := buildURL(req.URL, req.Query)
	if err != nil {
		return nil, errors.Wrap(errors.ErrUpstream, err)
	}

	start := time.Now()
	var lastResp *Response
	var lastErr error

	for attempt := 0; attempt <= req.Retries; attempt++ {
		if attempt > 0 {
			c.metrics.ObserveRetry(req.APIKey)
			if ctx.Err() != nil {
				break
			}
		}

		var body io.Reader
		if len(req.Body) > 0 {
			body = bytes.NewReader(req.Body)
		}
		hreq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
		if err != nil {
			return nil, errors.Wrap(errors.ErrUpstream, err)
		}
		if req.Header != nil {
			hreq.Header = req.Header.Clone()
		}

		resp, err := c.http.Do(hreq)
		if err != nil {
			lastResp = nil
			lastErr = err
			if isTimeout(err) {
				break // deadline is gone; re-sending cannot succeed
			}
			continue
		}

		payload, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastResp = nil
			lastErr = err
			continue
		}

		r := &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       payload,
			Retries:    attempt,
			Duration:   time.Since(start),
		}
		if !retryableStatuses[resp.StatusCode] {
			return r, nil
		}
		lastResp = r
		lastErr = nil
	}

	if lastResp != nil {
		lastResp.Duration = time.Since(start)
		return lastResp, nil
	}
	return nil, mapTransportError(lastErr)
}

func buildURL(raw string, query url.Values) (string, error) {
	if len(query) == 0 {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func mapTransportError(err error) *errors.GatewayError {
	if err == nil {
		return errors.ErrUpstream
	}
	if isTimeout(err) {
		return errors.Wrap(errors.ErrUpstreamTimeout, err)
	}
	return errors.Wrap(errors.ErrUpstream, err)
}

func isTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return stderrors.As(err, &ne) && ne.Timeout()
}

// IsNetworkFailure reports whether the dispatch never produced an
// upstream response: connect refused, DNS failure, reset mid-read.
// Credits deducted for such a request are refunded. Timeouts are not
// network failures; the upstream may have processed the request.
func IsNetworkFailure(err error) bool {
	ge, ok := errors.AsGatewayError(err)
	if !ok {
		return false
	}
	return ge.Code == errors.ErrUpstream.Code && ge.Unwrap() != nil
}
