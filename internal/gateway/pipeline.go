package gateway

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/tollgate/internal/adapter"
	"github.com/wudi/tollgate/internal/audit"
	"github.com/wudi/tollgate/internal/cors"
	"github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/logging"
	"github.com/wudi/tollgate/internal/metadata"
	"github.com/wudi/tollgate/internal/router"
	"github.com/wudi/tollgate/internal/upstream"
	"github.com/wudi/tollgate/internal/variables"
)

// Handle returns the proxy handler for one protocol prefix. The
// server mounts it under /api/{protocol}/.
func (g *Gateway) Handle(protocol string) http.Handler {
	ad, ok := g.adapters.ByProtocol(protocol)
	if !ok {
		panic("gateway: no adapter for protocol " + protocol)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.serve(w, r, ad)
	})
}

func (g *Gateway) serve(w http.ResponseWriter, r *http.Request, ad adapter.Adapter) {
	ctx := r.Context()
	varCtx := variables.GetFromRequest(r)
	varCtx.Protocol = ad.Protocol()

	target, err := router.ParseTarget(ad.Type(), g.restOfPath(r, ad), r.Header.Get(router.VersionHeader))
	if err != nil {
		g.fail(w, r, ad, nil, err)
		return
	}
	varCtx.APIName = target.Name
	varCtx.APIVersion = target.Version
	varCtx.APIKey = target.Key()
	varCtx.PathRest = target.Rest

	if r.Method == http.MethodOptions {
		if done := g.serveOptions(w, r, ad, target); done {
			return
		}
	}

	if err := ad.CheckRequest(r); err != nil {
		g.fail(w, r, ad, nil, err)
		return
	}

	body, err := g.readBody(w, r)
	if err != nil {
		g.fail(w, r, ad, nil, err)
		return
	}
	varCtx.BytesIn = int64(len(body))

	api, ep, err := g.router.Resolve(ctx, r.Method, target)
	if err != nil {
		g.fail(w, r, ad, api, err)
		return
	}
	varCtx.APIID = api.ID
	varCtx.APIKey = api.Key()
	if ep != nil {
		varCtx.EndpointID = ep.ID
	}

	adm, err := g.admission.Admit(ctx, r, api)
	if err != nil {
		g.fail(w, r, ad, api, err)
		return
	}
	varCtx.Subject = adm.Subject

	if err := g.validate(ctx, ad, ep, body); err != nil {
		g.fail(w, r, ad, api, err)
		return
	}

	grant, err := g.admission.Credits(ctx, api, adm.Subject)
	if err != nil {
		g.fail(w, r, ad, api, err)
		return
	}

	server, err := g.selector.Select(ctx, api, ep, r.Header.Get(router.ClientKeyHeader))
	if err != nil {
		g.fail(w, r, ad, api, err)
		return
	}
	varCtx.UpstreamAddr = server

	call := &adapter.Call{
		API:      api,
		Endpoint: ep,
		Server:   server,
		PathRest: target.Rest,
		Method:   r.Method,
		Header:   adapter.ForwardHeaders(r.Header),
		Query:    r.URL.Query(),
		Body:     body,
	}
	grant.Inject(call.Header)
	g.tracer.Inject(ctx, call.Header)

	dispatchCtx, span := g.tracer.StartSpan(ctx, "upstream dispatch")
	res, err := ad.Dispatch(dispatchCtx, call)
	span.End()
	if err != nil {
		if upstream.IsNetworkFailure(err) {
			grant.Refund()
		}
		g.fail(w, r, ad, api, err)
		return
	}
	if res.NetworkFailure {
		grant.Refund()
	}
	varCtx.UpstreamStatus = res.StatusCode
	varCtx.UpstreamTime = res.UpstreamTime
	varCtx.RetryCount = res.Retries

	// REST and SOAP map upstream shortfalls onto the gateway taxonomy;
	// gRPC results already carry their own status translation.
	if res.GRPCStatus == "" {
		switch {
		case res.StatusCode == http.StatusNotFound:
			g.fail(w, r, ad, api, errors.ErrUpstreamNotFound)
			return
		case res.StatusCode >= 500:
			g.fail(w, r, ad, api, errors.ErrUpstream.WithStatus(res.StatusCode))
			return
		}
	}

	g.respond(w, r, api, res)
	g.finish(r, api, adm.User, res.StatusCode, "")
}

// restOfPath strips the "/api/{protocol}" mount prefix.
func (g *Gateway) restOfPath(r *http.Request, ad adapter.Adapter) string {
	return strings.TrimPrefix(r.URL.Path, "/api/"+ad.Protocol())
}

// serveOptions answers CORS preflights from API policy. It reports
// true when the request was answered here; other OPTIONS requests fall
// through to normal dispatch unless strict mode turns them away.
func (g *Gateway) serveOptions(w http.ResponseWriter, r *http.Request, ad adapter.Adapter, target router.Target) bool {
	api, err := g.lookup.APIByPath(r.Context(), target.Path())
	if err != nil {
		g.fail(w, r, ad, nil, errors.Wrap(errors.ErrInternal, err))
		return true
	}
	if api == nil {
		g.fail(w, r, ad, nil, errors.ErrAPINotFound)
		return true
	}
	if cors.IsPreflight(r) {
		g.cors.HandlePreflight(w, r, api.CORS)
		g.finish(r, api, nil, http.StatusNoContent, "")
		return true
	}
	if g.cfg.Gateway.StrictOptions405 {
		w.WriteHeader(http.StatusMethodNotAllowed)
		g.finish(r, api, nil, http.StatusMethodNotAllowed, "")
		return true
	}
	return false
}

// readBody reads the request body under the global size cap. Oversized
// requests fail before any quota or credit is touched.
func (g *Gateway) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	limit := g.cfg.Gateway.MaxBodySizeBytes
	if limit <= 0 {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, errors.Wrap(errors.ErrInternal, err)
		}
		return body, nil
	}
	if r.ContentLength > limit {
		return nil, errors.ErrBodyTooLarge
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		if _, ok := err.(*http.MaxBytesError); ok {
			return nil, errors.ErrBodyTooLarge
		}
		return nil, errors.Wrap(errors.ErrInternal, err)
	}
	return body, nil
}

func (g *Gateway) validate(ctx context.Context, ad adapter.Adapter, ep *metadata.Endpoint, body []byte) error {
	if ep == nil {
		return nil
	}
	rules, err := g.lookup.Validation(ctx, ep.ID)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, err)
	}
	if rules == nil || !rules.Enabled {
		return nil
	}
	doc, err := ad.Document(body)
	if err != nil {
		return err
	}
	return g.validator.Validate(rules.Schema, doc)
}

// fail renders a gateway error in the adapter's wire shape and records
// the denial.
func (g *Gateway) fail(w http.ResponseWriter, r *http.Request, ad adapter.Adapter, api *metadata.API, err error) {
	varCtx := variables.GetFromRequest(r)

	ge, ok := errors.AsGatewayError(err)
	if !ok {
		logging.Error("unhandled pipeline error",
			zap.String("request_id", varCtx.RequestID),
			zap.Error(err),
		)
		ge = errors.ErrInternal
	}
	ge = ge.WithRequestID(varCtx.RequestID)

	if api != nil {
		g.cors.Apply(w.Header(), r, api.CORS)
	}
	g.writeError(w, ad, ge)

	apiKey := varCtx.APIKey
	g.metrics.ObserveDenial(apiKey, ge.Code)
	g.finish(r, api, nil, ge.Status, ge.Code)
}

// finish emits the per-request metrics and audit event. The access log
// middleware reads the same variables on unwind.
func (g *Gateway) finish(r *http.Request, api *metadata.API, user *metadata.User, status int, errCode string) {
	varCtx := variables.GetFromRequest(r)
	varCtx.Status = status

	apiKey := varCtx.APIKey
	g.metrics.ObserveRequest(apiKey, varCtx.Protocol, status, time.Since(varCtx.StartTime).Seconds(), varCtx.BytesIn, varCtx.BytesOut)

	if user != nil && user.Bandwidth != nil {
		g.admission.AddBandwidth(varCtx.Subject, user.Bandwidth, max(varCtx.BytesIn, 0)+varCtx.BytesOut)
	}

	g.audit.Emit(r.Context(), &audit.Event{
		Timestamp:    time.Now(),
		RequestID:    varCtx.RequestID,
		API:          apiKey,
		EndpointID:   varCtx.EndpointID,
		Protocol:     varCtx.Protocol,
		Method:       r.Method,
		Path:         r.URL.Path,
		ClientIP:     varCtx.ClientIP,
		Subject:      varCtx.Subject,
		Status:       status,
		ErrorCode:    errCode,
		LatencyMS:    varCtx.GatewayTime(),
		BytesIn:      varCtx.BytesIn,
		BytesOut:     varCtx.BytesOut,
		Retries:      varCtx.RetryCount,
		UpstreamAddr: varCtx.UpstreamAddr,
	})
}
