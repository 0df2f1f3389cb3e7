package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/wudi/tollgate/internal/adapter"
	"github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/metadata"
	"github.com/wudi/tollgate/internal/variables"
)

// respond writes a normalized upstream result: the allowlist filters
// upstream headers, CORS and timing headers ride on top, and strict
// mode wraps the payload in the response envelope.
func (g *Gateway) respond(w http.ResponseWriter, r *http.Request, api *metadata.API, res *adapter.Result) {
	varCtx := variables.GetFromRequest(r)
	h := w.Header()

	filtered := http.Header{}
	for name, values := range res.Header {
		if api.HeaderAllowed(name) {
			filtered[name] = values
		}
	}
	if !g.cfg.Gateway.StrictResponseEnvelope {
		for name, values := range filtered {
			h[name] = values
		}
	}

	g.cors.Apply(h, r, api.CORS)
	h.Set("X-Gateway-Time", strconv.FormatInt(varCtx.GatewayTime(), 10))
	h.Set("X-Backend-Time", strconv.FormatInt(res.UpstreamTime.Milliseconds(), 10))
	h.Set("X-Retry-Count", strconv.Itoa(res.Retries))
	if res.GRPCStatus != "" {
		h.Set("X-GRPC-Status", res.GRPCStatus)
		h.Set("X-GRPC-Code", strconv.Itoa(res.GRPCCode))
	}

	payload := res.Body
	if g.cfg.Gateway.StrictResponseEnvelope {
		payload = envelope(res.StatusCode, filtered, res.Body)
		h.Set("Content-Type", "application/json")
	}

	w.WriteHeader(res.StatusCode)
	if len(payload) > 0 {
		w.Write(payload)
	}
	varCtx.BytesOut = int64(len(payload))
}

// envelope builds the strict response wrapper. JSON payloads embed
// raw; anything else rides as a string.
func envelope(status int, headers http.Header, body []byte) []byte {
	out, _ := sjson.SetBytes([]byte(`{}`), "status_code", status)
	out, _ = sjson.SetRawBytes(out, "response_headers", headerJSON(headers))
	if len(body) == 0 {
		return out
	}
	if gjson.ValidBytes(body) {
		out, _ = sjson.SetRawBytes(out, "response", body)
	} else {
		out, _ = sjson.SetBytes(out, "response", string(body))
	}
	return out
}

// errorEnvelope wraps a gateway error in the strict shape.
func errorEnvelope(ge *errors.GatewayError) []byte {
	out, _ := sjson.SetBytes([]byte(`{}`), "status_code", ge.Status)
	out, _ = sjson.SetRawBytes(out, "response_headers", []byte(`{}`))
	out, _ = sjson.SetBytes(out, "error_code", ge.Code)
	out, _ = sjson.SetBytes(out, "error_message", ge.Message)
	if ge.RequestID != "" {
		out, _ = sjson.SetBytes(out, "request_id", ge.RequestID)
	}
	return out
}

// headerJSON flattens a header set to a single-value JSON object.
func headerJSON(h http.Header) []byte {
	out := []byte(`{}`)
	for name := range h {
		out, _ = sjson.SetBytes(out, escapeKey(name), h.Get(name))
	}
	return out
}

// escapeKey guards sjson path syntax in header names.
func escapeKey(k string) string {
	if !strings.ContainsAny(k, `.*?\|#@`) {
		return k
	}
	var b strings.Builder
	for i := 0; i < len(k); i++ {
		switch k[i] {
		case '.', '*', '?', '\\', '|', '#', '@':
			b.WriteByte('\\')
		}
		b.WriteByte(k[i])
	}
	return b.String()
}

// writeError renders a gateway error in the protocol's wire shape.
// SOAP always gets a fault; the other protocols get the JSON error
// body, wrapped when the strict envelope is on.
func (g *Gateway) writeError(w http.ResponseWriter, ad adapter.Adapter, ge *errors.GatewayError) {
	if g.cfg.Gateway.StrictResponseEnvelope && ad.Protocol() != "soap" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(ge.Status)
		w.Write(errorEnvelope(ge))
		return
	}
	ad.WriteError(w, ge)
}
