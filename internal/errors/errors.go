package errors

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
)

// GatewayError is an error with a stable wire code that can be returned
// to clients. Code is the taxonomy identifier (GTW001, RL429, ...);
// Status is the HTTP status it maps to.
type GatewayError struct {
	Code       string `json:"error_code"`
	Status     int    `json:"-"`
	Message    string `json:"error_message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.underlying)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// Base singletons (no details/request id) use pre-serialized bodies.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// WriteSOAPFault writes the error as a SOAP 1.1 Fault envelope.
// 4xx map to a Client faultcode, everything else to Server.
func (e *GatewayError) WriteSOAPFault(w http.ResponseWriter) {
	side := "Server"
	if e.Status >= 400 && e.Status < 500 {
		side = "Client"
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString(`<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body><soap:Fault>`)
	buf.WriteString(`<faultcode>soap:` + side + `</faultcode>`)
	buf.WriteString(`<faultstring>`)
	xml.EscapeText(&buf, []byte(e.Message))
	buf.WriteString(`</faultstring><detail><errorCode>`)
	xml.EscapeText(&buf, []byte(e.Code))
	buf.WriteString(`</errorCode>`)
	if e.Details != "" {
		buf.WriteString(`<errorDetails>`)
		xml.EscapeText(&buf, []byte(e.Details))
		buf.WriteString(`</errorDetails>`)
	}
	if e.RequestID != "" {
		buf.WriteString(`<requestId>`)
		xml.EscapeText(&buf, []byte(e.RequestID))
		buf.WriteString(`</requestId>`)
	}
	buf.WriteString(`</detail></soap:Fault></soap:Body></soap:Envelope>`)

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(e.Status)
	w.Write(buf.Bytes())
}

// Gateway error taxonomy. Singletons carry the wire code, HTTP status
// and default message; use WithDetails / WithRequestID for copies.
var (
	ErrAPINotFound = &GatewayError{
		Code:    "GTW001",
		Status:  http.StatusNotFound,
		Message: "API not found",
	}

	ErrNoEndpoints = &GatewayError{
		Code:    "GTW002",
		Status:  http.StatusNotFound,
		Message: "API has no endpoints",
	}

	ErrEndpointNotFound = &GatewayError{
		Code:    "GTW003",
		Status:  http.StatusNotFound,
		Message: "Endpoint not registered",
	}

	ErrUpstreamNotFound = &GatewayError{
		Code:    "GTW005",
		Status:  http.StatusNotFound,
		Message: "Upstream returned 404",
	}

	ErrUpstream = &GatewayError{
		Code:    "GTW006",
		Status:  http.StatusBadGateway,
		Message: "Unexpected upstream error",
	}

	ErrCreditsExhausted = &GatewayError{
		Code:    "GTW008",
		Status:  http.StatusUnauthorized,
		Message: "Credits exhausted",
	}

	ErrUpstreamTimeout = &GatewayError{
		Code:    "GTW010",
		Status:  http.StatusGatewayTimeout,
		Message: "Upstream timeout",
	}

	ErrValidation = &GatewayError{
		Code:    "GTW011",
		Status:  http.StatusBadRequest,
		Message: "Request validation failure",
	}

	ErrAPIDisabled = &GatewayError{
		Code:    "GTW012",
		Status:  http.StatusForbidden,
		Message: "API disabled",
	}

	ErrTargetNotAllowed = &GatewayError{
		Code:    "GTW013",
		Status:  http.StatusForbidden,
		Message: "Target not allowed",
	}

	ErrRoleNotAllowed = &GatewayError{
		Code:    "GTW014",
		Status:  http.StatusForbidden,
		Message: "Role not allowed",
	}

	ErrCircuitOpen = &GatewayError{
		Code:    "GTW999",
		Status:  http.StatusServiceUnavailable,
		Message: "Circuit open",
	}

	ErrInternal = &GatewayError{
		Code:    "GTW999",
		Status:  http.StatusInternalServerError,
		Message: "Internal gateway error",
	}

	ErrBodyTooLarge = &GatewayError{
		Code:    "REQ001",
		Status:  http.StatusRequestEntityTooLarge,
		Message: "Body size exceeds limit",
	}

	ErrSubscriptionRequired = &GatewayError{
		Code:    "SUB_REQ",
		Status:  http.StatusForbidden,
		Message: "No subscription for this API",
	}

	ErrGroupNotAllowed = &GatewayError{
		Code:    "GRP_REQ",
		Status:  http.StatusForbidden,
		Message: "Group not allowed",
	}

	ErrGroupUnresolved = &GatewayError{
		Code:    "GRP_REQ",
		Status:  http.StatusUnauthorized,
		Message: "Group membership could not be resolved",
	}

	ErrRateLimited = &GatewayError{
		Code:    "RL429",
		Status:  http.StatusTooManyRequests,
		Message: "Rate limit exceeded",
	}

	ErrAuthRequired = &GatewayError{
		Code:    "AUTH401",
		Status:  http.StatusUnauthorized,
		Message: "Authentication required",
	}

	ErrAuthInvalid = &GatewayError{
		Code:    "AUTH401",
		Status:  http.StatusUnauthorized,
		Message: "Invalid credential",
	}

	ErrPermissionDenied = &GatewayError{
		Code:    "AUTHZ001",
		Status:  http.StatusForbidden,
		Message: "Insufficient role permission",
	}
)

// preSerialized holds JSON-encoded bodies for the base singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrAPINotFound, ErrNoEndpoints, ErrEndpointNotFound,
		ErrUpstreamNotFound, ErrUpstream, ErrCreditsExhausted,
		ErrUpstreamTimeout, ErrValidation, ErrAPIDisabled,
		ErrTargetNotAllowed, ErrRoleNotAllowed, ErrCircuitOpen,
		ErrInternal, ErrBodyTooLarge, ErrSubscriptionRequired,
		ErrGroupNotAllowed, ErrGroupUnresolved, ErrRateLimited,
		ErrAuthRequired, ErrAuthInvalid, ErrPermissionDenied,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a GatewayError with an explicit code, status and message.
func New(code string, status int, message string) *GatewayError {
	return &GatewayError{
		Code:    code,
		Status:  status,
		Message: message,
	}
}

// Wrap attaches an underlying error to a copy of base.
func Wrap(base *GatewayError, err error) *GatewayError {
	return &GatewayError{
		Code:       base.Code,
		Status:     base.Status,
		Message:    base.Message,
		Details:    base.Details,
		RequestID:  base.RequestID,
		underlying: err,
	}
}

// WithDetails returns a copy with details set.
func (e *GatewayError) WithDetails(details string) *GatewayError {
	return &GatewayError{
		Code:       e.Code,
		Status:     e.Status,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithRequestID returns a copy with the request id set.
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	return &GatewayError{
		Code:       e.Code,
		Status:     e.Status,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// WithStatus returns a copy with a different HTTP status. Used for
// codes that span a status range, like GTW006 on arbitrary 5xx.
func (e *GatewayError) WithStatus(status int) *GatewayError {
	return &GatewayError{
		Code:       e.Code,
		Status:     status,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// AsGatewayError extracts a *GatewayError from err if it is one.
func AsGatewayError(err error) (*GatewayError, bool) {
	if ge, ok := err.(*GatewayError); ok {
		return ge, true
	}
	return nil, false
}
