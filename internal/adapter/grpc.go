package adapter

import (
	"context"
	"encoding/json"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/wudi/tollgate/internal/config"
	"github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/metadata"
	"github.com/wudi/tollgate/internal/upstream"
	"github.com/wudi/tollgate/internal/validation"
)

// grpcRequest is the JSON body of a gRPC proxy call.
type grpcRequest struct {
	Method     string            `json:"method"`
	Message    json.RawMessage   `json:"message"`
	Package    string            `json:"package"`
	Stream     string            `json:"stream"`
	Messages   []json.RawMessage `json:"messages"`
	MaxItems   int               `json:"max_items"`
	Idempotent bool              `json:"idempotent"`
	Metadata   map[string]string `json:"metadata"`
}

// grpcFault is the body returned when the upstream call ends non-OK.
type grpcFault struct {
	GRPCStatus   string `json:"grpc_status"`
	GRPCCode     int    `json:"grpc_code"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// GRPC translates JSON envelopes into dynamic gRPC calls.
type GRPC struct {
	client *upstream.GRPCClient
	cfg    config.GRPCConfig
}

// NewGRPC creates the gRPC adapter.
func NewGRPC(client *upstream.GRPCClient, cfg config.GRPCConfig) *GRPC {
	return &GRPC{client: client, cfg: cfg}
}

func (a *GRPC) Protocol() string                 { return "grpc" }
func (a *GRPC) Type() metadata.APIType           { return metadata.TypeGRPC }
func (a *GRPC) CheckRequest(*http.Request) error { return nil }

// Document validates the whole JSON envelope, so schema paths address
// the call shape ("method") as well as the payload ("message.field").
func (a *GRPC) Document(body []byte) (interface{}, error) {
	return validation.JSONDocument(body)
}

func (a *GRPC) Dispatch(ctx context.Context, call *Call) (*Result, error) {
	req, err := a.parse(call.Body)
	if err != nil {
		return nil, err
	}

	service, method, err := upstream.ParseMethod(req.Method)
	if err != nil {
		return nil, err
	}

	pkg := req.Package
	if pkg == "" && call.API.GRPC != nil {
		pkg = call.API.GRPC.Package
	}
	if err := upstream.CheckTarget(call.API.GRPC, pkg, service, method); err != nil {
		return nil, err
	}
	fullService := service
	if pkg != "" {
		fullService = pkg + "." + service
	}

	retries := call.API.RetryCount
	if retries <= 0 {
		retries = a.cfg.MaxRetries
	}

	resp, err := a.client.Invoke(ctx, upstream.GRPCCall{
		Target:     call.Server,
		Service:    fullService,
		Method:     method,
		Message:    req.Message,
		Messages:   req.Messages,
		Stream:     req.Stream,
		MaxItems:   req.MaxItems,
		Idempotent: req.Idempotent,
		Metadata:   req.Metadata,
		Retries:    retries,
		APIKey:     call.API.Key(),
	})
	if err != nil {
		return nil, err
	}

	result := &Result{
		StatusCode:     resp.HTTPStatus,
		Header:         http.Header{"Content-Type": []string{"application/json"}},
		Retries:        resp.Retries,
		UpstreamTime:   resp.Duration,
		GRPCStatus:     GRPCStatusName(resp.Code),
		GRPCCode:       int(resp.Code),
		NetworkFailure: resp.NetworkFailure(),
	}
	if resp.Code == codes.OK {
		result.Body = resp.Body
		return result, nil
	}
	result.Body, _ = json.Marshal(grpcFault{
		GRPCStatus:   result.GRPCStatus,
		GRPCCode:     result.GRPCCode,
		ErrorMessage: resp.Message,
	})
	return result, nil
}

func (a *GRPC) parse(body []byte) (*grpcRequest, error) {
	if len(body) == 0 {
		return nil, errors.ErrValidation.WithDetails("request body is required")
	}
	var req grpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errors.ErrValidation.WithDetails("request body is not valid JSON")
	}
	if req.Method == "" {
		return nil, errors.ErrValidation.WithDetails("method is required")
	}
	return &req, nil
}

func (a *GRPC) WriteError(w http.ResponseWriter, err *errors.GatewayError) {
	err.WriteJSON(w)
}

// GRPCStatusName returns the canonical wire name of a status code.
func GRPCStatusName(code codes.Code) string {
	switch code {
	case codes.OK:
		return "OK"
	case codes.Canceled:
		return "CANCELLED"
	case codes.Unknown:
		return "UNKNOWN"
	case codes.InvalidArgument:
		return "INVALID_ARGUMENT"
	case codes.DeadlineExceeded:
		return "DEADLINE_EXCEEDED"
	case codes.NotFound:
		return "NOT_FOUND"
	case codes.AlreadyExists:
		return "ALREADY_EXISTS"
	case codes.PermissionDenied:
		return "PERMISSION_DENIED"
	case codes.ResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case codes.FailedPrecondition:
		return "FAILED_PRECONDITION"
	case codes.Aborted:
		return "ABORTED"
	case codes.OutOfRange:
		return "OUT_OF_RANGE"
	case codes.Unimplemented:
		return "UNIMPLEMENTED"
	case codes.Internal:
		return "INTERNAL"
	case codes.Unavailable:
		return "UNAVAILABLE"
	case codes.DataLoss:
		return "DATA_LOSS"
	case codes.Unauthenticated:
		return "UNAUTHENTICATED"
	default:
		return "UNKNOWN"
	}
}
