package gateway

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wudi/tollgate/internal/config"
	"github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/logging"
	"github.com/wudi/tollgate/internal/middleware"
	"github.com/wudi/tollgate/internal/middleware/compression"
)

// restMethods are the verbs accepted on the REST prefix. The other
// protocols are POST-only. OPTIONS is routed on every prefix so the
// pipeline can answer CORS preflights itself.
var restMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
	http.MethodHead,
	http.MethodOptions,
}

// Server runs the gateway behind a single HTTP listener.
type Server struct {
	gateway *Gateway
	httpSrv *http.Server
	cfg     *config.Config
}

// NewServer mounts the proxy prefixes and the admin surface on an
// httprouter mux and wraps everything in the shared middleware chain.
func NewServer(cfg *config.Config, gw *Gateway) *Server {
	mux := httprouter.New()
	mux.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.ErrAPINotFound.WithRequestID(middleware.GetRequestID(r)).WriteJSON(w)
	})
	mux.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	})

	mount := func(protocol string, methods ...string) {
		h := gw.Handle(protocol)
		for _, m := range methods {
			mux.Handler(m, "/api/"+protocol+"/*target", h)
		}
	}
	mount("rest", restMethods...)
	mount("soap", http.MethodPost, http.MethodOptions)
	mount("graphql", http.MethodPost, http.MethodOptions)
	mount("grpc", http.MethodPost, http.MethodOptions)

	mux.Handler(http.MethodGet, "/api/health", gw.HandleHealth())
	mux.Handler(http.MethodGet, "/api/status", gw.HandleStatus())
	mux.Handler(http.MethodDelete, "/api/caches", gw.HandleCachePurge())

	logSkip := []string{"/api/health"}
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handler(http.MethodGet, path, promhttp.HandlerFor(gw.Registry(), promhttp.HandlerOpts{}))
		logSkip = append(logSkip, path)
	}

	chain := middleware.NewBuilder().
		Use(middleware.RequestID()).
		Use(middleware.AccessLog(logSkip...)).
		Use(middleware.Recovery()).
		UseIf(gw.Tracer().IsEnabled(), gw.Tracer().Middleware()).
		Use(middleware.SecurityHeaders(cfg.Gateway.ContentSecurityPolicy, cfg.Gateway.HTTPSOnly)).
		Use(compression.New(cfg.Compression).Middleware()).
		Build()

	return &Server{
		gateway: gw,
		cfg:     cfg,
		httpSrv: &http.Server{
			Addr:              cfg.Listen.Address,
			Handler:           chain.Then(mux),
			ReadTimeout:       cfg.Listen.ReadTimeout,
			WriteTimeout:      cfg.Listen.WriteTimeout,
			IdleTimeout:       cfg.Listen.IdleTimeout,
			ReadHeaderTimeout: cfg.Listen.ReadHeaderTimeout,
			MaxHeaderBytes:    cfg.Listen.MaxHeaderBytes,
		},
	}
}

// Handler returns the fully wrapped handler. Tests mount it on
// httptest servers instead of binding a port.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Run serves until SIGINT or SIGTERM arrives, then drains within the
// configured shutdown grace.
func (s *Server) Run() error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info("gateway listening", zap.String("address", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logging.Info("shutting down", zap.String("signal", sig.String()))
	}
	return s.Shutdown(s.cfg.Gateway.ShutdownGrace)
}

// Shutdown drains in-flight requests, then closes the gateway's
// long-lived components.
func (s *Server) Shutdown(grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		logging.Error("listener drain error", zap.Error(err))
	}
	if err := s.gateway.Close(); err != nil {
		logging.Error("gateway close error", zap.Error(err))
		return err
	}
	logging.Info("shutdown complete")
	return nil
}
