// Package gateway wires the request pipeline: protocol adapters in
// front, admission and validation in the middle, the upstream clients
// behind, with metrics, tracing and audit hanging off the side.
package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wudi/tollgate/internal/adapter"
	"github.com/wudi/tollgate/internal/admission"
	"github.com/wudi/tollgate/internal/audit"
	"github.com/wudi/tollgate/internal/cache"
	"github.com/wudi/tollgate/internal/circuitbreaker"
	"github.com/wudi/tollgate/internal/config"
	"github.com/wudi/tollgate/internal/cors"
	"github.com/wudi/tollgate/internal/logging"
	"github.com/wudi/tollgate/internal/lookup"
	"github.com/wudi/tollgate/internal/metadata"
	"github.com/wudi/tollgate/internal/metrics"
	"github.com/wudi/tollgate/internal/principal"
	"github.com/wudi/tollgate/internal/router"
	"github.com/wudi/tollgate/internal/tracing"
	"github.com/wudi/tollgate/internal/upstream"
	"github.com/wudi/tollgate/internal/validation"
)

// Gateway owns every long-lived component of the data plane.
type Gateway struct {
	cfg *config.Config

	store    metadata.Store
	cache    cache.Store
	lookup   *lookup.Cached
	router   *router.Router
	selector *router.Selector

	admission *admission.Engine
	validator *validation.Validator
	principal *principal.Resolver

	breakers *circuitbreaker.Manager
	grpc     *upstream.GRPCClient
	adapters *adapter.Registry

	cors     *cors.CORS
	tracer   *tracing.Tracer
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	audit    audit.Sink

	startTime time.Time
}

// New builds a gateway from configuration and a metadata store.
func New(cfg *config.Config, store metadata.Store) (*Gateway, error) {
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	var c cache.Store
	if cfg.Cache.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c = cache.NewRedisStore(client, "tollgate")
	} else {
		c = cache.NewMemoryStore(cfg.Cache.MaxEntries)
	}

	lk := lookup.New(store, c, cfg.Cache.DefaultTTL)
	lk.Observe(m.CacheHits.Inc, m.CacheMisses.Inc)

	pr, err := principal.New(cfg.Principal)
	if err != nil {
		return nil, err
	}

	validator, err := validation.New(cfg.Validators)
	if err != nil {
		return nil, err
	}

	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		return nil, err
	}

	sink, err := newAuditSink(cfg.Audit)
	if err != nil {
		return nil, err
	}

	breakers := circuitbreaker.New(cfg.Circuit, m.SetCircuitOpen)
	httpClient := upstream.New(cfg.HTTPClient, breakers, m)
	grpcClient := upstream.NewGRPC(cfg.GRPC, breakers, m)

	return &Gateway{
		cfg:       cfg,
		store:     store,
		cache:     c,
		lookup:    lk,
		router:    router.New(lk),
		selector:  router.NewSelector(store, c),
		admission: admission.New(lk, store, c, pr, cfg.Gateway.PublicRateLimit),
		validator: validator,
		principal: pr,
		breakers:  breakers,
		grpc:      grpcClient,
		adapters: adapter.NewRegistry(
			adapter.NewREST(httpClient),
			adapter.NewSOAP(httpClient),
			adapter.NewGraphQL(httpClient),
			adapter.NewGRPC(grpcClient, cfg.GRPC),
		),
		cors:      cors.New(cfg.Gateway.CORSStrict),
		tracer:    tracer,
		metrics:   m,
		registry:  registry,
		audit:     sink,
		startTime: time.Now(),
	}, nil
}

func newAuditSink(cfg config.AuditConfig) (audit.Sink, error) {
	switch cfg.Sink {
	case "amqp":
		return audit.NewAMQPSink(cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.RoutingKey)
	case "none":
		return audit.NopSink{}, nil
	default:
		return audit.NewLogSink(logging.Global()), nil
	}
}

// Tracer exposes the tracer for the server middleware chain.
func (g *Gateway) Tracer() *tracing.Tracer { return g.tracer }

// Registry exposes the metrics registry for the /metrics route.
func (g *Gateway) Registry() *prometheus.Registry { return g.registry }

// InvalidateMetadata drops cached lookups after the metadata seed is
// swapped out from under the gateway.
func (g *Gateway) InvalidateMetadata() {
	g.lookup.Invalidate()
}

// Close releases upstream connections and flushes the sinks.
func (g *Gateway) Close() error {
	g.grpc.Close()
	err := g.audit.Close()
	if terr := g.tracer.Close(); err == nil {
		err = terr
	}
	return err
}
