package config

import (
	"time"
)

// Config is the root gateway configuration. Values come from the YAML
// file first; recognized environment variables override after load.
type Config struct {
	Listen      ListenConfig      `yaml:"listen"`
	Logging     LoggingConfig     `yaml:"logging"`
	HTTPClient  HTTPClientConfig  `yaml:"http_client"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Circuit     CircuitConfig     `yaml:"circuit"`
	GRPC        GRPCConfig        `yaml:"grpc"`
	Cache       CacheConfig       `yaml:"cache"`
	Redis       RedisConfig       `yaml:"redis"`
	Principal   PrincipalConfig   `yaml:"principal"`
	Metadata    MetadataConfig    `yaml:"metadata"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Audit       AuditConfig       `yaml:"audit"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Compression CompressionConfig `yaml:"compression"`
	Validators  []ValidatorConfig `yaml:"validators"`
}

// ListenConfig defines the public HTTP listener.
type ListenConfig struct {
	Address           string        `yaml:"address"` // default ":8080"
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	Format   string            `yaml:"format"` // json or console
	Output   string            `yaml:"output"` // stdout, stderr, or file path
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files
}

// HTTPClientConfig sizes the shared pooled upstream client.
type HTTPClientConfig struct {
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`  // HTTP_CONNECT_TIMEOUT, default 5s
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // HTTP_READ_TIMEOUT, default 30s
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // HTTP_WRITE_TIMEOUT, default 30s
	Timeout         time.Duration `yaml:"timeout"`          // HTTP_TIMEOUT, default 30s
	MaxConnections  int           `yaml:"max_connections"`  // HTTP_MAX_CONNECTIONS, default 100
	MaxKeepalive    int           `yaml:"max_keepalive"`    // HTTP_MAX_KEEPALIVE, default 50
	KeepaliveExpiry time.Duration `yaml:"keepalive_expiry"` // HTTP_KEEPALIVE_EXPIRY, default 30s
	EnableHTTP2     bool          `yaml:"enable_http2"`     // HTTP_ENABLE_HTTP2, default false
}

// GatewayConfig holds pipeline-wide behavior switches.
type GatewayConfig struct {
	MaxBodySizeBytes       int64         `yaml:"max_body_size_bytes"`      // MAX_BODY_SIZE_BYTES, default 10 MiB
	StrictResponseEnvelope bool          `yaml:"strict_response_envelope"` // STRICT_RESPONSE_ENVELOPE
	StrictOptions405       bool          `yaml:"strict_options_405"`       // STRICT_OPTIONS_405
	CORSStrict             bool          `yaml:"cors_strict"`              // CORS_STRICT
	HTTPSOnly              bool          `yaml:"https_only"`               // HTTPS_ONLY (adds HSTS)
	ContentSecurityPolicy  string        `yaml:"content_security_policy"`  // CONTENT_SECURITY_POLICY
	ShutdownGrace          time.Duration `yaml:"shutdown_grace"`           // SHUTDOWN_GRACE, default 30s

	// PublicRateLimit applies a per-client-IP quota to public APIs
	// when set. Authenticated traffic uses per-user limits instead.
	PublicRateLimit *QuotaConfig `yaml:"public_rate_limit"`
}

// QuotaConfig is a fixed-window quota: Count requests per Window.
type QuotaConfig struct {
	Count  int64  `yaml:"count"`
	Window string `yaml:"window"` // sec, min, hour, day
}

// CircuitConfig tunes the per-API circuit breaker.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"` // CIRCUIT_FAILURE_THRESHOLD, default 5
	OpenDuration     time.Duration `yaml:"open_duration"`     // CIRCUIT_OPEN_DURATION_MS, default 30s
}

// GRPCConfig tunes the gRPC upstream client.
type GRPCConfig struct {
	MaxRetries   int           `yaml:"max_retries"`    // GRPC_MAX_RETRIES, default 0
	RetryBase    time.Duration `yaml:"retry_base"`     // GRPC_RETRY_BASE_MS, default 100ms
	RetryMax     time.Duration `yaml:"retry_max"`      // GRPC_RETRY_MAX_MS, default 1s
	TLS          GRPCTLSConfig `yaml:"tls"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`  // default 5s
	MaxStreamDur time.Duration `yaml:"max_stream_ms"` // cap for streaming calls, default HTTP timeout
}

// GRPCTLSConfig configures grpcs:// targets. grpcs fails closed when
// Enabled is false.
type GRPCTLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CAFile             string `yaml:"ca_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// CacheConfig selects and sizes the cache backend.
type CacheConfig struct {
	Backend    string        `yaml:"backend"` // memory or redis
	MaxEntries int           `yaml:"max_entries"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// RedisConfig connects the redis cache/counter backend.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PrincipalConfig configures credential verification.
type PrincipalConfig struct {
	JWT      JWTConfig     `yaml:"jwt"`
	Tokens   []StaticToken `yaml:"tokens"`
	Users    []BasicUser   `yaml:"users"`
	CacheTTL time.Duration `yaml:"cache_ttl"` // verified-principal cache, default 30s
}

// JWTConfig verifies bearer tokens with a shared secret or a JWKS URL.
type JWTConfig struct {
	Secret          string        `yaml:"secret"` // also JWT_SECRET env
	JWKSURL         string        `yaml:"jwks_url"`
	Issuer          string        `yaml:"issuer"`
	Audience        []string      `yaml:"audience"`
	RefreshInterval time.Duration `yaml:"refresh_interval"` // JWKS refresh, default 1h
}

// StaticToken maps an opaque bearer token to a username.
type StaticToken struct {
	Token    string `yaml:"token"`
	Username string `yaml:"username"`
}

// BasicUser verifies HTTP Basic credentials against a bcrypt hash.
type BasicUser struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// MetadataConfig points at the YAML seed consumed by the bundled
// file-backed metadata store.
type MetadataConfig struct {
	SeedPath string `yaml:"seed_path"`
	Watch    bool   `yaml:"watch"` // reload on file change
}

// MetricsConfig exposes Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // default /metrics
}

// AuditConfig selects the audit event sink.
type AuditConfig struct {
	Sink string     `yaml:"sink"` // log (default) or amqp
	AMQP AMQPConfig `yaml:"amqp"`
}

// AMQPConfig publishes audit events to an exchange, fire-and-forget.
type AMQPConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// TracingConfig enables OpenTelemetry tracing via OTLP/gRPC.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	ServiceName string            `yaml:"service_name"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	SampleRate  float64           `yaml:"sample_rate"`
	Headers     map[string]string `yaml:"headers"`
}

// CompressionConfig enables response compression on the public listener.
type CompressionConfig struct {
	Enabled bool     `yaml:"enabled"`
	Level   int      `yaml:"level"`    // gzip level, default 5
	MinSize int      `yaml:"min_size"` // bytes, default 1024
	Types   []string `yaml:"types"`    // content-type prefixes; default text/, application/json, application/xml
}

// ValidatorConfig registers a named custom validator at startup.
// Exactly one of Expression / Schema / SchemaFile must be set.
type ValidatorConfig struct {
	Name       string `yaml:"name"`
	Expression string `yaml:"expression"`  // expr program over {Value, Field}
	Schema     string `yaml:"schema"`      // inline JSON Schema document
	SchemaFile string `yaml:"schema_file"` // path to a JSON Schema document
}

// DefaultConfig returns a Config with every default from the
// configuration table applied.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Address:           ":8080",
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		HTTPClient: HTTPClientConfig{
			ConnectTimeout:  5 * time.Second,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			Timeout:         30 * time.Second,
			MaxConnections:  100,
			MaxKeepalive:    50,
			KeepaliveExpiry: 30 * time.Second,
		},
		Gateway: GatewayConfig{
			MaxBodySizeBytes:      10 * 1024 * 1024,
			ContentSecurityPolicy: "default-src 'none'; connect-src 'self'",
			ShutdownGrace:         30 * time.Second,
		},
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			OpenDuration:     30 * time.Second,
		},
		GRPC: GRPCConfig{
			RetryBase:   100 * time.Millisecond,
			RetryMax:    time.Second,
			DialTimeout: 5 * time.Second,
		},
		Cache: CacheConfig{
			Backend:    "memory",
			MaxEntries: 10000,
			DefaultTTL: 5 * time.Minute,
		},
		Principal: PrincipalConfig{
			CacheTTL: 30 * time.Second,
			JWT: JWTConfig{
				RefreshInterval: time.Hour,
			},
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
		Audit: AuditConfig{
			Sink: "log",
		},
		Compression: CompressionConfig{
			Level:   5,
			MinSize: 1024,
		},
	}
}
