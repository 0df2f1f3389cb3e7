package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file, then applies environment
// variable overrides. Envs are canonical: they win over file values.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // keep original when env var not set
	})
}

// validate checks configuration for errors.
func (l *Loader) validate(cfg *Config) error {
	if cfg.Listen.Address == "" {
		return fmt.Errorf("listen.address is required")
	}

	switch cfg.Cache.Backend {
	case "", "memory":
	case "redis":
		if cfg.Redis.Address == "" {
			return fmt.Errorf("cache.backend is redis but redis.address is empty")
		}
	default:
		return fmt.Errorf("invalid cache backend: %s", cfg.Cache.Backend)
	}

	switch cfg.Audit.Sink {
	case "", "log":
	case "amqp":
		if cfg.Audit.AMQP.URL == "" {
			return fmt.Errorf("audit.sink is amqp but audit.amqp.url is empty")
		}
	default:
		return fmt.Errorf("invalid audit sink: %s", cfg.Audit.Sink)
	}

	if cfg.Gateway.MaxBodySizeBytes <= 0 {
		return fmt.Errorf("gateway.max_body_size_bytes must be positive")
	}
	if cfg.Circuit.FailureThreshold <= 0 {
		return fmt.Errorf("circuit.failure_threshold must be positive")
	}
	if cfg.Circuit.OpenDuration <= 0 {
		return fmt.Errorf("circuit.open_duration must be positive")
	}
	if q := cfg.Gateway.PublicRateLimit; q != nil {
		if q.Count <= 0 {
			return fmt.Errorf("gateway.public_rate_limit.count must be positive")
		}
		if !validWindow(q.Window) {
			return fmt.Errorf("gateway.public_rate_limit.window %q is not one of sec/min/hour/day", q.Window)
		}
	}

	names := make(map[string]bool, len(cfg.Validators))
	for i, v := range cfg.Validators {
		if v.Name == "" {
			return fmt.Errorf("validators[%d]: name is required", i)
		}
		if names[v.Name] {
			return fmt.Errorf("duplicate validator name: %s", v.Name)
		}
		names[v.Name] = true

		set := 0
		for _, s := range []string{v.Expression, v.Schema, v.SchemaFile} {
			if s != "" {
				set++
			}
		}
		if set != 1 {
			return fmt.Errorf("validator %s: exactly one of expression, schema, schema_file must be set", v.Name)
		}
	}

	return nil
}

// validWindow accepts the window labels recognized by the counters,
// tolerating plural forms ("secs", "minutes").
func validWindow(label string) bool {
	switch strings.TrimSuffix(strings.ToLower(label), "s") {
	case "sec", "second", "min", "minute", "hour", "day":
		return true
	}
	return false
}
