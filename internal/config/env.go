package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnv overrides cfg fields from the recognized environment
// variables. Duration variables accept Go duration strings ("5s",
// "250ms") or bare seconds ("5", "5.0").
func ApplyEnv(cfg *Config) error {
	var err error

	setDuration := func(name string, dst *time.Duration) {
		if err != nil {
			return
		}
		if raw, ok := os.LookupEnv(name); ok {
			d, perr := parseDurationSeconds(raw)
			if perr != nil {
				err = fmt.Errorf("%s: %w", name, perr)
				return
			}
			*dst = d
		}
	}
	setInt := func(name string, dst *int) {
		if err != nil {
			return
		}
		if raw, ok := os.LookupEnv(name); ok {
			n, perr := strconv.Atoi(raw)
			if perr != nil {
				err = fmt.Errorf("%s: %w", name, perr)
				return
			}
			*dst = n
		}
	}
	setInt64 := func(name string, dst *int64) {
		if err != nil {
			return
		}
		if raw, ok := os.LookupEnv(name); ok {
			n, perr := strconv.ParseInt(raw, 10, 64)
			if perr != nil {
				err = fmt.Errorf("%s: %w", name, perr)
				return
			}
			*dst = n
		}
	}
	setBool := func(name string, dst *bool) {
		if err != nil {
			return
		}
		if raw, ok := os.LookupEnv(name); ok {
			b, perr := parseBool(raw)
			if perr != nil {
				err = fmt.Errorf("%s: %w", name, perr)
				return
			}
			*dst = b
		}
	}
	setMillis := func(name string, dst *time.Duration) {
		if err != nil {
			return
		}
		if raw, ok := os.LookupEnv(name); ok {
			n, perr := strconv.ParseInt(raw, 10, 64)
			if perr != nil {
				err = fmt.Errorf("%s: %w", name, perr)
				return
			}
			*dst = time.Duration(n) * time.Millisecond
		}
	}
	setString := func(name string, dst *string) {
		if raw, ok := os.LookupEnv(name); ok {
			*dst = raw
		}
	}

	setDuration("HTTP_CONNECT_TIMEOUT", &cfg.HTTPClient.ConnectTimeout)
	setDuration("HTTP_READ_TIMEOUT", &cfg.HTTPClient.ReadTimeout)
	setDuration("HTTP_WRITE_TIMEOUT", &cfg.HTTPClient.WriteTimeout)
	setDuration("HTTP_TIMEOUT", &cfg.HTTPClient.Timeout)
	setInt("HTTP_MAX_CONNECTIONS", &cfg.HTTPClient.MaxConnections)
	setInt("HTTP_MAX_KEEPALIVE", &cfg.HTTPClient.MaxKeepalive)
	setDuration("HTTP_KEEPALIVE_EXPIRY", &cfg.HTTPClient.KeepaliveExpiry)
	setBool("HTTP_ENABLE_HTTP2", &cfg.HTTPClient.EnableHTTP2)

	setInt64("MAX_BODY_SIZE_BYTES", &cfg.Gateway.MaxBodySizeBytes)
	setBool("STRICT_RESPONSE_ENVELOPE", &cfg.Gateway.StrictResponseEnvelope)
	setBool("STRICT_OPTIONS_405", &cfg.Gateway.StrictOptions405)
	setBool("CORS_STRICT", &cfg.Gateway.CORSStrict)
	setBool("HTTPS_ONLY", &cfg.Gateway.HTTPSOnly)
	setString("CONTENT_SECURITY_POLICY", &cfg.Gateway.ContentSecurityPolicy)
	setDuration("SHUTDOWN_GRACE", &cfg.Gateway.ShutdownGrace)

	setInt("GRPC_MAX_RETRIES", &cfg.GRPC.MaxRetries)
	setMillis("GRPC_RETRY_BASE_MS", &cfg.GRPC.RetryBase)
	setMillis("GRPC_RETRY_MAX_MS", &cfg.GRPC.RetryMax)

	setInt("CIRCUIT_FAILURE_THRESHOLD", &cfg.Circuit.FailureThreshold)
	setMillis("CIRCUIT_OPEN_DURATION_MS", &cfg.Circuit.OpenDuration)

	setString("JWT_SECRET", &cfg.Principal.JWT.Secret)
	setString("REDIS_ADDRESS", &cfg.Redis.Address)

	return err
}

// parseDurationSeconds parses "30s"-style duration strings and bare
// second counts like "5" or "5.0".
func parseDurationSeconds(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return time.Duration(f * float64(time.Second)), nil
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "t", "true", "yes", "on":
		return true, nil
	case "0", "f", "false", "no", "off", "":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", raw)
}
