package upstream

import (
	"net"
	"net/http"
	"time"

	"github.com/wudi/tollgate/internal/config"
)

// NewTransport builds the shared pooled transport. Write timeouts fold
// into the overall client deadline; Go's transport has no per-write
// timeout knob.
func NewTransport(cfg config.HTTPClientConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxConnections,
		MaxIdleConnsPerHost:   cfg.MaxKeepalive,
		MaxConnsPerHost:       cfg.MaxConnections,
		IdleConnTimeout:       cfg.KeepaliveExpiry,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     cfg.EnableHTTP2,
	}
}
