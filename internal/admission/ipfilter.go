package admission

import (
	"net"
	"sync"

	"github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/metadata"
)

// netCache compiles CIDR strings once per process. Bare IPs widen to
// host masks. A malformed entry caches as nil and never matches.
type netCache struct {
	mu sync.RWMutex
	m  map[string]*net.IPNet
}

func newNetCache() *netCache {
	return &netCache{m: make(map[string]*net.IPNet)}
}

func (c *netCache) get(cidr string) *net.IPNet {
	c.mu.RLock()
	n, ok := c.m[cidr]
	c.mu.RUnlock()
	if ok {
		return n
	}
	n = parseCIDR(cidr)
	c.mu.Lock()
	c.m[cidr] = n
	c.mu.Unlock()
	return n
}

func parseCIDR(cidr string) *net.IPNet {
	if _, n, err := net.ParseCIDR(cidr); err == nil {
		return n
	}
	ip := net.ParseIP(cidr)
	if ip == nil {
		return nil
	}
	if ip.To4() != nil {
		_, n, _ := net.ParseCIDR(cidr + "/32")
		return n
	}
	_, n, _ := net.ParseCIDR(cidr + "/128")
	return n
}

// checkIPPolicy applies the API's deny list first, then requires a hit
// on the allow list when one exists. An unparseable client IP fails
// closed.
func (e *Engine) checkIPPolicy(pol *metadata.IPPolicy, clientIP string) error {
	if pol == nil || (len(pol.Allow) == 0 && len(pol.Deny) == 0) {
		return nil
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return errors.ErrTargetNotAllowed
	}
	for _, cidr := range pol.Deny {
		if n := e.nets.get(cidr); n != nil && n.Contains(ip) {
			return errors.ErrTargetNotAllowed
		}
	}
	if len(pol.Allow) > 0 {
		for _, cidr := range pol.Allow {
			if n := e.nets.get(cidr); n != nil && n.Contains(ip) {
				return nil
			}
		}
		return errors.ErrTargetNotAllowed
	}
	return nil
}
