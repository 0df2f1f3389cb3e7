// Package circuitbreaker guards upstream dispatch per API. A breaker
// opens after a run of consecutive failures, fails fast while open,
// and lets a single probe through once the open window elapses.
package circuitbreaker

import (
	"sync"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/wudi/tollgate/internal/config"
	"github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/logging"
)

// BreakerState is one breaker's view for the status endpoint.
type BreakerState struct {
	Key                 string `json:"key"`
	State               string `json:"state"`
	Requests            uint32 `json:"requests"`
	TotalSuccesses      uint32 `json:"total_successes"`
	TotalFailures       uint32 `json:"total_failures"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

// Manager lazily creates one breaker per API key. All breakers share
// the gateway-wide threshold and open duration.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker[interface{}]
	cfg      config.CircuitConfig
	onChange func(key string, open bool)
}

// New creates a manager. onChange, when non-nil, is invoked on every
// state transition with whether the breaker is now open.
func New(cfg config.CircuitConfig, onChange func(key string, open bool)) *Manager {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = config.DefaultConfig().Circuit.OpenDuration
	}
	return &Manager{
		breakers: make(map[string]*gobreaker.CircuitBreaker[interface{}]),
		cfg:      cfg,
		onChange: onChange,
	}
}

func (m *Manager) breaker(key string) *gobreaker.CircuitBreaker[interface{}] {
	m.mu.RLock()
	cb, ok := m.breakers[key]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[key]; ok {
		return cb
	}

	threshold := uint32(m.cfg.FailureThreshold)
	cb = gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        key,
		MaxRequests: 1, // one probe while half-open
		Timeout:     m.cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("circuit state change",
				zap.String("api", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if m.onChange != nil {
				m.onChange(name, to == gobreaker.StateOpen)
			}
		},
	})
	m.breakers[key] = cb
	return cb
}

// Do runs fn under the key's breaker. Requests rejected by an open or
// saturated half-open breaker return ErrCircuitOpen without running fn.
func (m *Manager) Do(key string, fn func() (interface{}, error)) (interface{}, error) {
	result, err := m.breaker(key).Execute(fn)
	switch err {
	case gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests:
		return nil, errors.ErrCircuitOpen
	}
	return result, err
}

// State reports the key's current state without creating a breaker.
func (m *Manager) State(key string) string {
	m.mu.RLock()
	cb, ok := m.breakers[key]
	m.mu.RUnlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}

// Snapshot lists all live breakers for the status endpoint.
func (m *Manager) Snapshot() []BreakerState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]BreakerState, 0, len(m.breakers))
	for key, cb := range m.breakers {
		counts := cb.Counts()
		out = append(out, BreakerState{
			Key:                 key,
			State:               cb.State().String(),
			Requests:            counts.Requests,
			TotalSuccesses:      counts.TotalSuccesses,
			TotalFailures:       counts.TotalFailures,
			ConsecutiveFailures: counts.ConsecutiveFailures,
		})
	}
	return out
}

// Reset discards the key's breaker; the next request starts closed.
func (m *Manager) Reset(key string) {
	m.mu.Lock()
	delete(m.breakers, key)
	m.mu.Unlock()
	if m.onChange != nil {
		m.onChange(key, false)
	}
}

// ResetAll discards every breaker.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	keys := make([]string, 0, len(m.breakers))
	for key := range m.breakers {
		keys = append(keys, key)
	}
	m.breakers = make(map[string]*gobreaker.CircuitBreaker[interface{}])
	m.mu.Unlock()
	if m.onChange != nil {
		for _, key := range keys {
			m.onChange(key, false)
		}
	}
}
