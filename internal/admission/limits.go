package admission

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wudi/tollgate/internal/cache"
	"github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/metadata"
)

// rollback collects limiter increments to undo when a later limiter
// denies. It never runs for failures past the limiter stage: those
// requests were admitted by every limiter, so their slots stay spent.
type rollback struct {
	undo []func()
}

func (rb *rollback) add(f func()) { rb.undo = append(rb.undo, f) }

func (rb *rollback) run() {
	for i := len(rb.undo) - 1; i >= 0; i-- {
		rb.undo[i]()
	}
	rb.undo = nil
}

// checkRate admits one request against a fixed-window counter. The
// slot is consumed atomically; a deny consumes nothing.
func (e *Engine) checkRate(subject string, q *metadata.RateLimit, rb *rollback) error {
	if q == nil || q.Count <= 0 {
		return nil
	}
	window := metadata.WindowDuration(q.Window)
	if window <= 0 {
		return nil
	}
	bucket := cache.WindowBucket(time.Now(), window)
	key := cache.KeyRate(subject, bucket)
	allowed, _ := e.counters.IncrementIfBelow(key, q.Count, window)
	if !allowed {
		return errors.ErrRateLimited
	}
	rb.add(func() { e.counters.IncrBy(key, -1, window) })
	return nil
}

// checkThrottle admits through the burst bucket. Occupancy up to Count
// proceeds immediately; up to Count+QueueLimit the request is queued
// and sleeps until the window rolls over, bounded by the configured
// wait; beyond that the queue is full.
func (e *Engine) checkThrottle(ctx context.Context, subject string, t *metadata.Throttle, rb *rollback) error {
	if t == nil || t.Count <= 0 {
		return nil
	}
	window := metadata.WindowDuration(t.Window)
	if window <= 0 {
		return nil
	}
	bucket := cache.WindowBucket(time.Now(), window)
	key := cache.KeyThrottle(subject, bucket)
	allowed, occupancy := e.counters.IncrementIfBelow(key, t.Count+int64(t.QueueLimit), window)
	if !allowed {
		return errors.ErrRateLimited
	}
	rb.add(func() { e.counters.IncrBy(key, -1, window) })
	if occupancy <= t.Count {
		return nil
	}

	maxWait := t.MaxWait()
	if maxWait <= 0 {
		return nil
	}
	next := time.Unix((bucket+1)*int64(window/time.Second), 0)
	wait := time.Until(next)
	if wait > maxWait {
		wait = maxWait
	}
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errors.ErrRateLimited
	}
}

// tierQuota picks the strictest finite window from the tier limits,
// comparing by requests-per-second equivalents.
func tierQuota(l metadata.TierLimits) (int64, time.Duration) {
	var (
		limit    int64
		window   time.Duration
		bestRate = math.MaxFloat64
	)
	for _, c := range []struct {
		limit  int64
		window time.Duration
	}{
		{l.RPS, time.Second},
		{l.RPM, time.Minute},
		{l.RPH, time.Hour},
		{l.RPD, 24 * time.Hour},
	} {
		if c.limit <= 0 {
			continue
		}
		r := float64(c.limit) / c.window.Seconds()
		if r < bestRate {
			bestRate, limit, window = r, c.limit, c.window
		}
	}
	return limit, window
}

// checkTier enforces the effective tier: an optional in-process pacing
// wait (when the tier throttles) followed by the windowed quota.
func (e *Engine) checkTier(ctx context.Context, subject string, tier *metadata.Tier, rb *rollback) error {
	if tier == nil {
		return nil
	}
	limit, window := tierQuota(tier.Limits)
	if limit <= 0 {
		return nil
	}
	if tier.Limits.Throttling && tier.Limits.MaxQueueMS > 0 {
		maxQueue := time.Duration(tier.Limits.MaxQueueMS) * time.Millisecond
		if err := e.pacers.wait(ctx, subject, limit, window, maxQueue); err != nil {
			return err
		}
	}
	bucket := cache.WindowBucket(time.Now(), window)
	key := cache.KeyRate(subject+":tier", bucket)
	allowed, _ := e.counters.IncrementIfBelow(key, limit, window)
	if !allowed {
		return errors.ErrRateLimited
	}
	rb.add(func() { e.counters.IncrBy(key, -1, window) })
	return nil
}

// checkBandwidth rejects a request whose declared size would overflow
// the user's byte budget for the current window. Consumption is only
// recorded after the response, via AddBandwidth.
func (e *Engine) checkBandwidth(subject string, b *metadata.Bandwidth, contentLength int64) error {
	if b == nil || !b.Enabled || b.LimitBytes <= 0 {
		return nil
	}
	window := metadata.WindowDuration(b.Window)
	if window <= 0 {
		return nil
	}
	if contentLength < 0 {
		contentLength = 0
	}
	bucket := cache.WindowBucket(time.Now(), window)
	used := e.counters.Counter(cache.KeyBandwidth(subject, bucket))
	if used+contentLength > b.LimitBytes {
		return errors.ErrRateLimited
	}
	return nil
}

// AddBandwidth records bytes moved against the user's current window.
func (e *Engine) AddBandwidth(subject string, b *metadata.Bandwidth, n int64) {
	if subject == "" || b == nil || !b.Enabled || n <= 0 {
		return
	}
	window := metadata.WindowDuration(b.Window)
	if window <= 0 {
		return
	}
	bucket := cache.WindowBucket(time.Now(), window)
	e.counters.IncrBy(cache.KeyBandwidth(subject, bucket), n, window)
}

// pacers shapes tiered traffic in-process. The windowed counters
// enforce the quota across replicas; a pacer only smooths local burst
// timing, so losing one on restart is harmless.
type pacers struct {
	mu       sync.Mutex
	limiters map[string]*pacer
}

type pacer struct {
	limiter *rate.Limiter
	limit   rate.Limit
}

func newPacers() *pacers {
	return &pacers{limiters: make(map[string]*pacer)}
}

// wait blocks until the subject's pacer releases a slot or maxQueue
// elapses. A changed tier replaces the pacer in place.
func (p *pacers) wait(ctx context.Context, subject string, limit int64, window time.Duration, maxQueue time.Duration) error {
	r := rate.Limit(float64(limit) / window.Seconds())
	p.mu.Lock()
	entry, ok := p.limiters[subject]
	if !ok || entry.limit != r {
		burst := int(limit)
		if burst < 1 {
			burst = 1
		}
		entry = &pacer{limiter: rate.NewLimiter(r, burst), limit: r}
		p.limiters[subject] = entry
	}
	p.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, maxQueue)
	defer cancel()
	if err := entry.limiter.Wait(waitCtx); err != nil {
		return errors.ErrRateLimited
	}
	return nil
}
