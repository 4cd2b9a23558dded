package security

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// LimiterPool hands out one token bucket per key (user id). Buckets idle for
// longer than the idle TTL are swept so the pool does not grow with every
// user a node has ever seen.
type LimiterPool struct {
	mu        sync.Mutex
	m         map[string]*bucket
	rps       float64
	burst     int
	idle      time.Duration
	clock     clockwork.Clock
	lastSweep time.Time
}

type bucket struct {
	lim      *rate.Limiter
	lastUsed time.Time
}

type LimiterOption func(*LimiterPool)

// WithIdleTTL sets how long an unused bucket is kept. It is raised to at
// least the time a bucket needs to refill, so eviction never hands a
// throttled user a fresh burst.
func WithIdleTTL(d time.Duration) LimiterOption {
	return func(p *LimiterPool) { p.idle = d }
}

func WithLimiterClock(c clockwork.Clock) LimiterOption {
	return func(p *LimiterPool) { p.clock = c }
}

func NewLimiterPool(rps float64, burst int, opts ...LimiterOption) *LimiterPool {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	p := &LimiterPool{
		m:     make(map[string]*bucket),
		rps:   rps,
		burst: burst,
		idle:  10 * time.Minute,
		clock: clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(p)
	}
	if refill := time.Duration(float64(burst) / rps * float64(time.Second)); p.idle < refill {
		p.idle = refill
	}
	p.lastSweep = p.clock.Now()
	return p
}

// Allow reports whether key may act now. A nil pool allows everything.
func (p *LimiterPool) Allow(key string) bool {
	if p == nil {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	if now.Sub(p.lastSweep) >= p.idle {
		p.sweepLocked(now)
	}
	b, ok := p.m[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(p.rps), p.burst)}
		p.m[key] = b
	}
	b.lastUsed = now
	return b.lim.AllowN(now, 1)
}

// Len returns the number of buckets currently held.
func (p *LimiterPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

func (p *LimiterPool) sweepLocked(now time.Time) {
	for k, b := range p.m {
		if now.Sub(b.lastUsed) >= p.idle {
			delete(p.m, k)
		}
	}
	p.lastSweep = now
}
