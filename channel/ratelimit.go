package channel

import (
	"sync"
	"time"

	"github.com/ScorpiusDraconis83/realtime/telemetry"
	"github.com/ScorpiusDraconis83/realtime/tenant"
	"github.com/cockroachdb/tokenbucket"
)

// Resource identifies which per-tenant quota a request draws from.
type Resource int

const (
	ResourceJoins Resource = iota
	ResourceEvents
	ResourceBytesIn
	ResourceBytesOut
	ResourceChannelsOpen
	resourceCount
)

func (r Resource) String() string {
	switch r {
	case ResourceJoins:
		return "joins"
	case ResourceEvents:
		return "events"
	case ResourceBytesIn:
		return "bytes_in"
	case ResourceBytesOut:
		return "bytes_out"
	case ResourceChannelsOpen:
		return "channels_open"
	default:
		return "unknown"
	}
}

// defaultCooldown is how long a tenant stays throttled on every resource
// class after tripping a persistent overage, rather than only the one it
// exceeded; a client pushing raw bytes past its limit is equally capable of
// pushing joins past its limit a moment later.
const defaultCooldown = 30 * time.Second

// persistentOverageStrikes is how many consecutive rejections across any
// resource class trip an automatic Cooldown, the threshold distinguishing
// a brief burst (tolerated) from persistent overage (cooled down).
const persistentOverageStrikes = 20

// tenantBuckets holds one token bucket per resource class for a tenant.
type tenantBuckets struct {
	mu       sync.Mutex
	buckets  [resourceCount]tokenbucket.TokenBucket
	cooldown time.Time
	strikes  int
}

func (tb *tenantBuckets) enterCooldownLocked() {
	tb.cooldown = time.Now().Add(defaultCooldown)
	tb.strikes = 0
}

// RateLimiter enforces one bucket set per tenant per resource class
// (joins, events, bytes_in, bytes_out, channels_open), backed by
// CockroachDB's token bucket implementation rather than a hand-rolled
// limiter.
type RateLimiter struct {
	mu       sync.Mutex
	byTenant map[string]*tenantBuckets
}

// NewRateLimiter creates an empty rate limiter; buckets are created lazily
// per tenant on first use, sized from the tenant's own configured limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{byTenant: make(map[string]*tenantBuckets)}
}

func (l *RateLimiter) bucketsFor(t *tenant.Tenant) *tenantBuckets {
	l.mu.Lock()
	defer l.mu.Unlock()

	tb, ok := l.byTenant[t.ID]
	if ok {
		return tb
	}

	tb = &tenantBuckets{}
	tb.buckets[ResourceJoins].Init(tokenbucket.TokensPerSecond(t.MaxJoinsPerSecond), tokenbucket.Tokens(t.MaxJoinsPerSecond))
	tb.buckets[ResourceEvents].Init(tokenbucket.TokensPerSecond(t.MaxEventsPerSecond), tokenbucket.Tokens(t.MaxEventsPerSecond))
	tb.buckets[ResourceBytesIn].Init(tokenbucket.TokensPerSecond(t.MaxBytesPerSecond), tokenbucket.Tokens(t.MaxBytesPerSecond))
	tb.buckets[ResourceBytesOut].Init(tokenbucket.TokensPerSecond(t.MaxBytesPerSecond), tokenbucket.Tokens(t.MaxBytesPerSecond))
	tb.buckets[ResourceChannelsOpen].Init(tokenbucket.TokensPerSecond(t.MaxChannelsPerClient), tokenbucket.Tokens(t.MaxChannelsPerClient))

	l.byTenant[t.ID] = tb
	return tb
}

// Allow attempts to draw amount units from a tenant's resource bucket,
// reporting whether the draw was permitted. A tenant already in cooldown
// from a prior persistent overage is rejected outright without consulting
// the bucket. persistentOverageStrikes consecutive rejections, across any
// resource class, trip an automatic Cooldown.
func (l *RateLimiter) Allow(t *tenant.Tenant, resource Resource, amount float64) bool {
	tb := l.bucketsFor(t)

	tb.mu.Lock()
	defer tb.mu.Unlock()

	if time.Now().Before(tb.cooldown) {
		telemetry.RateLimitRejectionsTotal.With(resource.String()).Inc()
		return false
	}

	fulfilled, _ := tb.buckets[resource].TryToFulfill(tokenbucket.Tokens(amount))
	if !fulfilled {
		telemetry.RateLimitRejectionsTotal.With(resource.String()).Inc()
		tb.strikes++
		if tb.strikes >= persistentOverageStrikes {
			tb.enterCooldownLocked()
			telemetry.RateLimitCooldownsTotal.Inc()
		}
		return false
	}

	tb.strikes = 0
	return true
}

// Cooldown puts every resource class for a tenant into cooldown for
// defaultCooldown, called after a client persistently exceeds a limit
// rather than just briefly bursting past it.
func (l *RateLimiter) Cooldown(t *tenant.Tenant) {
	tb := l.bucketsFor(t)

	tb.mu.Lock()
	tb.enterCooldownLocked()
	tb.mu.Unlock()

	telemetry.RateLimitCooldownsTotal.Inc()
}

// InCooldown reports whether a tenant is currently serving a persistent-
// overage cooldown, letting callers with a connection to close (unlike a
// one-shot HTTP request) act on it instead of just retrying later.
func (l *RateLimiter) InCooldown(t *tenant.Tenant) bool {
	tb := l.bucketsFor(t)

	tb.mu.Lock()
	defer tb.mu.Unlock()

	return time.Now().Before(tb.cooldown)
}

// InvalidateTenant drops cached buckets for a tenant, forcing them to be
// rebuilt (with possibly updated limits) on next use.
func (l *RateLimiter) InvalidateTenant(tenantID string) {
	l.mu.Lock()
	delete(l.byTenant, tenantID)
	l.mu.Unlock()
}
