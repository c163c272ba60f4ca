package server

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxConnections = 10000
	defaultUpgradeRate    = 5.0
	defaultUpgradeBurst   = 10

	limiterSweepInterval = 5 * time.Minute
	limiterIdleCutoff    = 10 * time.Minute
)

// limitReason describes why an upgrade was refused.
type limitReason string

const (
	limitReasonCapacity limitReason = "capacity"
	limitReasonRate     limitReason = "rate_limited"
)

// upgradeGuard protects the WebSocket endpoints from connection floods: a
// process-wide cap on concurrent connections plus a per-IP token bucket on
// new upgrade attempts.
type upgradeGuard struct {
	max     int64
	current atomic.Int64

	mu      sync.Mutex
	perIP   map[string]*ipBucket
	rate    rate.Limit
	burst   int
	sweepAt time.Time
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newUpgradeGuard creates a guard with the given concurrent-connection cap and
// per-IP sustained upgrade rate. Non-positive values fall back to defaults.
func newUpgradeGuard(maxConns int64, perSecond float64, burst int) *upgradeGuard {
	if maxConns <= 0 {
		maxConns = defaultMaxConnections
	}
	if perSecond <= 0 {
		perSecond = defaultUpgradeRate
	}
	if burst <= 0 {
		burst = defaultUpgradeBurst
	}
	return &upgradeGuard{
		max:     maxConns,
		perIP:   make(map[string]*ipBucket),
		rate:    rate.Limit(perSecond),
		burst:   burst,
		sweepAt: time.Now().Add(limiterSweepInterval),
	}
}

// allow reserves a connection slot for ip. On success the caller owns the slot
// and must release it when the connection ends.
func (g *upgradeGuard) allow(ip string) (bool, limitReason) {
	if !g.allowRate(ip) {
		return false, limitReasonRate
	}
	for {
		current := g.current.Load()
		if current >= g.max {
			return false, limitReasonCapacity
		}
		if g.current.CompareAndSwap(current, current+1) {
			return true, ""
		}
	}
}

// release returns a slot reserved by allow.
func (g *upgradeGuard) release() {
	g.current.Add(-1)
}

func (g *upgradeGuard) allowRate(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if now := time.Now(); now.After(g.sweepAt) {
		g.sweep(now)
		g.sweepAt = now.Add(limiterSweepInterval)
	}

	bucket, ok := g.perIP[ip]
	if !ok {
		bucket = &ipBucket{limiter: rate.NewLimiter(g.rate, g.burst)}
		g.perIP[ip] = bucket
	}
	bucket.lastSeen = time.Now()
	return bucket.limiter.Allow()
}

// sweep drops buckets for IPs not seen recently. Caller holds g.mu.
func (g *upgradeGuard) sweep(now time.Time) {
	cutoff := now.Add(-limiterIdleCutoff)
	for ip, bucket := range g.perIP {
		if bucket.lastSeen.Before(cutoff) {
			delete(g.perIP, ip)
		}
	}
}
