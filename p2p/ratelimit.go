package p2p

import (
	"math"
	"sync"
	"time"
)

// RateLimit configures one token bucket: sustained tokens per second and the
// burst capacity.
type RateLimit struct {
	Rate  float64
	Burst float64
}

type tokenBucket struct {
	capacity float64
	tokens   float64
	rate     float64
	last     time.Time
	mu       sync.Mutex
}

func newTokenBucket(rate, burst float64, now time.Time) *tokenBucket {
	if rate <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	if burst < rate {
		burst = rate
	}
	return &tokenBucket{
		capacity: burst,
		tokens:   burst,
		rate:     rate,
		last:     now,
	}
}

func (b *tokenBucket) allow(now time.Time) bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(now)
	if b.tokens >= 1 {
		b.tokens -= 1
		return true
	}
	return false
}

// refillLocked tops the bucket up lazily from the elapsed time; no
// background timer is involved.
func (b *tokenBucket) refillLocked(now time.Time) {
	if now.Before(b.last) {
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
	b.last = now
}

// methodLimiter keeps one token bucket per (peer, method). Buckets are
// created lazily on first consult and evicted when the peer disconnects.
type methodLimiter struct {
	defaults RateLimit
	limits   map[Method]RateLimit

	mu      sync.Mutex
	buckets map[bucketKey]*tokenBucket
}

type bucketKey struct {
	peer   PeerID
	method Method
}

func newMethodLimiter(defaults RateLimit, limits map[Method]RateLimit) *methodLimiter {
	if defaults.Rate <= 0 {
		defaults = RateLimit{Rate: 5, Burst: 10}
	}
	return &methodLimiter{
		defaults: defaults,
		limits:   limits,
		buckets:  make(map[bucketKey]*tokenBucket),
	}
}

func (l *methodLimiter) limitFor(method Method) RateLimit {
	if limit, ok := l.limits[method]; ok && limit.Rate > 0 {
		return limit
	}
	return l.defaults
}

func (l *methodLimiter) allow(peer PeerID, method Method, now time.Time) bool {
	if l == nil {
		return true
	}
	key := bucketKey{peer: peer, method: method}
	l.mu.Lock()
	bucket := l.buckets[key]
	if bucket == nil {
		limit := l.limitFor(method)
		bucket = newTokenBucket(limit.Rate, limit.Burst, now)
		l.buckets[key] = bucket
	}
	l.mu.Unlock()

	return bucket.allow(now)
}

// evict drops every bucket owned by the peer.
func (l *methodLimiter) evict(peer PeerID) {
	if l == nil {
		return
	}
	l.mu.Lock()
	for key := range l.buckets {
		if key.peer == peer {
			delete(l.buckets, key)
		}
	}
	l.mu.Unlock()
}
