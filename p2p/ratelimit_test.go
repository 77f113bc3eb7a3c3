package p2p

import (
	"testing"
	"time"
)

func TestTokenBucketAllowance(t *testing.T) {
	now := time.Now()
	bucket := newTokenBucket(2, 2, now)
	if bucket == nil {
		t.Fatalf("expected bucket")
	}
	if !bucket.allow(now) {
		t.Fatalf("first token should be allowed")
	}
	if !bucket.allow(now) {
		t.Fatalf("second token should be allowed")
	}
	if bucket.allow(now) {
		t.Fatalf("bucket should be empty")
	}
	if !bucket.allow(now.Add(500 * time.Millisecond)) {
		t.Fatalf("token should refill after half a second")
	}
}

func TestMethodLimiterBurst(t *testing.T) {
	limiter := newMethodLimiter(RateLimit{Rate: 1, Burst: 3}, nil)
	now := time.Now()
	for i := 0; i < 3; i++ {
		if !limiter.allow("peer-a", MethodPing, now) {
			t.Fatalf("request %d within burst should be allowed", i+1)
		}
	}
	if limiter.allow("peer-a", MethodPing, now) {
		t.Fatalf("request beyond burst should be denied")
	}
	if !limiter.allow("peer-a", MethodPing, now.Add(time.Second)) {
		t.Fatalf("token should refill after rate interval")
	}
}

func TestMethodLimiterIsolation(t *testing.T) {
	limiter := newMethodLimiter(RateLimit{Rate: 1, Burst: 1}, nil)
	now := time.Now()
	if !limiter.allow("peer-a", MethodPing, now) {
		t.Fatalf("first attempt should be allowed")
	}
	if limiter.allow("peer-a", MethodPing, now) {
		t.Fatalf("burst should be limited")
	}
	if !limiter.allow("peer-b", MethodPing, now) {
		t.Fatalf("different peer should be independent")
	}
	if !limiter.allow("peer-a", MethodStatus, now) {
		t.Fatalf("different method should be independent")
	}
}

func TestMethodLimiterOverrides(t *testing.T) {
	limits := map[Method]RateLimit{
		MethodBlocksByRange: {Rate: 1, Burst: 1},
	}
	limiter := newMethodLimiter(RateLimit{Rate: 10, Burst: 10}, limits)
	now := time.Now()
	if !limiter.allow("peer-a", MethodBlocksByRange, now) {
		t.Fatalf("first block request should pass")
	}
	if limiter.allow("peer-a", MethodBlocksByRange, now) {
		t.Fatalf("override burst of one should deny the second request")
	}
	for i := 0; i < 10; i++ {
		if !limiter.allow("peer-a", MethodPing, now) {
			t.Fatalf("default bucket should allow ping %d", i+1)
		}
	}
}

func TestMethodLimiterEvict(t *testing.T) {
	limiter := newMethodLimiter(RateLimit{Rate: 1, Burst: 1}, nil)
	now := time.Now()
	if !limiter.allow("peer-a", MethodPing, now) {
		t.Fatalf("first attempt should be allowed")
	}
	if limiter.allow("peer-a", MethodPing, now) {
		t.Fatalf("bucket should be exhausted")
	}
	limiter.evict("peer-a")
	if !limiter.allow("peer-a", MethodPing, now) {
		t.Fatalf("eviction should reset the peer's buckets")
	}
}
