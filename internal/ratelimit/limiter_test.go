package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *time.Time) {
	t.Helper()
	limiter := New(cfg)
	current := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return current }
	return limiter, &current
}

func TestTryConsumeExactCapacity(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{Enabled: true, APIPerIPPerMinute: 5})
	for i := 0; i < 5; i++ {
		if !limiter.TryConsume(CategoryAPIIP, "203.0.113.7", 1) {
			t.Fatalf("consume %d should succeed", i+1)
		}
	}
	if limiter.TryConsume(CategoryAPIIP, "203.0.113.7", 1) {
		t.Fatal("consume beyond capacity should fail")
	}
}

func TestGreedyRefillRestoresTokens(t *testing.T) {
	limiter, current := newTestLimiter(t, Config{Enabled: true, APIPerIPPerMinute: 60})
	for i := 0; i < 60; i++ {
		if !limiter.TryConsume(CategoryAPIIP, "198.51.100.1", 1) {
			t.Fatalf("warm-up consume %d failed", i+1)
		}
	}
	if limiter.TryConsume(CategoryAPIIP, "198.51.100.1", 1) {
		t.Fatal("bucket should be empty")
	}
	// Half a window restores half the capacity.
	*current = current.Add(30 * time.Second)
	for i := 0; i < 30; i++ {
		if !limiter.TryConsume(CategoryAPIIP, "198.51.100.1", 1) {
			t.Fatalf("post-refill consume %d failed", i+1)
		}
	}
	if limiter.TryConsume(CategoryAPIIP, "198.51.100.1", 1) {
		t.Fatal("partial refill should not exceed elapsed share")
	}
	// A full idle window restores the entire capacity, never more.
	*current = current.Add(5 * time.Minute)
	for i := 0; i < 60; i++ {
		if !limiter.TryConsume(CategoryAPIIP, "198.51.100.1", 1) {
			t.Fatalf("full-refill consume %d failed", i+1)
		}
	}
	if limiter.TryConsume(CategoryAPIIP, "198.51.100.1", 1) {
		t.Fatal("refill must cap at capacity")
	}
}

func TestExhaustedDoesNotConsume(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{Enabled: true, AuthPerUsernamePerMinute: 2})
	if limiter.Exhausted(CategoryAuthUsername, "dj_nova") {
		t.Fatal("unknown key should not be exhausted")
	}
	limiter.TryConsume(CategoryAuthUsername, "dj_nova", 1)
	for i := 0; i < 3; i++ {
		if limiter.Exhausted(CategoryAuthUsername, "dj_nova") {
			t.Fatalf("check %d consumed tokens", i+1)
		}
	}
	if !limiter.TryConsume(CategoryAuthUsername, "dj_nova", 1) {
		t.Fatal("second consume should succeed after read-only checks")
	}
	if !limiter.Exhausted(CategoryAuthUsername, "dj_nova") {
		t.Fatal("bucket should report exhausted at zero tokens")
	}
}

func TestCategoriesAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{
		Enabled:            true,
		AuthPerIPPerMinute: 1,
		APIPerIPPerMinute:  10,
	})
	if !limiter.TryConsume(CategoryAuthIP, "192.0.2.9", 1) {
		t.Fatal("auth consume should succeed")
	}
	if limiter.TryConsume(CategoryAuthIP, "192.0.2.9", 1) {
		t.Fatal("auth category should be exhausted")
	}
	if !limiter.TryConsume(CategoryAPIIP, "192.0.2.9", 1) {
		t.Fatal("api category must not share the auth bucket")
	}
}

func TestKeyNormalization(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{Enabled: true, AuthPerUsernamePerMinute: 1})
	if !limiter.TryConsume(CategoryAuthUsername, "  DJ_Nova ", 1) {
		t.Fatal("first consume should succeed")
	}
	if limiter.TryConsume(CategoryAuthUsername, "dj_nova", 1) {
		t.Fatal("case and whitespace variants must hit the same bucket")
	}
}

func TestDisabledLimiterAlwaysPasses(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{Enabled: false, APIPerIPPerMinute: 1})
	for i := 0; i < 100; i++ {
		if !limiter.TryConsume(CategoryAPIIP, "10.0.0.1", 1) {
			t.Fatalf("disabled limiter rejected request %d", i+1)
		}
	}
	if limiter.Exhausted(CategoryAPIIP, "10.0.0.1") {
		t.Fatal("disabled limiter must never report exhaustion")
	}
}

func TestIdleBucketEviction(t *testing.T) {
	limiter, current := newTestLimiter(t, Config{Enabled: true, APIPerIPPerMinute: 10, Window: time.Minute})
	limiter.TryConsume(CategoryAPIIP, "stale-client", 1)
	*current = current.Add(3 * time.Minute)
	limiter.TryConsume(CategoryAPIIP, "fresh-client", 1)
	limiter.evictIdle()
	if _, ok := limiter.buckets.Load(bucketKey{category: CategoryAPIIP, key: "stale-client"}); ok {
		t.Fatal("idle bucket should have been evicted")
	}
	if _, ok := limiter.buckets.Load(bucketKey{category: CategoryAPIIP, key: "fresh-client"}); !ok {
		t.Fatal("active bucket must survive eviction")
	}
}
