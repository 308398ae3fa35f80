package ratelimit

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Category identifies an independent bucket namespace. Exhausting one
// category never affects another, even for the same key.
type Category string

const (
	CategoryAuthIP       Category = "auth:ip"
	CategoryAuthUsername Category = "auth:user"
	CategoryAPIIP        Category = "api:ip"
	CategoryHandshakeIP  Category = "ws:handshake"
)

// Config sets the per-minute capacity of each category. A nil or disabled
// config makes every check pass unconditionally.
type Config struct {
	Enabled                  bool
	AuthPerIPPerMinute       int
	AuthPerUsernamePerMinute int
	APIPerIPPerMinute        int
	HandshakePerIPPerMinute  int
	// Window is the refill window. Defaults to one minute.
	Window time.Duration
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		Enabled:                  true,
		AuthPerIPPerMinute:       50,
		AuthPerUsernamePerMinute: 5,
		APIPerIPPerMinute:        300,
		HandshakePerIPPerMinute:  20,
		Window:                   time.Minute,
	}
}

// evictionScanInterval bounds how often bucket creation triggers an idle
// sweep. Buckets untouched for two full windows are reclaimed.
const evictionScanInterval = 256

// Limiter is a keyed token-bucket rate limiter with greedy refill: tokens
// accrue continuously with elapsed time up to the capacity ceiling. Buckets
// are created lazily per (category, key) and evicted once idle.
type Limiter struct {
	enabled    bool
	window     time.Duration
	capacities map[Category]int

	buckets   sync.Map // bucketKey -> *bucket
	creations atomic.Uint64

	now func() time.Time
}

type bucketKey struct {
	category Category
	key      string
}

// New constructs a Limiter from the provided configuration.
func New(cfg Config) *Limiter {
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		enabled: cfg.Enabled,
		window:  window,
		capacities: map[Category]int{
			CategoryAuthIP:       atLeastOne(cfg.AuthPerIPPerMinute),
			CategoryAuthUsername: atLeastOne(cfg.AuthPerUsernamePerMinute),
			CategoryAPIIP:        atLeastOne(cfg.APIPerIPPerMinute),
			CategoryHandshakeIP:  atLeastOne(cfg.HandshakePerIPPerMinute),
		},
		now: time.Now,
	}
}

func atLeastOne(capacity int) int {
	if capacity < 1 {
		return 1
	}
	return capacity
}

// Enabled reports whether limits are being enforced.
func (l *Limiter) Enabled() bool {
	return l != nil && l.enabled
}

// TryConsume atomically takes cost tokens from the bucket for (category, key).
// It reports whether the tokens were available; a failed attempt leaves the
// bucket untouched.
func (l *Limiter) TryConsume(category Category, key string, cost int) bool {
	if !l.Enabled() {
		return true
	}
	if cost <= 0 {
		cost = 1
	}
	return l.resolve(category, key).consume(l.now(), cost)
}

// Exhausted reports whether the bucket for (category, key) has no tokens
// left, without consuming any. Unknown keys are never exhausted.
func (l *Limiter) Exhausted(category Category, key string) bool {
	if !l.Enabled() {
		return false
	}
	entry, ok := l.buckets.Load(bucketKey{category: category, key: normalizeKey(key)})
	if !ok {
		return false
	}
	return entry.(*bucket).exhausted(l.now())
}

// RetryAfter returns the hint advertised to throttled callers. A fixed
// window is used rather than the exact refill instant.
func (l *Limiter) RetryAfter() time.Duration {
	if l == nil || l.window <= 0 {
		return time.Minute
	}
	return l.window
}

// Ping always reports success; the limiter holds no external resources.
func (l *Limiter) Ping(context.Context) error {
	return nil
}

func (l *Limiter) resolve(category Category, key string) *bucket {
	id := bucketKey{category: category, key: normalizeKey(key)}
	if entry, ok := l.buckets.Load(id); ok {
		return entry.(*bucket)
	}
	capacity := l.capacities[category]
	if capacity < 1 {
		capacity = 1
	}
	fresh := newBucket(capacity, l.window, l.now())
	entry, loaded := l.buckets.LoadOrStore(id, fresh)
	if !loaded {
		if l.creations.Add(1)%evictionScanInterval == 0 {
			l.evictIdle()
		}
	}
	return entry.(*bucket)
}

func (l *Limiter) evictIdle() {
	cutoff := l.now().Add(-2 * l.window)
	l.buckets.Range(func(key, value interface{}) bool {
		if value.(*bucket).idleSince(cutoff) {
			l.buckets.Delete(key)
		}
		return true
	})
}

func normalizeKey(key string) string {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// bucket holds greedy-refill token state. Each bucket carries its own mutex
// so contention stays scoped to a single key.
type bucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
	lastSeen  time.Time
}

func newBucket(capacity int, window time.Duration, now time.Time) *bucket {
	rate := float64(capacity) / window.Seconds()
	if rate <= 0 {
		rate = 1 / window.Seconds()
	}
	return &bucket{
		rate:      rate,
		capacity:  float64(capacity),
		tokens:    float64(capacity),
		lastCheck: now,
		lastSeen:  now,
	}
}

func (b *bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastCheck).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	b.lastCheck = now
}

func (b *bucket) consume(now time.Time, cost int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(now)
	b.lastSeen = now
	if b.tokens < float64(cost) {
		return false
	}
	b.tokens -= float64(cost)
	return true
}

func (b *bucket) exhausted(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(now)
	return b.tokens < 1
}

func (b *bucket) idleSince(cutoff time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeen.Before(cutoff)
}
