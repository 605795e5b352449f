// Package limits implements edit admission: the per-user token bucket,
// the cache-backed minute window, the composite policy combining them,
// and the per-IP limiters guarding the HTTP and WebSocket entry points.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/madkind/pixels/internal/monitoring"
)

// TokenBucket is one user's burst budget. Tokens refill continuously at
// refillRate per second and cap at capacity.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
}

// NewTokenBucket returns a bucket seeded to full.
func NewTokenBucket(capacity, refillRate float64, now time.Time) *TokenBucket {
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		refillRate: refillRate,
		lastRefill: now,
	}
}

// TryConsume refills by elapsed time, then takes n tokens if available.
func (tb *TokenBucket) TryConsume(now time.Time, n float64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}
	return false
}

// Remaining reports the whole tokens available after refilling.
func (tb *TokenBucket) Remaining(now time.Time) int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(now)
	return int(tb.tokens)
}

// refill must be called with tb.mu held. A clock that moved backwards
// leaves the bucket untouched rather than granting a huge elapsed window
// on the next call.
func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

func (tb *TokenBucket) idleSince(now time.Time) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return now.Sub(tb.lastRefill)
}

// BucketLimiterConfig configures the per-user burst limiter.
type BucketLimiterConfig struct {
	Capacity     int           // burst ceiling (default: 20)
	RefillPerSec float64       // sustained edits/sec (default: 10)
	IdleTTL      time.Duration // sweep buckets idle this long (default: 5 minutes)
	Logger       zerolog.Logger
}

// BucketLimiter owns the per-user token buckets. Buckets are created
// lazily on first use, seeded full, and swept once idle for IdleTTL so
// drive-by users do not accumulate forever.
type BucketLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*TokenBucket

	capacity float64
	refill   float64
	idleTTL  time.Duration
	logger   zerolog.Logger

	// now is swapped out by tests for deterministic refill.
	now func() time.Time

	sweepTicker *time.Ticker
	stopSweep   chan struct{}
}

func NewBucketLimiter(config BucketLimiterConfig) *BucketLimiter {
	if config.Capacity == 0 {
		config.Capacity = 20
	}
	if config.RefillPerSec == 0 {
		config.RefillPerSec = 10
	}
	if config.IdleTTL == 0 {
		config.IdleTTL = 5 * time.Minute
	}

	l := &BucketLimiter{
		buckets:   make(map[string]*TokenBucket),
		capacity:  float64(config.Capacity),
		refill:    config.RefillPerSec,
		idleTTL:   config.IdleTTL,
		logger:    config.Logger.With().Str("component", "bucket_limiter").Logger(),
		now:       time.Now,
		stopSweep: make(chan struct{}),
	}

	l.sweepTicker = time.NewTicker(time.Minute)
	go l.sweepLoop()

	l.logger.Info().
		Int("capacity", config.Capacity).
		Float64("refill_per_sec", config.RefillPerSec).
		Dur("idle_ttl", config.IdleTTL).
		Msg("Token bucket limiter initialized")

	return l
}

// Allow consumes one token for userID. On deny it also reports the whole
// tokens still available, which goes into the reject reason verbatim.
func (l *BucketLimiter) Allow(userID string) (bool, int) {
	bucket := l.getBucket(userID)
	now := l.now()
	if bucket.TryConsume(now, 1) {
		return true, 0
	}
	return false, bucket.Remaining(now)
}

func (l *BucketLimiter) getBucket(userID string) *TokenBucket {
	l.mu.RLock()
	bucket, exists := l.buckets[userID]
	l.mu.RUnlock()
	if exists {
		return bucket
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Double-check after acquiring the write lock.
	if bucket, exists = l.buckets[userID]; exists {
		return bucket
	}
	bucket = NewTokenBucket(l.capacity, l.refill, l.now())
	l.buckets[userID] = bucket
	return bucket
}

func (l *BucketLimiter) sweepLoop() {
	defer monitoring.RecoverPanic(l.logger, "bucket-sweeper", nil)
	for {
		select {
		case <-l.sweepTicker.C:
			l.sweep()
		case <-l.stopSweep:
			l.sweepTicker.Stop()
			return
		}
	}
}

// sweep drops buckets whose last refill is older than idleTTL.
func (l *BucketLimiter) sweep() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for user, bucket := range l.buckets {
		if bucket.idleSince(now) > l.idleTTL {
			delete(l.buckets, user)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(l.buckets)).
			Msg("Swept idle token buckets")
	}
}

// TrackedUsers reports how many buckets are live, for health reporting.
func (l *BucketLimiter) TrackedUsers() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// Stop halts the sweep goroutine.
func (l *BucketLimiter) Stop() {
	close(l.stopSweep)
}
