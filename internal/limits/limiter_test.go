package limits

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/madkind/pixels/internal/cache"
)

// newTestBucketLimiter pins the limiter clock so refill is deterministic.
// Advance time through the returned pointer.
func newTestBucketLimiter(t *testing.T, capacity int, refill float64) (*BucketLimiter, *time.Time) {
	t.Helper()
	l := NewBucketLimiter(BucketLimiterConfig{
		Capacity:     capacity,
		RefillPerSec: refill,
		IdleTTL:      300 * time.Second,
		Logger:       zerolog.Nop(),
	})
	t.Cleanup(l.Stop)

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

type fakeCounterCache struct {
	cache.Noop
	count int64
	err   error
}

func (f *fakeCounterCache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.count++
	return f.count, nil
}

func TestBucketLimiterBurstThenRefill(t *testing.T) {
	t.Parallel()

	l, now := newTestBucketLimiter(t, 20, 10)

	for i := 0; i < 20; i++ {
		if ok, _ := l.Allow("u1"); !ok {
			t.Fatalf("edit %d denied inside the burst budget", i+1)
		}
	}
	ok, remaining := l.Allow("u1")
	if ok {
		t.Fatal("21st edit admitted with an empty bucket")
	}
	if remaining != 0 {
		t.Fatalf("remaining = %d, want 0", remaining)
	}

	*now = now.Add(time.Second)
	admitted := 0
	for i := 0; i < 11; i++ {
		if ok, _ := l.Allow("u1"); ok {
			admitted++
		}
	}
	if admitted != 10 {
		t.Fatalf("admitted %d after a 1s refill, want 10", admitted)
	}
}

func TestBucketLimiterBurstAdmitsExactlyCapacity(t *testing.T) {
	t.Parallel()

	l, _ := newTestBucketLimiter(t, 20, 10)

	admitted, denied := 0, 0
	for i := 0; i < 25; i++ {
		if ok, _ := l.Allow("u2"); ok {
			admitted++
		} else {
			denied++
		}
	}
	if admitted != 20 || denied != 5 {
		t.Fatalf("admitted %d, denied %d, want 20 and 5", admitted, denied)
	}
}

func TestBucketLimiterCapsAccumulation(t *testing.T) {
	t.Parallel()

	l, now := newTestBucketLimiter(t, 20, 10)

	for i := 0; i < 20; i++ {
		l.Allow("u1")
	}
	*now = now.Add(time.Hour)

	admitted := 0
	for i := 0; i < 30; i++ {
		if ok, _ := l.Allow("u1"); ok {
			admitted++
		}
	}
	if admitted != 20 {
		t.Fatalf("admitted %d after a long idle, want the capacity 20", admitted)
	}
}

func TestBucketLimiterUsersAreIndependent(t *testing.T) {
	t.Parallel()

	l, _ := newTestBucketLimiter(t, 2, 10)

	l.Allow("u1")
	l.Allow("u1")
	if ok, _ := l.Allow("u1"); ok {
		t.Fatal("u1 admitted past its budget")
	}
	if ok, _ := l.Allow("u2"); !ok {
		t.Fatal("u2 denied because u1 is exhausted")
	}
}

func TestBucketLimiterSweep(t *testing.T) {
	t.Parallel()

	l, now := newTestBucketLimiter(t, 20, 10)

	l.Allow("idle-user")
	l.Allow("active-user")

	*now = now.Add(301 * time.Second)
	l.Allow("active-user")

	l.sweep()
	if got := l.TrackedUsers(); got != 1 {
		t.Fatalf("tracked users after sweep = %d, want 1", got)
	}
}

func TestWindowLimiterBudget(t *testing.T) {
	t.Parallel()

	fc := &fakeCounterCache{}
	w := NewWindowLimiter(fc, WindowLimiterConfig{MaxPerWindow: 3, Logger: zerolog.Nop()})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok, _ := w.Allow(ctx, "u1"); !ok {
			t.Fatalf("edit %d denied within the window budget", i+1)
		}
	}
	ok, remaining := w.Allow(ctx, "u1")
	if ok {
		t.Fatal("4th edit admitted past the window budget")
	}
	if remaining != 0 {
		t.Fatalf("remaining = %d, want 0", remaining)
	}
}

func TestWindowLimiterFailsOpen(t *testing.T) {
	t.Parallel()

	fc := &fakeCounterCache{err: errors.New("connection refused")}
	w := NewWindowLimiter(fc, WindowLimiterConfig{MaxPerWindow: 1, Logger: zerolog.Nop()})

	for i := 0; i < 5; i++ {
		if ok, _ := w.Allow(context.Background(), "u1"); !ok {
			t.Fatal("window limiter denied while the cache was down")
		}
	}
}

func TestEditLimiterChecksBucketFirst(t *testing.T) {
	t.Parallel()

	bl, _ := newTestBucketLimiter(t, 1, 10)
	fc := &fakeCounterCache{}
	el := NewEditLimiter(bl, NewWindowLimiter(fc, WindowLimiterConfig{MaxPerWindow: 100, Logger: zerolog.Nop()}))
	ctx := context.Background()

	if ok, _ := el.Check(ctx, "u1"); !ok {
		t.Fatal("first edit denied")
	}
	ok, reason := el.Check(ctx, "u1")
	if ok {
		t.Fatal("second edit admitted with an empty bucket")
	}
	if want := "Rate limit exceeded. 0 tokens remaining."; reason != want {
		t.Fatalf("reason = %q, want %q", reason, want)
	}
	if fc.count != 1 {
		t.Fatalf("window counter incremented %d times, want 1: a bucket deny must not consume window budget", fc.count)
	}
}

func TestEditLimiterWindowMessage(t *testing.T) {
	t.Parallel()

	bl, _ := newTestBucketLimiter(t, 20, 10)
	fc := &fakeCounterCache{count: 100}
	el := NewEditLimiter(bl, NewWindowLimiter(fc, WindowLimiterConfig{MaxPerWindow: 100, Logger: zerolog.Nop()}))

	ok, reason := el.Check(context.Background(), "u1")
	if ok {
		t.Fatal("edit admitted past the minute budget")
	}
	if want := "Minute rate limit exceeded. 0 pixels remaining."; reason != want {
		t.Fatalf("reason = %q, want %q", reason, want)
	}
}

func TestIPLimiterPerIP(t *testing.T) {
	t.Parallel()

	l := PerMinute(2, zerolog.Nop())
	t.Cleanup(l.Stop)

	if !l.Allow("10.0.0.1") || !l.Allow("10.0.0.1") {
		t.Fatal("burst denied")
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("third request admitted past the burst")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("a different IP was charged for 10.0.0.1's traffic")
	}
}

func TestConnLimiter(t *testing.T) {
	t.Parallel()

	l := NewConnLimiter(ConnLimiterConfig{
		IPBurst:     2,
		IPRate:      0.001,
		GlobalBurst: 100,
		GlobalRate:  100,
		Logger:      zerolog.Nop(),
	})
	t.Cleanup(l.Stop)

	if !l.Allow("10.0.0.1") || !l.Allow("10.0.0.1") {
		t.Fatal("burst denied")
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("connection admitted past the per-IP burst")
	}
	if !l.Allow("10.0.0.9") {
		t.Fatal("a different IP was denied")
	}
}
