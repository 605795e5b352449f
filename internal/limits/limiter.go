package limits

import (
	"context"
	"fmt"

	"github.com/madkind/pixels/internal/monitoring"
)

// EditLimiter is the composite admission policy for pixel edits. The
// in-process token bucket is authoritative for bursts and is consulted
// first; the minute window backs it up across processes and fails open.
// Both tiers are debited on the same check, so an edit admitted here has
// consumed budget in each.
type EditLimiter struct {
	bucket *BucketLimiter
	window *WindowLimiter
}

func NewEditLimiter(bucket *BucketLimiter, window *WindowLimiter) *EditLimiter {
	return &EditLimiter{bucket: bucket, window: window}
}

// Check admits or denies one edit for userID. The returned reason is the
// denying tier's message; clients display it verbatim.
func (l *EditLimiter) Check(ctx context.Context, userID string) (bool, string) {
	if ok, remaining := l.bucket.Allow(userID); !ok {
		monitoring.IncrementRateLimited(monitoring.LimiterBucket)
		return false, fmt.Sprintf("Rate limit exceeded. %d tokens remaining.", remaining)
	}
	if ok, remaining := l.window.Allow(ctx, userID); !ok {
		monitoring.IncrementRateLimited(monitoring.LimiterWindow)
		return false, fmt.Sprintf("Minute rate limit exceeded. %d pixels remaining.", remaining)
	}
	return true, ""
}
