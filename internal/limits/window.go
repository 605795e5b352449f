package limits

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/madkind/pixels/internal/cache"
	"github.com/madkind/pixels/internal/monitoring"
)

// WindowLimiterConfig configures the minute-window limiter.
type WindowLimiterConfig struct {
	MaxPerWindow int           // edits per window (default: 100)
	Window       time.Duration // counter lifetime (default: 1 minute)
	Logger       zerolog.Logger
}

// WindowLimiter counts edits per user in the cache tier, with the window
// TTL stamped on the increment that creates the counter. It is the
// advisory second tier: when the cache is unreachable it admits, so a
// cache outage cannot become an edit outage.
type WindowLimiter struct {
	cache  cache.Cache
	max    int64
	window time.Duration
	logger zerolog.Logger
}

func NewWindowLimiter(c cache.Cache, config WindowLimiterConfig) *WindowLimiter {
	if config.MaxPerWindow == 0 {
		config.MaxPerWindow = 100
	}
	if config.Window == 0 {
		config.Window = time.Minute
	}
	return &WindowLimiter{
		cache:  c,
		max:    int64(config.MaxPerWindow),
		window: config.Window,
		logger: config.Logger.With().Str("component", "window_limiter").Logger(),
	}
}

// Allow increments the user's window counter and admits while the count
// stays within budget. On deny it also reports the remaining budget.
func (l *WindowLimiter) Allow(ctx context.Context, userID string) (bool, int) {
	count, err := l.cache.Incr(ctx, cache.RateLimitKey(userID), l.window)
	if err != nil {
		monitoring.IncrementRateLimitFailOpen()
		l.logger.Debug().Err(err).Str("user_id", userID).Msg("Window counter unavailable, admitting")
		return true, 0
	}
	if count > l.max {
		remaining := int(l.max - count)
		if remaining < 0 {
			remaining = 0
		}
		return false, remaining
	}
	return true, 0
}
