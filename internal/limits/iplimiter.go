package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/madkind/pixels/internal/monitoring"
)

// IPLimiter applies a token bucket per client IP. One instance guards one
// route (or the WebSocket upgrade path). Idle entries are swept so the
// map does not grow with every IP ever seen.
type IPLimiter struct {
	mu    sync.Mutex
	perIP map[string]*ipEntry

	rate  rate.Limit
	burst int
	ttl   time.Duration

	logger zerolog.Logger

	sweepTicker *time.Ticker
	stopSweep   chan struct{}
	stopOnce    sync.Once
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func NewIPLimiter(r rate.Limit, burst int, ttl time.Duration, logger zerolog.Logger) *IPLimiter {
	l := &IPLimiter{
		perIP:     make(map[string]*ipEntry),
		rate:      r,
		burst:     burst,
		ttl:       ttl,
		logger:    logger.With().Str("component", "ip_limiter").Logger(),
		stopSweep: make(chan struct{}),
	}
	l.sweepTicker = time.NewTicker(time.Minute)
	go l.sweepLoop()
	return l
}

// PerMinute builds an IPLimiter that sustains n requests per minute per
// IP with a burst of n, the shape used by the snapshot endpoints.
func PerMinute(n int, logger zerolog.Logger) *IPLimiter {
	return NewIPLimiter(rate.Limit(float64(n)/60.0), n, 5*time.Minute, logger)
}

// Allow reports whether a request from ip fits its budget.
func (l *IPLimiter) Allow(ip string) bool {
	l.mu.Lock()
	entry, ok := l.perIP[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.perIP[ip] = entry
	}
	entry.lastAccess = time.Now()
	l.mu.Unlock()

	return entry.limiter.Allow()
}

func (l *IPLimiter) sweepLoop() {
	defer monitoring.RecoverPanic(l.logger, "ip-limiter-sweeper", nil)
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

func (l *IPLimiter) sweep() {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, entry := range l.perIP {
		if now.Sub(entry.lastAccess) > l.ttl {
			delete(l.perIP, ip)
		}
	}
}

func (l *IPLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopSweep) })
}

// ConnLimiterConfig configures WebSocket upgrade admission.
type ConnLimiterConfig struct {
	IPBurst     int     // burst connections per IP (default: 10)
	IPRate      float64 // sustained connections/sec per IP (default: 1)
	GlobalBurst int     // burst connections system-wide (default: 300)
	GlobalRate  float64 // sustained connections/sec system-wide (default: 50)
	Logger      zerolog.Logger
}

// ConnLimiter guards the WebSocket upgrade path with a global budget and
// a per-IP budget. The global bucket is checked first so a distributed
// flood is cut off before any per-IP bookkeeping.
type ConnLimiter struct {
	global *rate.Limiter
	perIP  *IPLimiter
	logger zerolog.Logger
}

func NewConnLimiter(config ConnLimiterConfig) *ConnLimiter {
	if config.IPBurst == 0 {
		config.IPBurst = 10
	}
	if config.IPRate == 0 {
		config.IPRate = 1.0
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 300
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 50.0
	}

	logger := config.Logger.With().Str("component", "conn_limiter").Logger()
	l := &ConnLimiter{
		global: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		perIP:  NewIPLimiter(rate.Limit(config.IPRate), config.IPBurst, 5*time.Minute, logger),
		logger: logger,
	}

	l.logger.Info().
		Int("ip_burst", config.IPBurst).
		Float64("ip_rate", config.IPRate).
		Int("global_burst", config.GlobalBurst).
		Float64("global_rate", config.GlobalRate).
		Msg("Connection rate limiter initialized")

	return l
}

// Allow reports whether a connection attempt from ip may proceed.
func (l *ConnLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		l.logger.Debug().Str("ip", ip).Msg("Connection rejected, global rate limit exceeded")
		return false
	}
	if !l.perIP.Allow(ip) {
		l.logger.Debug().Str("ip", ip).Msg("Connection rejected, per-IP rate limit exceeded")
		return false
	}
	return true
}

func (l *ConnLimiter) Stop() {
	l.perIP.Stop()
}
