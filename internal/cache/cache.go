// Package cache is the hot tier in front of the durable store: canvas
// snapshots, the lock list, and the minute-window rate counters. Every
// implementation must tolerate outage; callers treat errors as misses and
// the window limiter fails open.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/madkind/pixels/internal/store"
)

// ErrMiss reports that a key is absent. Callers fall through to the
// durable store.
var ErrMiss = errors.New("cache: miss")

// Key layout, shared with the dashboards that watch Redis directly.
const (
	keyCanvas = "canvas:state"
	keyLocks  = "canvas:locks"
)

// RateLimitKey is the per-user minute-window counter key.
func RateLimitKey(userID string) string {
	return "rate_limit:pixels:" + userID
}

// Cache is the contract the pipeline and HTTP surface consume.
type Cache interface {
	// GetCanvas returns the cached canvas or ErrMiss.
	GetCanvas(ctx context.Context) (*store.CanvasRecord, error)
	SetCanvas(ctx context.Context, rec *store.CanvasRecord) error
	// GetLocks returns the cached lock list or ErrMiss.
	GetLocks(ctx context.Context) ([]store.RegionLock, error)
	SetLocks(ctx context.Context, locks []store.RegionLock) error
	// InvalidateLocks drops the cached list after a lock mutation.
	InvalidateLocks(ctx context.Context) error
	// Incr adds one to key and returns the new value. The TTL is set
	// only when the increment created the key.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Ping(ctx context.Context) error
}
