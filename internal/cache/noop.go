package cache

import (
	"context"
	"errors"
	"time"

	"github.com/madkind/pixels/internal/store"
)

var errDisabled = errors.New("cache: disabled")

// Noop stands in when no Redis address is configured. Reads always miss,
// writes vanish, and counters error so the window limiter fails open.
type Noop struct{}

func (Noop) GetCanvas(ctx context.Context) (*store.CanvasRecord, error) { return nil, ErrMiss }

func (Noop) SetCanvas(ctx context.Context, rec *store.CanvasRecord) error { return nil }

func (Noop) GetLocks(ctx context.Context) ([]store.RegionLock, error) { return nil, ErrMiss }

func (Noop) SetLocks(ctx context.Context, locks []store.RegionLock) error { return nil }

func (Noop) InvalidateLocks(ctx context.Context) error { return nil }

func (Noop) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return 0, errDisabled
}

func (Noop) Ping(ctx context.Context) error { return errDisabled }
