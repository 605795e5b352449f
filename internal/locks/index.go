// Package locks resolves pixel coordinates against moderation region
// locks. Reads go through the cache with a fallback scan of the
// persistence layer; mutations write through and drop the cached list
// so the next read refreshes it.
package locks

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/madkind/pixels/internal/cache"
	"github.com/madkind/pixels/internal/monitoring"
	"github.com/madkind/pixels/internal/store"
)

const cacheItem = "locks"

// Index answers point-in-lock queries for the edit pipeline and owns
// lock mutations for the HTTP surface.
type Index struct {
	cache  cache.Cache
	store  store.Store
	logger zerolog.Logger

	now func() time.Time
}

func NewIndex(c cache.Cache, s store.Store, logger zerolog.Logger) *Index {
	return &Index{
		cache:  c,
		store:  s,
		logger: logger.With().Str("component", "lock_index").Logger(),
		now:    time.Now,
	}
}

// List returns the active region locks, reading through the cache. A
// cached empty list is a valid hit; only a miss or a cache error falls
// back to the persistence scan.
func (ix *Index) List(ctx context.Context) ([]store.RegionLock, error) {
	locks, err := ix.cache.GetLocks(ctx)
	if err == nil {
		monitoring.RecordCacheHit(cacheItem)
		return locks, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		ix.logger.Debug().Err(err).Msg("Lock cache read failed, falling back to store")
	}
	monitoring.RecordCacheMiss(cacheItem)

	locks, err = ix.store.ListLocks(ctx)
	if err != nil {
		return nil, err
	}
	if err := ix.cache.SetLocks(ctx, locks); err != nil {
		ix.logger.Debug().Err(err).Msg("Lock cache write failed")
	}
	return locks, nil
}

// Contains reports whether (x, y) falls inside an active lock. Lookup
// failures admit the point; the lock check runs again at apply time.
func (ix *Index) Contains(ctx context.Context, x, y int) (store.RegionLock, bool) {
	locks, err := ix.List(ctx)
	if err != nil {
		monitoring.RecordError(monitoring.ErrorTypePersistence, monitoring.ErrorSeverityWarning)
		ix.logger.Warn().Err(err).Int("x", x).Int("y", y).Msg("Lock lookup failed, admitting edit")
		return store.RegionLock{}, false
	}
	for _, l := range locks {
		if l.Contains(x, y) {
			return l, true
		}
	}
	return store.RegionLock{}, false
}

// Create stamps created_at when unset, writes the lock through, and
// drops the cached list. Bounds validation belongs to the caller.
func (ix *Index) Create(ctx context.Context, lock store.RegionLock) (store.RegionLock, error) {
	if lock.CreatedAt.IsZero() {
		lock.CreatedAt = ix.now().UTC()
	}
	if err := ix.store.PutLock(ctx, lock); err != nil {
		return store.RegionLock{}, err
	}
	ix.invalidate(ctx)
	ix.logger.Info().
		Str("lock_id", lock.ID()).
		Str("locked_by", lock.LockedBy).
		Msg("Region lock created")
	return lock, nil
}

// Remove deletes the lock identified by the rectangle corners and
// drops the cached list.
func (ix *Index) Remove(ctx context.Context, x1, y1, x2, y2 int) error {
	if err := ix.store.DeleteLock(ctx, x1, y1, x2, y2); err != nil {
		return err
	}
	ix.invalidate(ctx)
	ix.logger.Info().
		Str("lock_id", (store.RegionLock{X1: x1, Y1: y1, X2: x2, Y2: y2}).ID()).
		Msg("Region lock removed")
	return nil
}

func (ix *Index) invalidate(ctx context.Context) {
	if err := ix.cache.InvalidateLocks(ctx); err != nil {
		ix.logger.Debug().Err(err).Msg("Lock cache invalidation failed")
	}
}
