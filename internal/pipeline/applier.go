package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/madkind/pixels/internal/cache"
	"github.com/madkind/pixels/internal/canvas"
	"github.com/madkind/pixels/internal/locks"
	"github.com/madkind/pixels/internal/monitoring"
	"github.com/madkind/pixels/internal/store"
)

// maxPersistRetries bounds how many later flushes re-attempt an edit
// after its batch failed to persist.
const maxPersistRetries = 3

const auditActionPixelUpdate = "pixel_update"

var eraserRGB = [3]byte{255, 255, 255}

// Broadcaster fans one applied batch out to every live subscriber and
// onto the event bus. Implementations must not block the applier.
type Broadcaster interface {
	BroadcastBulkUpdate(pixels []PixelChange, hash string, ts time.Time)
}

type ApplierConfig struct {
	Width  int
	Height int
	// InitColor fills canvases created from scratch. The zero value is
	// black.
	InitColor [3]byte
	Logger    zerolog.Logger
}

// Applier is the single canvas writer. It owns the live bitmap between
// flushes; a batch mutates memory first and storage once. Only the
// flush loop may call Apply.
type Applier struct {
	store store.Store
	cache cache.Cache
	locks *locks.Index
	bc    Broadcaster

	width     int
	height    int
	initColor [3]byte
	logger    zerolog.Logger

	cv          *canvas.Canvas
	lastUpdated time.Time

	now func() time.Time
}

func NewApplier(s store.Store, c cache.Cache, ix *locks.Index, bc Broadcaster, cfg ApplierConfig) *Applier {
	if cfg.Width <= 0 {
		cfg.Width = 900
	}
	if cfg.Height <= 0 {
		cfg.Height = 900
	}
	return &Applier{
		store:     s,
		cache:     c,
		locks:     ix,
		bc:        bc,
		width:     cfg.Width,
		height:    cfg.Height,
		initColor: cfg.InitColor,
		logger:    cfg.Logger.With().Str("component", "applier").Logger(),
		now:       time.Now,
	}
}

// Apply mutates the canvas with one flushed batch in arrival order,
// persists the result, and broadcasts the applied edits. On a persist
// failure the canvas rolls back to its pre-batch state and the edits
// still within their retry budget are returned for the next flush.
func (a *Applier) Apply(ctx context.Context, batch []Edit) []Edit {
	start := time.Now()
	defer func() {
		monitoring.ObserveFlush(len(batch), time.Since(start))
	}()

	a.ensureCanvas(ctx)
	snapshot := a.cv.Snapshot()

	activeLocks, err := a.locks.List(ctx)
	if err != nil {
		// an unreadable lock table admits edits, same as the read path
		a.logger.Warn().Err(err).Msg("Lock list unavailable at apply time")
		activeLocks = nil
	}

	appliedAt := a.now().UTC()
	if appliedAt.Before(a.lastUpdated) {
		// keep last_updated monotone across clock steps
		appliedAt = a.lastUpdated
	}

	applied := make([]PixelChange, 0, len(batch))
	entries := make([]store.AuditEntry, 0, len(batch))

	for _, e := range batch {
		if pointLocked(activeLocks, e.X, e.Y) {
			monitoring.RecordEditReject(monitoring.RejectReasonPositionLocked)
			if e.Origin != nil {
				e.Origin.RejectPixel(e.X, e.Y, RejectLocked)
			}
			continue
		}
		rgb := e.RGB
		if e.Tool == ToolEraser {
			rgb = eraserRGB
		}
		a.cv.Set(e.X, e.Y, rgb)
		applied = append(applied, PixelChange{X: e.X, Y: e.Y, Color: e.Color})
		entries = append(entries, store.AuditEntry{
			Timestamp: appliedAt,
			UserID:    e.UserID,
			Action:    auditActionPixelUpdate,
			Details:   store.AuditDetails{X: e.X, Y: e.Y, Color: e.Color, Tool: e.Tool},
			IPAddress: e.IP,
		})
	}

	if len(applied) == 0 {
		return nil
	}

	hash := a.cv.Hash()

	if err := a.store.SaveCanvas(ctx, a.cv.Bytes(), hash, appliedAt); err != nil {
		a.cv.Restore(snapshot)
		return a.scheduleRetry(batch, err)
	}
	a.lastUpdated = appliedAt

	if err := a.cache.SetCanvas(ctx, &store.CanvasRecord{
		Bitmap:      a.cv.Bytes(),
		Hash:        hash,
		LastUpdated: appliedAt,
	}); err != nil {
		a.logger.Debug().Err(err).Msg("Canvas cache refresh failed")
	}

	if err := a.store.AppendAudit(ctx, entries); err != nil {
		monitoring.RecordError(monitoring.ErrorTypePersistence, monitoring.ErrorSeverityWarning)
		a.logger.Error().Err(err).Int("entries", len(entries)).Msg("Audit append failed")
	}

	a.bc.BroadcastBulkUpdate(applied, hash, appliedAt)

	a.logger.Debug().
		Int("batch_size", len(batch)).
		Int("applied", len(applied)).
		Str("hash", hash).
		Msg("Flush applied")
	return nil
}

// Canvas returns the live bitmap. Snapshot readers must not hold the
// result across flushes; it is only safe on the flush goroutine.
func (a *Applier) Canvas(ctx context.Context) *canvas.Canvas {
	a.ensureCanvas(ctx)
	return a.cv
}

// ensureCanvas loads the live bitmap once: cache, then store, then a
// fresh zero canvas. Load failures are logged and treated as missing.
func (a *Applier) ensureCanvas(ctx context.Context) {
	if a.cv != nil {
		return
	}
	if rec, err := a.cache.GetCanvas(ctx); err == nil {
		if cv, err := canvas.FromBytes(a.width, a.height, rec.Bitmap); err == nil {
			monitoring.RecordCacheHit("canvas")
			a.cv = cv
			a.lastUpdated = rec.LastUpdated
			return
		}
	}
	monitoring.RecordCacheMiss("canvas")

	rec, err := a.store.LoadCanvas(ctx)
	switch {
	case err == nil:
		if cv, err := canvas.FromBytes(a.width, a.height, rec.Bitmap); err == nil {
			a.cv = cv
			a.lastUpdated = rec.LastUpdated
			return
		}
		a.logger.Warn().Int("bytes", len(rec.Bitmap)).Msg("Persisted canvas has unexpected size, starting fresh")
	case errors.Is(err, store.ErrCanvasMissing):
		// first boot
	default:
		monitoring.RecordError(monitoring.ErrorTypePersistence, monitoring.ErrorSeverityWarning)
		a.logger.Error().Err(err).Msg("Canvas load failed, starting from zero canvas")
	}
	a.cv = canvas.New(a.width, a.height, a.initColor)
}

// scheduleRetry splits a failed batch into edits that ride the next
// flush and edits that exhausted their budget, which get a terminal
// reject instead.
func (a *Applier) scheduleRetry(batch []Edit, cause error) []Edit {
	monitoring.RecordError(monitoring.ErrorTypePersistence, monitoring.ErrorSeverityCritical)

	var retry []Edit
	abandoned := 0
	for _, e := range batch {
		if e.attempts < maxPersistRetries {
			e.attempts++
			retry = append(retry, e)
			continue
		}
		abandoned++
		monitoring.RecordEditReject(monitoring.RejectReasonPersistFailed)
		if e.Origin != nil {
			e.Origin.RejectPixel(e.X, e.Y, RejectPersistFailed)
		}
	}
	if len(retry) > 0 {
		monitoring.IncrementPersistRetries()
	}
	if abandoned > 0 {
		monitoring.IncrementPersistFailures()
	}

	a.logger.Error().Err(cause).
		Int("batch_size", len(batch)).
		Int("retrying", len(retry)).
		Int("abandoned", abandoned).
		Msg("Canvas persist failed, rolled back")
	return retry
}

func pointLocked(locks []store.RegionLock, x, y int) bool {
	for i := range locks {
		if locks[i].Contains(x, y) {
			return true
		}
	}
	return false
}
