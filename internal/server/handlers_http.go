package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/madkind/pixels/internal/cache"
	"github.com/madkind/pixels/internal/canvas"
	"github.com/madkind/pixels/internal/events"
	"github.com/madkind/pixels/internal/limits"
	"github.com/madkind/pixels/internal/monitoring"
	"github.com/madkind/pixels/internal/store"
)

const (
	auditDefaultLimit = 100
	auditMaxLimit     = 1000

	healthCheckTimeout = 2 * time.Second
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// withIPLimit guards an endpoint with a per-IP budget.
func (sv *Server) withIPLimit(l *limits.IPLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(getClientIP(r)) {
			monitoring.IncrementHTTPRateLimited()
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func (sv *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Pixels Collaborative Canvas API"})
}

// handleHealth reports per-dependency health. The durable store is
// load-bearing; cache and event bus outages only degrade.
func (sv *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := "healthy"
	warnings := []string{}
	errs := []string{}
	checks := map[string]any{}

	degrade := func(msg string) {
		warnings = append(warnings, msg)
		if status == "healthy" {
			status = "degraded"
		}
	}
	fail := func(msg string) {
		errs = append(errs, msg)
		status = "unhealthy"
	}

	if err := sv.store.Ping(ctx); err != nil {
		checks["store"] = map[string]any{"backend": sv.cfg.StoreBackend(), "healthy": false}
		fail("store unreachable: " + err.Error())
	} else {
		checks["store"] = map[string]any{"backend": sv.cfg.StoreBackend(), "healthy": true}
	}

	if sv.cfg.RedisAddr == "" {
		checks["redis"] = map[string]any{"enabled": false, "healthy": true}
	} else if err := sv.cache.Ping(ctx); err != nil {
		checks["redis"] = map[string]any{"enabled": true, "healthy": false}
		degrade("redis unreachable: " + err.Error())
	} else {
		checks["redis"] = map[string]any{"enabled": true, "healthy": true}
	}

	if !sv.events.Enabled() {
		checks["nats"] = map[string]any{"enabled": false, "healthy": true}
	} else if connected := sv.events.Connected(); !connected {
		checks["nats"] = map[string]any{"enabled": true, "healthy": false}
		degrade("nats disconnected")
	} else {
		checks["nats"] = map[string]any{"enabled": true, "healthy": true}
	}

	current := sv.hub.Count()
	utilization := float64(current) / float64(sv.cfg.MaxConnections) * 100
	capacityHealthy := utilization < 90
	checks["capacity"] = map[string]any{
		"current_connections": current,
		"max_connections":     sv.cfg.MaxConnections,
		"utilization_percent": math.Round(utilization*100) / 100,
		"healthy":             capacityHealthy,
	}
	if !capacityHealthy {
		degrade(fmt.Sprintf("connection capacity at %.1f%%", utilization))
	}

	memMB, cpuPercent, goroutines := sv.collector.Snapshot()
	checks["memory"] = map[string]any{"rss_mb": math.Round(memMB*100) / 100, "healthy": true}
	checks["cpu"] = map[string]any{"percent": math.Round(cpuPercent*100) / 100, "healthy": true}
	checks["goroutines"] = map[string]any{"count": goroutines, "healthy": true}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":         status,
		"healthy":        status != "unhealthy",
		"checks":         checks,
		"warnings":       warnings,
		"errors":         errs,
		"uptime_seconds": math.Round(time.Since(sv.startedAt).Seconds()),
		"timestamp":      wireTime(time.Now()),
	})
}

// canvasStateResponse is the GET /canvas body. Bitmap is the
// gzip-compressed pixel buffer; encoding/json renders it as base64.
type canvasStateResponse struct {
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	Bitmap      []byte    `json:"bitmap"`
	Hash        string    `json:"hash"`
	LastUpdated time.Time `json:"last_updated"`
}

func (sv *Server) handleCanvas(w http.ResponseWriter, r *http.Request) {
	rec, err := sv.canvasRecord(r.Context(), true)
	if err != nil {
		sv.logger.Error().Err(err).Msg("Canvas fetch failed")
		http.Error(w, "Canvas unavailable", http.StatusServiceUnavailable)
		return
	}
	compressed, err := canvas.Compress(rec.Bitmap)
	if err != nil {
		http.Error(w, "Canvas unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, canvasStateResponse{
		Width:       sv.cfg.CanvasWidth,
		Height:      sv.cfg.CanvasHeight,
		Bitmap:      compressed,
		Hash:        rec.Hash,
		LastUpdated: rec.LastUpdated,
	})
}

func (sv *Server) handleCanvasImage(w http.ResponseWriter, r *http.Request) {
	rec, err := sv.canvasRecord(r.Context(), false)
	if err != nil {
		sv.logger.Error().Err(err).Msg("Canvas fetch failed")
		http.Error(w, "Canvas unavailable", http.StatusServiceUnavailable)
		return
	}
	cv, err := canvas.FromBytes(sv.cfg.CanvasWidth, sv.cfg.CanvasHeight, rec.Bitmap)
	if err != nil {
		sv.logger.Error().Err(err).Msg("Stored canvas does not match configured dimensions")
		http.Error(w, "Canvas unavailable", http.StatusInternalServerError)
		return
	}
	png, err := cv.PNG()
	if err != nil {
		http.Error(w, "Canvas unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// canvasRecord reads the canvas cache-first with a store fallback. When
// nothing has been persisted yet it synthesizes the initial canvas;
// persistOnMiss additionally writes it through so every surface agrees
// on the initial hash.
func (sv *Server) canvasRecord(ctx context.Context, persistOnMiss bool) (*store.CanvasRecord, error) {
	rec, err := sv.cache.GetCanvas(ctx)
	if err == nil {
		monitoring.RecordCacheHit("canvas")
		return rec, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		sv.logger.Debug().Err(err).Msg("Canvas cache read failed")
	}
	monitoring.RecordCacheMiss("canvas")

	rec, err = sv.store.LoadCanvas(ctx)
	switch {
	case err == nil:
		if cacheErr := sv.cache.SetCanvas(ctx, rec); cacheErr != nil {
			sv.logger.Debug().Err(cacheErr).Msg("Canvas cache write failed")
		}
		return rec, nil
	case errors.Is(err, store.ErrCanvasMissing):
	default:
		return nil, err
	}

	cv := canvas.New(sv.cfg.CanvasWidth, sv.cfg.CanvasHeight, sv.cfg.InitColorRGB())
	rec = &store.CanvasRecord{
		Bitmap:      cv.Bytes(),
		Hash:        cv.Hash(),
		LastUpdated: time.Now().UTC(),
	}
	if !persistOnMiss {
		return rec, nil
	}
	if err := sv.store.SaveCanvas(ctx, rec.Bitmap, rec.Hash, rec.LastUpdated); err != nil {
		return nil, err
	}
	if cacheErr := sv.cache.SetCanvas(ctx, rec); cacheErr != nil {
		sv.logger.Debug().Err(cacheErr).Msg("Canvas cache write failed")
	}
	return rec, nil
}

type paletteColor struct {
	Color string `json:"color"`
}

type paletteResponse struct {
	Colors    []paletteColor `json:"colors"`
	MaxColors int            `json:"max_colors"`
}

func (sv *Server) handlePalette(w http.ResponseWriter, r *http.Request) {
	colors := make([]paletteColor, len(canvas.Palette))
	for i, c := range canvas.Palette {
		colors[i] = paletteColor{Color: c}
	}
	writeJSON(w, http.StatusOK, paletteResponse{Colors: colors, MaxColors: len(canvas.Palette)})
}

func (sv *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := auditDefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, auditMaxLimit)
	}
	entries, err := sv.store.ReadAudit(r.Context(), limit)
	if err != nil {
		sv.logger.Error().Err(err).Msg("Audit read failed")
		http.Error(w, "Audit log unavailable", http.StatusServiceUnavailable)
		return
	}
	if entries == nil {
		entries = []store.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (sv *Server) handleListLocks(w http.ResponseWriter, r *http.Request) {
	list, err := sv.locks.List(r.Context())
	if err != nil {
		sv.logger.Error().Err(err).Msg("Lock list failed")
		http.Error(w, "Locks unavailable", http.StatusServiceUnavailable)
		return
	}
	if list == nil {
		list = []store.RegionLock{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (sv *Server) handleCreateLock(w http.ResponseWriter, r *http.Request) {
	var lock store.RegionLock
	if err := json.NewDecoder(r.Body).Decode(&lock); err != nil {
		http.Error(w, "Invalid lock body", http.StatusBadRequest)
		return
	}
	if err := lock.Validate(sv.cfg.CanvasWidth, sv.cfg.CanvasHeight); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	created, err := sv.locks.Create(r.Context(), lock)
	if err != nil {
		sv.logger.Error().Err(err).Msg("Lock create failed")
		http.Error(w, "Failed to create lock", http.StatusInternalServerError)
		return
	}
	sv.events.PublishLockEvent(events.LockCreated, created, time.Now())
	writeJSON(w, http.StatusOK, map[string]string{"message": "Region lock created"})
}

func (sv *Server) handleRemoveLock(w http.ResponseWriter, r *http.Request) {
	var coords [4]int
	for i, name := range []string{"x1", "y1", "x2", "y2"} {
		v, err := strconv.Atoi(r.PathValue(name))
		if err != nil {
			http.Error(w, "Lock coordinates must be integers", http.StatusBadRequest)
			return
		}
		coords[i] = v
	}
	if err := sv.locks.Remove(r.Context(), coords[0], coords[1], coords[2], coords[3]); err != nil {
		sv.logger.Error().Err(err).Msg("Lock remove failed")
		http.Error(w, "Failed to remove lock", http.StatusInternalServerError)
		return
	}
	removed := store.RegionLock{X1: coords[0], Y1: coords[1], X2: coords[2], Y2: coords[3]}
	sv.events.PublishLockEvent(events.LockRemoved, removed, time.Now())
	writeJSON(w, http.StatusOK, map[string]string{"message": "Region lock removed"})
}
