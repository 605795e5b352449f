package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/madkind/pixels/internal/cache"
	"github.com/madkind/pixels/internal/config"
	"github.com/madkind/pixels/internal/events"
	"github.com/madkind/pixels/internal/limits"
	"github.com/madkind/pixels/internal/locks"
	"github.com/madkind/pixels/internal/monitoring"
	"github.com/madkind/pixels/internal/pipeline"
	"github.com/madkind/pixels/internal/store"
)

// Server owns every long-lived component: storage, cache, the edit
// pipeline, the subscriber hub, and the HTTP listener in front of them.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	store  store.Store
	cache  cache.Cache
	events *events.Publisher
	locks  *locks.Index

	limiter     *limits.EditLimiter
	bucket      *limits.BucketLimiter
	connLimiter *limits.ConnLimiter
	canvasLimit *limits.IPLimiter
	imageLimit  *limits.IPLimiter
	auditLimit  *limits.IPLimiter

	batcher *pipeline.Batcher
	hub     *Hub

	collector *monitoring.Collector
	http      *http.Server

	startedAt time.Time
	draining  atomic.Bool
}

// New constructs the server and all of its dependencies from config.
// The context bounds backend setup (DynamoDB table checks, NATS dial).
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	var st store.Store
	if cfg.UseMemoryStore {
		logger.Warn().Msg("Using in-memory store; canvas will not survive restarts")
		st = store.NewMemory()
	} else {
		dynamo, err := store.NewDynamo(ctx, store.DynamoConfig{
			Region:      cfg.DynamoRegion,
			Endpoint:    cfg.DynamoEndpoint,
			CanvasTable: cfg.DynamoCanvasTable,
			AuditTable:  cfg.DynamoAuditTable,
			LocksTable:  cfg.DynamoLocksTable,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("dynamodb: %w", err)
		}
		st = dynamo
	}

	var ca cache.Cache
	if cfg.RedisAddr == "" {
		logger.Info().Msg("Redis not configured, cache tier disabled")
		ca = cache.Noop{}
	} else {
		ca = cache.NewRedis(cache.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			CanvasTTL: cfg.CanvasCacheTTL,
			LocksTTL:  cfg.LockCacheTTL,
		}, logger)
	}

	ev, err := events.NewPublisher(events.Config{URL: cfg.NATSURL}, logger)
	if err != nil {
		return nil, fmt.Errorf("nats: %w", err)
	}

	lockIndex := locks.NewIndex(ca, st, logger)

	bucket := limits.NewBucketLimiter(limits.BucketLimiterConfig{
		Capacity:     cfg.BucketCapacity,
		RefillPerSec: cfg.BucketRefillPerSec,
		IdleTTL:      cfg.BucketIdleTTL,
		Logger:       logger,
	})
	window := limits.NewWindowLimiter(ca, limits.WindowLimiterConfig{
		MaxPerWindow: cfg.MinuteWindowMax,
		Window:       time.Minute,
		Logger:       logger,
	})

	hub := NewHub(cfg.SubscriberQueueCap, ev, logger)

	applier := pipeline.NewApplier(st, ca, lockIndex, hub, pipeline.ApplierConfig{
		Width:     cfg.CanvasWidth,
		Height:    cfg.CanvasHeight,
		InitColor: cfg.InitColorRGB(),
		Logger:    logger,
	})
	batcher := pipeline.NewBatcher(applier, pipeline.BatcherConfig{
		FlushInterval: cfg.FlushInterval,
		MaxBuffer:     cfg.MaxBatchBuffer,
		Logger:        logger,
	})

	monitoring.SetMaxConnections(cfg.MaxConnections)

	sv := &Server{
		cfg:         cfg,
		logger:      logger,
		store:       st,
		cache:       ca,
		events:      ev,
		locks:       lockIndex,
		limiter:     limits.NewEditLimiter(bucket, window),
		bucket:      bucket,
		connLimiter: limits.NewConnLimiter(limits.ConnLimiterConfig{Logger: logger}),
		canvasLimit: limits.PerMinute(10, logger),
		imageLimit:  limits.PerMinute(5, logger),
		auditLimit:  limits.PerMinute(5, logger),
		batcher:     batcher,
		hub:         hub,
		collector:   monitoring.NewCollector(cfg.MetricsInterval, logger),
		startedAt:   time.Now(),
	}
	sv.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      sv.routes(),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
	}
	return sv, nil
}

func (sv *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", sv.handleRoot)
	mux.HandleFunc("/health", sv.handleHealth)
	mux.HandleFunc("GET /canvas", sv.withIPLimit(sv.canvasLimit, sv.handleCanvas))
	mux.HandleFunc("GET /canvas/image", sv.withIPLimit(sv.imageLimit, sv.handleCanvasImage))
	mux.HandleFunc("GET /palette", sv.handlePalette)
	mux.HandleFunc("GET /audit", sv.withIPLimit(sv.auditLimit, sv.handleAudit))
	mux.HandleFunc("GET /locks", sv.handleListLocks)
	mux.HandleFunc("POST /locks", sv.handleCreateLock)
	mux.HandleFunc("DELETE /locks/{x1}/{y1}/{x2}/{y2}", sv.handleRemoveLock)
	mux.HandleFunc("GET /metrics", monitoring.HandleMetrics)
	mux.HandleFunc("GET /ws", sv.handleWebSocket)
	return mux
}

// Start launches the flush loop and serves HTTP until the listener
// closes. It blocks; run Shutdown from another goroutine.
func (sv *Server) Start(ctx context.Context) error {
	sv.collector.Start()
	// Flushes must survive the signal context; Shutdown drains them.
	sv.batcher.Start(context.WithoutCancel(ctx))

	sv.logger.Info().
		Str("addr", sv.cfg.Addr).
		Int("canvas_width", sv.cfg.CanvasWidth).
		Int("canvas_height", sv.cfg.CanvasHeight).
		Msg("Server listening")

	if err := sv.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in order: stop accepting, final flush (which enqueues
// the last broadcast), close subscribers with a going-away frame, join
// writers, then release backends.
func (sv *Server) Shutdown(ctx context.Context) error {
	sv.logger.Info().Msg("Shutting down")
	sv.draining.Store(true)

	if err := sv.http.Shutdown(ctx); err != nil {
		sv.logger.Warn().Err(err).Msg("HTTP shutdown did not complete cleanly")
	}

	sv.batcher.Stop()
	sv.hub.Shutdown()

	sv.bucket.Stop()
	sv.connLimiter.Stop()
	sv.canvasLimit.Stop()
	sv.imageLimit.Stop()
	sv.auditLimit.Stop()
	sv.collector.Stop()
	sv.events.Close()
	if closer, ok := sv.cache.(io.Closer); ok {
		_ = closer.Close()
	}

	sv.logger.Info().Msg("Shutdown complete")
	return nil
}
