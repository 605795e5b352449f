package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/madkind/pixels/internal/canvas"
	"github.com/madkind/pixels/internal/store"
)

// incrWithTTL stamps the window TTL atomically with the increment that
// creates the key, so a crash between INCR and EXPIRE cannot leave a
// counter that never resets.
var incrWithTTL = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return count
`)

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	CanvasTTL time.Duration
	LocksTTL  time.Duration
}

// Redis is the production cache tier. The canvas lives in a hash at
// canvas:state (bitmap gzip-compressed), the lock list as JSON at
// canvas:locks, and rate counters under rate_limit:pixels:*.
type Redis struct {
	client *redis.Client
	cfg    RedisConfig
	logger zerolog.Logger
}

func NewRedis(cfg RedisConfig, logger zerolog.Logger) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	r := &Redis{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "cache").Logger(),
	}

	// A dead cache is degraded service, not a startup failure.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		r.logger.Warn().Err(err).Str("addr", cfg.Addr).Msg("Redis unreachable, starting degraded")
	} else {
		r.logger.Info().Str("addr", cfg.Addr).Msg("Redis cache connected")
	}
	return r
}

func (r *Redis) GetCanvas(ctx context.Context) (*store.CanvasRecord, error) {
	vals, err := r.client.HGetAll(ctx, keyCanvas).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: get canvas: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrMiss
	}
	raw, err := canvas.Decompress([]byte(vals["bitmap"]))
	if err != nil {
		return nil, fmt.Errorf("cache: get canvas: %w", err)
	}
	last, _ := time.Parse(time.RFC3339Nano, vals["last_updated"])
	return &store.CanvasRecord{
		Bitmap:      raw,
		Hash:        vals["hash"],
		LastUpdated: last,
	}, nil
}

func (r *Redis) SetCanvas(ctx context.Context, rec *store.CanvasRecord) error {
	stored, err := canvas.Compress(rec.Bitmap)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, keyCanvas, map[string]interface{}{
		"bitmap":       stored,
		"hash":         rec.Hash,
		"last_updated": rec.LastUpdated.UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, keyCanvas, r.cfg.CanvasTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: set canvas: %w", err)
	}
	return nil
}

func (r *Redis) GetLocks(ctx context.Context) ([]store.RegionLock, error) {
	data, err := r.client.Get(ctx, keyLocks).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get locks: %w", err)
	}
	var locks []store.RegionLock
	if err := json.Unmarshal(data, &locks); err != nil {
		return nil, fmt.Errorf("cache: decode locks: %w", err)
	}
	return locks, nil
}

func (r *Redis) SetLocks(ctx context.Context, locks []store.RegionLock) error {
	data, err := json.Marshal(locks)
	if err != nil {
		return fmt.Errorf("cache: encode locks: %w", err)
	}
	if err := r.client.Set(ctx, keyLocks, data, r.cfg.LocksTTL).Err(); err != nil {
		return fmt.Errorf("cache: set locks: %w", err)
	}
	return nil
}

func (r *Redis) InvalidateLocks(ctx context.Context) error {
	if err := r.client.Del(ctx, keyLocks).Err(); err != nil {
		return fmt.Errorf("cache: invalidate locks: %w", err)
	}
	return nil
}

func (r *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := incrWithTTL.Run(ctx, r.client, []string{key}, int(ttl.Seconds())).Int64()
	if err != nil {
		return 0, fmt.Errorf("cache: incr %s: %w", key, err)
	}
	return count, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
