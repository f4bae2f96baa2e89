// Package store wraps the hot key/value store (Redis protocol) with the
// typed command subset the engine uses: single-key atomic counters, TTL,
// and server-side script execution over multiple keys.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/adred-codev/seckill/internal/types"
)

// Commands is the hot-store surface consumed by the cache manager, the
// reservation engine, and the reconciler. Tests substitute an in-memory
// implementation.
type Commands interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	DecrBy(ctx context.Context, key string, n int64) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)
	Ping(ctx context.Context) error
}

// Client is the production Commands implementation backed by go-redis.
type Client struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// Config holds hot-store connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewClient connects to the hot store. The pool is sized for expected
// request concurrency; idle connections are evicted by the driver.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.PoolSize / 8,
		ConnMaxIdleTime: 5 * time.Minute,
		DialTimeout:     2 * time.Second,
		ReadTimeout:     500 * time.Millisecond,
		WriteTimeout:    500 * time.Millisecond,
		PoolTimeout:     2 * time.Second,
	})
	return &Client{
		rdb:    rdb,
		logger: logger.With().Str("component", "hot_store").Logger(),
	}
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		return "", c.mapErr("GET", key, err)
	}
	return val, nil
}

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return c.mapErr("SET", key, err)
	}
	return nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return c.mapErr("DEL", strings.Join(keys, ","), err)
	}
	return nil
}

func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, c.mapErr("INCR", key, err)
	}
	return n, nil
}

func (c *Client) Decr(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Decr(ctx, key).Result()
	if err != nil {
		return 0, c.mapErr("DECR", key, err)
	}
	return n, nil
}

func (c *Client) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	v, err := c.rdb.IncrBy(ctx, key, n).Result()
	if err != nil {
		return 0, c.mapErr("INCRBY", key, err)
	}
	return v, nil
}

func (c *Client) DecrBy(ctx context.Context, key string, n int64) (int64, error) {
	v, err := c.rdb.DecrBy(ctx, key, n).Result()
	if err != nil {
		return 0, c.mapErr("DECRBY", key, err)
	}
	return v, nil
}

func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, c.mapErr("TTL", key, err)
	}
	return d, nil
}

// Eval runs a server-side script atomically over the given keys. The store
// executes scripts serially, which is the engine's sole ordering guarantee
// for stock decisions within an activity.
func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	res, err := c.rdb.Eval(ctx, script, keys, args...).Result()
	if err != nil {
		return nil, c.mapErr("EVAL", strings.Join(keys, ","), err)
	}
	return res, nil
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return c.mapErr("PING", "", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// PoolStats exposes driver pool counters for the health endpoint.
func (c *Client) PoolStats() *redis.PoolStats {
	return c.rdb.PoolStats()
}

// mapErr translates driver errors into the engine's outcome taxonomy:
// missing key -> NotFound, type mismatch -> wrong-type parameter error,
// expired deadline -> DeadlineExceeded, anything else -> StoreUnavailable.
func (c *Client) mapErr(op, key string, err error) error {
	switch {
	case errors.Is(err, redis.Nil):
		return types.WrapError(types.CodeNotFound, "key not found: "+key, err)
	case errors.Is(err, context.DeadlineExceeded):
		return types.WrapError(types.CodeDeadlineExceeded, op+" deadline exceeded", err)
	case errors.Is(err, context.Canceled):
		return types.WrapError(types.CodeDeadlineExceeded, op+" canceled", err)
	case strings.HasPrefix(err.Error(), "WRONGTYPE"):
		return types.WrapError(types.CodeInvalidParameter, "wrong value type at "+key, err)
	default:
		c.logger.Error().Err(err).Str("op", op).Str("key", key).Msg("Hot store command failed")
		return types.WrapError(types.CodeStoreUnavailable, op+" failed", err)
	}
}
