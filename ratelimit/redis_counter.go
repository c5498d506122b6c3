package ratelimit

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisConfig holds the connection settings for the shared counter store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	TLS      bool   `mapstructure:"tls"`
}

// RedisCounter keeps window counters in Redis so the cap is shared across
// replicas.
type RedisCounter struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedisCounter(cfg RedisConfig) (*RedisCounter, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("rate_limit.redis.addr is required when rate limiting is enabled")
	}

	opts := &redis.Options{
		Addr:         cfg.Addr,
		DB:           cfg.DB,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return &RedisCounter{
		client:  redis.NewClient(opts),
		timeout: 50 * time.Millisecond,
	}, nil
}

// Incr bumps the window counter and guarantees it carries a TTL. The expiry is
// padded by one second to cover clock skew between replicas. EXPIRE runs with
// NX on every hit rather than only the first, so a key whose expiry was lost to
// a partial failure gets repaired instead of leaking forever.
func (c *RedisCounter) Incr(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	pipe := c.client.Pipeline()
	count := pipe.Incr(opCtx, key)
	pipe.ExpireNX(opCtx, key, expiry+time.Second)
	if _, err := pipe.Exec(opCtx); err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return count.Val(), nil
}

// Close releases the connection pool.
func (c *RedisCounter) Close() error {
	return c.client.Close()
}
