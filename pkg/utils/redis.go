package utils

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig controls redis client behavior.
// Zero values fall back to conservative defaults.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TLS      bool

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	PoolSize        int
	MinIdleConns    int
	PoolTimeout     time.Duration
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 20
	}
	if out.MinIdleConns < 0 {
		out.MinIdleConns = 0
	}
	if out.PoolTimeout <= 0 {
		out.PoolTimeout = 4 * time.Second
	}
	if out.ConnMaxIdleTime <= 0 {
		out.ConnMaxIdleTime = 5 * time.Minute
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 30 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

func (c RedisConfig) options() *redis.Options {
	opts := &redis.Options{
		Addr:            c.Addr,
		Password:        c.Password,
		DB:              c.DB,
		DialTimeout:     c.DialTimeout,
		ReadTimeout:     c.ReadTimeout,
		WriteTimeout:    c.WriteTimeout,
		PoolSize:        c.PoolSize,
		MinIdleConns:    c.MinIdleConns,
		PoolTimeout:     c.PoolTimeout,
		ConnMaxIdleTime: c.ConnMaxIdleTime,
		ConnMaxLifetime: c.ConnMaxLifetime,
	}
	if c.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	if cfg.DB < 0 {
		return nil, fmt.Errorf("redis db must be >= 0, got %d", cfg.DB)
	}

	rdb := redis.NewClient(cfg.options())

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// Slots are leases in a sorted set scored by expiry, so a holder that dies
// without releasing only blocks its own slot until the lease runs out.
var acquireSlotScript = redis.NewScript(`
-- KEYS[1] = slot set
-- ARGV[1] = holder, ARGV[2] = limit, ARGV[3] = now_ms, ARGV[4] = ttl_ms
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[3])
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  redis.call('ZADD', KEYS[1], tonumber(ARGV[3]) + tonumber(ARGV[4]), ARGV[1])
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
  return 1
end
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZADD', KEYS[1], tonumber(ARGV[3]) + tonumber(ARGV[4]), ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// AcquireSlot leases one of limit slots under key for holder. Re-acquiring an
// already held slot extends its lease. Used for cross-instance caps such as
// concurrent long-polls per recipient.
func AcquireSlot(ctx context.Context, rdb redis.Scripter, key, holder string, limit int, ttl time.Duration) (bool, error) {
	switch {
	case rdb == nil:
		return false, errors.New("redis client is nil")
	case key == "" || holder == "":
		return false, errors.New("key and holder are required")
	case limit <= 0:
		return false, errors.New("limit must be > 0")
	case ttl <= 0:
		return false, errors.New("ttl must be > 0")
	}

	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	res, err := acquireSlotScript.Run(ctx, rdb, []string{key}, holder, limit, now, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire slot %s: %w", key, err)
	}
	return res == 1, nil
}

// ReleaseSlot returns holder's slot. Releasing an expired or unknown holder is a no-op.
func ReleaseSlot(ctx context.Context, rdb redis.Cmdable, key, holder string) error {
	if rdb == nil {
		return errors.New("redis client is nil")
	}
	if err := rdb.ZRem(ctx, key, holder).Err(); err != nil {
		return fmt.Errorf("release slot %s: %w", key, err)
	}
	return nil
}
