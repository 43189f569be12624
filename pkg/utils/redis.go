package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig controls redis client behavior.
// Keep it config-driven; defaults should be safe and conservative.
type RedisConfig struct {
	Addr string

	// Basic timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Pool tuning
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

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		PoolTimeout:     cfg.PoolTimeout,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

var lineAcquireScript = redis.NewScript(`
-- KEYS[1] = line key
-- ARGV[1] = owner token
-- ARGV[2] = ttl_ms (int)
--
-- Returns:
--  1 if the owner holds the line (fresh or re-entrant)
--  0 if another owner holds it
local holder = redis.call('GET', KEYS[1])
if holder == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
if holder then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

var lineReleaseScript = redis.NewScript(`
-- KEYS[1] = line key
-- ARGV[1] = owner token
-- Delete only if the caller still owns the line.
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// LineLock marks a participant as "on a call" across processes and devices.
//
// Safety properties:
// - Atomic acquire/release using Lua.
// - Release is owner-checked so a stale leg cannot free someone else's line.
// - TTL prevents leaked lines on process crash.
type LineLock struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

func NewLineLock(rdb *redis.Client, ttl time.Duration) *LineLock {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &LineLock{rdb: rdb, ttl: ttl, prefix: "voicecall:line:"}
}

// Acquire claims userID's line for owner. Re-acquiring with the same owner
// refreshes the TTL.
func (l *LineLock) Acquire(ctx context.Context, userID, owner string) (bool, error) {
	if l == nil || l.rdb == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	if userID == "" || owner == "" {
		return false, fmt.Errorf("user id and owner are required")
	}
	res, err := lineAcquireScript.Run(ctx, l.rdb, []string{l.prefix + userID}, owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Release frees userID's line if owner still holds it.
func (l *LineLock) Release(ctx context.Context, userID, owner string) error {
	if l == nil || l.rdb == nil {
		return fmt.Errorf("redis client is nil")
	}
	if userID == "" || owner == "" {
		return fmt.Errorf("user id and owner are required")
	}
	_, err := lineReleaseScript.Run(ctx, l.rdb, []string{l.prefix + userID}, owner).Result()
	return err
}
