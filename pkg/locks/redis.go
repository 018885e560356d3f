// Package locks provides a Redis-backed engine.Leaser for deployments where
// the SQLite lease table is not shared by every broker process.
package locks

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/openfroyo/broker/pkg/engine"
)

// DefaultPrefix namespaces lease keys.
const DefaultPrefix = "broker:lease:"

// acquireScript sets the lease when it is free or already held by the owner.
const acquireScript = `
local cur = redis.call("GET", KEYS[1])
if cur == false or cur == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  return 1
end
return 0
`

const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisConfig configures the Redis lease backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`

	// Prefix namespaces keys; defaults to DefaultPrefix.
	Prefix string `yaml:"prefix"`
}

// RedisLeaser grants leases as Redis keys holding the owner, expiring after
// the lease TTL. Only the owner can extend or delete its key.
type RedisLeaser struct {
	client  *redis.Client
	prefix  string
	acquire *redis.Script
	renew   *redis.Script
	release *redis.Script
}

var _ engine.Leaser = (*RedisLeaser)(nil)

// NewRedisLeaser creates a leaser from cfg.
func NewRedisLeaser(cfg RedisConfig) *RedisLeaser {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisLeaserWithClient(client, cfg.Prefix)
}

// NewRedisLeaserWithClient creates a leaser over an existing client.
func NewRedisLeaserWithClient(client *redis.Client, prefix string) *RedisLeaser {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisLeaser{
		client:  client,
		prefix:  prefix,
		acquire: redis.NewScript(acquireScript),
		renew:   redis.NewScript(renewScript),
		release: redis.NewScript(releaseScript),
	}
}

func (l *RedisLeaser) key(k string) string {
	return l.prefix + k
}

// Acquire implements engine.Leaser.
func (l *RedisLeaser) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("lease ttl must be positive")
	}
	n, err := l.acquire.Run(ctx, l.client, []string{l.key(key)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	return n == 1, nil
}

// Renew implements engine.Leaser.
func (l *RedisLeaser) Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := l.renew.Run(ctx, l.client, []string{l.key(key)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to renew lease %s: %w", key, err)
	}
	return n == 1, nil
}

// Release implements engine.Leaser.
func (l *RedisLeaser) Release(ctx context.Context, key, owner string) error {
	if err := l.release.Run(ctx, l.client, []string{l.key(key)}, owner).Err(); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", key, err)
	}
	return nil
}

// Ping checks the connection.
func (l *RedisLeaser) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (l *RedisLeaser) Close() error {
	return l.client.Close()
}
