package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLocker holds leases as SET NX keys with a TTL, so workers on
// different hosts sharing one assets volume see the same lease.
type RedisLocker struct {
	cli    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisLocker(cli *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	return &RedisLocker{cli: cli, prefix: prefix, ttl: ttl}
}

// NewRedisClient dials addr and checks the connection.
func NewRedisClient(ctx context.Context, addr string, db int) (*redis.Client, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := cli.Ping(ctx).Err(); err != nil {
		cli.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return cli, nil
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (string, error) {
	token := uuid.NewString()
	ok, err := l.cli.SetNX(ctx, l.prefix+key, token, l.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("lease %s: %w", key, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrHeld, key)
	}
	return token, nil
}

var luaUnlock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

func (l *RedisLocker) Unlock(ctx context.Context, key, token string) error {
	_, err := luaUnlock.Run(ctx, l.cli, []string{l.prefix + key}, token).Result()
	return err
}

var luaRenew = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

// Renew pushes the key's expiry a full TTL out if token still owns it.
func (l *RedisLocker) Renew(ctx context.Context, key, token string) error {
	n, err := luaRenew.Run(ctx, l.cli, []string{l.prefix + key}, token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("renew lease %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLost, key)
	}
	return nil
}
