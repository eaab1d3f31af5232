package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "wcp:lease:"

// releaseScript deletes the key only while it still names this holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker keeps leases as SET NX PX keys.
type RedisLocker struct {
	client *redis.Client
	holder string
}

// NewRedisLocker connects to the Redis server at url (redis://...).
func NewRedisLocker(ctx context.Context, url, holder string) (*RedisLocker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}
	return &RedisLocker{client: client, holder: holder}, nil
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	key := keyPrefix + name
	tok := token(l.holder)
	ok, err := l.client.SetNX(ctx, key, tok, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{key}, tok).Err()
	}, nil
}

// Close closes the Redis connection.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
