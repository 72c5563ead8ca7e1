package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time check that Redis implements Gateway.
var _ Gateway = (*Redis)(nil)

// deleteIfScript deletes KEYS[1] only when it still holds ARGV[1].
var deleteIfScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisOptions configures the Redis gateway.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Redis is a gateway shared between processes. Add maps to SET NX and
// DeleteIf to a compare-and-delete script, so the refresh lock holds across
// replicas.
type Redis struct {
	client redis.UniversalClient
	prefix string
	owned  bool
}

// NewRedis connects to the server described by opts and pings it.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	r := NewRedisFromClient(client, opts.Prefix)
	r.owned = true
	return r, nil
}

// NewRedisFromClient wraps an existing client. Close does not close it.
func NewRedisFromClient(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.prefix+key, value, redisTTL(ttl)).Err()
}

func (r *Redis) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.prefix+key, value, redisTTL(ttl)).Result()
}

func (r *Redis) DeleteIf(ctx context.Context, key string, value []byte) (bool, error) {
	n, err := deleteIfScript.Run(ctx, r.client, []string{r.prefix + key}, value).Int64()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}

func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}

// redisTTL maps "no expiry" to go-redis' zero expiration. Sub-millisecond
// TTLs are rounded up so they do not silently become permanent.
func redisTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	if ttl < time.Millisecond {
		return time.Millisecond
	}
	return ttl
}
