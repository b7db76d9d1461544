package kv

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/pkg/errors"

	spikeerrors "github.com/FancyFong/redis-distributed-lock/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

var casScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    redis.call("SET", KEYS[1], ARGV[2])
    return 1
else
    return 0
end
`)

var cadScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// RedisStore implements Store using a Redis backend. Conditional updates run
// as Lua scripts so each one is a single atomic round trip.
type RedisStore struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, timeout: o.timeout}
}

// translate maps transport failures onto the shared sentinels. Every failure
// is an ErrStoreUnavailable; timeouts and closed clients are also tagged
// with their specific sentinel.
func translate(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return spikeerrors.Unavailable(spikeerrors.ErrTimeout)
	case errors.Is(err, redis.ErrClosed):
		return spikeerrors.Unavailable(spikeerrors.ErrConnectionClosed)
	case errors.Is(err, context.Canceled):
		return err
	}
	return spikeerrors.Unavailable(err)
}

func (s *RedisStore) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, translate(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return cctx, cancel, nil
}

// SetNX implements Store.SetNX.
func (s *RedisStore) SetNX(ctx context.Context, key, value string) (bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	ok, err := s.client.SetNX(cctx, key, value, 0).Result()
	if err != nil {
		return false, translate(err)
	}
	return ok, nil
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return "", false, err
	}
	defer cancel()
	v, err := s.client.Get(cctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, translate(err)
	}
	return v, true, nil
}

// GetSet implements Store.GetSet.
func (s *RedisStore) GetSet(ctx context.Context, key, value string) (string, bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return "", false, err
	}
	defer cancel()
	prev, err := s.client.GetSet(cctx, key, value).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, translate(err)
	}
	return prev, true, nil
}

// CompareAndSwap implements Store.CompareAndSwap.
func (s *RedisStore) CompareAndSwap(ctx context.Context, key, old, value string) (bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := casScript.Run(cctx, s.client, []string{key}, old, value).Int64()
	if err != nil && err != redis.Nil {
		return false, translate(err)
	}
	return n == 1, nil
}

// CompareAndDelete implements Store.CompareAndDelete.
func (s *RedisStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := cadScript.Run(cctx, s.client, []string{key}, expected).Int64()
	if err != nil && err != redis.Nil {
		return false, translate(err)
	}
	return n == 1, nil
}

// Delete implements Store.Delete.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return translate(s.client.Del(cctx, key).Err())
}
