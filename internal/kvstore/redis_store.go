package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// Lua scripts run atomically on the Redis server.
var (
	slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local ts = now
  if oldest[2] then ts = tonumber(oldest[2]) end
  return {0, count, ts}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, count + 1, 0}
`)

	capIncrScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local delta = tonumber(ARGV[1])
local cap = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
if cap >= 0 and cur + delta > cap then
  return {0, cur}
end
local v = redis.call('INCRBY', KEYS[1], delta)
if ttl > 0 and redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return {1, v}
`)

	deleteIfEqualScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
)

// RedisStore implements Store on a Redis server.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to url (redis://host:port/db) and verifies the
// connection.
func NewRedisStore(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	s := &RedisStore{client: redis.NewClient(opts), prefix: prefix}
	if err := s.PingContext(ctx); err != nil {
		_ = s.client.Close()
		return nil, err
	}
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) k(key string) string { return s.prefix + key }

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.k(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return b, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.k(key), value, ttl).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.k(key), value, ttl).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return ok, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.k(key)).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *RedisStore) DeleteIfEqual(ctx context.Context, key string, value []byte) (bool, error) {
	n, err := deleteIfEqualScript.Run(ctx, s.client, []string{s.k(key)}, value).Int64()
	if err != nil {
		return false, unavailable(err)
	}
	return n == 1, nil
}

func (s *RedisStore) CapIncrBy(ctx context.Context, key string, delta, limit int64, ttl time.Duration) (int64, bool, error) {
	res, err := capIncrScript.Run(ctx, s.client, []string{s.k(key)}, delta, limit, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, false, unavailable(err)
	}
	vals, err := int64s(res, 2)
	if err != nil {
		return 0, false, err
	}
	return vals[1], vals[0] == 1, nil
}

func (s *RedisStore) SlidingWindowAdd(ctx context.Context, key string, now time.Time, window time.Duration, limit int, member string) (WindowResult, error) {
	nowMs := now.UnixMilli()
	res, err := slidingWindowScript.Run(ctx, s.client, []string{s.k(key)},
		nowMs, window.Milliseconds(), limit, strconv.FormatInt(nowMs, 10)+":"+member).Result()
	if err != nil {
		return WindowResult{}, unavailable(err)
	}
	vals, err := int64s(res, 3)
	if err != nil {
		return WindowResult{}, err
	}
	out := WindowResult{Allowed: vals[0] == 1, Count: int(vals[1])}
	if !out.Allowed {
		out.Oldest = time.UnixMilli(vals[2])
	}
	return out, nil
}

func (s *RedisStore) PingContext(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func int64s(res interface{}, n int) ([]int64, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) != n {
		return nil, fmt.Errorf("kvstore: unexpected script reply %v", res)
	}
	out := make([]int64, n)
	for i, v := range arr {
		iv, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("kvstore: unexpected script reply element %v", v)
		}
		out[i] = iv
	}
	return out, nil
}

func parseInt(b []byte) (int64, error) {
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("kvstore: value is not an integer: %w", err)
	}
	return v, nil
}
