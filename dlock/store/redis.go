package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// The conditional mutations run as server-side scripts since Redis has no
// native compare-and-expire/compare-and-delete commands. Acquisition needs
// no script: SET NX PX is already atomic.
var (
	expireScript = redis.NewScript(`
if redis.call('get', KEYS[1]) ~= ARGV[1] or redis.call('pttl', KEYS[1]) < 0 then
    return 0
end
redis.call('pexpire', KEYS[1], ARGV[2])
return 1
`)

	extendScript = redis.NewScript(`
if redis.call('get', KEYS[1]) ~= ARGV[1] then
    return 0
end
local remaining = redis.call('pttl', KEYS[1])
if remaining < 0 then
    return 0
end
redis.call('pexpire', KEYS[1], remaining + ARGV[2])
return 1
`)

	deleteScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('del', KEYS[1])
else
    return 0
end
`)
)

// RedisStore implements Store on top of a Redis deployment.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a Store backed by the given Redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, token, ttl).Result()
}

func (s *RedisStore) CompareAndExpire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return s.runScript(ctx, expireScript, key, token, ttl.Milliseconds())
}

func (s *RedisStore) CompareAndExtend(ctx context.Context, key, token string, add time.Duration) (bool, error) {
	return s.runScript(ctx, extendScript, key, token, add.Milliseconds())
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	res, err := deleteScript.Run(ctx, s.client, []string{key}, token).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (s *RedisStore) runScript(ctx context.Context, script *redis.Script, key, token string, millis int64) (bool, error) {
	res, err := script.Run(ctx, s.client, []string{key}, token, millis).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
