package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// Re-entrant acquire. Returns {1, owner} when acquired or refreshed,
	// {0, holder} otherwise. Expiry is delegated to the key TTL.
	redisAcquireLua = `
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if (not cur) or cur == owner then
	redis.call('PSETEX', key, ttlms, owner)
	return {1, owner}
end
return {0, cur}
`

	// Returns {1, ''} when released or missing, {0, holder} otherwise.
	redisReleaseLua = `
local key = KEYS[1]
local owner = ARGV[1]

local cur = redis.call('GET', key)
if not cur then
	return {1, ''}
end
if cur == owner then
	redis.call('DEL', key)
	return {1, ''}
end
return {0, cur}
`
)

// RedisLocker stores each lease as a string key with a TTL and announces
// changed releases on a Pub/Sub channel.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string

	Now func() time.Time
}

// NewRedisLocker creates a RedisLocker. prefix defaults to "orchestra:".
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "orchestra:"
	}
	return &RedisLocker{client: client, prefix: prefix, Now: time.Now}
}

func (r *RedisLocker) keyLock(key string) string { return r.prefix + "lock:" + key }
func (r *RedisLocker) channel() string           { return r.prefix + "lock-sync" }

func scriptResult(res any) (Result, error) {
	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return Result{}, fmt.Errorf("unexpected lock script reply %#v", res)
	}
	var code int64
	switch v := vals[0].(type) {
	case int64:
		code = v
	case int:
		code = int64(v)
	}
	holder, _ := vals[1].(string)
	if code == 1 {
		return Result{Succeeded: true}, nil
	}
	return Result{LockedBy: holder}, nil
}

func (r *RedisLocker) AcquireLock(ctx context.Context, kf KeyFactory, owner string, expiresAt time.Time) (Result, error) {
	ttl := expiresAt.Sub(r.Now())
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	res, err := r.client.Eval(ctx, redisAcquireLua, []string{r.keyLock(kf.LockKey())}, owner, ttl.Milliseconds()).Result()
	if err != nil {
		return Result{}, fmt.Errorf("acquire lock %q: %w", kf.LockKey(), err)
	}
	return scriptResult(res)
}

func (r *RedisLocker) ReleaseLock(ctx context.Context, kf KeyFactory, data SyncData) (Result, error) {
	res, err := r.client.Eval(ctx, redisReleaseLua, []string{r.keyLock(kf.LockKey())}, data.Owner).Result()
	if err != nil {
		return Result{}, fmt.Errorf("release lock %q: %w", kf.LockKey(), err)
	}
	out, err := scriptResult(res)
	if err != nil || !out.Succeeded || !data.Changed {
		return out, err
	}
	if err := r.client.Publish(ctx, r.channel(), kf.LockKey()).Err(); err != nil {
		return out, fmt.Errorf("publish lock sync %q: %w", kf.LockKey(), err)
	}
	return out, nil
}

func (r *RedisLocker) Watch(ctx context.Context) (<-chan string, error) {
	sub := r.client.Subscribe(ctx, r.channel())
	// Wait for the subscription to be confirmed so no release is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe lock sync: %w", err)
	}

	out := make(chan string, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
