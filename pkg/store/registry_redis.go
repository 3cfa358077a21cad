package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still names the caller's
// commitment.
// KEYS[1] = active key
// ARGV[1] = commitment id
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// acquireScript sets the key when absent, or refreshes the TTL when it
// already names the same commitment.
// KEYS[1] = active key
// ARGV[1] = commitment id
// ARGV[2] = ttl in milliseconds, 0 for none
var acquireScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
    if tonumber(ARGV[2]) > 0 then
        redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
    else
        redis.call("SET", KEYS[1], ARGV[1])
    end
    return 1
end
if current == ARGV[1] then
    if tonumber(ARGV[2]) > 0 then
        redis.call("PEXPIRE", KEYS[1], ARGV[2])
    end
    return 1
end
return 0
`)

// RedisCommitmentRegistry enforces one active commitment per agent across
// every process sharing the Redis instance.
type RedisCommitmentRegistry struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCommitmentRegistry creates a registry backed by Redis at addr.
func NewRedisCommitmentRegistry(addr, password string, db int) *RedisCommitmentRegistry {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisCommitmentRegistry{client: rdb, prefix: "openibank:active:"}
}

// Ping checks connectivity.
func (r *RedisCommitmentRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisCommitmentRegistry) Close() error { return r.client.Close() }

func (r *RedisCommitmentRegistry) key(agentID string) string { return r.prefix + agentID }

// Acquire claims the active slot for agentID. Re-acquiring the same
// commitment succeeds and refreshes the TTL; a different one is refused.
func (r *RedisCommitmentRegistry) Acquire(ctx context.Context, agentID, commitmentID string, ttl time.Duration) (bool, error) {
	if commitmentID == "" {
		return false, fmt.Errorf("acquire: commitment id is required")
	}
	res, err := acquireScript.Run(ctx, r.client, []string{r.key(agentID)}, commitmentID, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis acquire error: %w", err)
	}
	return res == 1, nil
}

// Release frees the slot if it still holds commitmentID.
func (r *RedisCommitmentRegistry) Release(ctx context.Context, agentID, commitmentID string) (bool, error) {
	res, err := releaseScript.Run(ctx, r.client, []string{r.key(agentID)}, commitmentID).Int64()
	if err != nil {
		return false, fmt.Errorf("redis release error: %w", err)
	}
	return res == 1, nil
}

// Current returns the active commitment for agentID, or "" if none.
func (r *RedisCommitmentRegistry) Current(ctx context.Context, agentID string) (string, error) {
	v, err := r.client.Get(ctx, r.key(agentID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get error: %w", err)
	}
	return v, nil
}
