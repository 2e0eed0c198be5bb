// Package session provides the review-session lock that keeps concurrent
// writers off the same policy.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/SilentHawker/AML-platform/internal/util"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLocked   = errors.New("policy is locked by another review session")
	ErrLockLost = errors.New("review session lock expired or was taken over")
)

// LockData is the value stored under a policy's lock key.
type LockData struct {
	Owner      string    `json:"owner"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock is a held lock. Only the holder's token can release or refresh it.
type Lock struct {
	PolicyID string
	LockData
	raw string
}

// compare-and-delete and compare-and-expire, so a holder whose lock expired
// cannot touch a lock acquired by someone else since.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLocker implements per-policy locks using Redis
type RedisLocker struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisLocker connects to redisURL and verifies the connection
func NewRedisLocker(redisURL string) (*RedisLocker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisLockerWithClient(client), nil
}

// NewRedisLockerWithClient creates a locker from an existing Redis client
func NewRedisLockerWithClient(client *redis.Client) *RedisLocker {
	return &RedisLocker{
		client: client,
		prefix: "policy-lock:",
		now:    time.Now,
	}
}

func (l *RedisLocker) key(policyID string) string {
	return l.prefix + policyID
}

// Acquire takes the lock for policyID or returns an error wrapping ErrLocked.
func (l *RedisLocker) Acquire(ctx context.Context, policyID, owner string, ttl time.Duration) (Lock, error) {
	data := LockData{
		Owner:      owner,
		Token:      util.NewToken(),
		AcquiredAt: l.now().UTC(),
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Lock{}, fmt.Errorf("marshal lock data: %w", err)
	}

	ok, err := l.client.SetNX(ctx, l.key(policyID), raw, ttl).Result()
	if err != nil {
		return Lock{}, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		holder, herr := l.Holder(ctx, policyID)
		if herr != nil || holder == nil {
			return Lock{}, fmt.Errorf("policy %s: %w", policyID, ErrLocked)
		}
		return Lock{}, fmt.Errorf("policy %s held by %s: %w", policyID, holder.Owner, ErrLocked)
	}
	return Lock{PolicyID: policyID, LockData: data, raw: string(raw)}, nil
}

// Release drops the lock if it is still held by lock's token.
func (l *RedisLocker) Release(ctx context.Context, lock Lock) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key(lock.PolicyID)}, lock.raw).Int()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("policy %s: %w", lock.PolicyID, ErrLockLost)
	}
	return nil
}

// Refresh extends a held lock to ttl from now.
func (l *RedisLocker) Refresh(ctx context.Context, lock Lock, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key(lock.PolicyID)}, lock.raw, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh lock: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("policy %s: %w", lock.PolicyID, ErrLockLost)
	}
	return nil
}

// Holder returns the current lock data, or nil when the policy is unlocked.
func (l *RedisLocker) Holder(ctx context.Context, policyID string) (*LockData, error) {
	raw, err := l.client.Get(ctx, l.key(policyID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup lock: %w", err)
	}
	var data LockData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("unmarshal lock data: %w", err)
	}
	return &data, nil
}

// Close closes the Redis connection
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

// Ping checks if Redis is reachable
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
