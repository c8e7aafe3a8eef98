package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	quotaKeyPrefix = "coderunner:quota:"
	// counters outlive their day so a late Release never lands on a key
	// without a TTL
	quotaKeyTTL = 25 * time.Hour
)

// reserveScript increments the counter and undoes the increment when it
// passes the limit. It returns the count before any rollback.
var reserveScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if redis.call("TTL", KEYS[1]) < 0 then
	redis.call("EXPIRE", KEYS[1], ARGV[2])
end
if n > tonumber(ARGV[1]) then
	redis.call("DECR", KEYS[1])
end
return n
`)

// releaseScript decrements the counter without taking it below zero.
var releaseScript = redis.NewScript(`
local n = tonumber(redis.call("GET", KEYS[1]) or "0")
if n > 0 then
	return redis.call("DECR", KEYS[1])
end
return 0
`)

// RedisQuota caps the number of executions a caller may submit per UTC day.
type RedisQuota struct {
	client *redis.Client
	limit  int64
	now    func() time.Time
}

func NewRedisQuota(client *redis.Client, limit int64) *RedisQuota {
	return &RedisQuota{client: client, limit: limit, now: time.Now}
}

func (q *RedisQuota) key(callerID string) string {
	return quotaKeyPrefix + callerID + ":" + q.now().UTC().Format("20060102")
}

// Used returns how many executions callerID has been admitted for today.
func (q *RedisQuota) Used(ctx context.Context, callerID string) (int64, error) {
	n, err := q.client.Get(ctx, q.key(callerID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: read quota counter: %w", ErrPolicyUnavailable, err)
	}
	return n, nil
}

// Authorize takes one unit of today's quota, or fails with ErrQuotaExceeded
// and leaves the counter unchanged.
func (q *RedisQuota) Authorize(ctx context.Context, callerID string) error {
	n, err := reserveScript.Run(ctx, q.client,
		[]string{q.key(callerID)},
		q.limit, int64(quotaKeyTTL/time.Second),
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: reserve quota: %w", ErrPolicyUnavailable, err)
	}
	if n > q.limit {
		return fmt.Errorf("%w: %d of %d used", ErrQuotaExceeded, n-1, q.limit)
	}
	return nil
}

func (q *RedisQuota) Release(ctx context.Context, callerID string) error {
	if err := releaseScript.Run(ctx, q.client, []string{q.key(callerID)}).Err(); err != nil {
		return fmt.Errorf("%w: release quota: %w", ErrPolicyUnavailable, err)
	}
	return nil
}
