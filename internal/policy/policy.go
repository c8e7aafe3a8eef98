// Package policy decides whether a caller may submit an execution and
// accounts for the executions it submits.
package policy

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"coderunner/internal/config"
)

var (
	ErrUnauthorized      = errors.New("caller not authorized")
	ErrQuotaExceeded     = errors.New("daily execution quota exceeded")
	ErrPolicyUnavailable = errors.New("policy backend unavailable")
)

// Policy is consulted before any execution record exists. Authorize admits
// the caller and counts the execution against its quota in one step, so
// concurrent submissions cannot overshoot it. Release gives back a unit
// whose execution was never recorded.
type Policy interface {
	Authorize(ctx context.Context, callerID string) error
	Release(ctx context.Context, callerID string) error
}

// AllowAll admits every identified caller and counts nothing.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, string) error { return nil }
func (AllowAll) Release(context.Context, string) error   { return nil }

// RequireCaller rejects requests that reached the coordinator without a
// resolved caller identity before delegating to next.
type RequireCaller struct {
	Next Policy
}

func (p RequireCaller) Authorize(ctx context.Context, callerID string) error {
	if callerID == "" {
		return ErrUnauthorized
	}
	return p.Next.Authorize(ctx, callerID)
}

func (p RequireCaller) Release(ctx context.Context, callerID string) error {
	if callerID == "" {
		return nil
	}
	return p.Next.Release(ctx, callerID)
}

// New builds the policy described by cfg. A Redis-backed daily quota is used
// when cfg.DailyQuota is positive; the returned policy then also implements
// io.Closer.
func New(ctx context.Context, cfg config.PolicyConfig) (Policy, error) {
	if cfg.DailyQuota <= 0 {
		log.Info().Msg("daily quota disabled")
		return RequireCaller{Next: AllowAll{}}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ping redis %s: %w", ErrPolicyUnavailable, cfg.RedisAddr, err)
	}

	log.Info().
		Str("redis_addr", cfg.RedisAddr).
		Int64("daily_quota", cfg.DailyQuota).
		Msg("daily quota enabled")

	return closingPolicy{
		Policy: RequireCaller{Next: NewRedisQuota(client, cfg.DailyQuota)},
		Closer: client,
	}, nil
}

type closingPolicy struct {
	Policy
	io.Closer
}
