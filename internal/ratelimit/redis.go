package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/webfarm/internal/metrics"
)

const defaultRedisPrefix = "webfarm:rl:"

// RedisClient is the subset of go-redis used by RedisLimiter.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	PTTL(ctx context.Context, key string) *redis.DurationCmd
}

// RedisLimiter shares per-domain spacing between processes. A permit is the
// successful creation of a key that expires after the interval, so two
// permits for one key are never closer than the interval across all callers.
type RedisLimiter struct {
	client  RedisClient
	prefix  string
	cfg     Config
	minPoll time.Duration
}

// NewRedis creates a limiter backed by client.
func NewRedis(client RedisClient, prefix string, cfg Config) *RedisLimiter {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	local := New(cfg)
	return &RedisLimiter{
		client:  client,
		prefix:  prefix,
		cfg:     local.cfg,
		minPoll: 5 * time.Millisecond,
	}
}

// Acquire blocks until this process wins the permit for domain.
func (l *RedisLimiter) Acquire(ctx context.Context, domain string) error {
	interval := intervalFor(l.cfg, domain)
	if interval <= 0 {
		return nil
	}
	key := l.prefix + Key(domain, l.cfg.RegistrableDomain)
	token := uuid.NewString()
	start := time.Now()

	for {
		ok, err := l.client.SetNX(ctx, key, token, interval).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("rate limit wait: %w", ctxErr)
			}
			return fmt.Errorf("rate limit setnx %s: %w", key, err)
		}
		if ok {
			if waited := time.Since(start); waited > time.Millisecond {
				metrics.ObserveRateLimitWait(key, waited)
			}
			return nil
		}

		wait, err := l.client.PTTL(ctx, key).Result()
		if err != nil || wait <= 0 {
			wait = l.minPoll
		}
		if wait > interval {
			wait = interval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
}
