// Package fetcher wraps single-attempt transports with rate limiting, retry,
// authentication and browser fallback.
package fetcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webfarm/internal/harvest"
	"github.com/JakeFAU/webfarm/internal/logging"
	"github.com/JakeFAU/webfarm/internal/metrics"
)

// Accept headers applied when a profile sets none.
const (
	AcceptJSON = "application/json, text/plain, */*"
	AcceptHTML = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"
)

// DefaultAccept returns the Accept header for an extract mode.
func DefaultAccept(mode string) string {
	if mode == "html" {
		return AcceptHTML
	}
	return AcceptJSON
}

// Retrying acquires the limiter before every attempt and retries retryable
// outcomes according to Policy.
type Retrying struct {
	transport harvest.Fetcher
	limiter   harvest.Limiter
	policy    Policy
	logger    *zap.Logger
	sleep     func(context.Context, time.Duration) error
	now       func() time.Time
}

// Option customizes a Retrying fetcher.
type Option func(*Retrying)

// WithSleep replaces the delay function, mainly for tests.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(r *Retrying) { r.sleep = fn }
}

// WithNow replaces the clock used to interpret Retry-After dates.
func WithNow(fn func() time.Time) Option {
	return func(r *Retrying) { r.now = fn }
}

// NewRetrying wraps transport. A nil limiter disables throttling.
func NewRetrying(transport harvest.Fetcher, limiter harvest.Limiter, policy Policy, logger *zap.Logger, opts ...Option) *Retrying {
	r := &Retrying{
		transport: transport,
		limiter:   limiter,
		policy:    policy.normalized(),
		logger:    logging.OrNop(logger),
		sleep:     sleepCtx,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Fetch runs the request until it succeeds, fails fatally, or the attempt
// budget is spent. Errors carry the last response when there was one.
func (r *Retrying) Fetch(ctx context.Context, req harvest.RequestSpec) (harvest.Response, error) {
	domain := req.Domain()
	var last Result

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Acquire(ctx, domain); err != nil {
				return harvest.Response{}, &harvest.PermanentFetchError{
					Attempts: attempt - 1,
					Response: last.Response,
					Err:      err,
				}
			}
		}

		start := time.Now()
		resp, err := r.transport.Fetch(ctx, req)
		result := Classify(ctx, resp, err, r.now())
		metrics.ObserveFetchAttempt(domain, result.Outcome.String(), time.Since(start))

		switch result.Outcome {
		case Ok:
			r.logger.Debug("fetch ok",
				zap.String("url", req.URL),
				zap.Int("attempt", attempt),
				zap.Int("status", result.StatusCode()),
			)
			return *result.Response, nil
		case Fatal:
			r.logger.Warn("fetch failed",
				zap.String("url", req.URL),
				zap.Int("attempt", attempt),
				zap.Int("status", result.StatusCode()),
				zap.Error(result.Err),
			)
			return harvest.Response{}, &harvest.PermanentFetchError{
				Attempts:   attempt,
				StatusCode: result.StatusCode(),
				Response:   result.Response,
				Err:        result.Err,
			}
		}

		last = result
		if attempt == r.policy.MaxAttempts {
			break
		}
		delay := r.policy.RetryDelay(attempt, result.RetryAfter, result.HasRetryAfter)
		r.logger.Info("fetch retry scheduled",
			zap.String("url", req.URL),
			zap.Int("attempt", attempt),
			zap.Int("status", result.StatusCode()),
			zap.Duration("delay", delay),
			zap.Bool("retry_after", result.HasRetryAfter),
			zap.Error(result.Err),
		)
		metrics.ObserveRetry(domain)
		if err := r.sleep(ctx, delay); err != nil {
			return harvest.Response{}, &harvest.PermanentFetchError{
				Attempts:   attempt,
				StatusCode: result.StatusCode(),
				Response:   result.Response,
				Err:        err,
			}
		}
	}

	return harvest.Response{}, &harvest.TransientFetchError{
		Attempts:   r.policy.MaxAttempts,
		StatusCode: last.StatusCode(),
		Response:   last.Response,
		Err:        last.Err,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
