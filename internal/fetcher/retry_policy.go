package fetcher

import (
	"crypto/rand"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Policy controls attempts and delays of Retrying.
type Policy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	Multiplier    float64
	MaxDelay      time.Duration
	Jitter        bool
	MaxRetryAfter time.Duration
}

// DefaultPolicy returns 4 attempts with 500ms base, doubling, capped at 8s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   4,
		BaseDelay:     500 * time.Millisecond,
		Multiplier:    2,
		MaxDelay:      8 * time.Second,
		Jitter:        true,
		MaxRetryAfter: 120 * time.Second,
	}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxRetryAfter <= 0 {
		p.MaxRetryAfter = def.MaxRetryAfter
	}
	return p
}

// Backoff returns the wait before attempt+1 after a failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	d := time.Duration(delay)
	if !p.Jitter || d <= 1 {
		return d
	}
	return d/2 + randomJitter(d/2)
}

// RetryDelay picks the delay after a retryable attempt. A Retry-After hint
// replaces the backoff, clamped to MaxRetryAfter and never jittered.
func (p Policy) RetryDelay(attempt int, retryAfter time.Duration, hasRetryAfter bool) time.Duration {
	if hasRetryAfter {
		if retryAfter > p.MaxRetryAfter {
			return p.MaxRetryAfter
		}
		return retryAfter
	}
	return p.Backoff(attempt)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// ParseRetryAfter reads a Retry-After value as delta seconds or an HTTP date.
// Dates in the past yield zero.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	when, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	if d := when.Sub(now); d > 0 {
		return d, true
	}
	return 0, true
}
