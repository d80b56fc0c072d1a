// Package ratelimit enforces a minimum interval between requests to the same
// domain.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/webfarm/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// Interval is the minimum spacing between permits for one key. Zero or
	// negative disables throttling.
	Interval time.Duration
	// Domains overrides Interval for specific hosts.
	Domains map[string]time.Duration
	// RegistrableDomain groups hosts under their eTLD+1, so api.example.com
	// and www.example.com share one limiter.
	RegistrableDomain bool
}

// Limiter manages per-domain token buckets with burst 1.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cfg      Config
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	domains := make(map[string]time.Duration, len(cfg.Domains))
	for host, interval := range cfg.Domains {
		domains[strings.ToLower(host)] = interval
	}
	cfg.Domains = domains
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		cfg:      cfg,
	}
}

// Acquire blocks until a permit for domain is available or ctx is done.
func (l *Limiter) Acquire(ctx context.Context, domain string) error {
	key := Key(domain, l.cfg.RegistrableDomain)
	limiter := l.limiterFor(key, domain)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitWait(key, waited)
	}
	return nil
}

// IntervalFor returns the configured spacing for domain.
func (l *Limiter) IntervalFor(domain string) time.Duration {
	return intervalFor(l.cfg, domain)
}

func (l *Limiter) limiterFor(key, domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[key]
	if !ok {
		limit := rate.Inf
		if interval := intervalFor(l.cfg, domain); interval > 0 {
			limit = rate.Every(interval)
		}
		limiter = rate.NewLimiter(limit, 1)
		l.limiters[key] = limiter
	}
	return limiter
}

func intervalFor(cfg Config, domain string) time.Duration {
	if interval, ok := cfg.Domains[strings.ToLower(domain)]; ok {
		return interval
	}
	return cfg.Interval
}

// Key normalizes domain into a limiter key, optionally collapsing it to the
// registrable domain. Hosts without a public suffix (localhost, IPs) are kept
// as is.
func Key(domain string, registrable bool) string {
	host := strings.ToLower(strings.TrimSpace(domain))
	if host == "" {
		return "unknown"
	}
	if !registrable {
		return host
	}
	if etld1, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return etld1
	}
	return host
}
