// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for the CLI and the ops server.
//
// Services are opened on first use so that a command only pays for what it
// touches: `blocked-list` never dials Pub/Sub and `run` never creates the
// SQLite file.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	gcsclient "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/webfarm/internal/blockdetect"
	"github.com/JakeFAU/webfarm/internal/clock/system"
	"github.com/JakeFAU/webfarm/internal/config"
	"github.com/JakeFAU/webfarm/internal/fetcher"
	collyfetcher "github.com/JakeFAU/webfarm/internal/fetcher/colly"
	"github.com/JakeFAU/webfarm/internal/fetcher/headless"
	"github.com/JakeFAU/webfarm/internal/fixture"
	"github.com/JakeFAU/webfarm/internal/harvest"
	"github.com/JakeFAU/webfarm/internal/id/uuid"
	"github.com/JakeFAU/webfarm/internal/logging"
	"github.com/JakeFAU/webfarm/internal/metrics"
	"github.com/JakeFAU/webfarm/internal/orchestrator"
	"github.com/JakeFAU/webfarm/internal/profile"
	"github.com/JakeFAU/webfarm/internal/progress"
	"github.com/JakeFAU/webfarm/internal/progress/sinks"
	natspublisher "github.com/JakeFAU/webfarm/internal/publisher/nats"
	pubsubpublisher "github.com/JakeFAU/webfarm/internal/publisher/pubsub"
	"github.com/JakeFAU/webfarm/internal/ratelimit"
	"github.com/JakeFAU/webfarm/internal/secrets"
	"github.com/JakeFAU/webfarm/internal/storage/gcs"
	"github.com/JakeFAU/webfarm/internal/storage/local"
	"github.com/JakeFAU/webfarm/internal/storage/memory"
	"github.com/JakeFAU/webfarm/internal/storage/postgres"
	"github.com/JakeFAU/webfarm/internal/storage/s3"
	"github.com/JakeFAU/webfarm/internal/storage/sqlite"
	"github.com/JakeFAU/webfarm/internal/telemetry"
)

// closeTimeout bounds how long Close waits for progress hubs to drain.
const closeTimeout = 5 * time.Second

// Options overrides services that are otherwise built from the config.
type Options struct {
	// Registerer receives the Prometheus collectors; nil means the default.
	Registerer prometheus.Registerer
	Clock      harvest.Clock
	IDs        harvest.IDGenerator
	Store      harvest.Store
	Blobs      harvest.BlobStore
	Publisher  harvest.Publisher
	Limiter    harvest.Limiter
	Secrets    fetcher.CredentialResolver
}

// App holds the shared, long-lived services for one process.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  harvest.Clock
	ids    harvest.IDGenerator
	reg    prometheus.Registerer

	mu        sync.Mutex
	store     harvest.Store
	blobs     harvest.BlobStore
	publisher harvest.Publisher
	limiter   harvest.Limiter
	resolver  fetcher.CredentialResolver
	browser   harvest.Fetcher
	promSink  *sinks.PrometheusSink
	tracer    *sdktrace.TracerProvider
	hubs      []*progress.Hub
	closers   []namedCloser
	closed    bool
}

type namedCloser struct {
	name string
	fn   func() error
}

// New builds the container. Only metrics and tracing are set up eagerly.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	a := &App{
		cfg:       cfg,
		logger:    logging.OrNop(logger),
		clock:     opts.Clock,
		ids:       opts.IDs,
		reg:       opts.Registerer,
		store:     opts.Store,
		blobs:     opts.Blobs,
		publisher: opts.Publisher,
		limiter:   opts.Limiter,
		resolver:  opts.Secrets,
	}
	if a.clock == nil {
		a.clock = system.New()
	}
	if a.ids == nil {
		a.ids = uuid.NewUUIDGenerator()
	}
	if a.reg == nil {
		a.reg = prometheus.DefaultRegisterer
	}
	metrics.Init()

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.Init(ctx, telemetry.Options{
			ServiceName: cfg.Telemetry.ServiceName,
			ProjectID:   cfg.Telemetry.ProjectID,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.tracer = tp
	}
	a.logger.Debug("application services configured",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("fixtures", cfg.Fixtures.Backend),
		zap.String("ratelimit", cfg.RateLimit.Backend),
		zap.String("notify", cfg.Notify.Backend),
	)
	return a, nil
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Clock returns the shared clock.
func (a *App) Clock() harvest.Clock { return a.clock }

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, fn: fn})
}

// Store opens the configured run store once.
func (a *App) Store(ctx context.Context) (harvest.Store, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.store != nil {
		return a.store, nil
	}
	var (
		st  harvest.Store
		err error
	)
	switch a.cfg.Storage.Backend {
	case "sqlite":
		st, err = sqlite.Open(ctx, sqlite.Config{Path: a.cfg.Storage.SQLitePath}, a.clock, a.ids)
	case "postgres":
		st, err = postgres.NewStore(ctx, postgres.Config{
			DSN:      a.cfg.Storage.DSN,
			MaxConns: a.cfg.Storage.MaxConns,
			MinConns: a.cfg.Storage.MinConns,
		}, a.clock, a.ids)
	case "memory":
		st = memory.NewStore(a.clock, a.ids)
	default:
		err = fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", a.cfg.Storage.Backend, err)
	}
	a.logger.Info("run store opened", zap.String("backend", a.cfg.Storage.Backend))
	a.store = st
	a.onClose("store", st.Close)
	return st, nil
}

// Blobs opens the configured fixture blob store once.
func (a *App) Blobs(ctx context.Context) (harvest.BlobStore, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.blobs != nil {
		return a.blobs, nil
	}
	fc := a.cfg.Fixtures
	var (
		bs  harvest.BlobStore
		err error
	)
	switch fc.Backend {
	case "local":
		bs, err = local.New(local.Config{BaseDir: fc.Dir})
	case "gcs":
		var client *gcsclient.Client
		client, err = gcsclient.NewClient(ctx)
		if err == nil {
			a.onClose("gcs client", client.Close)
			bs, err = gcs.New(client, gcs.Config{Bucket: fc.Bucket, Prefix: fc.Prefix})
		}
	case "s3":
		bs, err = s3.New(s3.Config{
			Endpoint:  fc.Endpoint,
			AccessKey: fc.AccessKey,
			SecretKey: fc.SecretKey,
			Bucket:    fc.Bucket,
			Region:    fc.Region,
			UseSSL:    fc.UseSSL,
			Prefix:    fc.Prefix,
		})
	case "memory":
		bs = memory.NewBlobStore()
	default:
		err = fmt.Errorf("unknown fixtures backend %q", fc.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s fixture store: %w", fc.Backend, err)
	}
	a.blobs = bs
	return bs, nil
}

// FixtureCache returns the fixture cache for p. dir overrides the profile's
// fixtures directory.
func (a *App) FixtureCache(ctx context.Context, p *profile.Profile, dir string) (*fixture.Cache, error) {
	blobs, err := a.Blobs(ctx)
	if err != nil {
		return nil, err
	}
	return fixture.NewCache(blobs, p.FixturesDir(dir), a.clock)
}

// Publisher returns the run notification publisher, or nil when notify is
// disabled.
func (a *App) Publisher(ctx context.Context) (harvest.Publisher, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.publisher != nil {
		return a.publisher, nil
	}
	nc := a.cfg.Notify
	switch nc.Backend {
	case "none", "":
		return nil, nil
	case "pubsub":
		pub, err := pubsubpublisher.Dial(ctx, nc.ProjectID, nc.Topic)
		if err != nil {
			return nil, fmt.Errorf("dial pubsub: %w", err)
		}
		a.publisher = pub
		a.onClose("pubsub publisher", pub.Close)
	case "nats":
		pub, err := natspublisher.Connect(nc.NATSURL, "webfarm", a.logger.Named("nats"))
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.publisher = pub
		a.onClose("nats publisher", pub.Close)
	default:
		return nil, fmt.Errorf("unknown notify backend %q", nc.Backend)
	}
	a.logger.Info("run notifications enabled", zap.String("backend", nc.Backend), zap.String("topic", nc.Topic))
	return a.publisher, nil
}

// Limiter returns the process-wide rate limiter.
func (a *App) Limiter() harvest.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.limiter != nil {
		return a.limiter
	}
	rc := a.cfg.RateLimit
	domains := make(map[string]time.Duration, len(rc.Domains))
	for _, d := range rc.Domains {
		domains[d.Domain] = time.Duration(d.IntervalMs) * time.Millisecond
	}
	lcfg := ratelimit.Config{
		Interval:          a.cfg.RateInterval(),
		Domains:           domains,
		RegistrableDomain: rc.RegistrableDomain,
	}
	if rc.Backend == "redis" {
		client := redis.NewClient(&redis.Options{Addr: rc.RedisAddr})
		a.onClose("redis client", client.Close)
		a.limiter = ratelimit.NewRedis(client, rc.RedisPrefix, lcfg)
	} else {
		a.limiter = ratelimit.New(lcfg)
	}
	return a.limiter
}

// Secrets returns the credential resolver. A missing secrets path yields an
// empty store, which fails only profiles that reference a secret.
func (a *App) Secrets() (fetcher.CredentialResolver, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.resolver != nil {
		return a.resolver, nil
	}
	if a.cfg.Secrets.Path == "" {
		a.resolver = secrets.New(nil, "")
		return a.resolver, nil
	}
	st, err := secrets.Load(a.cfg.Secrets.Path)
	if err != nil {
		return nil, fmt.Errorf("load secrets: %w", err)
	}
	a.resolver = st
	return st, nil
}

// headlessBrowser starts the chromedp fetcher once. Chrome itself launches
// on the first navigation.
func (a *App) headlessBrowser() (harvest.Fetcher, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.browser != nil {
		return a.browser, nil
	}
	hc := a.cfg.Headless
	b, err := headless.NewChromedp(headless.Config{
		MaxParallel:       hc.MaxParallel,
		UserAgent:         a.cfg.HTTP.UserAgent,
		NavigationTimeout: time.Duration(hc.NavTimeoutSec) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("start headless fetcher: %w", err)
	}
	a.onClose("headless browser", func() error { b.Close(); return nil })
	a.browser = b
	return b, nil
}

// RetryPolicy converts the http section into a fetcher policy.
func (a *App) RetryPolicy() fetcher.Policy {
	h := a.cfg.HTTP
	return fetcher.Policy{
		MaxAttempts:   h.MaxAttempts,
		BaseDelay:     time.Duration(h.BackoffBaseMs) * time.Millisecond,
		Multiplier:    h.BackoffMultiplier,
		MaxDelay:      time.Duration(h.BackoffMaxMs) * time.Millisecond,
		Jitter:        h.Jitter,
		MaxRetryAfter: time.Duration(h.MaxRetryAfterSec) * time.Second,
	}
}

// Fetcher builds the live fetcher chain for p: colly transport, credentials,
// limiter and retries, then browser fallback when both the config and the
// profile allow it.
func (a *App) Fetcher(p *profile.Profile) (harvest.Fetcher, error) {
	timeout := a.cfg.RequestTimeout()
	if p.Request.TimeoutSeconds > 0 {
		timeout = p.Timeout()
	}
	h := a.cfg.HTTP
	transport := collyfetcher.New(collyfetcher.Config{
		UserAgent:           h.UserAgent,
		Timeout:             timeout,
		MaxBodyBytes:        h.MaxBodyBytes,
		InsecureSkipVerify:  h.InsecureSkipVerify,
		DisableCompression:  h.DisableCompression,
		MaxIdleConnsPerHost: h.MaxIdleConnsPerHost,
		Tracing:             h.Tracing || a.cfg.Telemetry.Enabled,
	})
	resolver, err := a.Secrets()
	if err != nil {
		return nil, err
	}
	logger := a.logger.With(zap.String("profile", p.Name))
	limiter := a.Limiter()
	var chain harvest.Fetcher = fetcher.NewRetrying(
		fetcher.NewAuthenticated(transport, resolver, p.Request.Auth),
		limiter, a.RetryPolicy(), logger.Named("fetch"),
	)
	if !a.cfg.Headless.Enabled || !p.Request.BrowserFallback {
		return chain, nil
	}
	browser, err := a.headlessBrowser()
	if err != nil {
		return nil, err
	}
	detector, err := blockdetect.New(p.BlockPolicy())
	if err != nil {
		return nil, fmt.Errorf("block policy: %w", err)
	}
	// One browser attempt per request; the navigation itself is the retry.
	browserChain := fetcher.NewRetrying(browser, limiter, fetcher.Policy{MaxAttempts: 1}, logger.Named("browser"))
	return fetcher.NewFallback(chain, browserChain, detector, blockdetect.NewRenderHeuristic(0), logger.Named("fallback")), nil
}

// Replayer builds an offline fetcher over the fixtures of p.
func (a *App) Replayer(ctx context.Context, p *profile.Profile, dir string) (harvest.Fetcher, error) {
	cache, err := a.FixtureCache(ctx, p, dir)
	if err != nil {
		return nil, err
	}
	r, err := fixture.NewReplayer(ctx, cache)
	if err != nil {
		return nil, fmt.Errorf("index fixtures in %s: %w", cache.Dir(), err)
	}
	if r.Len() == 0 {
		a.logger.Warn("no fixtures to replay", zap.String("profile", p.Name), zap.String("dir", cache.Dir()))
	}
	return r, nil
}

func (a *App) prometheusSink() (*sinks.PrometheusSink, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.promSink != nil {
		return a.promSink, nil
	}
	s, err := sinks.NewPrometheusSink(a.reg)
	if err != nil {
		return nil, err
	}
	a.promSink = s
	return s, nil
}

// RunnerOptions selects how a Runner fetches, stores and reports.
type RunnerOptions struct {
	// Store overrides the configured store, e.g. an in-memory store for runs
	// that only write JSONL.
	Store harvest.Store
	// Fetchers overrides the live or offline fetcher factory.
	Fetchers orchestrator.FetcherFactory
	// Offline replays fixtures instead of touching the network.
	Offline     bool
	FixturesDir string
	// Progress, when set, renders a progress bar there for Runs runs.
	Progress io.Writer
	Runs     int
}

// NewRunner wires a Runner with a progress hub that lives until Close.
func (a *App) NewRunner(ctx context.Context, opts RunnerOptions) (*orchestrator.Runner, error) {
	store := opts.Store
	if store == nil {
		var err error
		if store, err = a.Store(ctx); err != nil {
			return nil, err
		}
	}
	fetchers := opts.Fetchers
	switch {
	case fetchers != nil:
	case opts.Offline:
		fetchers = orchestrator.FetcherFactoryFunc(func(p *profile.Profile) (harvest.Fetcher, error) {
			return a.Replayer(ctx, p, opts.FixturesDir)
		})
	default:
		fetchers = orchestrator.FetcherFactoryFunc(a.Fetcher)
	}
	publisher, err := a.Publisher(ctx)
	if err != nil {
		return nil, err
	}
	prom, err := a.prometheusSink()
	if err != nil {
		return nil, err
	}
	sinkList := []progress.Sink{sinks.NewLogSink(a.logger.Named("progress")), prom}
	if opts.Progress != nil {
		sinkList = append(sinkList, sinks.NewBarSink(opts.Progress, opts.Runs))
	}
	hub := progress.NewHub(progress.Config{}, sinkList...)

	a.mu.Lock()
	a.hubs = append(a.hubs, hub)
	a.mu.Unlock()

	return orchestrator.NewRunner(orchestrator.Config{
		Store:     store,
		Fetchers:  fetchers,
		Clock:     a.clock,
		Progress:  hub,
		Publisher: publisher,
		Topic:     a.cfg.Notify.Topic,
		Logger:    a.logger.Named("runner"),
	})
}

// RunLimits folds the run section defaults under explicit limits.
func (a *App) RunLimits(maxItems, maxBatches int) (int, int) {
	if maxItems <= 0 {
		maxItems = a.cfg.Run.MaxItems
	}
	if maxBatches <= 0 {
		maxBatches = a.cfg.Run.MaxBatches
	}
	return maxItems, maxBatches
}

// Close drains progress hubs and releases every opened service in reverse
// order. It is safe to call more than once.
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	hubs, closers := a.hubs, a.closers
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var errs []error
	for _, h := range hubs {
		if err := h.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
		if n := h.Dropped(); n > 0 {
			a.logger.Warn("progress events dropped", zap.Int64("count", n))
		}
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].fn(); err != nil {
			a.logger.Warn("close failed", zap.String("service", closers[i].name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", closers[i].name, err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	return errors.Join(errs...)
}
