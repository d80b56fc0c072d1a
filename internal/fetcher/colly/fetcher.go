// Package collyfetcher implements a single-attempt HTTP transport using gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/JakeFAU/webfarm/internal/harvest"
)

// Config controls collector behavior.
type Config struct {
	UserAgent           string
	Timeout             time.Duration
	MaxBodyBytes        int
	InsecureSkipVerify  bool
	DisableCompression  bool
	MaxIdleConnsPerHost int
	// Tracing wraps the transport with otelhttp spans.
	Tracing bool
}

// Fetcher implements harvest.Fetcher using the Colly collector. Every HTTP
// status is returned as a response; only transport failures are errors.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = true
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}

	var transport http.RoundTripper = newHTTPTransport(cfg)
	if cfg.Tracing {
		transport = otelhttp.NewTransport(transport)
	}
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{cfg: cfg, baseCollector: c}
}

// Fetch executes one HTTP request.
func (f *Fetcher) Fetch(ctx context.Context, request harvest.RequestSpec) (harvest.Response, error) {
	fullURL, err := request.FullURL()
	if err != nil {
		return harvest.Response{}, fmt.Errorf("%w: %w", harvest.ErrMalformedResponse, err)
	}
	var (
		result   harvest.Response
		fetchErr error
	)
	start := time.Now()
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request, fullURL, &fetchErr); err != nil {
		return harvest.Response{}, err
	}
	result.FetchedAt = start.UTC()
	return result, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *harvest.Response,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = harvest.Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	request harvest.RequestSpec,
	fullURL string,
	fetchErr *error,
) error {
	method := strings.ToUpper(request.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(request.Body) > 0 {
		body = bytes.NewReader(request.Body)
	}
	hdr := requestHeaders(request)

	done := make(chan error, 1)
	go func() {
		done <- collector.Request(method, fullURL, body, colly.NewContext(), hdr)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly request failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func requestHeaders(request harvest.RequestSpec) http.Header {
	hdr := http.Header{}
	for key, value := range request.Headers {
		hdr.Set(key, value)
	}
	if len(request.Body) > 0 && hdr.Get("Content-Type") == "" {
		hdr.Set("Content-Type", "application/json")
	}
	return hdr
}

func newHTTPTransport(cfg Config) *http.Transport {
	idle := cfg.MaxIdleConnsPerHost
	if idle <= 0 {
		idle = 4
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   idle,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    cfg.DisableCompression,
		// #nosec G402 -- opt-in for sources with broken certificate chains.
		TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
	}
}
