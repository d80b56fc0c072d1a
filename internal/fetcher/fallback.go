package fetcher

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/webfarm/internal/blockdetect"
	"github.com/JakeFAU/webfarm/internal/harvest"
	"github.com/JakeFAU/webfarm/internal/logging"
)

// BlockClassifier decides whether a response is blocked.
type BlockClassifier interface {
	Classify(resp harvest.Response) blockdetect.Verdict
}

// Fallback retries a request once through a browser when the primary
// transport is blocked or returns an unrendered JavaScript shell.
type Fallback struct {
	primary  harvest.Fetcher
	browser  harvest.Fetcher
	detector BlockClassifier
	render   *blockdetect.RenderHeuristic
	logger   *zap.Logger
}

// NewFallback builds a Fallback. render may be nil to fall back on blocks only.
func NewFallback(primary, browser harvest.Fetcher, detector BlockClassifier, render *blockdetect.RenderHeuristic, logger *zap.Logger) *Fallback {
	return &Fallback{
		primary:  primary,
		browser:  browser,
		detector: detector,
		render:   render,
		logger:   logging.OrNop(logger),
	}
}

// Fetch tries the primary transport first. The browser result is used only
// when it is itself usable; otherwise the primary outcome is returned so the
// caller can record the block.
func (f *Fallback) Fetch(ctx context.Context, req harvest.RequestSpec) (harvest.Response, error) {
	resp, err := f.primary.Fetch(ctx, req)
	candidate := resp
	if err != nil {
		var ok bool
		if candidate, ok = harvest.FetchResponse(err); !ok {
			return resp, err
		}
	}

	verdict := f.detector.Classify(candidate)
	shell := err == nil && f.render != nil && f.render.NeedsRender(candidate)
	if !verdict.Blocked && !shell {
		return resp, err
	}
	if ctx.Err() != nil {
		return resp, err
	}

	f.logger.Info("retrying through browser",
		zap.String("url", req.URL),
		zap.Int("status", candidate.StatusCode),
		zap.String("reason", verdict.Reason),
		zap.Bool("js_shell", shell),
	)
	browserResp, browserErr := f.browser.Fetch(ctx, req)
	if browserErr != nil {
		f.logger.Warn("browser fallback failed", zap.String("url", req.URL), zap.Error(browserErr))
		return resp, err
	}
	if v := f.detector.Classify(browserResp); v.Blocked {
		f.logger.Warn("browser fallback still blocked", zap.String("url", req.URL), zap.String("reason", v.Reason))
		return resp, err
	}
	browserResp.UsedBrowser = true
	return browserResp, nil
}
