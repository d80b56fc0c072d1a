// Package profile loads and validates harvest profiles: the declarative
// description of one source, its pagination, extraction, keying and export.
package profile

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/webfarm/internal/blockdetect"
	"github.com/JakeFAU/webfarm/internal/export"
	"github.com/JakeFAU/webfarm/internal/extract"
	"github.com/JakeFAU/webfarm/internal/fetcher"
	"github.com/JakeFAU/webfarm/internal/fixture"
	"github.com/JakeFAU/webfarm/internal/harvest"
	"github.com/JakeFAU/webfarm/internal/paginate"
	"github.com/JakeFAU/webfarm/internal/secrets"
)

// DefaultTimeout applies when request.timeout_seconds is unset.
const DefaultTimeout = 30 * time.Second

// Profile is one source definition. Values are read-only after loading.
type Profile struct {
	Name        string                `json:"name"`
	Description string                `json:"description,omitempty"`
	Request     Request               `json:"request"`
	Pagination  paginate.Config       `json:"pagination"`
	Extract     extract.Rules         `json:"extract"`
	Key         extract.KeyExpr       `json:"key"`
	Export      export.Config         `json:"export"`
	Block       blockdetect.Overrides `json:"block"`
	Meta        Meta                  `json:"_meta"`

	// Source is the file the profile was loaded from.
	Source string `json:"-"`
}

// Request is the request template.
type Request struct {
	Method          string            `json:"method,omitempty"`
	URL             string            `json:"url"`
	Headers         map[string]string `json:"headers,omitempty"`
	Params          map[string]string `json:"params,omitempty"`
	Body            json.RawMessage   `json:"body,omitempty"`
	TimeoutSeconds  float64           `json:"timeout_seconds,omitempty"`
	Auth            secrets.Auth      `json:"auth,omitempty"`
	BrowserFallback bool              `json:"browser_fallback,omitempty"`
}

// Meta carries tooling metadata that does not affect a run.
type Meta struct {
	Tests Tests `json:"tests,omitempty"`
}

// Tests configures offline checks of the profile.
type Tests struct {
	FixturesDir string         `json:"fixtures_dir,omitempty"`
	Cases       []fixture.Case `json:"cases,omitempty"`
}

// Validate checks the whole profile.
func (p *Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("profile name is required")
	}
	if err := p.Request.validate(); err != nil {
		return fmt.Errorf("profile %s: %w", p.Name, err)
	}
	if err := p.Pagination.Validate(); err != nil {
		return fmt.Errorf("profile %s: %w", p.Name, err)
	}
	if err := p.Extract.Validate(); err != nil {
		return fmt.Errorf("profile %s: %w", p.Name, err)
	}
	if err := p.Key.Validate(); err != nil {
		return fmt.Errorf("profile %s: %w", p.Name, err)
	}
	if err := p.Export.Validate(); err != nil {
		return fmt.Errorf("profile %s: %w", p.Name, err)
	}
	for _, c := range p.Meta.Tests.Cases {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("profile %s: _meta.tests.cases entries need a name", p.Name)
		}
	}
	return nil
}

func (r Request) validate() error {
	switch strings.ToUpper(r.Method) {
	case "", http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead:
	default:
		return fmt.Errorf("request.method %q is not supported", r.Method)
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return fmt.Errorf("request.url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("request.url %q must be an absolute http(s) URL", r.URL)
	}
	if len(r.Body) > 0 && !json.Valid(r.Body) {
		return fmt.Errorf("request.body must be valid JSON")
	}
	if r.TimeoutSeconds < 0 {
		return fmt.Errorf("request.timeout_seconds must be >= 0")
	}
	return nil
}

// BaseRequest is the first request before pagination parameters are applied.
// An Accept header matching the extract mode is added when none is set.
func (p *Profile) BaseRequest() harvest.RequestSpec {
	method := strings.ToUpper(p.Request.Method)
	if method == "" {
		method = http.MethodGet
	}
	req := harvest.RequestSpec{
		Method:  method,
		URL:     p.Request.URL,
		Headers: map[string]string{},
		Params:  map[string]string{},
	}
	hasAccept := false
	for k, v := range p.Request.Headers {
		req.Headers[k] = v
		if strings.EqualFold(k, "Accept") {
			hasAccept = true
		}
	}
	if !hasAccept {
		req.Headers["Accept"] = fetcher.DefaultAccept(string(p.Extract.Mode))
	}
	for k, v := range p.Request.Params {
		req.Params[k] = v
	}
	if len(p.Request.Body) > 0 {
		req.Body = append(json.RawMessage(nil), p.Request.Body...)
	}
	return req
}

// Timeout is the per-request timeout.
func (p *Profile) Timeout() time.Duration {
	if p.Request.TimeoutSeconds <= 0 {
		return DefaultTimeout
	}
	return time.Duration(p.Request.TimeoutSeconds * float64(time.Second))
}

// Paginator builds the state machine for this profile.
func (p *Profile) Paginator() (paginate.Paginator, error) {
	return paginate.New(p.Pagination)
}

// BlockPolicy is the default detector policy with the profile overrides.
func (p *Profile) BlockPolicy() blockdetect.Policy {
	return blockdetect.DefaultPolicy().Merge(p.Block)
}

// Domain is the lowercase host the profile talks to.
func (p *Profile) Domain() string {
	return p.BaseRequest().Domain()
}

// FixturesDir picks the fixtures directory inside the fixture blob store:
// the override, then _meta.tests.fixtures_dir, then the profile name.
func (p *Profile) FixturesDir(override string) string {
	if d := strings.TrimSpace(override); d != "" {
		return d
	}
	if d := strings.TrimSpace(p.Meta.Tests.FixturesDir); d != "" {
		return d
	}
	return p.Name
}

// Suite is what the offline test runner needs from the profile.
func (p *Profile) Suite() fixture.Suite {
	return fixture.Suite{
		Profile: p.Name,
		Rules:   p.Extract,
		Key:     p.Key,
		Export:  p.Export,
		Cases:   p.Meta.Tests.Cases,
	}
}

// ExportEnv merges the profile ctx_defaults under overrides.
func (p *Profile) ExportEnv(overrides map[string]any) export.Env {
	return export.Env{Ctx: export.MergeCtx(p.Export.CtxDefaults, overrides), Key: p.Key}
}
