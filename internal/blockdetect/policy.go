// Package blockdetect classifies responses as usable or blocked by the
// source (auth walls, rate limiting, bot challenges, captchas).
package blockdetect

// Rule kinds in precedence order. When several rules match, the earliest kind
// decides the verdict.
const (
	RuleStatus    = "status"
	RuleHeader    = "header"
	RuleTitle     = "title"
	RuleBody      = "body"
	RuleSoftError = "soft_error"
)

// Reasons produced by the default policy.
const (
	ReasonAuthRequired = "auth_required"
	ReasonAccessDenied = "access_denied"
	ReasonRateLimited  = "rate_limited"
	ReasonCloudflare   = "cloudflare"
	ReasonJSChallenge  = "js_challenge"
	ReasonCaptcha      = "captcha"
	ReasonSoftError    = "soft_error"
)

// HeaderRule matches a response header value.
type HeaderRule struct {
	Name     string `json:"name" yaml:"name"`
	Contains string `json:"contains" yaml:"contains"`
	// Statuses limits the rule to these status codes when non-empty.
	Statuses []int  `json:"statuses,omitempty" yaml:"statuses,omitempty"`
	Reason   string `json:"reason" yaml:"reason"`
}

// PatternRule is a case-insensitive regular expression with its reason.
type PatternRule struct {
	Pattern string `json:"pattern" yaml:"pattern"`
	Reason  string `json:"reason" yaml:"reason"`
}

// Policy configures a Detector.
type Policy struct {
	Statuses      map[int]string `json:"statuses,omitempty" yaml:"statuses,omitempty"`
	Headers       []HeaderRule   `json:"headers,omitempty" yaml:"headers,omitempty"`
	TitlePatterns []PatternRule  `json:"title_patterns,omitempty" yaml:"title_patterns,omitempty"`
	BodyPatterns  []PatternRule  `json:"body_patterns,omitempty" yaml:"body_patterns,omitempty"`
	SoftErrors    bool           `json:"soft_errors,omitempty" yaml:"soft_errors,omitempty"`
	// ScanBytes bounds how much of the body is searched for patterns.
	ScanBytes int `json:"scan_bytes,omitempty" yaml:"scan_bytes,omitempty"`
}

// Overrides is the per-profile block section. Set fields replace or extend
// the defaults; an empty reason in Statuses removes that status code.
type Overrides struct {
	Disabled      bool           `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Statuses      map[int]string `json:"statuses,omitempty" yaml:"statuses,omitempty"`
	Headers       []HeaderRule   `json:"headers,omitempty" yaml:"headers,omitempty"`
	TitlePatterns []PatternRule  `json:"title_patterns,omitempty" yaml:"title_patterns,omitempty"`
	BodyPatterns  []PatternRule  `json:"body_patterns,omitempty" yaml:"body_patterns,omitempty"`
	SoftErrors    *bool          `json:"soft_errors,omitempty" yaml:"soft_errors,omitempty"`
}

// DefaultPolicy returns the built-in rules.
func DefaultPolicy() Policy {
	return Policy{
		Statuses: map[int]string{
			401: ReasonAuthRequired,
			407: ReasonAuthRequired,
			403: ReasonAccessDenied,
			451: ReasonAccessDenied,
			429: ReasonRateLimited,
		},
		Headers: []HeaderRule{
			{Name: "cf-mitigated", Contains: "challenge", Reason: ReasonCloudflare},
			{Name: "server", Contains: "cloudflare", Statuses: []int{403, 503}, Reason: ReasonCloudflare},
		},
		TitlePatterns: []PatternRule{
			{Pattern: `just a moment`, Reason: ReasonJSChallenge},
			{Pattern: `attention required`, Reason: ReasonJSChallenge},
			{Pattern: `access denied`, Reason: ReasonAccessDenied},
		},
		BodyPatterns: []PatternRule{
			{Pattern: `cf-chl`, Reason: ReasonJSChallenge},
			{Pattern: `checking your browser`, Reason: ReasonJSChallenge},
			{Pattern: `verify you are human`, Reason: ReasonJSChallenge},
			{Pattern: `g-recaptcha`, Reason: ReasonCaptcha},
			{Pattern: `hcaptcha`, Reason: ReasonCaptcha},
			{Pattern: `\bcaptcha\b`, Reason: ReasonCaptcha},
		},
		ScanBytes: 6000,
	}
}

// Merge applies profile overrides to p and returns the result.
func (p Policy) Merge(o Overrides) Policy {
	if o.Disabled {
		return Policy{}
	}
	out := p
	out.Statuses = make(map[int]string, len(p.Statuses)+len(o.Statuses))
	for code, reason := range p.Statuses {
		out.Statuses[code] = reason
	}
	for code, reason := range o.Statuses {
		if reason == "" {
			delete(out.Statuses, code)
			continue
		}
		out.Statuses[code] = reason
	}
	out.Headers = append(append([]HeaderRule(nil), p.Headers...), o.Headers...)
	out.TitlePatterns = append(append([]PatternRule(nil), p.TitlePatterns...), o.TitlePatterns...)
	out.BodyPatterns = append(append([]PatternRule(nil), p.BodyPatterns...), o.BodyPatterns...)
	if o.SoftErrors != nil {
		out.SoftErrors = *o.SoftErrors
	}
	return out
}
