package blockdetect

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/webfarm/internal/harvest"
)

const snippetLimit = 1200

// evidenceHeaders are copied onto blocked events for the operator.
var evidenceHeaders = []string{"server", "cf-ray", "cf-mitigated", "location", "content-type", "retry-after"}

// Verdict is the outcome of Classify. The zero value means clear.
type Verdict struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"`
	Rule    string `json:"rule,omitempty"`
}

func blocked(reason, rule string) Verdict {
	return Verdict{Blocked: true, Reason: reason, Rule: rule}
}

type compiledRule struct {
	re     *regexp.Regexp
	reason string
	source string
}

// Detector applies a Policy. It is stateless and safe for concurrent use.
type Detector struct {
	policy Policy
	titles []compiledRule
	bodies []compiledRule
}

// New compiles a policy.
func New(p Policy) (*Detector, error) {
	titles, err := compile(p.TitlePatterns)
	if err != nil {
		return nil, fmt.Errorf("title patterns: %w", err)
	}
	bodies, err := compile(p.BodyPatterns)
	if err != nil {
		return nil, fmt.Errorf("body patterns: %w", err)
	}
	if p.ScanBytes <= 0 {
		p.ScanBytes = 6000
	}
	return &Detector{policy: p, titles: titles, bodies: bodies}, nil
}

// Default returns a detector for DefaultPolicy.
func Default() *Detector {
	d, err := New(DefaultPolicy())
	if err != nil {
		panic(err)
	}
	return d
}

func compile(rules []PatternRule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", r.Pattern, err)
		}
		out = append(out, compiledRule{re: re, reason: r.Reason, source: r.Pattern})
	}
	return out, nil
}

// Classify inspects resp. Rules are evaluated in precedence order
// status, header, title, body, soft error; the first match wins.
func (d *Detector) Classify(resp harvest.Response) Verdict {
	if d == nil {
		return Verdict{}
	}
	if reason, ok := d.policy.Statuses[resp.StatusCode]; ok && reason != "" {
		return blocked(reason, RuleStatus+":"+strconv.Itoa(resp.StatusCode))
	}
	for _, rule := range d.policy.Headers {
		if len(rule.Statuses) > 0 && !slices.Contains(rule.Statuses, resp.StatusCode) {
			continue
		}
		value := resp.Header(rule.Name)
		if value != "" && strings.Contains(strings.ToLower(value), strings.ToLower(rule.Contains)) {
			return blocked(rule.Reason, RuleHeader+":"+strings.ToLower(rule.Name))
		}
	}

	body := resp.Body
	if len(body) > d.policy.ScanBytes {
		body = body[:d.policy.ScanBytes]
	}
	if looksHTML(resp) {
		if title := pageTitle(resp.Body); title != "" {
			for _, rule := range d.titles {
				if rule.re.MatchString(title) {
					return blocked(rule.reason, RuleTitle+":"+rule.source)
				}
			}
		}
		for _, rule := range d.bodies {
			if rule.re.Match(body) {
				return blocked(rule.reason, RuleBody+":"+rule.source)
			}
		}
		return Verdict{}
	}

	if d.policy.SoftErrors {
		if field, ok := softError(resp.Body); ok {
			return blocked(ReasonSoftError, RuleSoftError+":"+field)
		}
	}
	return Verdict{}
}

// Evidence returns the body snippet and selected headers stored with a
// blocked event.
func Evidence(resp harvest.Response) (string, map[string]string) {
	body := resp.Body
	if len(body) > snippetLimit {
		body = body[:snippetLimit]
	}
	snippet := strings.ToValidUTF8(string(body), "")
	headers := map[string]string{}
	for _, name := range evidenceHeaders {
		if v := resp.Header(name); v != "" {
			headers[name] = v
		}
	}
	return snippet, headers
}

func looksHTML(resp harvest.Response) bool {
	ct := strings.ToLower(resp.Header("Content-Type"))
	if strings.Contains(ct, "html") {
		return true
	}
	if strings.Contains(ct, "json") {
		return false
	}
	trimmed := bytes.TrimSpace(resp.Body)
	return len(trimmed) > 0 && trimmed[0] == '<'
}

func pageTitle(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

// softError recognises JSON envelopes that report failure with a 2xx status.
func softError(body []byte) (string, bool) {
	var doc map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(body), &doc); err != nil {
		return "", false
	}
	if v, ok := doc["error"]; ok && truthy(v) {
		return "error", true
	}
	if v, ok := doc["errors"]; ok && truthy(v) {
		return "errors", true
	}
	if v, ok := doc["success"].(bool); ok && !v {
		return "success", true
	}
	if v, ok := doc["status"].(string); ok {
		switch strings.ToLower(v) {
		case "error", "fail", "failed":
			return "status", true
		}
	}
	return "", false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return strings.TrimSpace(t) != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	case float64:
		return t != 0
	default:
		return true
	}
}
