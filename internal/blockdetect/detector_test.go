package blockdetect

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webfarm/internal/harvest"
)

func htmlResponse(status int, body string, headers ...string) harvest.Response {
	h := http.Header{"Content-Type": {"text/html; charset=utf-8"}}
	for i := 0; i+1 < len(headers); i += 2 {
		h.Set(headers[i], headers[i+1])
	}
	return harvest.Response{StatusCode: status, Headers: h, Body: []byte(body)}
}

func jsonResponse(status int, body string) harvest.Response {
	return harvest.Response{
		StatusCode: status,
		Headers:    http.Header{"Content-Type": {"application/json"}},
		Body:       []byte(body),
	}
}

func TestClassifyDefaultPolicy(t *testing.T) {
	t.Parallel()

	d := Default()
	tests := []struct {
		name   string
		resp   harvest.Response
		reason string
		rule   string
	}{
		{"clear json", jsonResponse(200, `{"items":[1,2]}`), "", ""},
		{"clear html", htmlResponse(200, `<html><title>Shop</title><body>ok</body></html>`), "", ""},
		{"unauthorized", jsonResponse(401, `{}`), ReasonAuthRequired, "status:401"},
		{"proxy auth", jsonResponse(407, `{}`), ReasonAuthRequired, "status:407"},
		{"forbidden", jsonResponse(403, `{}`), ReasonAccessDenied, "status:403"},
		{"legal", jsonResponse(451, `{}`), ReasonAccessDenied, "status:451"},
		{"too many", jsonResponse(429, `{}`), ReasonRateLimited, "status:429"},
		{"status beats header", htmlResponse(403, `<title>Just a moment...</title>`, "Server", "cloudflare"), ReasonAccessDenied, "status:403"},
		{"cf mitigated", htmlResponse(200, `<html></html>`, "cf-mitigated", "challenge"), ReasonCloudflare, "header:cf-mitigated"},
		{"cloudflare 503", htmlResponse(503, `<html></html>`, "Server", "cloudflare"), ReasonCloudflare, "header:server"},
		{"cloudflare server on 200 is fine", htmlResponse(200, `<html><title>ok</title></html>`, "Server", "cloudflare"), "", ""},
		{"title challenge", htmlResponse(200, `<html><head><title>Just a moment...</title></head><body>captcha</body></html>`), ReasonJSChallenge, "title:just a moment"},
		{"title denied", htmlResponse(200, `<html><head><title>Access Denied</title></head></html>`), ReasonAccessDenied, "title:access denied"},
		{"body challenge", htmlResponse(200, `<html><body><div id="cf-chl-widget"></div></body></html>`), ReasonJSChallenge, "body:cf-chl"},
		{"body captcha", htmlResponse(200, `<html><body><div class="g-recaptcha"></div></body></html>`), ReasonCaptcha, "body:g-recaptcha"},
		{"body word captcha", htmlResponse(200, `<html><body>Please solve the CAPTCHA</body></html>`), ReasonCaptcha, `body:\bcaptcha\b`},
		{"json body ignores html patterns", jsonResponse(200, `{"note":"captcha"}`), "", ""},
		{"soft errors off by default", jsonResponse(200, `{"error":"quota"}`), "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := d.Classify(tt.resp)
			require.Equal(t, tt.reason != "", v.Blocked)
			require.Equal(t, tt.reason, v.Reason)
			require.Equal(t, tt.rule, v.Rule)
		})
	}
}

func TestClassifySoftErrors(t *testing.T) {
	t.Parallel()

	enabled := true
	d, err := New(DefaultPolicy().Merge(Overrides{SoftErrors: &enabled}))
	require.NoError(t, err)

	tests := []struct {
		body    string
		blocked bool
		rule    string
	}{
		{`{"error":"quota exceeded"}`, true, "soft_error:error"},
		{`{"error":null,"items":[]}`, false, ""},
		{`{"errors":[{"message":"bad"}]}`, true, "soft_error:errors"},
		{`{"errors":[]}`, false, ""},
		{`{"success":false}`, true, "soft_error:success"},
		{`{"status":"FAIL"}`, true, "soft_error:status"},
		{`{"status":"ok","items":[1]}`, false, ""},
		{`[1,2,3]`, false, ""},
	}
	for _, tt := range tests {
		v := d.Classify(jsonResponse(200, tt.body))
		require.Equal(t, tt.blocked, v.Blocked, tt.body)
		require.Equal(t, tt.rule, v.Rule, tt.body)
	}
}

func TestPolicyMerge(t *testing.T) {
	t.Parallel()

	merged := DefaultPolicy().Merge(Overrides{
		Statuses:     map[int]string{404: "gone", 403: ""},
		BodyPatterns: []PatternRule{{Pattern: `please log in`, Reason: ReasonAuthRequired}},
	})
	d, err := New(merged)
	require.NoError(t, err)

	require.Equal(t, Verdict{Blocked: true, Reason: "gone", Rule: "status:404"}, d.Classify(jsonResponse(404, `{}`)))
	require.False(t, d.Classify(jsonResponse(403, `{}`)).Blocked)
	require.Equal(t, ReasonAuthRequired, d.Classify(htmlResponse(200, `<p>Please log in</p>`)).Reason)

	// defaults are untouched
	require.Equal(t, ReasonAccessDenied, DefaultPolicy().Statuses[403])

	none, err := New(DefaultPolicy().Merge(Overrides{Disabled: true}))
	require.NoError(t, err)
	require.False(t, none.Classify(jsonResponse(429, `{}`)).Blocked)
}

func TestNewRejectsBadPattern(t *testing.T) {
	t.Parallel()

	_, err := New(Policy{BodyPatterns: []PatternRule{{Pattern: "("}}})
	require.Error(t, err)
}

func TestEvidence(t *testing.T) {
	t.Parallel()

	resp := htmlResponse(403, strings.Repeat("x", 2000), "Server", "cloudflare", "CF-Ray", "abc", "Set-Cookie", "secret=1")
	snippet, headers := Evidence(resp)
	require.Len(t, snippet, snippetLimit)
	require.Equal(t, "cloudflare", headers["server"])
	require.Equal(t, "abc", headers["cf-ray"])
	require.NotContains(t, headers, "set-cookie")
}
