package profile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webfarm/internal/blockdetect"
	"github.com/JakeFAU/webfarm/internal/fetcher"
	"github.com/JakeFAU/webfarm/internal/paginate"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

const shopJSON = `{
  "name": "shop",
  "request": {
    "url": "https://API.example.test/v1/items",
    "params": {"q": "tea"},
    "timeout_seconds": 2.5,
    "auth": {"ref": "shop_token"}
  },
  "pagination": {"kind": "page", "limit_param": "per_page", "limit": 50},
  "extract": {"items_path": "data.items"},
  "key": {"paths": ["sku"]},
  "export": {
    "default_schema": "flat",
    "schemas": {"flat": {"columns": [{"name": "sku", "path": "sku"}]}}
  },
  "block": {"statuses": {"404": "gone"}},
  "_meta": {"tests": {"fixtures_dir": "tests/shop", "cases": [{"name": "first", "assert": {"items_min": 2}}]}}
}`

func TestLoadJSONProfile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	file := writeFile(t, dir, "shop.json", shopJSON)

	p, err := Load(file, LoadOptions{})
	require.NoError(t, err)
	require.Equal(t, "shop", p.Name)
	require.Equal(t, file, p.Source)
	require.Equal(t, paginate.KindPage, p.Pagination.Kind)
	require.Equal(t, 2500*time.Millisecond, p.Timeout())
	require.Equal(t, "shop_token", p.Request.Auth.Ref)
	require.Equal(t, "api.example.test", p.Domain())

	req := p.BaseRequest()
	require.Equal(t, "GET", req.Method)
	require.Equal(t, fetcher.AcceptJSON, req.Headers["Accept"])
	require.Equal(t, "tea", req.Params["q"])

	policy := p.BlockPolicy()
	require.Equal(t, "gone", policy.Statuses[404])
	require.Equal(t, blockdetect.ReasonRateLimited, policy.Statuses[429])

	require.Equal(t, "tests/shop", p.FixturesDir(""))
	require.Equal(t, "override", p.FixturesDir("override"))

	suite := p.Suite()
	require.Len(t, suite.Cases, 1)
	require.Equal(t, 2, *suite.Cases[0].Assert.ItemsMin)
	require.Equal(t, []string{"sku"}, suite.Key.Paths)
}

func TestLoadYAMLProfile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	file := writeFile(t, dir, "news.yaml", `
name: news
request:
  method: post
  url: https://news.example.test/graphql
  headers:
    accept: application/json
  body: {query: "{ posts }", cursor: null}
pagination:
  kind: cursor_next
  cursor_path: data.next
extract:
  mode: html
  html:
    items_selector: article
    fields:
      title: h2::text
block:
  statuses:
    403: ""
export:
  schemas:
    default:
      columns_map:
        title: title
        link: {path: url, pos: 0}
`)
	p, err := Load(file, LoadOptions{})
	require.NoError(t, err)

	req := p.BaseRequest()
	require.Equal(t, "POST", req.Method)
	require.Equal(t, "application/json", req.Headers["accept"])
	require.NotContains(t, req.Headers, "Accept")
	require.JSONEq(t, `{"query":"{ posts }","cursor":null}`, string(req.Body))
	require.Equal(t, DefaultTimeout, p.Timeout())
	require.Equal(t, "news", p.FixturesDir(""))

	_, ok := p.BlockPolicy().Statuses[403]
	require.False(t, ok)

	_, schema, found := p.Export.Schema("")
	require.True(t, found)
	require.Equal(t, []string{"link", "title"}, schema.Names())

	pager, err := p.Paginator()
	require.NoError(t, err)
	require.Equal(t, paginate.KindCursorNext, pager.Kind())
}

func TestLoadMergesDefaultsAndExtends(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	defaults := writeFile(t, dir, "_defaults.json", `{
  "request": {"headers": {"User-Agent": "webfarm/1", "Accept": "*/*"}, "timeout_seconds": 10},
  "pagination": {"kind": "offset", "limit": 20}
}`)
	writeFile(t, dir, "_base.yaml", `
request:
  headers:
    Accept: application/json
pagination:
  max_items: 100
`)
	file := writeFile(t, dir, "child.json", `{
  "name": "child",
  "extends": "_base.yaml",
  "request": {"url": "https://example.test/list"},
  "pagination": {"limit": 5}
}`)

	p, err := Load(file, LoadOptions{DefaultsPath: defaults})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"User-Agent": "webfarm/1", "Accept": "application/json"}, p.Request.Headers)
	require.Equal(t, 10*time.Second, p.Timeout())
	require.Equal(t, paginate.KindOffset, p.Pagination.Kind)
	require.Equal(t, 5, p.Pagination.Limit)
	require.Equal(t, 100, p.Pagination.MaxItems)
}

func TestLoadRejectsExtendsCycle(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "a.json", `{"extends": "b.json"}`)
	file := writeFile(t, dir, "b.json", `{"extends": "a.json"}`)
	_, err := Load(file, LoadOptions{})
	require.ErrorContains(t, err, "extends chain")
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"missing name", `{"request": {"url": "https://x.test"}, "pagination": {"kind": "page"}}`, "name is required"},
		{"relative url", `{"name": "a", "request": {"url": "/items"}, "pagination": {"kind": "page"}}`, "absolute http(s)"},
		{"ftp url", `{"name": "a", "request": {"url": "ftp://x.test/f"}, "pagination": {"kind": "page"}}`, "absolute http(s)"},
		{"bad method", `{"name": "a", "request": {"url": "https://x.test", "method": "TRACE"}, "pagination": {"kind": "page"}}`, "request.method"},
		{"missing kind", `{"name": "a", "request": {"url": "https://x.test"}}`, "pagination.kind is required"},
		{"bad kind", `{"name": "a", "request": {"url": "https://x.test"}, "pagination": {"kind": "scroll"}}`, "not supported"},
		{"bad mode", `{"name": "a", "request": {"url": "https://x.test"}, "pagination": {"kind": "page"}, "extract": {"mode": "xml"}}`, "extract.mode"},
		{"unnamed column", `{"name": "a", "request": {"url": "https://x.test"}, "pagination": {"kind": "page"},
		  "export": {"schemas": {"default": {"columns": [{"path": "x"}]}}}}`, "has no name"},
		{"unnamed case", `{"name": "a", "request": {"url": "https://x.test"}, "pagination": {"kind": "page"},
		  "_meta": {"tests": {"cases": [{"fixture": "f"}]}}}`, "need a name"},
		{"not an object", `[1, 2]`, "must be an object"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			file := writeFile(t, t.TempDir(), "p.json", tc.body)
			_, err := Load(file, LoadOptions{})
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	t.Parallel()
	file := writeFile(t, t.TempDir(), "p.toml", `name = "a"`)
	_, err := Load(file, LoadOptions{})
	require.ErrorContains(t, err, "unsupported extension")
}

func TestLoadDirAndSelect(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "_defaults.json", `{"pagination": {"kind": "page"}}`)
	writeFile(t, dir, "zeta.json", `{"name": "zeta", "request": {"url": "https://z.test"}}`)
	writeFile(t, dir, "alpha.yml", "name: alpha\nrequest:\n  url: https://a.test\n")
	writeFile(t, dir, "notes.txt", "not a profile")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o755))

	all, err := LoadDir(dir, LoadOptions{DefaultsPath: filepath.Join(dir, "_defaults.json")})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "alpha", all[0].Name)
	require.Equal(t, "zeta", all[1].Name)

	picked, err := Select(all, []string{"zeta"})
	require.NoError(t, err)
	require.Len(t, picked, 1)
	require.Equal(t, "zeta", picked[0].Name)

	everything, err := Select(all, nil)
	require.NoError(t, err)
	require.Len(t, everything, 2)

	_, err = Select(all, []string{"missing"})
	require.Error(t, err)
}

func TestLoadDirRejectsDuplicateNames(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "a.json", `{"name": "same", "request": {"url": "https://a.test"}, "pagination": {"kind": "page"}}`)
	writeFile(t, dir, "b.json", `{"name": "same", "request": {"url": "https://b.test"}, "pagination": {"kind": "page"}}`)
	_, err := LoadDir(dir, LoadOptions{})
	require.ErrorContains(t, err, "defined in both")
}

func TestIsProfileFile(t *testing.T) {
	t.Parallel()
	for name, want := range map[string]bool{
		"shop.json":      true,
		"shop.YAML":      true,
		"shop.yml":       true,
		"_defaults.json": false,
		".hidden.json":   false,
		"readme.md":      false,
	} {
		require.Equal(t, want, IsProfileFile(name), name)
	}
}
