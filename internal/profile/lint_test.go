package profile

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webfarm/internal/fixture"
)

func TestLint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		doc    string
		want   []LintIssue
		failed bool
	}{
		{
			name: "clean",
			doc:  shopJSON,
			want: nil,
		},
		{
			name: "guessed cursor and unkeyed records",
			doc: `{
  "name": "feed",
  "request": {"url": "https://api.example.test/feed"},
  "pagination": {"kind": "cursor_token", "cursor_param": "after", "limit": 20},
  "extract": {"mode": "auto"},
  "export": {"schemas": {"default": {"columns": [{"name": "id", "path": "id"}]}}}
}`,
			want: []LintIssue{
				{Level: fixture.LevelWarn, Path: "pagination.cursor_path", Message: "not set; the cursor is guessed from common field names"},
				{Level: fixture.LevelWarn, Path: "pagination.limit", Message: "has no effect without limit_param"},
				{Level: fixture.LevelWarn, Path: "extract.html.items_selector", Message: "not set; HTML responses in auto mode yield no items"},
				{Level: fixture.LevelWarn, Path: "key", Message: "no id_path, id_keys or paths; records without a common id field are keyed by content hash"},
				{Level: fixture.LevelWarn, Path: "_meta.tests.cases", Message: "no offline cases; snapshot the profile to derive them"},
			},
		},
		{
			name: "literal credentials and broken columns",
			doc: `{
  "name": "leaky",
  "request": {
    "url": "https://api.example.test/items",
    "headers": {"Authorization": "Bearer abc", "X-Trace": "1"},
    "params": {"api_key": "k"}
  },
  "pagination": {"kind": "next_url", "next_path": "links.next"},
  "key": {"id_path": "id"},
  "export": {"schemas": {"flat": {"columns": [
    {"name": "id", "path": "id"},
    {"name": "orphan"},
    {"name": "bad", "path": "a[x"},
    {"name": "region", "const_ref": "region"}
  ]}}},
  "_meta": {"tests": {"cases": [{"name": "first"}]}}
}`,
			want: []LintIssue{
				{Level: fixture.LevelWarn, Path: "request.headers.Authorization", Message: "literal credential; reference it through request.auth instead"},
				{Level: fixture.LevelWarn, Path: "request.params.api_key", Message: "literal credential; reference it through request.auth instead"},
				{Level: fixture.LevelError, Path: "export.schemas.flat.orphan", Message: "needs one of path, paths, const, const_ref, compute or default"},
				{Level: fixture.LevelError, Path: "export.schemas.flat.bad.path", Message: `parse path "a[x": unclosed bracket`},
				{Level: fixture.LevelWarn, Path: "export.schemas.flat.region.const_ref", Message: `"region" has no ctx_defaults entry; pass it with --ctx at export`},
			},
			failed: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			file := writeFile(t, t.TempDir(), "p.json", tt.doc)
			p, err := Load(file, LoadOptions{})
			require.NoError(t, err)

			issues := Lint(p)
			require.Equal(t, tt.want, issues)
			require.Equal(t, tt.failed, LintFailed(issues))
		})
	}
}

func TestLintReportsInvalidProfileOnce(t *testing.T) {
	t.Parallel()

	p := &Profile{Name: "broken"}
	issues := Lint(p)
	require.Len(t, issues, 1)
	require.Equal(t, fixture.LevelError, issues[0].Level)
	require.Empty(t, issues[0].Path)
	require.Contains(t, issues[0].Message, "request.url")
	require.True(t, LintFailed(issues))
}

func TestFormatLint(t *testing.T) {
	t.Parallel()

	require.Equal(t, "OK: profile passed lint\n", FormatLint(nil))

	out := FormatLint([]LintIssue{
		{Level: fixture.LevelWarn, Path: "key", Message: "no key"},
		{Level: fixture.LevelError, Message: "profile name is required"},
	})
	require.Equal(t, "ERRORS: 1\n  - profile: profile name is required\nWARNINGS: 1\n  - key: no key\n", out)
}
