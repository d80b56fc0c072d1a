package profile

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/webfarm/internal/export"
	"github.com/JakeFAU/webfarm/internal/extract"
	"github.com/JakeFAU/webfarm/internal/fixture"
	"github.com/JakeFAU/webfarm/internal/harvest"
	"github.com/JakeFAU/webfarm/internal/paginate"
)

// LintIssue is one finding of Lint. Level is fixture.LevelError or
// fixture.LevelWarn.
type LintIssue struct {
	Level   string `json:"level"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

// secretNames are header and parameter names whose literal values belong in
// the secrets file.
var secretNames = []string{"authorization", "api_key", "apikey", "api-key", "x-api-key", "token", "access_token", "secret", "password"}

// Lint reports problems that load-time validation accepts but that usually
// break or weaken a run. It never touches the network.
func Lint(p *Profile) []LintIssue {
	var out []LintIssue
	add := func(level, path, format string, args ...any) {
		out = append(out, LintIssue{Level: level, Path: path, Message: fmt.Sprintf(format, args...)})
	}
	if err := p.Validate(); err != nil {
		add(fixture.LevelError, "", "%v", err)
		return out
	}

	for _, name := range harvest.SortedKeys(p.Request.Headers) {
		if isSecretName(name) && p.Request.Headers[name] != "" {
			add(fixture.LevelWarn, "request.headers."+name, "literal credential; reference it through request.auth instead")
		}
	}
	for _, name := range harvest.SortedKeys(p.Request.Params) {
		if isSecretName(name) && p.Request.Params[name] != "" {
			add(fixture.LevelWarn, "request.params."+name, "literal credential; reference it through request.auth instead")
		}
	}

	pg := p.Pagination
	switch pg.Kind {
	case paginate.KindCursorToken, paginate.KindCursorNext:
		if pg.CursorPath == "" && pg.CursorHeader == "" {
			add(fixture.LevelWarn, "pagination.cursor_path", "not set; the cursor is guessed from common field names")
		}
	case paginate.KindNextURL:
		if pg.NextPath == "" {
			add(fixture.LevelWarn, "pagination.next_path", "not set; the next URL comes from a Link header or common field names")
		}
	}
	if pg.Limit > 0 && pg.LimitParam == "" && pg.Kind != paginate.KindOffset {
		add(fixture.LevelWarn, "pagination.limit", "has no effect without limit_param")
	}

	if p.Extract.Mode == extract.ModeAuto && p.Extract.HTML.ItemsSelector == "" {
		add(fixture.LevelWarn, "extract.html.items_selector", "not set; HTML responses in auto mode yield no items")
	}

	if p.Key.IDPath == "" && len(p.Key.Paths) == 0 && len(p.Key.IDKeys) == 0 {
		add(fixture.LevelWarn, "key", "no id_path, id_keys or paths; records without a common id field are keyed by content hash")
	}

	out = append(out, lintExport(p.Export)...)

	if len(p.Meta.Tests.Cases) == 0 {
		add(fixture.LevelWarn, "_meta.tests.cases", "no offline cases; snapshot the profile to derive them")
	}
	return out
}

func lintExport(cfg export.Config) []LintIssue {
	var out []LintIssue
	if len(cfg.Schemas) == 0 {
		return append(out, LintIssue{Level: fixture.LevelWarn, Path: "export.schemas", Message: "no schemas; the export command has nothing to project"})
	}
	for _, name := range harvest.SortedKeys(cfg.Schemas) {
		for _, col := range cfg.Schemas[name].Resolved() {
			base := fmt.Sprintf("export.schemas.%s.%s", name, col.Name)
			if col.Path == "" && len(col.Paths) == 0 && !col.HasConst && col.ConstRef == "" && col.Compute == "" && !col.HasDefault {
				out = append(out, LintIssue{Level: fixture.LevelError, Path: base, Message: "needs one of path, paths, const, const_ref, compute or default"})
				continue
			}
			for i, expr := range append([]string{col.Path}, col.Paths...) {
				if expr == "" {
					continue
				}
				if _, err := extract.ParsePath(expr); err != nil {
					at := base + ".path"
					if i > 0 {
						at = fmt.Sprintf("%s.paths[%d]", base, i-1)
					}
					out = append(out, LintIssue{Level: fixture.LevelError, Path: at, Message: err.Error()})
				}
			}
			if col.ConstRef != "" {
				if _, ok := cfg.CtxDefaults[col.ConstRef]; !ok {
					out = append(out, LintIssue{Level: fixture.LevelWarn, Path: base + ".const_ref",
						Message: fmt.Sprintf("%q has no ctx_defaults entry; pass it with --ctx at export", col.ConstRef)})
				}
			}
		}
	}
	return out
}

// LintFailed reports whether issues contain an error.
func LintFailed(issues []LintIssue) bool {
	for _, is := range issues {
		if is.Level == fixture.LevelError {
			return true
		}
	}
	return false
}

// FormatLint renders issues grouped by level.
func FormatLint(issues []LintIssue) string {
	if len(issues) == 0 {
		return "OK: profile passed lint\n"
	}
	var errs, warns []LintIssue
	for _, is := range issues {
		if is.Level == fixture.LevelError {
			errs = append(errs, is)
		} else {
			warns = append(warns, is)
		}
	}
	var b strings.Builder
	group := func(title string, list []LintIssue) {
		if len(list) == 0 {
			return
		}
		fmt.Fprintf(&b, "%s: %d\n", title, len(list))
		for _, is := range list {
			path := is.Path
			if path == "" {
				path = "profile"
			}
			fmt.Fprintf(&b, "  - %s: %s\n", path, is.Message)
		}
	}
	group("ERRORS", errs)
	group("WARNINGS", warns)
	return b.String()
}

func isSecretName(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range secretNames {
		if lower == s {
			return true
		}
	}
	return false
}
