package fixture

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/JakeFAU/webfarm/internal/export"
	"github.com/JakeFAU/webfarm/internal/extract"
	"github.com/JakeFAU/webfarm/internal/harvest"
)

// DefaultMaxItems bounds the sample used for column checks.
const DefaultMaxItems = 50

// Issue levels.
const (
	LevelError = "error"
	LevelWarn  = "warn"
)

// Suite is everything the offline runner needs from a profile.
type Suite struct {
	Profile string
	Rules   extract.Rules
	Key     extract.KeyExpr
	Export  export.Config
	// Cases from the profile. When empty the runner falls back to cases.json
	// and then to one unasserted case per fixture.
	Cases []Case
}

// TestOptions narrows a run of the offline tests.
type TestOptions struct {
	OnlyCase string
	Schema   string
	MaxItems int
}

// Issue is one finding. Errors fail the report; warnings do not.
type Issue struct {
	Level   string `json:"level"`
	Case    string `json:"case"`
	Message string `json:"message"`
}

// ColumnStat is the fill rate of one asserted column.
type ColumnStat struct {
	Nonempty int     `json:"nonempty"`
	Total    int     `json:"total"`
	Ratio    float64 `json:"ratio"`
	MinRatio float64 `json:"min_ratio"`
}

// CaseReport describes what one case produced.
type CaseReport struct {
	Name          string                `json:"name"`
	Kind          string                `json:"kind"`
	Source        string                `json:"source,omitempty"`
	Items         int                   `json:"items"`
	UniqueIDs     int                   `json:"unique_ids"`
	Schema        string                `json:"schema,omitempty"`
	Columns       []string              `json:"columns,omitempty"`
	NonemptyStats map[string]ColumnStat `json:"columns_nonempty_stats,omitempty"`
}

// Report is the outcome of RunOfflineTests.
type Report struct {
	OK          bool         `json:"ok"`
	Profile     string       `json:"profile"`
	FixturesDir string       `json:"fixtures_dir"`
	Cases       []CaseReport `json:"cases"`
	Issues      []Issue      `json:"issues"`
}

func (r *Report) add(level, name, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{Level: level, Case: name, Message: fmt.Sprintf(format, args...)})
}

// RunOfflineTests extracts every case from its stored body and checks the
// case assertions. Only storage failures are returned as errors; problems
// with individual cases land in the report.
func RunOfflineTests(ctx context.Context, cache *Cache, suite Suite, opts TestOptions) (Report, error) {
	rep := Report{Profile: suite.Profile, FixturesDir: cache.Dir(), Cases: []CaseReport{}, Issues: []Issue{}}

	cases := suite.Cases
	if len(cases) == 0 {
		var err error
		if cases, err = cache.LoadCases(ctx); err != nil {
			return rep, err
		}
	}
	if len(cases) == 0 {
		var err error
		if cases, err = cache.discoverCases(ctx); err != nil {
			return rep, err
		}
	}
	if only := strings.TrimSpace(opts.OnlyCase); only != "" {
		filtered := cases[:0:0]
		for _, c := range cases {
			if c.Name == only {
				filtered = append(filtered, c)
			}
		}
		cases = filtered
	}

	if len(cases) == 0 {
		if only := strings.TrimSpace(opts.OnlyCase); only != "" {
			rep.add(LevelError, only, "no case named %q: %v", only, harvest.ErrReplayNotFound)
		} else {
			rep.add(LevelError, "", "no cases or fixtures under %s: %v", cache.Dir(), harvest.ErrReplayNotFound)
		}
	}

	for _, c := range cases {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		cr, ok := runCase(ctx, cache, suite, opts, c, &rep)
		if ok {
			rep.Cases = append(rep.Cases, cr)
		}
	}

	rep.OK = true
	for _, is := range rep.Issues {
		if is.Level == LevelError {
			rep.OK = false
			break
		}
	}
	return rep, nil
}

func runCase(ctx context.Context, cache *Cache, suite Suite, opts TestOptions, c Case, rep *Report) (CaseReport, bool) {
	name := c.Name
	if name == "" {
		name = "case"
	}
	resp, rules, source, err := caseInput(ctx, cache, suite.Rules, c)
	if err != nil {
		rep.add(LevelError, name, "%v", err)
		return CaseReport{}, false
	}
	cr := CaseReport{Name: name, Kind: caseKind(c), Source: source}

	records, _, err := extract.Extract(resp, rules)
	if err != nil {
		rep.add(LevelError, name, "extract failed: %v", err)
		return cr, true
	}
	cr.Items = len(records)

	a := c.Assert
	itemsMin := 1
	if a.ItemsMin != nil {
		itemsMin = *a.ItemsMin
	}
	if cr.Items < itemsMin {
		rep.add(LevelError, name, "items count %d < items_min %d", cr.Items, itemsMin)
	}

	cr.UniqueIDs = uniqueIDs(records, suite.Key)
	if a.UniqueIDsMin != nil && *a.UniqueIDsMin > 0 && cr.UniqueIDs < *a.UniqueIDsMin {
		rep.add(LevelWarn, name, "unique_ids %d < unique_ids_min %d (check the key paths)", cr.UniqueIDs, *a.UniqueIDsMin)
	}

	requested := opts.Schema
	if requested == "" {
		requested = a.Schema
	}
	schemaName, schema, found := suite.Export.Schema(requested)
	cr.Schema = schemaName
	columns := schema.Resolved()
	if !found || len(columns) == 0 {
		rep.add(LevelWarn, name, "export schema '%s' not found or has no columns", schemaName)
		return cr, true
	}
	cr.Columns = schema.Names()

	if len(a.ColumnsNonempty) == 0 {
		return cr, true
	}
	minRatio := DefaultMinNonemptyRatio
	if a.MinNonemptyRatio != nil {
		minRatio = min(max(*a.MinNonemptyRatio, 0), 1)
	}
	env := export.Env{Ctx: export.MergeCtx(suite.Export.CtxDefaults, nil), Key: suite.Key}
	sample := sampleOf(records, opts.MaxItems)
	cr.NonemptyStats = make(map[string]ColumnStat, len(a.ColumnsNonempty))

	for _, colName := range a.ColumnsNonempty {
		col, ok := columnNamed(columns, colName)
		if !ok {
			rep.add(LevelError, name, "columns_nonempty refers to missing column: %s", colName)
			continue
		}
		st := ColumnStat{Total: len(sample), MinRatio: minRatio}
		for _, it := range sample {
			if export.Value(it, col, env) != "" {
				st.Nonempty++
			}
		}
		if st.Total > 0 {
			st.Ratio = float64(st.Nonempty) / float64(st.Total)
		}
		cr.NonemptyStats[colName] = st
		switch {
		case st.Total == 0:
			rep.add(LevelWarn, name, "no items in sample to validate column '%s'", colName)
		case st.Ratio < minRatio:
			rep.add(LevelWarn, name, "column '%s' nonempty ratio %.2f < %.2f (check paths, defaults or compute)", colName, st.Ratio, minRatio)
		}
	}
	return cr, true
}

func caseKind(c Case) string {
	switch strings.ToLower(c.Kind) {
	case "":
		if c.File != "" {
			return KindJSON
		}
		return KindFixture
	case "htm":
		return KindHTML
	default:
		return strings.ToLower(c.Kind)
	}
}

// caseInput loads the response a case is checked against. Raw html and json
// files force the matching extraction mode.
func caseInput(ctx context.Context, cache *Cache, rules extract.Rules, c Case) (harvest.Response, extract.Rules, string, error) {
	switch kind := caseKind(c); kind {
	case KindFixture:
		name := c.Fixture
		if name == "" {
			name = c.Name
		}
		resp, err := cache.Replay(ctx, name)
		if errors.Is(err, harvest.ErrReplayNotFound) {
			return harvest.Response{}, rules, "", fmt.Errorf("fixture not found: %s", name)
		}
		if err != nil {
			return harvest.Response{}, rules, "", err
		}
		return resp, rules, cache.object(name + Suffix), nil
	case KindJSON, KindHTML:
		if c.File == "" {
			return harvest.Response{}, rules, "", fmt.Errorf("case.file is required")
		}
		path := cache.object(c.File)
		body, err := cache.blobs.GetObject(ctx, path)
		if errors.Is(err, harvest.ErrNotFound) {
			return harvest.Response{}, rules, "", fmt.Errorf("fixture file not found: %s", path)
		}
		if err != nil {
			return harvest.Response{}, rules, "", fmt.Errorf("read %s: %w", path, err)
		}
		resp := harvest.Response{StatusCode: http.StatusOK, Headers: http.Header{}, Body: body}
		if kind == KindHTML {
			rules.Mode = extract.ModeHTML
			resp.Headers.Set("Content-Type", "text/html; charset=utf-8")
		} else {
			rules.Mode = extract.ModeJSON
			resp.Headers.Set("Content-Type", "application/json")
		}
		return resp, rules, path, nil
	default:
		return harvest.Response{}, rules, "", fmt.Errorf("unsupported case kind %q, expected fixture, json or html", c.Kind)
	}
}

func columnNamed(columns []export.Column, name string) (export.Column, bool) {
	for _, c := range columns {
		if c.Name == name {
			return c, true
		}
	}
	return export.Column{}, false
}

// FormatText renders a report for terminals.
func FormatText(rep Report) string {
	var b strings.Builder
	status := "FAIL"
	if rep.OK {
		status = "OK"
	}
	fmt.Fprintf(&b, "offline-test: %s  profile=%s  fixtures=%s", status, rep.Profile, rep.FixturesDir)
	if len(rep.Issues) > 0 {
		b.WriteString("\nIssues:")
		for _, is := range rep.Issues {
			fmt.Fprintf(&b, "\n- %s: case=%s - %s", is.Level, is.Case, is.Message)
		}
	}
	if len(rep.Cases) > 0 {
		b.WriteString("\nCases:")
		for _, c := range rep.Cases {
			fmt.Fprintf(&b, "\n- %s: kind=%s items=%d unique_ids=%d schema=%s", c.Name, c.Kind, c.Items, c.UniqueIDs, c.Schema)
		}
	}
	return b.String()
}
