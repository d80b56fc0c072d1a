package fixture

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webfarm/internal/export"
	"github.com/JakeFAU/webfarm/internal/extract"
	"github.com/JakeFAU/webfarm/internal/harvest"
)

const itemsBody = `{"items":[
  {"id":1,"title":"A","price":"1.5"},
  {"id":2,"title":"","price":"2"},
  {"id":2,"title":"C"}
]}`

func shopSuite() Suite {
	return Suite{
		Profile: "shop",
		Rules: extract.Rules{
			ItemsPath: "items",
			HTML: extract.HTMLRules{
				ItemsSelector: "li.item",
				Fields:        map[string]extract.FieldRule{"title": {"span.t::text"}},
				IDAttr:        "data-id",
			},
		},
		Export: export.Config{
			DefaultSchema: "flat",
			Schemas: map[string]export.Schema{
				"flat": {Columns: []export.Column{
					{Name: "id", Path: "id"},
					{Name: "title", Path: "title"},
					{Name: "price", Path: "price", Type: export.TypeFloat},
				}},
			},
		},
	}
}

func seedItems(t *testing.T, cache *Cache, name, body string) {
	t.Helper()
	_, err := cache.Snapshot(context.Background(), name, listRequest("1"), harvest.Response{
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"application/json"}},
		Body:       []byte(body),
	})
	require.NoError(t, err)
}

func TestRunOfflineTestsPassingCase(t *testing.T) {
	t.Parallel()
	cache, _ := newCache(t)
	seedItems(t, cache, "page-0001", itemsBody)

	suite := shopSuite()
	suite.Cases = []Case{{
		Name:    "ok",
		Fixture: "page-0001",
		Assert: Assert{
			ItemsMin:         intPtr(3),
			UniqueIDsMin:     intPtr(2),
			ColumnsNonempty:  []string{"id", "title"},
			MinNonemptyRatio: floatPtr(0.5),
		},
	}}
	rep, err := RunOfflineTests(context.Background(), cache, suite, TestOptions{})
	require.NoError(t, err)
	require.True(t, rep.OK)
	require.Empty(t, rep.Issues)
	require.Len(t, rep.Cases, 1)

	cr := rep.Cases[0]
	require.Equal(t, KindFixture, cr.Kind)
	require.Equal(t, 3, cr.Items)
	require.Equal(t, 2, cr.UniqueIDs)
	require.Equal(t, "flat", cr.Schema)
	require.Equal(t, []string{"id", "title", "price"}, cr.Columns)
	require.Equal(t, ColumnStat{Nonempty: 3, Total: 3, Ratio: 1, MinRatio: 0.5}, cr.NonemptyStats["id"])
	require.Equal(t, 2, cr.NonemptyStats["title"].Nonempty)
}

func TestRunOfflineTestsReportsErrorsAndWarnings(t *testing.T) {
	t.Parallel()
	cache, _ := newCache(t)
	seedItems(t, cache, "page-0001", itemsBody)

	suite := shopSuite()
	suite.Cases = []Case{
		{
			Name:    "strict",
			Fixture: "page-0001",
			Assert: Assert{
				ItemsMin:         intPtr(5),
				UniqueIDsMin:     intPtr(3),
				ColumnsNonempty:  []string{"title", "missing"},
				MinNonemptyRatio: floatPtr(0.9),
			},
		},
		{Name: "gone", Fixture: "page-0404"},
	}
	rep, err := RunOfflineTests(context.Background(), cache, suite, TestOptions{})
	require.NoError(t, err)
	require.False(t, rep.OK)
	require.Len(t, rep.Cases, 1)
	require.Equal(t, []Issue{
		{Level: LevelError, Case: "strict", Message: "items count 3 < items_min 5"},
		{Level: LevelWarn, Case: "strict", Message: "unique_ids 2 < unique_ids_min 3 (check the key paths)"},
		{Level: LevelWarn, Case: "strict", Message: "column 'title' nonempty ratio 0.67 < 0.90 (check paths, defaults or compute)"},
		{Level: LevelError, Case: "strict", Message: "columns_nonempty refers to missing column: missing"},
		{Level: LevelError, Case: "gone", Message: "fixture not found: page-0404"},
	}, rep.Issues)

	text := FormatText(rep)
	require.True(t, strings.HasPrefix(text, "offline-test: FAIL  profile=shop  fixtures=fixtures/shop"))
	require.Contains(t, text, "- error: case=strict - items count 3 < items_min 5")
	require.Contains(t, text, "- strict: kind=fixture items=3 unique_ids=2 schema=flat")
}

func TestRunOfflineTestsDiscoversFixtures(t *testing.T) {
	t.Parallel()
	cache, _ := newCache(t)
	seedItems(t, cache, "empty", `{"items":[]}`)
	seedItems(t, cache, "full", itemsBody)

	rep, err := RunOfflineTests(context.Background(), cache, shopSuite(), TestOptions{})
	require.NoError(t, err)
	require.False(t, rep.OK)
	require.Len(t, rep.Cases, 2)
	require.Equal(t, "empty", rep.Cases[0].Name)
	require.Equal(t, []Issue{{Level: LevelError, Case: "empty", Message: "items count 0 < items_min 1"}}, rep.Issues)

	only, err := RunOfflineTests(context.Background(), cache, shopSuite(), TestOptions{OnlyCase: "full"})
	require.NoError(t, err)
	require.True(t, only.OK)
	require.Len(t, only.Cases, 1)
}

func TestRunOfflineTestsWithoutCasesFails(t *testing.T) {
	t.Parallel()
	cache, _ := newCache(t)

	rep, err := RunOfflineTests(context.Background(), cache, shopSuite(), TestOptions{})
	require.NoError(t, err)
	require.False(t, rep.OK)
	require.Empty(t, rep.Cases)
	require.Equal(t, []Issue{{
		Level:   LevelError,
		Message: "no cases or fixtures under fixtures/shop: replay fixture not found",
	}}, rep.Issues)

	seedItems(t, cache, "full", itemsBody)
	only, err := RunOfflineTests(context.Background(), cache, shopSuite(), TestOptions{OnlyCase: "nope"})
	require.NoError(t, err)
	require.False(t, only.OK)
	require.Equal(t, []Issue{{
		Level:   LevelError,
		Case:    "nope",
		Message: `no case named "nope": replay fixture not found`,
	}}, only.Issues)
}

func TestRunOfflineTestsRawHTMLFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cache, blobs := newCache(t)
	page := `<ul>
  <li class="item" data-id="a1"><span class="t">One</span></li>
  <li class="item" data-id="a2"><span class="t">Two</span></li>
</ul>`
	_, err := blobs.PutObject(ctx, "fixtures/shop/list.html", "text/html", strings.NewReader(page))
	require.NoError(t, err)

	suite := shopSuite()
	suite.Cases = []Case{{Name: "html", Kind: "htm", File: "list.html", Assert: Assert{
		ItemsMin:        intPtr(2),
		UniqueIDsMin:    intPtr(2),
		ColumnsNonempty: []string{"id", "title"},
	}}}
	rep, err := RunOfflineTests(ctx, cache, suite, TestOptions{})
	require.NoError(t, err)
	require.True(t, rep.OK, FormatText(rep))
	require.Equal(t, KindHTML, rep.Cases[0].Kind)
	require.Equal(t, "fixtures/shop/list.html", rep.Cases[0].Source)
	require.Equal(t, 2, rep.Cases[0].UniqueIDs)
}

func TestRunOfflineTestsMissingSchemaWarns(t *testing.T) {
	t.Parallel()
	cache, _ := newCache(t)
	seedItems(t, cache, "page-0001", itemsBody)

	rep, err := RunOfflineTests(context.Background(), cache, shopSuite(), TestOptions{Schema: "wide"})
	require.NoError(t, err)
	require.True(t, rep.OK)
	require.Equal(t, []Issue{{Level: LevelWarn, Case: "page-0001", Message: "export schema 'wide' not found or has no columns"}}, rep.Issues)
}

func TestDeriveCaseRoundTripsThroughCasesFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cache, _ := newCache(t)
	seedItems(t, cache, "page-0001", itemsBody)

	resp, err := cache.Replay(ctx, "page-0001")
	require.NoError(t, err)
	suite := shopSuite()
	records, _, err := extract.Extract(resp, suite.Rules)
	require.NoError(t, err)
	_, schema, _ := suite.Export.Schema("")

	c := DeriveCase("page-0001", records, schema.Resolved(), export.Env{Key: suite.Key}, 0)
	require.Equal(t, 3, *c.Assert.ItemsMin)
	require.Equal(t, 2, *c.Assert.UniqueIDsMin)
	require.Equal(t, []string{"id"}, c.Assert.ColumnsNonempty)
	require.InDelta(t, DefaultMinNonemptyRatio, *c.Assert.MinNonemptyRatio, 1e-9)

	require.NoError(t, cache.SaveCases(ctx, c, Case{Name: "aaa", Fixture: "page-0001"}))
	replaced := c
	replaced.Assert.ItemsMin = intPtr(1)
	require.NoError(t, cache.SaveCases(ctx, replaced))

	loaded, err := cache.LoadCases(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.Equal(t, "aaa", loaded[0].Name)
	require.Equal(t, 1, *loaded[1].Assert.ItemsMin)

	rep, err := RunOfflineTests(ctx, cache, suite, TestOptions{})
	require.NoError(t, err)
	require.True(t, rep.OK, FormatText(rep))
}

func TestLoadCasesMissingFile(t *testing.T) {
	t.Parallel()
	cache, _ := newCache(t)
	cases, err := cache.LoadCases(context.Background())
	require.NoError(t, err)
	require.Empty(t, cases)
}
