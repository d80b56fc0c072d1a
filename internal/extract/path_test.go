package extract

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	doc, err := DecodeJSON([]byte(raw))
	require.NoError(t, err)
	return doc
}

func TestParsePathSegments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		expr string
		want []Segment
	}{
		{"data.items[0].id", []Segment{
			{Kind: SegField, Name: "data"}, {Kind: SegField, Name: "items"},
			{Kind: SegIndex, Index: 0}, {Kind: SegField, Name: "id"},
		}},
		{"items[].price.value", []Segment{
			{Kind: SegField, Name: "items"}, {Kind: SegWildcard},
			{Kind: SegField, Name: "price"}, {Kind: SegField, Name: "value"},
		}},
		{"rows.*", []Segment{{Kind: SegField, Name: "rows"}, {Kind: SegWildcard}}},
		{"arr.2.id", []Segment{
			{Kind: SegField, Name: "arr"}, {Kind: SegIndex, Index: 2}, {Kind: SegField, Name: "id"},
		}},
		{`meta["next.page"]`, []Segment{{Kind: SegField, Name: "meta"}, {Kind: SegField, Name: "next.page"}}},
		{"", nil},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			t.Parallel()
			p, err := ParsePath(tt.expr)
			require.NoError(t, err)
			require.Equal(t, tt.want, p.Segments())
			require.Equal(t, tt.expr, p.String())
		})
	}
}

func TestParsePathErrors(t *testing.T) {
	t.Parallel()

	for _, expr := range []string{"items[0", "items]", "items[abc]"} {
		_, err := ParsePath(expr)
		require.Error(t, err, expr)
	}
}

func TestPathGet(t *testing.T) {
	t.Parallel()

	doc := decode(t, `{
		"data": {"items": [{"id": 1, "price": {"value": 9.5}}, {"id": 2, "price": {"value": 3}}]},
		"rows": {"b": 2, "a": 1},
		"empty": []
	}`)

	v, ok := Lookup(doc, "data.items[1].id")
	require.True(t, ok)
	require.Equal(t, json.Number("2"), v)

	v, ok = Lookup(doc, "data.items.0.price.value")
	require.True(t, ok)
	require.Equal(t, json.Number("9.5"), v)

	v, ok = Lookup(doc, "data.items[-1].id")
	require.True(t, ok)
	require.Equal(t, json.Number("2"), v)

	v, ok = Lookup(doc, "data.items[].price.value")
	require.True(t, ok)
	require.Equal(t, []any{json.Number("9.5"), json.Number("3")}, v)

	v, ok = Lookup(doc, "rows.*")
	require.True(t, ok)
	require.Equal(t, []any{json.Number("1"), json.Number("2")}, v, "map wildcard is ordered by key")

	_, ok = Lookup(doc, "empty[].id")
	require.False(t, ok)

	_, ok = Lookup(doc, "data.items[5]")
	require.False(t, ok)

	_, ok = Lookup(doc, "data.missing")
	require.False(t, ok)

	v, ok = Lookup(doc, "")
	require.True(t, ok)
	require.Equal(t, doc, v)
}

func FuzzParsePath(f *testing.F) {
	f.Add("items[].price.value")
	f.Add("data.items[0].id")
	f.Add("rows.*")
	f.Fuzz(func(t *testing.T, expr string) {
		p, err := ParsePath(expr)
		if err != nil {
			return
		}
		_, _ = p.Get(map[string]any{"items": []any{map[string]any{"id": "x"}}})
	})
}
