package extract

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webfarm/internal/harvest"
)

func record(t *testing.T, raw string) Record {
	t.Helper()
	doc := decode(t, raw)
	rec, ok := doc.(map[string]any)
	require.True(t, ok)
	return rec
}

func TestComputeKeyConfiguredPaths(t *testing.T) {
	t.Parallel()

	rec := record(t, `{"shop":"eu","sku":12345678901234567890,"variant":{"size":"M"},"active":true}`)

	key, err := ComputeKey(rec, KeyExpr{Paths: []string{"shop", "sku", "variant.size", "active"}})
	require.NoError(t, err)
	require.Equal(t, "eu|12345678901234567890|M|true", key)

	key, err = ComputeKey(rec, KeyExpr{Paths: []string{"shop", "variant.size"}, Separator: "::"})
	require.NoError(t, err)
	require.Equal(t, "eu::M", key)
}

func TestComputeKeyMissingField(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{"absent", `{"shop":"eu"}`},
		{"null", `{"shop":"eu","sku":null}`},
		{"empty", `{"shop":"eu","sku":""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ComputeKey(record(t, tt.raw), KeyExpr{Paths: []string{"shop", "sku"}})
			require.ErrorIs(t, err, harvest.ErrMissingKeyField)
			require.ErrorContains(t, err, "sku")
		})
	}
}

func TestComputeKeyFallbacks(t *testing.T) {
	t.Parallel()

	key, err := ComputeKey(record(t, `{"uuid":"u-1","name":"x"}`), KeyExpr{})
	require.NoError(t, err)
	require.Equal(t, "id:u-1", key)

	key, err = ComputeKey(record(t, `{"meta":{"ref":7},"id":1}`), KeyExpr{IDPath: "meta.ref"})
	require.NoError(t, err)
	require.Equal(t, "id:7", key)

	key, err = ComputeKey(record(t, `{"node":{"code":"c9"}}`), KeyExpr{IDKeys: []string{"node.code"}})
	require.NoError(t, err)
	require.Equal(t, "id:c9", key)

	key, err = ComputeKey(record(t, `{"name":"x","id":""}`), KeyExpr{})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(key, "sha256:"))
	require.Len(t, strings.TrimPrefix(key, "sha256:"), 64)
}

func TestComputeKeyIsPure(t *testing.T) {
	t.Parallel()

	a := record(t, `{"b":{"y":2,"x":1},"a":[1,"two"]}`)
	b := record(t, `{"a":[1,"two"],"b":{"x":1,"y":2}}`)

	first, err := ComputeKey(a, KeyExpr{})
	require.NoError(t, err)
	for range 5 {
		again, err := ComputeKey(a, KeyExpr{})
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
	other, err := ComputeKey(b, KeyExpr{})
	require.NoError(t, err)
	require.Equal(t, first, other, "key order does not change the digest")

	changed := record(t, `{"a":[1,"two"],"b":{"x":1,"y":3}}`)
	diff, err := ComputeKey(changed, KeyExpr{})
	require.NoError(t, err)
	require.NotEqual(t, first, diff)
}

func TestKeyExprValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, KeyExpr{Paths: []string{"a.b", "c[0]"}, IDKeys: []string{"id"}}.Validate())
	require.Error(t, KeyExpr{Paths: []string{"items[].id"}}.Validate())
	require.Error(t, KeyExpr{IDPath: "a[b"}.Validate())
}

func TestStringify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     any
		want   string
		wantOK bool
	}{
		{nil, "", false},
		{"", "", false},
		{"x", "x", true},
		{json.Number("1.50"), "1.50", true},
		{3.0, "3", true},
		{42, "42", true},
		{false, "false", true},
		{map[string]any{"b": 1, "a": 2}, `{"a":2,"b":1}`, true},
		{[]any{"x", json.Number("1")}, `["x",1]`, true},
	}
	for _, tt := range tests {
		got, ok := Stringify(tt.in)
		require.Equal(t, tt.wantOK, ok, "%v", tt.in)
		require.Equal(t, tt.want, got)
	}
}
