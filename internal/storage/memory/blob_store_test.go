package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webfarm/internal/harvest"
)

func TestBlobStoreRoundTripCopiesData(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewBlobStore()
	uri, err := store.PutObject(ctx, "books/page.fixture.json", "application/json", bytes.NewReader([]byte("content")))
	require.NoError(t, err)
	require.Equal(t, "memory://books/page.fixture.json", uri)

	got, err := store.GetObject(ctx, "books/page.fixture.json")
	require.NoError(t, err)
	got[0] = 'C'
	again, err := store.GetObject(ctx, "books/page.fixture.json")
	require.NoError(t, err)
	require.Equal(t, "content", string(again))
}

func TestBlobStoreListAndMissing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewBlobStore()
	for _, p := range []string{"b/2", "a/1", "b/1"} {
		_, err := store.PutObject(ctx, p, "", bytes.NewReader(nil))
		require.NoError(t, err)
	}
	keys, err := store.ListObjects(ctx, "b/")
	require.NoError(t, err)
	require.Equal(t, []string{"b/1", "b/2"}, keys)

	_, err = store.GetObject(ctx, "nope")
	require.ErrorIs(t, err, harvest.ErrNotFound)

	_, err = store.PutObject(ctx, "", "", bytes.NewReader(nil))
	require.Error(t, err)
}
