package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/webfarm/internal/harvest"
)

func newTestStore(t *testing.T, prefix string, handler http.Handler) *BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "test-bucket", Prefix: prefix})
	require.NoError(t, err)
	return store
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
}

func TestPutObjectUploadsUnderPrefix(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/test-bucket/o")
		assert.Equal(t, "fixtures/books/page-1.fixture.json", r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), `{"status":200}`)
		_, _ = fmt.Fprintln(w, `{"name":"fixtures/books/page-1.fixture.json"}`)
	})
	store := newTestStore(t, "/fixtures/", handler)

	uri, err := store.PutObject(context.Background(), "books/page-1.fixture.json", "application/json",
		bytes.NewReader([]byte(`{"status":200}`)))
	require.NoError(t, err)
	require.Equal(t, "gs://test-bucket/fixtures/books/page-1.fixture.json", uri)
}

func TestPutObjectRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, "", http.NotFoundHandler())
	_, err := store.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	require.Error(t, err)
}

func TestGetObjectMissing(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, "", http.NotFoundHandler())
	_, err := store.GetObject(context.Background(), "books/missing.json")
	require.ErrorIs(t, err, harvest.ErrNotFound)
}

func TestListObjectsStripsPrefix(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/b/test-bucket/o") {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "fixtures/books/", r.URL.Query().Get("prefix"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"kind":"storage#objects","items":[
			{"name":"fixtures/books/cases.json","bucket":"test-bucket"},
			{"name":"fixtures/books/page-1.fixture.json","bucket":"test-bucket"}]}`)
	})
	store := newTestStore(t, "fixtures", handler)

	keys, err := store.ListObjects(context.Background(), "books/")
	require.NoError(t, err)
	require.Equal(t, []string{"books/cases.json", "books/page-1.fixture.json"}, keys)
}
