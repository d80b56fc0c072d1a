package harvest

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestSpecFullURLSortsParams(t *testing.T) {
	t.Parallel()

	req := RequestSpec{
		Method: "GET",
		URL:    "https://api.example.com/items?lang=en",
		Params: map[string]string{"page": "2", "limit": "10"},
	}
	full, err := req.FullURL()
	require.NoError(t, err)
	require.Equal(t, "https://api.example.com/items?lang=en&limit=10&page=2", full)
}

func TestRequestSpecWithHelpersDoNotMutate(t *testing.T) {
	t.Parallel()

	base := RequestSpec{
		Method:  "GET",
		URL:     "https://api.example.com/items",
		Headers: map[string]string{"Accept": "application/json"},
		Params:  map[string]string{"page": "1"},
	}
	next := base.WithParam("page", "2").WithHeader("X-Trace", "1")

	require.Equal(t, "1", base.Params["page"])
	require.NotContains(t, base.Headers, "X-Trace")
	require.Equal(t, "2", next.Params["page"])

	moved := base.WithURL("https://api.example.com/items?cursor=abc")
	require.Nil(t, moved.Params)
	require.Equal(t, "1", base.Params["page"])
}

func TestRequestSpecFingerprintIgnoresBodyWhitespace(t *testing.T) {
	t.Parallel()

	a := RequestSpec{Method: "post", URL: "https://x.test/q", Body: json.RawMessage(`{"after": "a1"}`)}
	b := RequestSpec{Method: "POST", URL: "https://x.test/q", Body: json.RawMessage(`{"after":"a1"}`)}
	require.Equal(t, a.Fingerprint(), b.Fingerprint())

	c := RequestSpec{URL: "https://x.test/q"}
	require.Equal(t, "GET https://x.test/q", c.Fingerprint())
}

func TestRequestSpecDomain(t *testing.T) {
	t.Parallel()

	require.Equal(t, "api.example.com", RequestSpec{URL: "https://API.example.com/x"}.Domain())
	require.Equal(t, "unknown", RequestSpec{URL: "::bad"}.Domain())
}

func TestFetchResponseUnwrapsCarriedResponse(t *testing.T) {
	t.Parallel()

	resp := Response{StatusCode: 403}
	err := fmt.Errorf("fetch page: %w", &PermanentFetchError{StatusCode: 403, Response: &resp, Err: errors.New("forbidden")})
	got, ok := FetchResponse(err)
	require.True(t, ok)
	require.Equal(t, 403, got.StatusCode)

	_, ok = FetchResponse(errors.New("plain"))
	require.False(t, ok)
}

func TestRunErrorMessageCarriesCursor(t *testing.T) {
	t.Parallel()

	err := &RunError{
		Profile:    "shop",
		RunID:      "run-1",
		Status:     RunStatusFailed,
		LastBatch:  3,
		LastCursor: json.RawMessage(`{"page":4}`),
		Err:        errors.New("boom"),
	}
	require.Contains(t, err.Error(), `{"page":4}`)
	require.Contains(t, err.Error(), "3 committed batches")
	require.ErrorContains(t, errors.Unwrap(err), "boom")
}
