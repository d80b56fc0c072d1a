package fetcher

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webfarm/internal/blockdetect"
	"github.com/JakeFAU/webfarm/internal/harvest"
	"github.com/JakeFAU/webfarm/internal/secrets"
)

func staticFetcher(resp harvest.Response, err error, calls *int) harvest.FetcherFunc {
	return func(_ context.Context, _ harvest.RequestSpec) (harvest.Response, error) {
		*calls++
		return resp, err
	}
}

func htmlResp(status int, body string) harvest.Response {
	return harvest.Response{
		StatusCode: status,
		Headers:    http.Header{"Content-Type": {"text/html"}},
		Body:       []byte(body),
	}
}

func TestFallbackUsesBrowserWhenBlocked(t *testing.T) {
	t.Parallel()

	blockedResp := htmlResp(200, `<html><title>Just a moment...</title></html>`)
	var primaryCalls, browserCalls int
	f := NewFallback(
		staticFetcher(blockedResp, nil, &primaryCalls),
		staticFetcher(htmlResp(200, `<html><title>Catalog</title><p>items</p></html>`), nil, &browserCalls),
		blockdetect.Default(), nil, nil,
	)

	resp, err := f.Fetch(context.Background(), testReq)
	require.NoError(t, err)
	require.True(t, resp.UsedBrowser)
	require.Equal(t, 1, primaryCalls)
	require.Equal(t, 1, browserCalls)
}

func TestFallbackInspectsResponseCarriedByError(t *testing.T) {
	t.Parallel()

	denied := htmlResp(403, "denied")
	primaryErr := &harvest.PermanentFetchError{StatusCode: 403, Response: &denied, Err: errors.New("http status 403")}
	var primaryCalls, browserCalls int
	f := NewFallback(
		staticFetcher(harvest.Response{}, primaryErr, &primaryCalls),
		staticFetcher(htmlResp(403, "still denied"), nil, &browserCalls),
		blockdetect.Default(), nil, nil,
	)

	_, err := f.Fetch(context.Background(), testReq)
	require.ErrorIs(t, err, primaryErr)
	require.Equal(t, 1, browserCalls)
}

func TestFallbackSkipsBrowserForClearResponses(t *testing.T) {
	t.Parallel()

	var primaryCalls, browserCalls int
	f := NewFallback(
		staticFetcher(harvest.Response{StatusCode: 200, Body: []byte(`{"items":[]}`)}, nil, &primaryCalls),
		staticFetcher(harvest.Response{}, nil, &browserCalls),
		blockdetect.Default(), blockdetect.NewRenderHeuristic(0), nil,
	)

	_, err := f.Fetch(context.Background(), testReq)
	require.NoError(t, err)
	require.Zero(t, browserCalls)
}

func TestFallbackRendersJavaScriptShell(t *testing.T) {
	t.Parallel()

	var primaryCalls, browserCalls int
	f := NewFallback(
		staticFetcher(htmlResp(200, `<div id="__next"></div>`), nil, &primaryCalls),
		staticFetcher(htmlResp(200, `<div id="__next"><ul><li>one</li></ul></div>`), nil, &browserCalls),
		blockdetect.Default(), blockdetect.NewRenderHeuristic(0), nil,
	)

	resp, err := f.Fetch(context.Background(), testReq)
	require.NoError(t, err)
	require.True(t, resp.UsedBrowser)
	require.Contains(t, string(resp.Body), "<li>one</li>")
}

func TestFallbackKeepsPrimaryWhenBrowserFails(t *testing.T) {
	t.Parallel()

	blockedResp := htmlResp(200, `<div class="g-recaptcha"></div>`)
	var primaryCalls, browserCalls int
	f := NewFallback(
		staticFetcher(blockedResp, nil, &primaryCalls),
		staticFetcher(harvest.Response{}, errors.New("chrome missing"), &browserCalls),
		blockdetect.Default(), nil, nil,
	)

	resp, err := f.Fetch(context.Background(), testReq)
	require.NoError(t, err)
	require.False(t, resp.UsedBrowser)
	require.Equal(t, blockedResp.Body, resp.Body)
}

type stubResolver struct {
	cred secrets.Credential
	err  error
}

func (s stubResolver) Resolve(context.Context, secrets.Auth, string) (secrets.Credential, error) {
	return s.cred, s.err
}

func TestAuthenticatedAppliesCredentialToCopy(t *testing.T) {
	t.Parallel()

	var sent harvest.RequestSpec
	next := harvest.FetcherFunc(func(_ context.Context, req harvest.RequestSpec) (harvest.Response, error) {
		sent = req
		return harvest.Response{StatusCode: 200}, nil
	})
	resolver := stubResolver{cred: secrets.Credential{
		Headers: map[string]string{"Authorization": "Bearer T"},
		Params:  map[string]string{"key": "K"},
	}}
	f := NewAuthenticated(next, resolver, secrets.Auth{Ref: "api"})

	req := testReq.WithHeader("Accept", "application/json")
	_, err := f.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "Bearer T", sent.Headers["Authorization"])
	require.Equal(t, "K", sent.Params["key"])
	require.NotContains(t, req.Headers, "Authorization")
	require.Nil(t, req.Params)
}

func TestAuthenticatedResolveErrorIsPermanent(t *testing.T) {
	t.Parallel()

	var calls int
	f := NewAuthenticated(staticFetcher(harvest.Response{}, nil, &calls), stubResolver{err: secrets.ErrUnknownRef}, secrets.Auth{Ref: "x"})
	_, err := f.Fetch(context.Background(), testReq)
	var permanent *harvest.PermanentFetchError
	require.ErrorAs(t, err, &permanent)
	require.ErrorIs(t, err, secrets.ErrUnknownRef)
	require.Zero(t, calls)
}
