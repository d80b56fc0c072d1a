package fetcher

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webfarm/internal/harvest"
)

type step struct {
	status  int
	headers http.Header
	err     error
}

type scriptedTransport struct {
	mu    sync.Mutex
	steps []step
	calls int
}

func (s *scriptedTransport) Fetch(_ context.Context, req harvest.RequestSpec) (harvest.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.steps[len(s.steps)-1]
	if s.calls < len(s.steps) {
		st = s.steps[s.calls]
	}
	s.calls++
	if st.err != nil {
		return harvest.Response{}, st.err
	}
	return harvest.Response{URL: req.URL, StatusCode: st.status, Headers: st.headers, Body: []byte(`{}`)}, nil
}

type countingLimiter struct {
	mu      sync.Mutex
	domains []string
	err     error
}

func (l *countingLimiter) Acquire(_ context.Context, domain string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.domains = append(l.domains, domain)
	return l.err
}

type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	err    error
}

func (d *delayRecorder) sleep(_ context.Context, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delays = append(d.delays, delay)
	return d.err
}

var testReq = harvest.RequestSpec{Method: http.MethodGet, URL: "https://api.example.com/items"}

func noJitter() Policy {
	p := DefaultPolicy()
	p.Jitter = false
	return p
}

func TestRetryingRecoversFromServerErrors(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{steps: []step{{status: 500}, {status: 502}, {status: 200}}}
	limiter := &countingLimiter{}
	rec := &delayRecorder{}
	f := NewRetrying(transport, limiter, noJitter(), nil, WithSleep(rec.sleep))

	resp, err := f.Fetch(context.Background(), testReq)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, 3, transport.calls)
	require.Equal(t, []string{"api.example.com", "api.example.com", "api.example.com"}, limiter.domains)
	require.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, rec.delays)
}

func TestRetryingHonorsRetryAfterExactly(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{steps: []step{
		{status: http.StatusTooManyRequests, headers: http.Header{"Retry-After": {"5"}}},
		{status: 200},
	}}
	rec := &delayRecorder{}
	f := NewRetrying(transport, nil, DefaultPolicy(), nil, WithSleep(rec.sleep))

	_, err := f.Fetch(context.Background(), testReq)
	require.NoError(t, err)
	require.Equal(t, []time.Duration{5 * time.Second}, rec.delays)
}

func TestRetryingClampsRetryAfter(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{steps: []step{
		{status: 503, headers: http.Header{"Retry-After": {"600"}}},
		{status: 200},
	}}
	rec := &delayRecorder{}
	policy := DefaultPolicy()
	policy.MaxRetryAfter = 30 * time.Second
	f := NewRetrying(transport, nil, policy, nil, WithSleep(rec.sleep))

	_, err := f.Fetch(context.Background(), testReq)
	require.NoError(t, err)
	require.Equal(t, []time.Duration{30 * time.Second}, rec.delays)
}

func TestRetryingRetryAfterHTTPDate(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	transport := &scriptedTransport{steps: []step{
		{status: 429, headers: http.Header{"Retry-After": {now.Add(7 * time.Second).Format(http.TimeFormat)}}},
		{status: 200},
	}}
	rec := &delayRecorder{}
	f := NewRetrying(transport, nil, DefaultPolicy(), nil,
		WithSleep(rec.sleep),
		WithNow(func() time.Time { return now }),
	)

	_, err := f.Fetch(context.Background(), testReq)
	require.NoError(t, err)
	require.Equal(t, []time.Duration{7 * time.Second}, rec.delays)
}

func TestRetryingClientErrorIsFatal(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{steps: []step{{status: 404}}}
	f := NewRetrying(transport, nil, DefaultPolicy(), nil, WithSleep((&delayRecorder{}).sleep))

	_, err := f.Fetch(context.Background(), testReq)
	var permanent *harvest.PermanentFetchError
	require.ErrorAs(t, err, &permanent)
	require.Equal(t, 404, permanent.StatusCode)
	require.Equal(t, 1, permanent.Attempts)
	require.NotNil(t, permanent.Response)
	require.Equal(t, 1, transport.calls)
}

func TestRetryingExhaustionCarriesLastResponse(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{steps: []step{{status: 503}}}
	rec := &delayRecorder{}
	f := NewRetrying(transport, nil, noJitter(), nil, WithSleep(rec.sleep))

	_, err := f.Fetch(context.Background(), testReq)
	var transient *harvest.TransientFetchError
	require.ErrorAs(t, err, &transient)
	require.Equal(t, 4, transient.Attempts)
	require.Equal(t, 503, transient.StatusCode)
	resp, ok := harvest.FetchResponse(err)
	require.True(t, ok)
	require.Equal(t, 503, resp.StatusCode)
	require.Len(t, rec.delays, 3)
	require.Equal(t, 4, transport.calls)
}

func TestRetryingConnectionErrorsAreRetryable(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{steps: []step{{err: errors.New("connection reset")}}}
	policy := noJitter()
	policy.MaxAttempts = 2
	f := NewRetrying(transport, nil, policy, nil, WithSleep((&delayRecorder{}).sleep))

	_, err := f.Fetch(context.Background(), testReq)
	var transient *harvest.TransientFetchError
	require.ErrorAs(t, err, &transient)
	require.ErrorContains(t, err, "connection reset")
	_, ok := harvest.FetchResponse(err)
	require.False(t, ok)
}

func TestRetryingStopsWhenSleepCanceled(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{steps: []step{{status: 500}}}
	rec := &delayRecorder{err: context.Canceled}
	f := NewRetrying(transport, nil, noJitter(), nil, WithSleep(rec.sleep))

	_, err := f.Fetch(context.Background(), testReq)
	var permanent *harvest.PermanentFetchError
	require.ErrorAs(t, err, &permanent)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, transport.calls)
}

func TestRetryingLimiterErrorIsFatal(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{steps: []step{{status: 200}}}
	limiter := &countingLimiter{err: context.DeadlineExceeded}
	f := NewRetrying(transport, limiter, DefaultPolicy(), nil)

	_, err := f.Fetch(context.Background(), testReq)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, transport.calls)
}

func TestRetryingRealSleepHonorsContext(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{steps: []step{{status: 503, headers: http.Header{"Retry-After": {"60"}}}}}
	f := NewRetrying(transport, nil, DefaultPolicy(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := f.Fetch(ctx, testReq)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 5*time.Second)
}
