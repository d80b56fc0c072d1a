package fetcher

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webfarm/internal/harvest"
)

func TestBackoffWithoutJitter(t *testing.T) {
	t.Parallel()

	p := noJitter()
	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second,
	}
	for i, w := range want {
		require.Equal(t, w, p.Backoff(i+1), "attempt %d", i+1)
	}
}

func TestBackoffJitterStaysInUpperHalf(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	for i := 0; i < 50; i++ {
		d := p.Backoff(3)
		require.GreaterOrEqual(t, d, time.Second)
		require.Less(t, d, 2*time.Second)
	}
}

func TestRetryDelayPrefersRetryAfter(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	require.Equal(t, 5*time.Second, p.RetryDelay(1, 5*time.Second, true))
	require.Equal(t, time.Duration(0), p.RetryDelay(1, 0, true))
	require.Equal(t, p.MaxRetryAfter, p.RetryDelay(1, time.Hour, true))
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		value string
		want  time.Duration
		ok    bool
	}{
		{"5", 5 * time.Second, true},
		{" 1.5 ", 1500 * time.Millisecond, true},
		{"0", 0, true},
		{"-3", 0, false},
		{"", 0, false},
		{"soon", 0, false},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second, true},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0, true},
	}
	for _, tt := range tests {
		got, ok := ParseRetryAfter(tt.value, now)
		require.Equal(t, tt.ok, ok, tt.value)
		require.Equal(t, tt.want, got, tt.value)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Now()
	tests := []struct {
		name   string
		status int
		err    error
		want   Outcome
	}{
		{"ok", 200, nil, Ok},
		{"redirect", 304, nil, Ok},
		{"rate limited", 429, nil, Retryable},
		{"server error", 500, nil, Retryable},
		{"gateway", 504, nil, Retryable},
		{"forbidden", 403, nil, Fatal},
		{"not found", 404, nil, Fatal},
		{"no status", 0, nil, Fatal},
		{"network", 0, errors.New("dial tcp: timeout"), Retryable},
		{"replay miss", 0, harvest.ErrReplayNotFound, Fatal},
	}
	for _, tt := range tests {
		res := Classify(ctx, harvest.Response{StatusCode: tt.status}, tt.err, now)
		require.Equal(t, tt.want, res.Outcome, tt.name)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	res := Classify(canceled, harvest.Response{}, errors.New("boom"), now)
	require.Equal(t, Fatal, res.Outcome)
	require.ErrorIs(t, res.Err, context.Canceled)
}
