package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/JakeFAU/webfarm/internal/harvest"
)

// Outcome classifies one transport attempt.
type Outcome int

// Attempt outcomes.
const (
	Ok Outcome = iota
	Retryable
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Ok:
		return "ok"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrMalformedTransportResult marks a transport that returned neither an
// error nor a usable status code.
var ErrMalformedTransportResult = errors.New("transport returned no status")

// Result is the classified outcome of a single attempt.
type Result struct {
	Outcome  Outcome
	Response *harvest.Response
	Err      error
	// RetryAfter is set when the response carried a parseable Retry-After.
	RetryAfter    time.Duration
	HasRetryAfter bool
}

// StatusCode returns the response status or zero.
func (r Result) StatusCode() int {
	if r.Response == nil {
		return 0
	}
	return r.Response.StatusCode
}

// Classify turns a transport result into Ok, Retryable or Fatal.
func Classify(ctx context.Context, resp harvest.Response, err error, now time.Time) Result {
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{Outcome: Fatal, Err: fmt.Errorf("fetch canceled: %w", ctxErr)}
		}
		if errors.Is(err, harvest.ErrReplayNotFound) || errors.Is(err, ErrMalformedTransportResult) {
			return Result{Outcome: Fatal, Err: err}
		}
		var result Result
		result.Outcome = Retryable
		result.Err = err
		if resp.StatusCode > 0 {
			r := resp
			result.Response = &r
		}
		return result
	}

	r := resp
	switch code := resp.StatusCode; {
	case code < 100:
		return Result{Outcome: Fatal, Err: ErrMalformedTransportResult}
	case code < 400:
		return Result{Outcome: Ok, Response: &r}
	case code == http.StatusTooManyRequests || code >= 500:
		result := Result{
			Outcome:  Retryable,
			Response: &r,
			Err:      fmt.Errorf("http status %d", code),
		}
		result.RetryAfter, result.HasRetryAfter = ParseRetryAfter(resp.Header("Retry-After"), now)
		return result
	default:
		return Result{Outcome: Fatal, Response: &r, Err: fmt.Errorf("http status %d", code)}
	}
}
