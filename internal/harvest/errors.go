package harvest

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrBlocked marks a run that stopped because the source refused it. It is
	// an expected outcome, not a failure.
	ErrBlocked = errors.New("source blocked the request")
	// ErrMissingKeyField means a record lacks a configured key field; the
	// record is skipped for unique storage.
	ErrMissingKeyField = errors.New("missing key field")
	// ErrReplayNotFound is returned in offline mode when no fixture matches.
	ErrReplayNotFound = errors.New("replay fixture not found")
	// ErrMalformedResponse means the body could not be decoded as configured.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrNotFound is returned by stores for unknown runs or events.
	ErrNotFound = errors.New("not found")
)

// TransientFetchError is returned once retries are exhausted on a retryable
// failure (timeouts, 5xx, 429, connection errors).
type TransientFetchError struct {
	Attempts   int
	StatusCode int
	Response   *Response
	Err        error
}

func (e *TransientFetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient fetch error after %d attempts (status %d): %v", e.Attempts, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient fetch error after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// PermanentFetchError is returned for non-retryable failures such as 4xx
// responses other than 429.
type PermanentFetchError struct {
	Attempts   int
	StatusCode int
	Response   *Response
	Err        error
}

func (e *PermanentFetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("permanent fetch error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("permanent fetch error: %v", e.Err)
}

func (e *PermanentFetchError) Unwrap() error { return e.Err }

// StorageCommitError wraps a failed CommitBatch. Nothing from the batch was
// persisted.
type StorageCommitError struct {
	Profile string
	RunID   string
	Batch   int
	Err     error
}

func (e *StorageCommitError) Error() string {
	return fmt.Sprintf("commit batch %d for %s/%s: %v", e.Batch, e.Profile, e.RunID, e.Err)
}

func (e *StorageCommitError) Unwrap() error { return e.Err }

// RunError reports an aborted run together with the last committed position
// so the operator can resume exactly.
type RunError struct {
	Profile       string
	RunID         string
	Status        RunStatus
	LastBatch     int
	LastCursor    json.RawMessage
	Err           error
	BlockedReason string
}

func (e *RunError) Error() string {
	cursor := "none"
	if len(e.LastCursor) > 0 {
		cursor = string(e.LastCursor)
	}
	return fmt.Sprintf("run %s/%s %s after %d committed batches (cursor %s): %v",
		e.Profile, e.RunID, e.Status, e.LastBatch, cursor, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// FetchResponse extracts the last response carried by a fetch error.
func FetchResponse(err error) (Response, bool) {
	var transient *TransientFetchError
	if errors.As(err, &transient) && transient.Response != nil {
		return *transient.Response, true
	}
	var permanent *PermanentFetchError
	if errors.As(err, &permanent) && permanent.Response != nil {
		return *permanent.Response, true
	}
	return Response{}, false
}
