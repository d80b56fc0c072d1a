package harvest

import (
	"context"
	"io"
	"time"
)

// Fetcher executes one request and returns the response. Single-attempt
// transports, retrying wrappers and fixture replay all satisfy it.
type Fetcher interface {
	Fetch(ctx context.Context, request RequestSpec) (Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, request RequestSpec) (Response, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, request RequestSpec) (Response, error) {
	return f(ctx, request)
}

// Limiter throttles outgoing requests per domain.
type Limiter interface {
	Acquire(ctx context.Context, domain string) error
}

// UniqueStore tracks first-seen keys per profile.
type UniqueStore interface {
	Offer(ctx context.Context, profile string, item UniqueItem) (OfferResult, error)
}

// Store persists run progress, items and the blocked queue.
type Store interface {
	UniqueStore
	BeginRun(ctx context.Context, profile string, resume bool) (RunState, error)
	CommitBatch(ctx context.Context, batch Batch) (CommitResult, error)
	FinishRun(ctx context.Context, profile, runID string, status RunStatus, errText string) error
	GetRun(ctx context.Context, profile, runID string) (RunState, error)
	LatestRun(ctx context.Context, profile string) (RunState, error)
	RecordBlocked(ctx context.Context, event BlockedEvent) (string, error)
	ListBlocked(ctx context.Context, filter BlockedFilter) ([]BlockedEvent, error)
	GetBlocked(ctx context.Context, id string) (BlockedEvent, error)
	ResolveBlocked(ctx context.Context, id, note string) error
	OpenBlockedProfiles(ctx context.Context) ([]string, error)
	IterUnique(ctx context.Context, profile string, fn func(UniqueItem) error) error
	Close() error
}

// BlobStore reads and writes raw artifacts such as fixtures.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// Publisher pushes run completion notifications.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Attributed payloads expose string attributes that publishers attach to the
// message envelope for routing and filtering.
type Attributed interface {
	Attributes() map[string]string
}

// Hasher computes digests for fallback keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run and event IDs.
type IDGenerator interface {
	NewID() (string, error)
}
