package harvest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// RunStatus represents the lifecycle state of a harvest run.
type RunStatus string

// Run status values persisted in run_state.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusBlocked   RunStatus = "blocked"
	RunStatusFailed    RunStatus = "failed"
)

// BlockedStatus is the resolution state of a blocked event.
type BlockedStatus string

// Blocked event statuses.
const (
	BlockedOpen     BlockedStatus = "open"
	BlockedResolved BlockedStatus = "resolved"
)

// OfferResult reports what a unique store did with an offered item.
type OfferResult int

// Offer outcomes.
const (
	Inserted OfferResult = iota + 1
	DuplicateIgnored
)

func (r OfferResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case DuplicateIgnored:
		return "duplicate_ignored"
	default:
		return "unknown"
	}
}

// RequestSpec is a concrete request derived from a profile and a pagination
// state. Values are never mutated after creation; the With* helpers return
// modified copies.
type RequestSpec struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// Clone returns a deep copy of the request.
func (r RequestSpec) Clone() RequestSpec {
	cp := r
	cp.Headers = cloneMap(r.Headers)
	cp.Params = cloneMap(r.Params)
	if r.Body != nil {
		cp.Body = append(json.RawMessage(nil), r.Body...)
	}
	return cp
}

// WithParam returns a copy with the query parameter set.
func (r RequestSpec) WithParam(key, value string) RequestSpec {
	cp := r.Clone()
	if cp.Params == nil {
		cp.Params = map[string]string{}
	}
	cp.Params[key] = value
	return cp
}

// WithHeader returns a copy with the header set.
func (r RequestSpec) WithHeader(key, value string) RequestSpec {
	cp := r.Clone()
	if cp.Headers == nil {
		cp.Headers = map[string]string{}
	}
	cp.Headers[key] = value
	return cp
}

// WithURL returns a copy pointing at rawURL with no extra query parameters.
func (r RequestSpec) WithURL(rawURL string) RequestSpec {
	cp := r.Clone()
	cp.URL = rawURL
	cp.Params = nil
	return cp
}

// WithBody returns a copy carrying body.
func (r RequestSpec) WithBody(body json.RawMessage) RequestSpec {
	cp := r.Clone()
	cp.Body = append(json.RawMessage(nil), body...)
	return cp
}

// FullURL merges Params into the URL query string. Keys are encoded in
// sorted order so equal requests produce equal URLs.
func (r RequestSpec) FullURL() (string, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return "", fmt.Errorf("parse request url: %w", err)
	}
	if len(r.Params) == 0 {
		return u.String(), nil
	}
	q := u.Query()
	for k, v := range r.Params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Domain returns the lowercase host of the request URL or "unknown".
func (r RequestSpec) Domain() string {
	u, err := url.Parse(r.URL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Fingerprint identifies a request by method, full URL and compacted body.
func (r RequestSpec) Fingerprint() string {
	full, err := r.FullURL()
	if err != nil {
		full = r.URL
	}
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodGet
	}
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte(' ')
	b.WriteString(full)
	if len(r.Body) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, r.Body); err == nil {
			b.WriteByte(' ')
			b.Write(buf.Bytes())
		} else {
			b.WriteByte(' ')
			b.Write(r.Body)
		}
	}
	return b.String()
}

// Response is the result returned by a Fetcher implementation.
type Response struct {
	URL         string
	StatusCode  int
	Headers     http.Header
	Body        []byte
	Duration    time.Duration
	FetchedAt   time.Time
	UsedBrowser bool
}

// Header returns the first value of the named response header.
func (r Response) Header(name string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get(name)
}

// RawItem is an extracted record plus its provenance.
type RawItem struct {
	RunID     string          `json:"run_id"`
	Batch     int             `json:"batch"`
	Seq       int             `json:"seq"`
	Key       string          `json:"key,omitempty"`
	SourceURL string          `json:"source_url"`
	FetchedAt time.Time       `json:"fetched_at"`
	Data      json.RawMessage `json:"data"`
}

// UniqueItem is a deduplicated record with its first-seen provenance.
type UniqueItem struct {
	Key         string          `json:"key"`
	FirstRunID  string          `json:"first_run_id"`
	FirstSeenAt time.Time       `json:"first_seen_at"`
	Data        json.RawMessage `json:"data"`
}

// RunState is the persisted progress of one (profile, run) pair.
type RunState struct {
	Profile     string          `json:"profile"`
	RunID       string          `json:"run_id"`
	Cursor      json.RawMessage `json:"cursor,omitempty"`
	Status      RunStatus       `json:"status"`
	Batches     int             `json:"batches"`
	ItemsRaw    int             `json:"items_raw"`
	ItemsUnique int             `json:"items_unique"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Resumed     bool            `json:"-"`
}

// Batch is the unit handed to Store.CommitBatch. Raw items carrying a Key are
// also offered to the unique store.
type Batch struct {
	Profile string
	RunID   string
	Index   int
	Raw     []RawItem
	Cursor  json.RawMessage
	// Status, when set, is written to run_state in the same transaction.
	Status RunStatus
}

// CommitResult summarizes a committed batch.
type CommitResult struct {
	Offers     []OfferResult
	Inserted   int
	Duplicates int
}

// BlockedEvent records a response the detector refused.
type BlockedEvent struct {
	ID         string            `json:"id"`
	Profile    string            `json:"profile"`
	RunID      string            `json:"run_id"`
	Batch      int               `json:"batch"`
	Request    RequestSpec       `json:"request"`
	State      json.RawMessage   `json:"state,omitempty"`
	Reason     string            `json:"reason"`
	StatusCode int               `json:"status_code,omitempty"`
	Snippet    string            `json:"snippet,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Status     BlockedStatus     `json:"status"`
	Note       string            `json:"note,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
}

// BlockedFilter narrows ListBlocked results.
type BlockedFilter struct {
	Profile         string
	IncludeResolved bool
	Limit           int
	Offset          int
}

// RunNotice is published when a run reaches a terminal or interrupted state.
type RunNotice struct {
	Profile        string          `json:"profile"`
	RunID          string          `json:"run_id"`
	Status         RunStatus       `json:"status"`
	Batches        int             `json:"batches"`
	ItemsRaw       int             `json:"items_raw"`
	ItemsUnique    int             `json:"items_unique"`
	Cursor         json.RawMessage `json:"cursor,omitempty"`
	BlockedEventID string          `json:"blocked_event_id,omitempty"`
	Error          string          `json:"error,omitempty"`
	FinishedAt     time.Time       `json:"finished_at"`
}

// Attributes implements Attributed.
func (n RunNotice) Attributes() map[string]string {
	return map[string]string{
		"profile": n.Profile,
		"run_id":  n.RunID,
		"status":  string(n.Status),
	}
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneMap(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
