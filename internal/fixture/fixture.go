// Package fixture captures raw responses as named fixtures and replays them
// without network access.
package fixture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/webfarm/internal/harvest"
)

// Suffix is the object name suffix of every fixture.
const Suffix = ".fixture.json"

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Fixture is a persisted response and the request that produced it. Body is
// base64 encoded on disk so replay is byte-identical.
type Fixture struct {
	Name        string              `json:"name"`
	Request     harvest.RequestSpec `json:"request"`
	Fingerprint string              `json:"fingerprint"`
	Status      int                 `json:"status"`
	Headers     map[string][]string `json:"headers,omitempty"`
	URL         string              `json:"url"`
	Body        []byte              `json:"body"`
	CapturedAt  time.Time           `json:"captured_at"`
}

// Response rebuilds the captured response.
func (f Fixture) Response() harvest.Response {
	headers := make(http.Header, len(f.Headers))
	for k, v := range f.Headers {
		headers[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}
	return harvest.Response{
		URL:        f.URL,
		StatusCode: f.Status,
		Headers:    headers,
		Body:       append([]byte(nil), f.Body...),
		FetchedAt:  f.CapturedAt,
	}
}

// Cache reads and writes fixtures under one directory of a blob store.
type Cache struct {
	blobs harvest.BlobStore
	dir   string
	clock harvest.Clock
}

// NewCache returns a cache rooted at dir inside blobs.
func NewCache(blobs harvest.BlobStore, dir string, clock harvest.Clock) (*Cache, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if clock == nil {
		clock = wallClock{}
	}
	return &Cache{blobs: blobs, dir: strings.Trim(path.Clean("/"+dir), "/"), clock: clock}, nil
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Dir is the directory fixtures are stored under.
func (c *Cache) Dir() string { return c.dir }

func (c *Cache) object(file string) string {
	if c.dir == "" {
		return file
	}
	return c.dir + "/" + file
}

// Snapshot stores resp under name and returns the written fixture.
func (c *Cache) Snapshot(ctx context.Context, name string, req harvest.RequestSpec, resp harvest.Response) (Fixture, error) {
	if !validName.MatchString(name) {
		return Fixture{}, fmt.Errorf("invalid fixture name %q", name)
	}
	headers := make(map[string][]string, len(resp.Headers))
	for k, v := range resp.Headers {
		headers[k] = append([]string(nil), v...)
	}
	captured := resp.FetchedAt
	if captured.IsZero() {
		captured = c.clock.Now()
	}
	fx := Fixture{
		Name:        name,
		Request:     req.Clone(),
		Fingerprint: req.Fingerprint(),
		Status:      resp.StatusCode,
		Headers:     headers,
		URL:         resp.URL,
		Body:        append([]byte(nil), resp.Body...),
		CapturedAt:  captured.UTC(),
	}
	data, err := json.MarshalIndent(fx, "", "  ")
	if err != nil {
		return Fixture{}, fmt.Errorf("encode fixture %s: %w", name, err)
	}
	if _, err := c.blobs.PutObject(ctx, c.object(name+Suffix), "application/json", bytes.NewReader(data)); err != nil {
		return Fixture{}, fmt.Errorf("write fixture %s: %w", name, err)
	}
	return fx, nil
}

// Load reads one fixture.
func (c *Cache) Load(ctx context.Context, name string) (Fixture, error) {
	data, err := c.blobs.GetObject(ctx, c.object(name+Suffix))
	if errors.Is(err, harvest.ErrNotFound) {
		return Fixture{}, fmt.Errorf("fixture %s: %w", name, harvest.ErrReplayNotFound)
	}
	if err != nil {
		return Fixture{}, fmt.Errorf("read fixture %s: %w", name, err)
	}
	var fx Fixture
	if err := json.Unmarshal(data, &fx); err != nil {
		return Fixture{}, fmt.Errorf("decode fixture %s: %w", name, err)
	}
	if fx.Name == "" {
		fx.Name = name
	}
	if fx.Fingerprint == "" {
		fx.Fingerprint = fx.Request.Fingerprint()
	}
	return fx, nil
}

// Replay returns the response stored under name.
func (c *Cache) Replay(ctx context.Context, name string) (harvest.Response, error) {
	fx, err := c.Load(ctx, name)
	if err != nil {
		return harvest.Response{}, err
	}
	return fx.Response(), nil
}

// Names lists the fixture names in the cache, sorted.
func (c *Cache) Names(ctx context.Context) ([]string, error) {
	prefix := ""
	if c.dir != "" {
		prefix = c.dir + "/"
	}
	keys, err := c.blobs.ListObjects(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list fixtures: %w", err)
	}
	var out []string
	for _, k := range keys {
		rel := strings.TrimPrefix(k, prefix)
		if strings.Contains(rel, "/") || !strings.HasSuffix(rel, Suffix) {
			continue
		}
		out = append(out, strings.TrimSuffix(rel, Suffix))
	}
	sort.Strings(out)
	return out, nil
}

// Replayer serves fetches from captured fixtures, matched by request
// fingerprint.
type Replayer struct {
	byFingerprint map[string]Fixture
}

// NewReplayer indexes every fixture in cache. When two fixtures share a
// fingerprint the one with the later name wins.
func NewReplayer(ctx context.Context, cache *Cache) (*Replayer, error) {
	names, err := cache.Names(ctx)
	if err != nil {
		return nil, err
	}
	r := &Replayer{byFingerprint: make(map[string]Fixture, len(names))}
	for _, name := range names {
		fx, err := cache.Load(ctx, name)
		if err != nil {
			return nil, err
		}
		r.byFingerprint[fx.Fingerprint] = fx
	}
	return r, nil
}

// NewReplayerFrom indexes already loaded fixtures.
func NewReplayerFrom(fixtures ...Fixture) *Replayer {
	r := &Replayer{byFingerprint: make(map[string]Fixture, len(fixtures))}
	for _, fx := range fixtures {
		if fx.Fingerprint == "" {
			fx.Fingerprint = fx.Request.Fingerprint()
		}
		r.byFingerprint[fx.Fingerprint] = fx
	}
	return r
}

// Len reports how many distinct requests can be replayed.
func (r *Replayer) Len() int { return len(r.byFingerprint) }

// Fetch implements harvest.Fetcher.
func (r *Replayer) Fetch(ctx context.Context, req harvest.RequestSpec) (harvest.Response, error) {
	if err := ctx.Err(); err != nil {
		return harvest.Response{}, err
	}
	fx, ok := r.byFingerprint[req.Fingerprint()]
	if !ok {
		return harvest.Response{}, fmt.Errorf("%w: %s", harvest.ErrReplayNotFound, req.Fingerprint())
	}
	return fx.Response(), nil
}

// Recorder forwards fetches to a live fetcher and snapshots every response
// under sequential names.
type Recorder struct {
	next   harvest.Fetcher
	cache  *Cache
	prefix string
	seq    int
	names  []string
}

// NewRecorder records responses of next into cache as <prefix>-0001 and so on.
func NewRecorder(next harvest.Fetcher, cache *Cache, prefix string) *Recorder {
	if prefix == "" {
		prefix = "page"
	}
	return &Recorder{next: next, cache: cache, prefix: prefix}
}

// Fetch implements harvest.Fetcher. Responses that come back with a fetch
// error are still recorded when they carry a status.
func (r *Recorder) Fetch(ctx context.Context, req harvest.RequestSpec) (harvest.Response, error) {
	resp, err := r.next.Fetch(ctx, req)
	if err != nil && resp.StatusCode == 0 {
		return resp, err
	}
	r.seq++
	name := fmt.Sprintf("%s-%04d", r.prefix, r.seq)
	if _, snapErr := r.cache.Snapshot(ctx, name, req, resp); snapErr != nil {
		return resp, errors.Join(err, snapErr)
	}
	r.names = append(r.names, name)
	return resp, err
}

// Names lists the fixtures recorded so far.
func (r *Recorder) Names() []string {
	return append([]string(nil), r.names...)
}
