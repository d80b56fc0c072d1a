package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webfarm/internal/clock/system"
	"github.com/JakeFAU/webfarm/internal/extract"
	"github.com/JakeFAU/webfarm/internal/fixture"
	"github.com/JakeFAU/webfarm/internal/harvest"
	"github.com/JakeFAU/webfarm/internal/paginate"
	"github.com/JakeFAU/webfarm/internal/profile"
	"github.com/JakeFAU/webfarm/internal/progress"
	pubmem "github.com/JakeFAU/webfarm/internal/publisher/memory"
	"github.com/JakeFAU/webfarm/internal/storage/memory"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func jsonResp(url string, status int, body string) harvest.Response {
	return harvest.Response{
		URL:        url,
		StatusCode: status,
		Headers:    http.Header{"Content-Type": []string{"application/json"}},
		Body:       []byte(body),
		FetchedAt:  epoch,
	}
}

func pageProfile(name string) *profile.Profile {
	return &profile.Profile{
		Name:       name,
		Request:    profile.Request{URL: "https://api.example.test/" + name},
		Pagination: paginate.Config{Kind: paginate.KindPage, LimitParam: "limit", Limit: 2},
		Extract:    extract.Rules{Mode: extract.ModeJSON},
	}
}

// pagedSource serves pages by the "page" parameter. Pages listed in blocked
// answer 429 until unblock is called.
type pagedSource struct {
	mu      sync.Mutex
	pages   map[int]string
	blocked map[int]bool
	calls   []int
}

func newPagedSource(pages ...string) *pagedSource {
	s := &pagedSource{pages: map[int]string{}, blocked: map[int]bool{}}
	for i, body := range pages {
		s.pages[i+1] = body
	}
	return s
}

func (s *pagedSource) block(page int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[page] = true
}

func (s *pagedSource) unblock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked = map[int]bool{}
}

func (s *pagedSource) Fetch(_ context.Context, req harvest.RequestSpec) (harvest.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, err := strconv.Atoi(req.Params["page"])
	if err != nil {
		return harvest.Response{}, fmt.Errorf("no page param in %v", req.Params)
	}
	s.calls = append(s.calls, page)
	url, _ := req.FullURL()
	if s.blocked[page] {
		return jsonResp(url, http.StatusTooManyRequests, `{"message":"slow down"}`), nil
	}
	body, ok := s.pages[page]
	if !ok {
		body = `{"items":[]}`
	}
	return jsonResp(url, http.StatusOK, body), nil
}

func (s *pagedSource) Calls() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.calls...)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *eventRecorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.Stage
	}
	return out
}

type harness struct {
	store  *memory.Store
	pub    *pubmem.Publisher
	events *eventRecorder
	runner *Runner
}

func newHarness(t *testing.T, store harvest.Store, fetch harvest.Fetcher) harness {
	t.Helper()
	mem, _ := store.(*memory.Store)
	h := harness{store: mem, pub: pubmem.New(), events: &eventRecorder{}}
	runner, err := NewRunner(Config{
		Store:     store,
		Fetchers:  Static(fetch),
		Clock:     system.NewManual(epoch),
		Progress:  h.events,
		Publisher: h.pub,
		Topic:     "runs",
	})
	require.NoError(t, err)
	h.runner = runner
	return h
}

func TestNewRunnerRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := NewRunner(Config{Fetchers: Static(harvest.FetcherFunc(nil))})
	require.ErrorContains(t, err, "store")
	_, err = NewRunner(Config{Store: memory.NewStore(nil, nil)})
	require.ErrorContains(t, err, "fetcher")
}

func TestRunNextURLCompletesAfterTwoBatches(t *testing.T) {
	t.Parallel()

	fetch := harvest.FetcherFunc(func(_ context.Context, req harvest.RequestSpec) (harvest.Response, error) {
		switch req.URL {
		case "https://api.example.test/items":
			return jsonResp(req.URL, 200, `{"items":[{"id":1},{"id":2}],"next":"https://api.example.test/items?page=2"}`), nil
		case "https://api.example.test/items?page=2":
			return jsonResp(req.URL, 200, `{"items":[{"id":3}],"next":null}`), nil
		}
		return harvest.Response{}, fmt.Errorf("unexpected url %s", req.URL)
	})
	p := &profile.Profile{
		Name:       "feed",
		Request:    profile.Request{URL: "https://api.example.test/items"},
		Pagination: paginate.Config{Kind: paginate.KindNextURL, NextPath: "next"},
		Extract:    extract.Rules{Mode: extract.ModeJSON},
	}
	h := newHarness(t, memory.NewStore(nil, nil), fetch)

	res, err := h.runner.Run(context.Background(), p, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, harvest.RunStatusCompleted, res.Status)
	require.Equal(t, 2, res.Batches)
	require.Equal(t, 3, res.ItemsRaw)
	require.Equal(t, 3, res.ItemsUnique)
	require.Equal(t, string(paginate.StopNoNext), res.StopReason)

	run, err := h.store.LatestRun(context.Background(), "feed")
	require.NoError(t, err)
	require.Equal(t, harvest.RunStatusCompleted, run.Status)
	require.Equal(t, 2, run.Batches)

	require.Equal(t, []progress.Stage{
		progress.StageRunStart, progress.StageBatch, progress.StageBatch, progress.StageRunDone,
	}, h.events.stages())

	notices := h.pub.Notices()
	require.Len(t, notices, 1)
	require.Equal(t, harvest.RunStatusCompleted, notices[0].Status)
	require.Equal(t, res.RunID, notices[0].RunID)
}

func TestRunStopsOnShortPage(t *testing.T) {
	t.Parallel()

	src := newPagedSource(`{"items":[{"id":"a"},{"id":"b"}]}`, `{"items":[{"id":"c"}]}`)
	h := newHarness(t, memory.NewStore(nil, nil), src)

	res, err := h.runner.Run(context.Background(), pageProfile("shop"), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, harvest.RunStatusCompleted, res.Status)
	require.Equal(t, 2, res.LastBatch)
	require.Equal(t, string(paginate.StopShortPage), res.StopReason)
	require.Equal(t, []int{1, 2}, src.Calls())
}

func TestRunHonorsMaxItemsBetweenBatches(t *testing.T) {
	t.Parallel()

	src := newPagedSource(`{"items":[{"id":"a"},{"id":"b"}]}`, `{"items":[{"id":"c"},{"id":"d"}]}`)
	h := newHarness(t, memory.NewStore(nil, nil), src)

	res, err := h.runner.Run(context.Background(), pageProfile("shop"), RunOptions{MaxItems: 2})
	require.NoError(t, err)
	require.Equal(t, 1, res.Batches)
	require.Equal(t, string(paginate.StopMaxItems), res.StopReason)
	require.Equal(t, []int{1}, src.Calls())
}

func TestRunDeduplicatesAndCountsUnkeyed(t *testing.T) {
	t.Parallel()

	src := newPagedSource(
		`{"items":[{"id":"a"},{"id":"b"}]}`,
		`{"items":[{"id":"a"},{"name":"no key"}]}`,
		`{"items":[]}`,
	)
	h := newHarness(t, memory.NewStore(nil, nil), src)
	p := pageProfile("shop")
	p.Key = extract.KeyExpr{Paths: []string{"id"}}

	res, err := h.runner.Run(context.Background(), p, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, 4, res.ItemsRaw)
	require.Equal(t, 2, res.ItemsUnique)
	require.Equal(t, 1, res.Duplicates)
	require.Equal(t, 1, res.Unkeyed)
	require.Len(t, h.store.RawItems("shop"), 4)
	require.Equal(t, string(paginate.StopNoItems), res.StopReason)
}

func TestRunReplayIsDeterministic(t *testing.T) {
	t.Parallel()

	p := pageProfile("replay")
	pages := []string{
		`{"items":[{"id":"x1","price":3},{"id":"x2","price":4}]}`,
		`{"items":[{"id":"x3","price":5}]}`,
	}
	var fixtures []fixture.Fixture
	for i, body := range pages {
		req := p.BaseRequest().WithParam("page", strconv.Itoa(i+1)).WithParam("limit", "2")
		fixtures = append(fixtures, fixture.Fixture{
			Name:       fmt.Sprintf("page-%d", i+1),
			Request:    req,
			Status:     200,
			Headers:    map[string][]string{"Content-Type": {"application/json"}},
			URL:        "https://api.example.test/replay",
			Body:       []byte(body),
			CapturedAt: epoch,
		})
	}

	collect := func() ([]harvest.RawItem, []string) {
		h := newHarness(t, memory.NewStore(system.NewManual(epoch), nil), fixture.NewReplayerFrom(fixtures...))
		_, err := h.runner.Run(context.Background(), p, RunOptions{})
		require.NoError(t, err)
		raw := h.store.RawItems(p.Name)
		for i := range raw {
			raw[i].RunID = ""
		}
		var keys []string
		require.NoError(t, h.store.IterUnique(context.Background(), p.Name, func(u harvest.UniqueItem) error {
			keys = append(keys, u.Key)
			return nil
		}))
		return raw, keys
	}

	rawA, keysA := collect()
	rawB, keysB := collect()
	require.Len(t, rawA, 3)
	require.Equal(t, rawA, rawB)
	require.ElementsMatch(t, keysA, keysB)
}

func TestRunReplayMissingFixtureFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, memory.NewStore(nil, nil), fixture.NewReplayerFrom())
	res, err := h.runner.Run(context.Background(), pageProfile("empty"), RunOptions{})
	require.ErrorIs(t, err, harvest.ErrReplayNotFound)
	require.Equal(t, harvest.RunStatusFailed, res.Status)

	var runErr *harvest.RunError
	require.ErrorAs(t, err, &runErr)
	require.Equal(t, 0, runErr.LastBatch)
}

// flakyStore fails the commit of one batch index once.
type flakyStore struct {
	harvest.Store
	mu     sync.Mutex
	failAt int
}

func (s *flakyStore) CommitBatch(ctx context.Context, batch harvest.Batch) (harvest.CommitResult, error) {
	s.mu.Lock()
	fail := batch.Index == s.failAt
	if fail {
		s.failAt = 0
	}
	s.mu.Unlock()
	if fail {
		return harvest.CommitResult{}, errors.New("disk full")
	}
	return s.Store.CommitBatch(ctx, batch)
}

func TestRunCommitFailureLeavesCursorAtLastCommittedBatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := memory.NewStore(nil, nil)
	src := newPagedSource(
		`{"items":[{"id":"a"},{"id":"b"}]}`,
		`{"items":[{"id":"c"},{"id":"d"}]}`,
		`{"items":[{"id":"e"}]}`,
	)
	runner, err := NewRunner(Config{Store: &flakyStore{Store: mem, failAt: 2}, Fetchers: Static(src)})
	require.NoError(t, err)
	p := pageProfile("shop")

	res, err := runner.Run(ctx, p, RunOptions{})
	require.Error(t, err)
	var commitErr *harvest.StorageCommitError
	require.ErrorAs(t, err, &commitErr)
	require.Equal(t, 2, commitErr.Batch)
	require.Equal(t, harvest.RunStatusFailed, res.Status)
	require.Equal(t, 1, res.LastBatch)

	run, err := mem.LatestRun(ctx, "shop")
	require.NoError(t, err)
	require.Equal(t, harvest.RunStatusFailed, run.Status)
	require.Equal(t, 1, run.Batches)
	cursor, err := paginate.Unmarshal(run.Cursor)
	require.NoError(t, err)
	require.Equal(t, 2, cursor.Page)
	require.Len(t, mem.RawItems("shop"), 2)

	resumed, err := runner.Run(ctx, p, RunOptions{Resume: true})
	require.NoError(t, err)
	require.True(t, resumed.Resumed)
	require.Equal(t, res.RunID, resumed.RunID)
	require.Equal(t, 3, resumed.LastBatch)
	require.Equal(t, 2, resumed.Batches)
	require.Len(t, mem.RawItems("shop"), 5)
	require.Equal(t, []int{1, 2, 2, 3}, src.Calls())
}

func TestRunInterruptedBetweenBatchesStaysRunning(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := newPagedSource(`{"items":[{"id":"a"},{"id":"b"}]}`, `{"items":[{"id":"c"},{"id":"d"}]}`)
	fetch := harvest.FetcherFunc(func(ctx context.Context, req harvest.RequestSpec) (harvest.Response, error) {
		resp, err := src.Fetch(ctx, req)
		cancel()
		return resp, err
	})
	h := newHarness(t, memory.NewStore(nil, nil), fetch)

	res, err := h.runner.Run(ctx, pageProfile("shop"), RunOptions{})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, harvest.RunStatusRunning, res.Status)
	require.Equal(t, 1, res.LastBatch)

	run, err := h.store.LatestRun(context.Background(), "shop")
	require.NoError(t, err)
	require.Equal(t, harvest.RunStatusRunning, run.Status)
	require.Equal(t, 1, run.Batches)
	require.Equal(t, []int{1}, src.Calls())
}

func TestRunBlockedThenResumeAppendsToSameRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := newPagedSource(
		`{"items":[{"id":"a"},{"id":"b"}]}`,
		`{"items":[{"id":"c"},{"id":"d"}]}`,
		`{"items":[{"id":"e"}]}`,
	)
	src.block(2)
	h := newHarness(t, memory.NewStore(nil, nil), src)
	p := pageProfile("shop")

	res, err := h.runner.Run(ctx, p, RunOptions{})
	require.ErrorIs(t, err, harvest.ErrBlocked)
	require.Equal(t, harvest.RunStatusBlocked, res.Status)
	require.Equal(t, "rate_limited", res.BlockedReason)
	require.NotEmpty(t, res.BlockedEventID)
	require.Equal(t, 1, res.LastBatch)

	events, err := h.store.ListBlocked(ctx, harvest.BlockedFilter{Profile: "shop"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	require.Equal(t, 2, ev.Batch)
	require.Equal(t, 429, ev.StatusCode)
	require.Equal(t, "2", ev.Request.Params["page"])

	open, err := h.store.OpenBlockedProfiles(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"shop"}, open)

	// Still blocked: the same event stays open, nothing new is recorded.
	_, err = h.runner.ResumeBlocked(ctx, p, ev.ID, ResumeOptions{AutoResolve: true})
	require.ErrorIs(t, err, harvest.ErrBlocked)
	events, err = h.store.ListBlocked(ctx, harvest.BlockedFilter{Profile: "shop", IncludeResolved: true})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, harvest.BlockedOpen, events[0].Status)

	src.unblock()
	resumed, err := h.runner.ResumeBlocked(ctx, p, ev.ID, ResumeOptions{AutoResolve: true, Continue: true})
	require.NoError(t, err)
	require.Equal(t, harvest.RunStatusCompleted, resumed.Status)
	require.Equal(t, res.RunID, resumed.RunID)
	require.Equal(t, 3, resumed.LastBatch)
	require.Equal(t, 3, resumed.ItemsUnique)

	got, err := h.store.GetBlocked(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.BlockedResolved, got.Status)
	require.Equal(t, DefaultResolveNote, got.Note)

	run, err := h.store.GetRun(ctx, "shop", res.RunID)
	require.NoError(t, err)
	require.Equal(t, harvest.RunStatusCompleted, run.Status)
	require.Equal(t, 3, run.Batches)
	require.Len(t, h.store.RawItems("shop"), 5)
}

func TestResumeBlockedWithoutContinueLeavesRunOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := newPagedSource(
		`{"items":[{"id":"a"},{"id":"b"}]}`,
		`{"items":[{"id":"c"},{"id":"d"}]}`,
		`{"items":[{"id":"e"}]}`,
	)
	src.block(2)
	h := newHarness(t, memory.NewStore(nil, nil), src)
	p := pageProfile("shop")

	res, err := h.runner.Run(ctx, p, RunOptions{})
	require.ErrorIs(t, err, harvest.ErrBlocked)
	src.unblock()

	resumed, err := h.runner.ResumeBlocked(ctx, p, res.BlockedEventID, ResumeOptions{})
	require.NoError(t, err)
	require.Equal(t, harvest.RunStatusRunning, resumed.Status)
	require.Equal(t, 2, resumed.LastBatch)

	got, err := h.store.GetBlocked(ctx, res.BlockedEventID)
	require.NoError(t, err)
	require.Equal(t, harvest.BlockedOpen, got.Status)

	// A plain resume picks the run up at page 3.
	final, err := h.runner.Run(ctx, p, RunOptions{Resume: true})
	require.NoError(t, err)
	require.Equal(t, res.RunID, final.RunID)
	require.Equal(t, 3, final.LastBatch)
	require.Equal(t, []int{1, 2, 2, 3}, src.Calls())
}

func TestResumedRunSettlesItsBlockedEvent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := newPagedSource(
		`{"items":[{"id":"a"},{"id":"b"}]}`,
		`{"items":[{"id":"c"},{"id":"d"}]}`,
		`{"items":[{"id":"e"}]}`,
	)
	src.block(2)
	h := newHarness(t, memory.NewStore(nil, nil), src)
	p := pageProfile("shop")

	res, err := h.runner.Run(ctx, p, RunOptions{})
	require.ErrorIs(t, err, harvest.ErrBlocked)

	// Blocking again on a plain resume reuses the open event.
	again, err := h.runner.Run(ctx, p, RunOptions{Resume: true})
	require.ErrorIs(t, err, harvest.ErrBlocked)
	require.Equal(t, res.BlockedEventID, again.BlockedEventID)

	src.unblock()
	final, err := h.runner.Run(ctx, p, RunOptions{Resume: true})
	require.NoError(t, err)
	require.Equal(t, harvest.RunStatusCompleted, final.Status)
	require.Equal(t, 3, final.LastBatch)

	ev, err := h.store.GetBlocked(ctx, res.BlockedEventID)
	require.NoError(t, err)
	require.Equal(t, harvest.BlockedResolved, ev.Status)
	require.Equal(t, SupersededNote, ev.Note)
	events, err := h.store.ListBlocked(ctx, harvest.BlockedFilter{Profile: "shop", IncludeResolved: true})
	require.NoError(t, err)
	require.Len(t, events, 1)

	// The finished run is not reopened or re-fetched.
	late, err := h.runner.ResumeBlocked(ctx, p, ev.ID, ResumeOptions{AutoResolve: true})
	require.NoError(t, err)
	require.Equal(t, harvest.RunStatusCompleted, late.Status)
	require.Equal(t, StopSuperseded, late.StopReason)
	require.Equal(t, 3, late.LastBatch)

	run, err := h.store.GetRun(ctx, "shop", res.RunID)
	require.NoError(t, err)
	require.Equal(t, harvest.RunStatusCompleted, run.Status)
	require.Equal(t, 3, run.Batches)
	require.Len(t, h.store.RawItems("shop"), 5)
	require.Equal(t, []int{1, 2, 2, 2, 3}, src.Calls())
}

func TestResumeBlockedTwiceDoesNotAppendTwice(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := newPagedSource(
		`{"items":[{"id":"a"},{"id":"b"}]}`,
		`{"items":[{"id":"c"},{"id":"d"}]}`,
		`{"items":[{"id":"e"}]}`,
	)
	src.block(2)
	h := newHarness(t, memory.NewStore(nil, nil), src)
	p := pageProfile("shop")

	res, err := h.runner.Run(ctx, p, RunOptions{})
	require.ErrorIs(t, err, harvest.ErrBlocked)
	src.unblock()

	first, err := h.runner.ResumeBlocked(ctx, p, res.BlockedEventID, ResumeOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, first.LastBatch)

	second, err := h.runner.ResumeBlocked(ctx, p, res.BlockedEventID, ResumeOptions{AutoResolve: true})
	require.NoError(t, err)
	require.Equal(t, StopSuperseded, second.StopReason)
	require.Equal(t, harvest.RunStatusRunning, second.Status)
	require.Equal(t, 2, second.LastBatch)
	require.Zero(t, second.ItemsRaw)

	ev, err := h.store.GetBlocked(ctx, res.BlockedEventID)
	require.NoError(t, err)
	require.Equal(t, harvest.BlockedResolved, ev.Status)
	require.Equal(t, SupersededNote, ev.Note)

	run, err := h.store.GetRun(ctx, "shop", res.RunID)
	require.NoError(t, err)
	require.Equal(t, 2, run.Batches)
	require.Len(t, h.store.RawItems("shop"), 4)
	require.Equal(t, []int{1, 2, 2}, src.Calls())
}

func TestResumeBlockedRejectsForeignProfile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := newPagedSource(`{"items":[{"id":"a"}]}`)
	src.block(1)
	h := newHarness(t, memory.NewStore(nil, nil), src)

	res, err := h.runner.Run(ctx, pageProfile("shop"), RunOptions{})
	require.ErrorIs(t, err, harvest.ErrBlocked)

	_, err = h.runner.ResumeBlocked(ctx, pageProfile("other"), res.BlockedEventID, ResumeOptions{})
	require.ErrorContains(t, err, "belongs to profile shop")

	_, err = h.runner.ResumeBlocked(ctx, pageProfile("shop"), "missing", ResumeOptions{})
	require.ErrorIs(t, err, harvest.ErrNotFound)
}

func TestRunRejectsCursorOfAnotherKind(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore(nil, nil)
	run, err := store.BeginRun(ctx, "shop", false)
	require.NoError(t, err)
	cursor, err := paginate.State{Kind: paginate.KindOffset, Offset: 20, Batches: 1}.Marshal()
	require.NoError(t, err)
	_, err = store.CommitBatch(ctx, harvest.Batch{Profile: "shop", RunID: run.RunID, Index: 1, Cursor: cursor})
	require.NoError(t, err)

	h := newHarness(t, store, newPagedSource())
	res, err := h.runner.Run(ctx, pageProfile("shop"), RunOptions{Resume: true})
	require.ErrorContains(t, err, "offset pagination")
	require.Equal(t, harvest.RunStatusFailed, res.Status)
}

func TestRunPublishFailureDoesNotFailRun(t *testing.T) {
	t.Parallel()

	src := newPagedSource(`{"items":[{"id":"a"}]}`)
	h := newHarness(t, memory.NewStore(nil, nil), src)
	h.pub.FailWith(errors.New("broker down"))

	res, err := h.runner.Run(context.Background(), pageProfile("shop"), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, harvest.RunStatusCompleted, res.Status)
}
