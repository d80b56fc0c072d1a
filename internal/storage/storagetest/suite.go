// Package storagetest runs the behaviour every harvest.Store backend must
// share. Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webfarm/internal/harvest"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) harvest.Store

// Run exercises the shared store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(*testing.T, harvest.Store)
	}{
		{"BeginRunAndResume", testBeginRunAndResume},
		{"CommitBatchUpdatesCountsAndCursor", testCommitBatch},
		{"DedupIsIdempotentAcrossRuns", testDedupAcrossRuns},
		{"CommitForUnknownRunFails", testCommitUnknownRun},
		{"FinishRunAndLatest", testFinishRun},
		{"BlockedQueueLifecycle", testBlockedQueue},
		{"ConcurrentProfiles", testConcurrentProfiles},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			t.Cleanup(func() { _ = store.Close() })
			tt.fn(t, store)
		})
	}
}

var fetchedAt = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// RawItems builds keyed raw items for batch tests.
func RawItems(keys ...string) []harvest.RawItem {
	out := make([]harvest.RawItem, len(keys))
	for i, k := range keys {
		out[i] = harvest.RawItem{
			Seq:       i,
			Key:       k,
			SourceURL: "https://api.example.com/items",
			FetchedAt: fetchedAt,
			Data:      json.RawMessage(fmt.Sprintf(`{"k":%q}`, k)),
		}
	}
	return out
}

func testBeginRunAndResume(t *testing.T, store harvest.Store) {
	ctx := context.Background()

	first, err := store.BeginRun(ctx, "books", false)
	require.NoError(t, err)
	require.NotEmpty(t, first.RunID)
	require.Equal(t, harvest.RunStatusRunning, first.Status)
	require.False(t, first.Resumed)

	_, err = store.CommitBatch(ctx, harvest.Batch{
		Profile: "books", RunID: first.RunID, Index: 1,
		Raw: RawItems("a"), Cursor: json.RawMessage(`{"page":2}`),
	})
	require.NoError(t, err)
	require.NoError(t, store.FinishRun(ctx, "books", first.RunID, harvest.RunStatusBlocked, "blocked"))

	resumed, err := store.BeginRun(ctx, "books", true)
	require.NoError(t, err)
	require.Equal(t, first.RunID, resumed.RunID)
	require.True(t, resumed.Resumed)
	require.Equal(t, harvest.RunStatusRunning, resumed.Status)
	require.JSONEq(t, `{"page":2}`, string(resumed.Cursor))
	require.Equal(t, 1, resumed.Batches)

	require.NoError(t, store.FinishRun(ctx, "books", first.RunID, harvest.RunStatusCompleted, ""))
	fresh, err := store.BeginRun(ctx, "books", true)
	require.NoError(t, err)
	require.NotEqual(t, first.RunID, fresh.RunID, "completed runs are never resumed")
	require.False(t, fresh.Resumed)
	require.Empty(t, fresh.Cursor)
}

func testCommitBatch(t *testing.T, store harvest.Store) {
	ctx := context.Background()
	run, err := store.BeginRun(ctx, "books", false)
	require.NoError(t, err)

	raw := RawItems("a", "b", "a")
	raw = append(raw, harvest.RawItem{Seq: 3, SourceURL: "https://api.example.com/items", FetchedAt: fetchedAt, Data: json.RawMessage(`{"k":null}`)})
	res, err := store.CommitBatch(ctx, harvest.Batch{
		Profile: "books", RunID: run.RunID, Index: 1, Raw: raw,
		Cursor: json.RawMessage(`{"kind":"page","page":2,"batches":1,"items":4}`),
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.Inserted)
	require.Equal(t, 1, res.Duplicates)
	require.Len(t, res.Offers, 4)
	require.Equal(t, harvest.Inserted, res.Offers[0])
	require.Equal(t, harvest.DuplicateIgnored, res.Offers[2])

	got, err := store.GetRun(ctx, "books", run.RunID)
	require.NoError(t, err)
	require.Equal(t, 1, got.Batches)
	require.Equal(t, 4, got.ItemsRaw)
	require.Equal(t, 2, got.ItemsUnique)
	require.JSONEq(t, `{"kind":"page","page":2,"batches":1,"items":4}`, string(got.Cursor))

	_, err = store.CommitBatch(ctx, harvest.Batch{
		Profile: "books", RunID: run.RunID, Index: 2, Raw: RawItems("c"),
		Cursor: json.RawMessage(`{"kind":"page","page":3}`), Status: harvest.RunStatusCompleted,
	})
	require.NoError(t, err)
	got, err = store.GetRun(ctx, "books", run.RunID)
	require.NoError(t, err)
	require.Equal(t, 2, got.Batches)
	require.Equal(t, 5, got.ItemsRaw)
	require.Equal(t, 3, got.ItemsUnique)
	require.Equal(t, harvest.RunStatusCompleted, got.Status)

	var keys []string
	require.NoError(t, store.IterUnique(ctx, "books", func(it harvest.UniqueItem) error {
		keys = append(keys, it.Key)
		require.Equal(t, run.RunID, it.FirstRunID)
		return nil
	}))
	require.ElementsMatch(t, []string{"a", "b", "c"}, keys)
}

func testDedupAcrossRuns(t *testing.T, store harvest.Store) {
	ctx := context.Background()
	first, err := store.BeginRun(ctx, "books", false)
	require.NoError(t, err)
	_, err = store.CommitBatch(ctx, harvest.Batch{Profile: "books", RunID: first.RunID, Index: 1, Raw: RawItems("a", "b")})
	require.NoError(t, err)

	second, err := store.BeginRun(ctx, "books", false)
	require.NoError(t, err)
	res, err := store.CommitBatch(ctx, harvest.Batch{Profile: "books", RunID: second.RunID, Index: 1, Raw: RawItems("b", "c")})
	require.NoError(t, err)
	require.Equal(t, []harvest.OfferResult{harvest.DuplicateIgnored, harvest.Inserted}, res.Offers)

	offer, err := store.Offer(ctx, "books", harvest.UniqueItem{
		Key: "a", FirstRunID: "other", FirstSeenAt: fetchedAt, Data: json.RawMessage(`{"k":"a"}`),
	})
	require.NoError(t, err)
	require.Equal(t, harvest.DuplicateIgnored, offer)

	firstSeen := map[string]string{}
	require.NoError(t, store.IterUnique(ctx, "books", func(it harvest.UniqueItem) error {
		firstSeen[it.Key] = it.FirstRunID
		return nil
	}))
	require.Equal(t, map[string]string{"a": first.RunID, "b": first.RunID, "c": second.RunID}, firstSeen)

	offer, err = store.Offer(ctx, "magazines", harvest.UniqueItem{
		Key: "a", FirstRunID: "x", FirstSeenAt: fetchedAt, Data: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	require.Equal(t, harvest.Inserted, offer, "dedup is scoped per profile")
}

func testCommitUnknownRun(t *testing.T, store harvest.Store) {
	ctx := context.Background()
	_, err := store.CommitBatch(ctx, harvest.Batch{Profile: "books", RunID: "missing", Index: 1, Raw: RawItems("a")})
	require.ErrorIs(t, err, harvest.ErrNotFound)

	count := 0
	require.NoError(t, store.IterUnique(ctx, "books", func(harvest.UniqueItem) error {
		count++
		return nil
	}))
	require.Zero(t, count, "a failed commit persists nothing")
}

func testFinishRun(t *testing.T, store harvest.Store) {
	ctx := context.Background()
	_, err := store.LatestRun(ctx, "books")
	require.ErrorIs(t, err, harvest.ErrNotFound)

	run, err := store.BeginRun(ctx, "books", false)
	require.NoError(t, err)
	require.NoError(t, store.FinishRun(ctx, "books", run.RunID, harvest.RunStatusFailed, "boom"))

	latest, err := store.LatestRun(ctx, "books")
	require.NoError(t, err)
	require.Equal(t, run.RunID, latest.RunID)
	require.Equal(t, harvest.RunStatusFailed, latest.Status)
	require.Equal(t, "boom", latest.Error)

	require.ErrorIs(t, store.FinishRun(ctx, "books", "missing", harvest.RunStatusFailed, ""), harvest.ErrNotFound)
	_, err = store.GetRun(ctx, "books", "missing")
	require.ErrorIs(t, err, harvest.ErrNotFound)
}

func testBlockedQueue(t *testing.T, store harvest.Store) {
	ctx := context.Background()
	run, err := store.BeginRun(ctx, "books", false)
	require.NoError(t, err)

	event := harvest.BlockedEvent{
		Profile: "books",
		RunID:   run.RunID,
		Batch:   3,
		Request: harvest.RequestSpec{
			Method: "GET", URL: "https://api.example.com/items", Params: map[string]string{"page": "3"},
		},
		State:      json.RawMessage(`{"kind":"page","page":3}`),
		Reason:     "rate_limited",
		StatusCode: 429,
		Snippet:    "slow down",
		Headers:    map[string]string{"retry-after": "60"},
		CreatedAt:  fetchedAt,
	}
	id, err := store.RecordBlocked(ctx, event)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	other := event
	other.Profile = "magazines"
	other.CreatedAt = fetchedAt.Add(time.Minute)
	otherID, err := store.RecordBlocked(ctx, other)
	require.NoError(t, err)

	open, err := store.ListBlocked(ctx, harvest.BlockedFilter{})
	require.NoError(t, err)
	require.Len(t, open, 2)
	require.Equal(t, id, open[0].ID)

	got, err := store.GetBlocked(ctx, id)
	require.NoError(t, err)
	require.Equal(t, harvest.BlockedOpen, got.Status)
	require.Equal(t, "3", got.Request.Params["page"])
	require.JSONEq(t, `{"kind":"page","page":3}`, string(got.State))
	require.Equal(t, 429, got.StatusCode)
	require.Equal(t, "60", got.Headers["retry-after"])
	require.Nil(t, got.ResolvedAt)

	profiles, err := store.OpenBlockedProfiles(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"books", "magazines"}, profiles)

	require.NoError(t, store.ResolveBlocked(ctx, id, "rotated token"))
	got, err = store.GetBlocked(ctx, id)
	require.NoError(t, err)
	require.Equal(t, harvest.BlockedResolved, got.Status)
	require.Equal(t, "rotated token", got.Note)
	require.NotNil(t, got.ResolvedAt)

	open, err = store.ListBlocked(ctx, harvest.BlockedFilter{Profile: "books"})
	require.NoError(t, err)
	require.Empty(t, open)

	all, err := store.ListBlocked(ctx, harvest.BlockedFilter{IncludeResolved: true, Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, otherID, all[0].ID)

	profiles, err = store.OpenBlockedProfiles(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"magazines"}, profiles)

	require.ErrorIs(t, store.ResolveBlocked(ctx, "missing", ""), harvest.ErrNotFound)
	_, err = store.GetBlocked(ctx, "missing")
	require.ErrorIs(t, err, harvest.ErrNotFound)
}

func testConcurrentProfiles(t *testing.T, store harvest.Store) {
	ctx := context.Background()
	profiles := []string{"alpha", "beta", "gamma"}
	var wg sync.WaitGroup
	for _, p := range profiles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := store.BeginRun(ctx, p, false)
			if !assert.NoError(t, err) {
				return
			}
			for i := 1; i <= 5; i++ {
				_, err := store.CommitBatch(ctx, harvest.Batch{
					Profile: p, RunID: run.RunID, Index: i,
					Raw:    RawItems(fmt.Sprintf("%s-%d", p, i)),
					Cursor: json.RawMessage(fmt.Sprintf(`{"page":%d}`, i+1)),
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	for _, p := range profiles {
		latest, err := store.LatestRun(ctx, p)
		require.NoError(t, err)
		require.Equal(t, 5, latest.Batches)
		require.Equal(t, 5, latest.ItemsUnique)
	}
}
