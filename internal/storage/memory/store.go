// Package memory provides in-memory run and blob stores for tests and
// database-less runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/webfarm/internal/clock/system"
	"github.com/JakeFAU/webfarm/internal/dedup"
	"github.com/JakeFAU/webfarm/internal/harvest"
	"github.com/JakeFAU/webfarm/internal/id/uuid"
)

// Store is an in-memory harvest.Store for tests and runs without a database.
type Store struct {
	mu      sync.RWMutex
	clock   harvest.Clock
	ids     harvest.IDGenerator
	runs    map[string][]harvest.RunState
	raw     map[string][]harvest.RawItem
	unique  *dedup.Set
	blocked []harvest.BlockedEvent
}

// NewStore constructs a Store. Nil collaborators fall back to the wall clock
// and UUIDv7 ids.
func NewStore(clock harvest.Clock, ids harvest.IDGenerator) *Store {
	if clock == nil {
		clock = system.New()
	}
	if ids == nil {
		ids = uuid.NewUUIDGenerator()
	}
	return &Store{
		clock:  clock,
		ids:    ids,
		runs:   make(map[string][]harvest.RunState),
		raw:    make(map[string][]harvest.RawItem),
		unique: dedup.New(),
	}
}

// BeginRun starts a run, or resumes the latest unfinished one when resume is set.
func (s *Store) BeginRun(_ context.Context, profile string, resume bool) (harvest.RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	if resume {
		runs := s.runs[profile]
		for i := len(runs) - 1; i >= 0; i-- {
			if runs[i].Status == harvest.RunStatusCompleted {
				continue
			}
			runs[i].Status = harvest.RunStatusRunning
			runs[i].Error = ""
			runs[i].UpdatedAt = now
			state := runs[i]
			state.Resumed = true
			return cloneRun(state), nil
		}
	}

	runID, err := s.ids.NewID()
	if err != nil {
		return harvest.RunState{}, fmt.Errorf("new run id: %w", err)
	}
	state := harvest.RunState{
		Profile:   profile,
		RunID:     runID,
		Status:    harvest.RunStatusRunning,
		StartedAt: now,
		UpdatedAt: now,
	}
	s.runs[profile] = append(s.runs[profile], state)
	return cloneRun(state), nil
}

// CommitBatch applies raw rows, unique offers and the run cursor atomically.
func (s *Store) CommitBatch(_ context.Context, batch harvest.Batch) (harvest.CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.runIndexLocked(batch.Profile, batch.RunID)
	if err != nil {
		return harvest.CommitResult{}, err
	}

	var offers []harvest.UniqueItem
	var offerPos []int
	for i, item := range batch.Raw {
		if item.Key == "" {
			continue
		}
		offers = append(offers, harvest.UniqueItem{
			Key:         item.Key,
			FirstRunID:  batch.RunID,
			FirstSeenAt: item.FetchedAt,
			Data:        item.Data,
		})
		offerPos = append(offerPos, i)
	}

	result := harvest.CommitResult{Offers: make([]harvest.OfferResult, len(batch.Raw))}
	for i, res := range s.unique.OfferAll(batch.Profile, offers) {
		result.Offers[offerPos[i]] = res
		if res == harvest.Inserted {
			result.Inserted++
		} else {
			result.Duplicates++
		}
	}

	for _, item := range batch.Raw {
		item.RunID = batch.RunID
		item.Batch = batch.Index
		s.raw[batch.Profile] = append(s.raw[batch.Profile], item)
	}

	run := &s.runs[batch.Profile][idx]
	run.Cursor = append([]byte(nil), batch.Cursor...)
	run.Batches = batch.Index
	run.ItemsRaw += len(batch.Raw)
	run.ItemsUnique += result.Inserted
	if batch.Status != "" {
		run.Status = batch.Status
	}
	run.UpdatedAt = s.clock.Now()
	return result, nil
}

// FinishRun sets the terminal status of a run.
func (s *Store) FinishRun(_ context.Context, profile, runID string, status harvest.RunStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.runIndexLocked(profile, runID)
	if err != nil {
		return err
	}
	run := &s.runs[profile][idx]
	run.Status = status
	run.Error = errText
	run.UpdatedAt = s.clock.Now()
	return nil
}

// GetRun returns one run.
func (s *Store) GetRun(_ context.Context, profile, runID string) (harvest.RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, err := s.runIndexLocked(profile, runID)
	if err != nil {
		return harvest.RunState{}, err
	}
	return cloneRun(s.runs[profile][idx]), nil
}

// LatestRun returns the most recently started run of profile.
func (s *Store) LatestRun(_ context.Context, profile string) (harvest.RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := s.runs[profile]
	if len(runs) == 0 {
		return harvest.RunState{}, fmt.Errorf("latest run of %s: %w", profile, harvest.ErrNotFound)
	}
	return cloneRun(runs[len(runs)-1]), nil
}

// RecordBlocked stores an open blocked event and returns its id.
func (s *Store) RecordBlocked(_ context.Context, event harvest.BlockedEvent) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return "", fmt.Errorf("new blocked event id: %w", err)
		}
		event.ID = id
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.clock.Now()
	}
	event.Status = harvest.BlockedOpen
	event.ResolvedAt = nil
	s.blocked = append(s.blocked, cloneEvent(event))
	return event.ID, nil
}

// ListBlocked returns events in creation order, open ones only unless the
// filter asks otherwise.
func (s *Store) ListBlocked(_ context.Context, filter harvest.BlockedFilter) ([]harvest.BlockedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []harvest.BlockedEvent
	for _, ev := range s.blocked {
		if filter.Profile != "" && ev.Profile != filter.Profile {
			continue
		}
		if !filter.IncludeResolved && ev.Status != harvest.BlockedOpen {
			continue
		}
		out = append(out, cloneEvent(ev))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// GetBlocked returns one event.
func (s *Store) GetBlocked(_ context.Context, id string) (harvest.BlockedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ev := range s.blocked {
		if ev.ID == id {
			return cloneEvent(ev), nil
		}
	}
	return harvest.BlockedEvent{}, fmt.Errorf("blocked event %s: %w", id, harvest.ErrNotFound)
}

// ResolveBlocked marks an event resolved with an operator note.
func (s *Store) ResolveBlocked(_ context.Context, id, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.blocked {
		ev := &s.blocked[i]
		if ev.ID != id {
			continue
		}
		if ev.Status != harvest.BlockedResolved {
			now := s.clock.Now()
			ev.ResolvedAt = &now
		}
		ev.Status = harvest.BlockedResolved
		ev.Note = note
		return nil
	}
	return fmt.Errorf("blocked event %s: %w", id, harvest.ErrNotFound)
}

// OpenBlockedProfiles lists profiles with at least one open event, sorted.
func (s *Store) OpenBlockedProfiles(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := map[string]struct{}{}
	for _, ev := range s.blocked {
		if ev.Status == harvest.BlockedOpen {
			set[ev.Profile] = struct{}{}
		}
	}
	return harvest.SortedKeys(set), nil
}

// Offer offers one item to the unique set of profile.
func (s *Store) Offer(ctx context.Context, profile string, item harvest.UniqueItem) (harvest.OfferResult, error) {
	res, err := s.unique.Offer(ctx, profile, item)
	if err != nil {
		return 0, fmt.Errorf("offer: %w", err)
	}
	return res, nil
}

// IterUnique walks the unique items of profile in first-seen order.
func (s *Store) IterUnique(_ context.Context, profile string, fn func(harvest.UniqueItem) error) error {
	return s.unique.Each(profile, fn)
}

// RawItems returns a copy of the raw rows stored for profile.
func (s *Store) RawItems(profile string) []harvest.RawItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]harvest.RawItem(nil), s.raw[profile]...)
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) runIndexLocked(profile, runID string) (int, error) {
	for i, run := range s.runs[profile] {
		if run.RunID == runID {
			return i, nil
		}
	}
	return -1, fmt.Errorf("run %s/%s: %w", profile, runID, harvest.ErrNotFound)
}

func cloneRun(run harvest.RunState) harvest.RunState {
	run.Cursor = append([]byte(nil), run.Cursor...)
	if len(run.Cursor) == 0 {
		run.Cursor = nil
	}
	return run
}

func cloneEvent(ev harvest.BlockedEvent) harvest.BlockedEvent {
	ev.Request = ev.Request.Clone()
	ev.State = append([]byte(nil), ev.State...)
	if len(ev.State) == 0 {
		ev.State = nil
	}
	if ev.Headers != nil {
		headers := make(map[string]string, len(ev.Headers))
		for k, v := range ev.Headers {
			headers[k] = v
		}
		ev.Headers = headers
	}
	if ev.ResolvedAt != nil {
		at := *ev.ResolvedAt
		ev.ResolvedAt = &at
	}
	return ev
}
