// Package dedup tracks first-seen record keys per profile in memory.
package dedup

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/webfarm/internal/harvest"
)

// Set is an in-memory harvest.UniqueStore. The first offer of a key wins and
// its provenance is never replaced.
type Set struct {
	mu    sync.RWMutex
	items map[string]map[string]harvest.UniqueItem
	order map[string][]string
}

// New creates an empty Set.
func New() *Set {
	return &Set{
		items: make(map[string]map[string]harvest.UniqueItem),
		order: make(map[string][]string),
	}
}

// Offer records item under profile unless its key is already present.
func (s *Set) Offer(_ context.Context, profile string, item harvest.UniqueItem) (harvest.OfferResult, error) {
	if item.Key == "" {
		return 0, fmt.Errorf("offer unique item: %w", harvest.ErrMissingKeyField)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offerLocked(profile, item), nil
}

// OfferAll offers items in order under a single lock so the batch is applied
// atomically with respect to other callers.
func (s *Set) OfferAll(profile string, items []harvest.UniqueItem) []harvest.OfferResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]harvest.OfferResult, len(items))
	for i, item := range items {
		out[i] = s.offerLocked(profile, item)
	}
	return out
}

func (s *Set) offerLocked(profile string, item harvest.UniqueItem) harvest.OfferResult {
	seen, ok := s.items[profile]
	if !ok {
		seen = make(map[string]harvest.UniqueItem)
		s.items[profile] = seen
	}
	if _, dup := seen[item.Key]; dup {
		return harvest.DuplicateIgnored
	}
	seen[item.Key] = item
	s.order[profile] = append(s.order[profile], item.Key)
	return harvest.Inserted
}

// Has reports whether key was already offered for profile.
func (s *Set) Has(profile, key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[profile][key]
	return ok
}

// Get returns the first-seen item for key.
func (s *Set) Get(profile, key string) (harvest.UniqueItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[profile][key]
	return item, ok
}

// Len returns the number of unique keys for profile.
func (s *Set) Len(profile string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items[profile])
}

// Each calls fn for every unique item of profile in first-seen order.
func (s *Set) Each(profile string, fn func(harvest.UniqueItem) error) error {
	s.mu.RLock()
	keys := append([]string(nil), s.order[profile]...)
	seen := s.items[profile]
	items := make([]harvest.UniqueItem, 0, len(keys))
	for _, k := range keys {
		items = append(items, seen[k])
	}
	s.mu.RUnlock()

	for _, item := range items {
		if err := fn(item); err != nil {
			return err
		}
	}
	return nil
}
